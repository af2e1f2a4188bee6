package space

import (
	"context"
	"errors"
	"testing"

	"beacon/api/internal/ability"
)

type fakeLookup struct {
	summary Summary
	err     error
}

func (f fakeLookup) GetSpaceSummary(context.Context, string) (Summary, error) {
	return f.summary, f.err
}

func member(role ability.Role) ability.User {
	return ability.User{
		UserUUID:         "user-1",
		OrganizationUUID: "org-1",
		Grants:           []ability.Grant{{Scope: ability.ScopeProject, ScopeUUID: "proj-1", Role: role}},
	}
}

func TestEvaluate(t *testing.T) {
	policy := ability.DefaultPolicy()
	public := Summary{UUID: "sp-1", ProjectUUID: "proj-1", OrganizationUUID: "org-1"}
	private := Summary{UUID: "sp-2", ProjectUUID: "proj-1", OrganizationUUID: "org-1", IsPrivate: true}
	shared := private
	shared.Access = []string{"user-1"}

	cases := []struct {
		name    string
		user    ability.User
		summary Summary
		want    Access
	}{
		{name: "viewer sees public space", user: member(ability.RoleViewer), summary: public, want: Allowed},
		{name: "outsider denied public space", user: ability.User{UserUUID: "user-9", OrganizationUUID: "org-2"}, summary: public, want: Denied},
		{name: "editor denied private space", user: member(ability.RoleEditor), summary: private, want: Denied},
		{name: "viewer with access entry sees private space", user: member(ability.RoleViewer), summary: shared, want: Allowed},
		{name: "admin sees private space", user: member(ability.RoleAdmin), summary: private, want: Allowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Evaluate(policy, tc.user, tc.summary); got != tc.want {
				t.Fatalf("Evaluate() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCheckLookupFailureIsIndeterminate(t *testing.T) {
	lookupErr := errors.New("connection refused")
	access, err := Check(context.Background(), fakeLookup{err: lookupErr}, ability.DefaultPolicy(), member(ability.RoleAdmin), "sp-1")
	if access != Indeterminate {
		t.Fatalf("Check() access = %s, want indeterminate", access)
	}
	if !errors.Is(err, lookupErr) {
		t.Fatalf("Check() error = %v, want wrapped %v", err, lookupErr)
	}
}

func TestCheckEvaluatesSummary(t *testing.T) {
	lookup := fakeLookup{summary: Summary{UUID: "sp-1", ProjectUUID: "proj-1", OrganizationUUID: "org-1"}}
	access, err := Check(context.Background(), lookup, ability.DefaultPolicy(), member(ability.RoleViewer), "sp-1")
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if access != Allowed {
		t.Fatalf("Check() access = %s, want allowed", access)
	}
}
