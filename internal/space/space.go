// Package space decides whether a user may see a space.
package space

import (
	"context"
	"fmt"
	"slices"

	"beacon/api/internal/ability"
)

// Summary is the part of a space the visibility rules need.
type Summary struct {
	UUID             string   `json:"uuid"`
	Name             string   `json:"name"`
	ProjectUUID      string   `json:"projectUuid"`
	OrganizationUUID string   `json:"organizationUuid"`
	IsPrivate        bool     `json:"isPrivate"`
	Access           []string `json:"access"`
}

// Access is the outcome of a visibility check.
type Access int

const (
	Denied Access = iota
	Allowed
	// Indeterminate means the space could not be looked up. Callers treat it
	// as Denied.
	Indeterminate
)

func (a Access) String() string {
	switch a {
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case Indeterminate:
		return "indeterminate"
	default:
		return fmt.Sprintf("access(%d)", int(a))
	}
}

// Authorizer is satisfied by *ability.Policy.
type Authorizer interface {
	Can(user ability.User, action ability.Action, subject ability.Subject) bool
}

// Lookup fetches space summaries.
type Lookup interface {
	GetSpaceSummary(ctx context.Context, spaceUUID string) (Summary, error)
}

// Evaluate applies the visibility rules: public spaces need view on Space,
// private spaces need an explicit access entry or manage on Space.
func Evaluate(auth Authorizer, user ability.User, summary Summary) Access {
	subject := ability.Space(summary.OrganizationUUID, summary.ProjectUUID)
	if !summary.IsPrivate {
		if auth.Can(user, ability.ActionView, subject) {
			return Allowed
		}
		return Denied
	}
	if slices.Contains(summary.Access, user.UserUUID) && auth.Can(user, ability.ActionView, subject) {
		return Allowed
	}
	if auth.Can(user, ability.ActionManage, subject) {
		return Allowed
	}
	return Denied
}

// Check looks the space up and evaluates it. A lookup failure is returned
// alongside Indeterminate so the caller can log it.
func Check(ctx context.Context, lookup Lookup, auth Authorizer, user ability.User, spaceUUID string) (Access, error) {
	summary, err := lookup.GetSpaceSummary(ctx, spaceUUID)
	if err != nil {
		return Indeterminate, fmt.Errorf("get space summary %s: %w", spaceUUID, err)
	}
	return Evaluate(auth, user, summary), nil
}
