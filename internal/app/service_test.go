package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"testing"
	"time"

	"beacon/api/internal/ability"
	"beacon/api/internal/auth"
	"beacon/api/internal/authpw"
	"beacon/api/internal/comment"
	"beacon/api/internal/config"
	"beacon/api/internal/search"
	"beacon/api/internal/space"
	"beacon/api/internal/store"
)

const testSecret = "test-secret"

type fakeStore struct {
	pingFn               func(context.Context) error
	getProjectFn         func(context.Context, string) (store.Project, error)
	listSpacesFn         func(context.Context, string) ([]space.Summary, error)
	listSavedChartsFn    func(context.Context, string) ([]store.SavedChart, error)
	listDashboardsFn     func(context.Context, string) ([]store.DashboardSummary, error)
	countOrganizationsFn func(context.Context) (int, error)
	seedOrganizationFn   func(context.Context, store.Seed) error
	revokeFn             func(context.Context, string) error

	users          map[string]store.User
	memberships    map[string][]store.Membership
	projectMembers map[string]store.ProjectMember
	refresh        map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[string]store.User{
			"user-1": {UserUUID: "user-1", OrganizationUUID: "org-1", Name: "Ada", Email: "ada@example.com"},
			"user-2": {UserUUID: "user-2", OrganizationUUID: "org-1", Name: "Grace", Email: "grace@example.com"},
			"user-9": {UserUUID: "user-9", OrganizationUUID: "org-9", Name: "Mallory", Email: "mallory@other.test"},
		},
		projectMembers: map[string]store.ProjectMember{},
		memberships: map[string][]store.Membership{
			"user-1": {{Scope: ability.ScopeProject, ScopeUUID: "proj-1", Role: "interactive_viewer"}},
		},
		refresh: map[string]string{},
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userUUID string) (store.User, error) {
	user, ok := f.users[userUUID]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return user, nil
}

func (f *fakeStore) ListMemberships(_ context.Context, userUUID string) ([]store.Membership, error) {
	return f.memberships[userUUID], nil
}

func (f *fakeStore) GetProject(ctx context.Context, projectUUID string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectUUID)
	}
	if projectUUID != "proj-1" {
		return store.Project{}, store.ErrNotFound
	}
	return store.Project{ProjectUUID: "proj-1", OrganizationUUID: "org-1", Name: "Jaffle shop"}, nil
}

func (f *fakeStore) ListSpaces(ctx context.Context, projectUUID string) ([]space.Summary, error) {
	if f.listSpacesFn != nil {
		return f.listSpacesFn(ctx, projectUUID)
	}
	return []space.Summary{
		{UUID: "space-public", Name: "Shared", ProjectUUID: "proj-1", OrganizationUUID: "org-1", Access: []string{}},
		{UUID: "space-private", Name: "Finance", ProjectUUID: "proj-1", OrganizationUUID: "org-1", IsPrivate: true, Access: []string{"user-2"}},
	}, nil
}

func (f *fakeStore) ListSavedCharts(ctx context.Context, projectUUID string) ([]store.SavedChart, error) {
	if f.listSavedChartsFn != nil {
		return f.listSavedChartsFn(ctx, projectUUID)
	}
	return nil, nil
}

func (f *fakeStore) ListDashboards(ctx context.Context, projectUUID string) ([]store.DashboardSummary, error) {
	if f.listDashboardsFn != nil {
		return f.listDashboardsFn(ctx, projectUUID)
	}
	return nil, nil
}

func (f *fakeStore) CountOrganizations(ctx context.Context) (int, error) {
	if f.countOrganizationsFn != nil {
		return f.countOrganizationsFn(ctx)
	}
	return 1, nil
}

func (f *fakeStore) SeedOrganization(ctx context.Context, seed store.Seed) error {
	if f.seedOrganizationFn != nil {
		return f.seedOrganizationFn(ctx, seed)
	}
	return nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userUUID string, _ time.Time) error {
	f.refresh[tokenHash] = userUUID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	userUUID, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return store.User{UserUUID: userUUID}, nil
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeFn != nil {
		return f.revokeFn(ctx, tokenHash)
	}
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (f *fakeStore) ListProjectMembers(_ context.Context, projectUUID string) ([]store.ProjectMember, error) {
	var members []store.ProjectMember
	for _, member := range f.projectMembers {
		if member.ProjectUUID == projectUUID {
			members = append(members, member)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserUUID < members[j].UserUUID })
	return members, nil
}

func (f *fakeStore) GetProjectMember(_ context.Context, projectUUID, userUUID string) (store.ProjectMember, error) {
	member, ok := f.projectMembers[userUUID]
	if !ok || member.ProjectUUID != projectUUID {
		return store.ProjectMember{}, store.ErrNotFound
	}
	return member, nil
}

func (f *fakeStore) CreateProjectMember(_ context.Context, projectUUID, userUUID, role string) error {
	if member, ok := f.projectMembers[userUUID]; ok && member.ProjectUUID == projectUUID {
		return store.ErrAlreadyExists
	}
	user, ok := f.users[userUUID]
	if !ok {
		return store.ErrNotFound
	}
	f.projectMembers[userUUID] = store.ProjectMember{
		ProjectUUID: projectUUID,
		UserUUID:    userUUID,
		Name:        user.Name,
		Email:       user.Email,
		Role:        role,
	}
	return nil
}

func (f *fakeStore) UpdateProjectMember(_ context.Context, projectUUID, userUUID, role string) error {
	member, ok := f.projectMembers[userUUID]
	if !ok || member.ProjectUUID != projectUUID {
		return store.ErrNotFound
	}
	member.Role = role
	f.projectMembers[userUUID] = member
	return nil
}

func (f *fakeStore) DeleteProjectMember(_ context.Context, projectUUID, userUUID string) error {
	member, ok := f.projectMembers[userUUID]
	if !ok || member.ProjectUUID != projectUUID {
		return store.ErrNotFound
	}
	delete(f.projectMembers, userUUID)
	return nil
}

type fakeSignIn struct {
	signInFn func(context.Context, authpw.SignInRequest) (store.User, error)
}

func (f *fakeSignIn) SignIn(ctx context.Context, req authpw.SignInRequest) (store.User, error) {
	if f.signInFn != nil {
		return f.signInFn(ctx, req)
	}
	return store.User{}, authpw.ErrInvalidCredentials
}

type createCall struct {
	user          ability.User
	dashboardUUID string
	tileUUID      string
	text          string
	textHTML      string
	replyTo       *string
	mentions      []string
}

type fakeComments struct {
	createFn  func(createCall) (string, error)
	findFn    func(context.Context, ability.User, string) (map[string][]comment.Comment, error)
	resolveFn func(context.Context, ability.User, string, string) error
	deleteFn  func(context.Context, ability.User, string, string) error

	created []createCall
}

func (f *fakeComments) CreateComment(_ context.Context, user ability.User, dashboardUUID, dashboardTileUUID, text, textHTML string, replyTo *string, mentions []string) (string, error) {
	call := createCall{user, dashboardUUID, dashboardTileUUID, text, textHTML, replyTo, mentions}
	f.created = append(f.created, call)
	if f.createFn != nil {
		return f.createFn(call)
	}
	return "comment-1", nil
}

func (f *fakeComments) FindCommentsForDashboard(ctx context.Context, user ability.User, dashboardUUID string) (map[string][]comment.Comment, error) {
	if f.findFn != nil {
		return f.findFn(ctx, user, dashboardUUID)
	}
	return map[string][]comment.Comment{}, nil
}

func (f *fakeComments) ResolveComment(ctx context.Context, user ability.User, dashboardUUID, commentID string) error {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, user, dashboardUUID, commentID)
	}
	return nil
}

func (f *fakeComments) DeleteComment(ctx context.Context, user ability.User, dashboardUUID, commentID string) error {
	if f.deleteFn != nil {
		return f.deleteFn(ctx, user, dashboardUUID, commentID)
	}
	return nil
}

type fakeSearch struct {
	queries []search.Query
	indexed []search.Records
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.queries = append(f.queries, q)
	return search.Response{
		Results: []search.Result{{Type: search.ResultDashboard, UUID: "dash-1", Name: "Sales overview", SpaceUUID: "space-public"}},
		Total:   1,
		Query:   q.Text,
	}
}

func (f *fakeSearch) Index(records search.Records) {
	f.indexed = append(f.indexed, records)
}

type testEnv struct {
	store    *fakeStore
	signIn   *fakeSignIn
	comments *fakeComments
	search   *fakeSearch
	svc      *Service
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:    newFakeStore(),
		signIn:   &fakeSignIn{},
		comments: &fakeComments{},
		search:   &fakeSearch{},
	}
	env.svc = New(config.Config{
		JWTSecret:           testSecret,
		AccessTTL:           time.Hour,
		RefreshTTL:          24 * time.Hour,
		BootstrapAdminEmail: "admin@beacon.local",
	}, Deps{
		Store:    env.store,
		SignIn:   env.signIn,
		Auth:     ability.DefaultPolicy(),
		Comments: env.comments,
		Search:   env.search,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return env
}

func (env *testEnv) server() http.Handler {
	return NewHTTPServer(env.svc, "*", slog.New(slog.NewTextHandler(io.Discard, nil))).Handler()
}

func (env *testEnv) actor(t *testing.T, userUUID string) ability.User {
	t.Helper()
	user, err := env.svc.actor(context.Background(), env.store.users[userUUID])
	if err != nil {
		t.Fatalf("actor(%s) error = %v", userUUID, err)
	}
	return user
}

func accessToken(t *testing.T, userUUID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.NewClaims(userUUID, "org-1", "Ada", time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestBootstrapSeedsEmptyDatabase(t *testing.T) {
	env := newTestEnv()
	env.svc.cfg.BootstrapAdminPassword = "correct-horse"
	env.svc.cfg.BootstrapAdminEmail = "  Admin@Beacon.Local "
	env.store.countOrganizationsFn = func(context.Context) (int, error) { return 0, nil }

	var seeded store.Seed
	env.store.seedOrganizationFn = func(_ context.Context, seed store.Seed) error {
		seeded = seed
		return nil
	}

	if err := env.svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if seeded.Admin.Email != "admin@beacon.local" {
		t.Fatalf("expected normalized admin email, got %q", seeded.Admin.Email)
	}
	if seeded.Admin.PasswordHash == "" || seeded.Admin.PasswordHash == "correct-horse" {
		t.Fatalf("expected hashed admin password")
	}
	if len(seeded.Tiles) != len(seeded.Charts)+1 {
		t.Fatalf("expected a tile per chart plus notes, got %d tiles for %d charts", len(seeded.Tiles), len(seeded.Charts))
	}
	if len(env.search.indexed) != 1 {
		t.Fatalf("expected seed records to be indexed once, got %d", len(env.search.indexed))
	}
	records := env.search.indexed[0]
	if len(records.Charts) != len(seeded.Charts) || records.Spaces[0].SpaceUUID != seeded.SpaceUUID {
		t.Fatalf("unexpected indexed records %+v", records)
	}
}

func TestBootstrapSkipsPopulatedDatabase(t *testing.T) {
	env := newTestEnv()
	env.svc.cfg.BootstrapAdminPassword = "correct-horse"
	env.store.seedOrganizationFn = func(context.Context, store.Seed) error {
		t.Fatal("seed should not run when organizations exist")
		return nil
	}
	if err := env.svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
}

func TestBootstrapSkipsWithoutAdminPassword(t *testing.T) {
	env := newTestEnv()
	env.store.countOrganizationsFn = func(context.Context) (int, error) { return 0, nil }
	env.store.seedOrganizationFn = func(context.Context, store.Seed) error {
		t.Fatal("seed should not run without an admin password")
		return nil
	}
	if err := env.svc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
}

func TestSessionFromTokenLoadsGrants(t *testing.T) {
	env := newTestEnv()
	env.store.memberships["user-1"] = []store.Membership{
		{Scope: ability.ScopeOrganization, ScopeUUID: "org-1", Role: "owner"},
		{Scope: ability.ScopeProject, ScopeUUID: "proj-1", Role: "editor"},
	}

	session, err := env.svc.SessionFromToken(context.Background(), accessToken(t, "user-1"))
	if err != nil {
		t.Fatalf("SessionFromToken() error = %v", err)
	}
	if session.User.UserUUID != "user-1" || session.User.Email != "ada@example.com" {
		t.Fatalf("unexpected user %+v", session.User)
	}
	if len(session.User.Grants) != 2 {
		t.Fatalf("expected 2 grants, got %+v", session.User.Grants)
	}
	if session.User.Grants[0].Role != ability.RoleViewer {
		t.Fatalf("unknown role should normalize to viewer, got %q", session.User.Grants[0].Role)
	}
	if session.User.Grants[1].Role != ability.RoleEditor {
		t.Fatalf("expected editor grant, got %q", session.User.Grants[1].Role)
	}
}

func TestSessionFromTokenRejectsUnknownUser(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.SessionFromToken(context.Background(), accessToken(t, "ghost"))
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	env := newTestEnv()
	env.signIn.signInFn = func(context.Context, authpw.SignInRequest) (store.User, error) {
		return env.store.users["user-1"], nil
	}

	first, err := env.svc.Login(context.Background(), "ada@example.com", "secret-password")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	second, err := env.svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatalf("expected a new refresh token")
	}
	if _, err := env.svc.Refresh(context.Background(), first.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("reused refresh token should be invalid, got %v", err)
	}
	if err := env.svc.Logout(context.Background(), second.RefreshToken); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if len(env.store.refresh) != 0 {
		t.Fatalf("expected no live refresh sessions, got %d", len(env.store.refresh))
	}
}

func TestCreateCommentNormalizesInput(t *testing.T) {
	env := newTestEnv()
	user := env.actor(t, "user-1")
	empty := "  "

	id, err := env.svc.CreateComment(context.Background(), user, "dash-1", "tile-1", CreateCommentInput{
		Text:     "  Why the dip?  ",
		TextHTML: "<p>Why the dip?</p>",
		ReplyTo:  &empty,
		Mentions: []string{"user-2", " user-2 ", "", "user-3"},
	})
	if err != nil {
		t.Fatalf("CreateComment() error = %v", err)
	}
	if id != "comment-1" {
		t.Fatalf("unexpected comment id %q", id)
	}
	call := env.comments.created[0]
	if call.text != "Why the dip?" || call.replyTo != nil {
		t.Fatalf("unexpected create call %+v", call)
	}
	if len(call.mentions) != 2 || call.mentions[0] != "user-2" || call.mentions[1] != "user-3" {
		t.Fatalf("expected de-duplicated mentions, got %v", call.mentions)
	}
}

func TestCreateCommentRequiresText(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.CreateComment(context.Background(), env.actor(t, "user-1"), "dash-1", "tile-1", CreateCommentInput{Text: " \n "})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(env.comments.created) != 0 {
		t.Fatalf("comment service should not be called")
	}
}

func TestSearchRestrictsToVisibleSpaces(t *testing.T) {
	env := newTestEnv()
	user := env.actor(t, "user-1")

	resp, err := env.svc.Search(context.Background(), user, "proj-1", SearchInput{Text: "sales", Type: "dashboard", Limit: 5})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if resp.Total != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	q := env.search.queries[0]
	if len(q.SpaceUUIDs) != 1 || q.SpaceUUIDs[0] != "space-public" {
		t.Fatalf("private space without access must be excluded, got %v", q.SpaceUUIDs)
	}
	if q.FilterType != search.ResultDashboard || q.Limit != 5 || q.ProjectUUID != "proj-1" {
		t.Fatalf("unexpected query %+v", q)
	}
}

func TestSearchShortQuerySkipsBackend(t *testing.T) {
	env := newTestEnv()
	resp, err := env.svc.Search(context.Background(), env.actor(t, "user-1"), "proj-1", SearchInput{Text: "sa"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(resp.Results) != 0 || len(env.search.queries) != 0 {
		t.Fatalf("short query should not reach the backend")
	}
}

func TestSearchRejectsUnknownType(t *testing.T) {
	env := newTestEnv()
	_, err := env.svc.Search(context.Background(), env.actor(t, "user-1"), "proj-1", SearchInput{Text: "sales", Type: "thread"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestListDashboardsHidesInvisibleSpaces(t *testing.T) {
	env := newTestEnv()
	env.store.listDashboardsFn = func(context.Context, string) ([]store.DashboardSummary, error) {
		return []store.DashboardSummary{
			{DashboardUUID: "dash-public", SpaceUUID: "space-public", Name: "Sales"},
			{DashboardUUID: "dash-private", SpaceUUID: "space-private", Name: "Payroll"},
		}, nil
	}

	payload, err := env.svc.ListDashboards(context.Background(), env.actor(t, "user-1"), "proj-1")
	if err != nil {
		t.Fatalf("ListDashboards() error = %v", err)
	}
	if len(payload) != 1 || payload[0]["uuid"] != "dash-public" {
		t.Fatalf("unexpected dashboards %+v", payload)
	}
}

func TestGetProjectRequiresProjectGrant(t *testing.T) {
	env := newTestEnv()
	env.store.memberships["user-1"] = []store.Membership{{Scope: ability.ScopeProject, ScopeUUID: "proj-2", Role: "admin"}}

	_, err := env.svc.GetProject(context.Background(), env.actor(t, "user-1"), "proj-1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
