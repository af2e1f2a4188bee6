package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"beacon/api/internal/ability"
	"beacon/api/internal/auth"
	"beacon/api/internal/authpw"
	"beacon/api/internal/comment"
	"beacon/api/internal/config"
	"beacon/api/internal/search"
	"beacon/api/internal/space"
	"beacon/api/internal/store"
)

type Session struct {
	Token        string
	RefreshToken string
	JTI          string
	ExpiresAt    time.Time
	User         ability.User
}

type CreateCommentInput struct {
	Text     string   `json:"text"`
	TextHTML string   `json:"textHtml"`
	ReplyTo  *string  `json:"replyTo"`
	Mentions []string `json:"mentions"`
}

type SearchInput struct {
	Text   string
	Type   string
	Limit  int
	Offset int
}

type DataStore interface {
	Ping(context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	ListMemberships(context.Context, string) ([]store.Membership, error)
	GetProject(context.Context, string) (store.Project, error)
	ListSpaces(context.Context, string) ([]space.Summary, error)
	ListSavedCharts(context.Context, string) ([]store.SavedChart, error)
	ListDashboards(context.Context, string) ([]store.DashboardSummary, error)
	CountOrganizations(context.Context) (int, error)
	SeedOrganization(context.Context, store.Seed) error
	GetUserByEmail(context.Context, string) (store.User, error)
	ListProjectMembers(context.Context, string) ([]store.ProjectMember, error)
	GetProjectMember(context.Context, string, string) (store.ProjectMember, error)
	CreateProjectMember(context.Context, string, string, string) error
	UpdateProjectMember(context.Context, string, string, string) error
	DeleteProjectMember(context.Context, string, string) error
}

// SessionStore holds refresh sessions, keyed by token hash.
type SessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type PasswordSignIn interface {
	SignIn(context.Context, authpw.SignInRequest) (store.User, error)
}

type Comments interface {
	CreateComment(ctx context.Context, user ability.User, dashboardUUID, dashboardTileUUID, text, textHTML string, replyTo *string, mentions []string) (string, error)
	FindCommentsForDashboard(ctx context.Context, user ability.User, dashboardUUID string) (map[string][]comment.Comment, error)
	ResolveComment(ctx context.Context, user ability.User, dashboardUUID, commentID string) error
	DeleteComment(ctx context.Context, user ability.User, dashboardUUID, commentID string) error
}

type Searcher interface {
	Search(context.Context, search.Query) search.Response
	Index(search.Records)
}

type Deps struct {
	Store    DataStore
	Sessions SessionStore
	SignIn   PasswordSignIn
	Auth     comment.Authorizer
	Comments Comments
	Search   Searcher
	Logger   *slog.Logger
}

type Service struct {
	cfg      config.Config
	store    DataStore
	sessions SessionStore
	signIn   PasswordSignIn
	auth     comment.Authorizer
	comments Comments
	search   Searcher
	logger   *slog.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// Refresh sessions fall back to the database when no Redis store is given.
	sessions := deps.Sessions
	if sessions == nil {
		if fromStore, ok := deps.Store.(SessionStore); ok {
			sessions = fromStore
		}
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: sessions,
		signIn:   deps.SignIn,
		auth:     deps.Auth,
		comments: deps.Comments,
		search:   deps.Search,
		logger:   logger,
	}
}

// Bootstrap seeds a demo organization into an empty database.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountOrganizations(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if s.cfg.BootstrapAdminPassword == "" {
		s.logger.WarnContext(ctx, "database is empty but BOOTSTRAP_ADMIN_PASSWORD is not set; skipping seed")
		return nil
	}

	hash, err := authpw.HashPassword(s.cfg.BootstrapAdminPassword)
	if err != nil {
		return fmt.Errorf("bootstrap admin password: %w", err)
	}
	seed := demoSeed(s.cfg.BootstrapAdminEmail, hash)
	if err := s.store.SeedOrganization(ctx, seed); err != nil {
		return err
	}
	if s.search != nil {
		s.search.Index(seedRecords(seed))
	}
	s.logger.InfoContext(ctx, "seeded demo organization",
		"organization_uuid", seed.Organization.OrganizationUUID,
		"project_uuid", seed.Project.ProjectUUID,
		"admin_email", seed.Admin.Email,
	)
	return nil
}

func demoSeed(adminEmail, passwordHash string) store.Seed {
	seed := store.Seed{
		Organization: store.Organization{OrganizationUUID: uuid.NewString(), Name: "Demo organization"},
		Admin: store.User{
			UserUUID:     uuid.NewString(),
			Name:         "Demo Admin",
			Email:        strings.ToLower(strings.TrimSpace(adminEmail)),
			PasswordHash: passwordHash,
		},
		Project:   store.Project{ProjectUUID: uuid.NewString(), Name: "Jaffle shop"},
		SpaceUUID: uuid.NewString(),
		SpaceName: "Shared",
		Charts: []store.SavedChart{
			{SavedChartUUID: uuid.NewString(), Name: "Weekly revenue", Description: "Completed order revenue by week", ChartKind: "bar"},
			{SavedChartUUID: uuid.NewString(), Name: "Orders by status", Description: "Open, shipped and returned orders", ChartKind: "pie"},
			{SavedChartUUID: uuid.NewString(), Name: "Active customers", Description: "Customers with an order in the last 30 days", ChartKind: "line"},
		},
		Dashboard: store.DashboardSummary{
			DashboardUUID: uuid.NewString(),
			Name:          "Sales overview",
			Description:   "Revenue, orders and customer activity",
		},
	}
	for i := range seed.Charts {
		seed.Tiles = append(seed.Tiles, store.DashboardTile{
			DashboardTileUUID: uuid.NewString(),
			SavedChartUUID:    &seed.Charts[i].SavedChartUUID,
			Title:             seed.Charts[i].Name,
		})
	}
	seed.Tiles = append(seed.Tiles, store.DashboardTile{DashboardTileUUID: uuid.NewString(), Title: "Notes"})
	return seed
}

func seedRecords(seed store.Seed) search.Records {
	projectUUID := seed.Project.ProjectUUID
	records := search.Records{
		Dashboards: []search.DashboardRecord{{
			ID:          seed.Dashboard.DashboardUUID,
			Name:        seed.Dashboard.Name,
			Description: seed.Dashboard.Description,
			ProjectUUID: projectUUID,
			SpaceUUID:   seed.SpaceUUID,
		}},
		Spaces: []search.SpaceRecord{{
			ID:          seed.SpaceUUID,
			Name:        seed.SpaceName,
			ProjectUUID: projectUUID,
			SpaceUUID:   seed.SpaceUUID,
		}},
	}
	for _, chart := range seed.Charts {
		records.Charts = append(records.Charts, search.ChartRecord{
			ID:          chart.SavedChartUUID,
			Name:        chart.Name,
			Description: chart.Description,
			ChartKind:   chart.ChartKind,
			ProjectUUID: projectUUID,
			SpaceUUID:   seed.SpaceUUID,
		})
	}
	return records
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	if s.signIn == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	user, err := s.signIn.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	ref, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, ref.UserUUID)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	claims := auth.NewClaims(user.UserUUID, user.OrganizationUUID, user.Name, s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}

	refresh := auth.NewRefreshToken()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.UserUUID, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	actor, err := s.actor(ctx, user)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:        token,
		RefreshToken: refresh,
		JTI:          claims.JTI,
		ExpiresAt:    claims.ExpiresAt(),
		User:         actor,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	actor, err := s.actor(ctx, user)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		JTI:       claims.JTI,
		ExpiresAt: claims.ExpiresAt(),
		User:      actor,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// actor loads the caller's grants. Roles are read on every request.
func (s *Service) actor(ctx context.Context, user store.User) (ability.User, error) {
	memberships, err := s.store.ListMemberships(ctx, user.UserUUID)
	if err != nil {
		return ability.User{}, err
	}
	grants := make([]ability.Grant, 0, len(memberships))
	for _, m := range memberships {
		grants = append(grants, ability.Grant{
			Scope:     m.Scope,
			ScopeUUID: m.ScopeUUID,
			Role:      ability.Normalize(m.Role),
		})
	}
	return ability.User{
		UserUUID:         user.UserUUID,
		OrganizationUUID: user.OrganizationUUID,
		Name:             user.Name,
		Email:            user.Email,
		Grants:           grants,
	}, nil
}

func (s *Service) GetProject(ctx context.Context, user ability.User, projectUUID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectUUID)
	if err != nil {
		return store.Project{}, err
	}
	if !s.auth.Can(user, ability.ActionView, ability.Project(project.OrganizationUUID, project.ProjectUUID)) {
		return store.Project{}, forbiddenError()
	}
	return project, nil
}

func (s *Service) visibleSpaces(ctx context.Context, user ability.User, projectUUID string) ([]space.Summary, error) {
	spaces, err := s.store.ListSpaces(ctx, projectUUID)
	if err != nil {
		return nil, err
	}
	visible := make([]space.Summary, 0, len(spaces))
	for _, summary := range spaces {
		if space.Evaluate(s.auth, user, summary) == space.Allowed {
			visible = append(visible, summary)
		}
	}
	return visible, nil
}

func spaceSet(spaces []space.Summary) map[string]struct{} {
	set := make(map[string]struct{}, len(spaces))
	for _, summary := range spaces {
		set[summary.UUID] = struct{}{}
	}
	return set
}

func (s *Service) ListSpaces(ctx context.Context, user ability.User, projectUUID string) ([]map[string]any, error) {
	project, err := s.GetProject(ctx, user, projectUUID)
	if err != nil {
		return nil, err
	}
	spaces, err := s.visibleSpaces(ctx, user, project.ProjectUUID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(spaces))
	for _, summary := range spaces {
		payload = append(payload, map[string]any{
			"uuid":        summary.UUID,
			"name":        summary.Name,
			"projectUuid": summary.ProjectUUID,
			"isPrivate":   summary.IsPrivate,
		})
	}
	return payload, nil
}

func (s *Service) ListCharts(ctx context.Context, user ability.User, projectUUID string) ([]map[string]any, error) {
	project, err := s.GetProject(ctx, user, projectUUID)
	if err != nil {
		return nil, err
	}
	spaces, err := s.visibleSpaces(ctx, user, project.ProjectUUID)
	if err != nil {
		return nil, err
	}
	visible := spaceSet(spaces)

	charts, err := s.store.ListSavedCharts(ctx, project.ProjectUUID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(charts))
	for _, chart := range charts {
		if _, ok := visible[chart.SpaceUUID]; !ok {
			continue
		}
		payload = append(payload, map[string]any{
			"uuid":        chart.SavedChartUUID,
			"name":        chart.Name,
			"description": chart.Description,
			"chartKind":   chart.ChartKind,
			"spaceUuid":   chart.SpaceUUID,
			"updatedAt":   chart.UpdatedAt,
		})
	}
	return payload, nil
}

func (s *Service) ListDashboards(ctx context.Context, user ability.User, projectUUID string) ([]map[string]any, error) {
	project, err := s.GetProject(ctx, user, projectUUID)
	if err != nil {
		return nil, err
	}
	spaces, err := s.visibleSpaces(ctx, user, project.ProjectUUID)
	if err != nil {
		return nil, err
	}
	visible := spaceSet(spaces)

	dashboards, err := s.store.ListDashboards(ctx, project.ProjectUUID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(dashboards))
	for _, dashboard := range dashboards {
		if _, ok := visible[dashboard.SpaceUUID]; !ok {
			continue
		}
		payload = append(payload, map[string]any{
			"uuid":        dashboard.DashboardUUID,
			"name":        dashboard.Name,
			"description": dashboard.Description,
			"spaceUuid":   dashboard.SpaceUUID,
			"updatedAt":   dashboard.UpdatedAt,
		})
	}
	return payload, nil
}

// Search runs an omnibar query restricted to the spaces the caller can see.
func (s *Service) Search(ctx context.Context, user ability.User, projectUUID string, input SearchInput) (search.Response, error) {
	filterType, err := search.ParseType(input.Type)
	if err != nil {
		return search.Response{}, validationError(err.Error())
	}
	project, err := s.GetProject(ctx, user, projectUUID)
	if err != nil {
		return search.Response{}, err
	}
	text := strings.TrimSpace(input.Text)
	if len([]rune(text)) < search.MinQueryLength || s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}

	spaces, err := s.visibleSpaces(ctx, user, project.ProjectUUID)
	if err != nil {
		return search.Response{}, err
	}
	spaceUUIDs := make([]string, 0, len(spaces))
	for _, summary := range spaces {
		spaceUUIDs = append(spaceUUIDs, summary.UUID)
	}
	return s.search.Search(ctx, search.Query{
		Text:        text,
		ProjectUUID: project.ProjectUUID,
		SpaceUUIDs:  spaceUUIDs,
		FilterType:  filterType,
		Limit:       input.Limit,
		Offset:      input.Offset,
	}), nil
}

func (s *Service) CreateComment(ctx context.Context, user ability.User, dashboardUUID, dashboardTileUUID string, input CreateCommentInput) (string, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return "", validationError("text is required")
	}
	var replyTo *string
	if input.ReplyTo != nil && strings.TrimSpace(*input.ReplyTo) != "" {
		id := strings.TrimSpace(*input.ReplyTo)
		replyTo = &id
	}
	return s.comments.CreateComment(ctx, user, dashboardUUID, dashboardTileUUID, text, input.TextHTML, replyTo, uniqueMentions(input.Mentions))
}

func uniqueMentions(mentions []string) []string {
	seen := make(map[string]struct{}, len(mentions))
	out := make([]string, 0, len(mentions))
	for _, mention := range mentions {
		mention = strings.TrimSpace(mention)
		if mention == "" {
			continue
		}
		if _, ok := seen[mention]; ok {
			continue
		}
		seen[mention] = struct{}{}
		out = append(out, mention)
	}
	return out
}

func (s *Service) FindCommentsForDashboard(ctx context.Context, user ability.User, dashboardUUID string) (map[string][]comment.Comment, error) {
	return s.comments.FindCommentsForDashboard(ctx, user, dashboardUUID)
}

func (s *Service) ResolveComment(ctx context.Context, user ability.User, dashboardUUID, commentID string) error {
	return s.comments.ResolveComment(ctx, user, dashboardUUID, commentID)
}

func (s *Service) DeleteComment(ctx context.Context, user ability.User, dashboardUUID, commentID string) error {
	return s.comments.DeleteComment(ctx, user, dashboardUUID, commentID)
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

type pinger interface {
	Ping(context.Context) error
}

// PingSessions checks a separate session backend. It returns false when
// sessions share the database.
func (s *Service) PingSessions(ctx context.Context) (bool, error) {
	p, ok := s.sessions.(pinger)
	if !ok || any(s.sessions) == any(s.store) {
		return false, nil
	}
	return true, p.Ping(ctx)
}
