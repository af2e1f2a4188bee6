package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"beacon/api/internal/ability"
	"beacon/api/internal/comment"
	"beacon/api/internal/space"
)

// ErrNotFound is shared with the comment package so callers can match
// either sentinel.
var ErrNotFound = comment.ErrNotFound

// ErrAlreadyExists is returned when an insert hits a unique key.
var ErrAlreadyExists = errors.New("already exists")

const (
	uniqueViolation           = "23505"
	foreignKeyViolation       = "23503"
	invalidTextRepresentation = "22P02"
)

type PostgresStore struct {
	db    *sql.DB
	types *pgtype.Map
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, types: pgtype.NewMap()}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// notFound wraps err, translating missing rows and malformed uuids into
// ErrNotFound.
func notFound(err error, format string, args ...any) error {
	var pgErr *pgconn.PgError
	if errors.Is(err, sql.ErrNoRows) || (errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userUUID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT user_uuid, organization_uuid, name, email, password_hash, created_at
		FROM users WHERE user_uuid=$1
	`, userUUID).Scan(&user.UserUUID, &user.OrganizationUUID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, notFound(err, "get user %s", userUUID)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT user_uuid, organization_uuid, name, email, password_hash, created_at
		FROM users WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.UserUUID, &user.OrganizationUUID, &user.Name, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, notFound(err, "get user by email")
	}
	return user, nil
}

// GetUsersByIDs returns the users that exist among the given ids.
func (s *PostgresStore) GetUsersByIDs(ctx context.Context, userUUIDs []string) ([]User, error) {
	if len(userUUIDs) == 0 {
		return []User{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_uuid, organization_uuid, name, email, created_at
		FROM users WHERE user_uuid::text = ANY($1)
		ORDER BY name
	`, userUUIDs)
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0, len(userUUIDs))
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.UserUUID, &user.OrganizationUUID, &user.Name, &user.Email, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) ListMemberships(ctx context.Context, userUUID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'organization', organization_uuid::text, role FROM organization_memberships WHERE user_uuid=$1
		UNION ALL
		SELECT 'project', project_uuid::text, role FROM project_memberships WHERE user_uuid=$1
	`, userUUID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	memberships := make([]Membership, 0)
	for rows.Next() {
		var m Membership
		var scope string
		if err := rows.Scan(&scope, &m.ScopeUUID, &m.Role); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.Scope = ability.Scope(scope)
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userUUID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_uuid, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_uuid=EXCLUDED.user_uuid, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userUUID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.user_uuid, u.organization_uuid, u.name, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.user_uuid = rs.user_uuid
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.UserUUID, &user.OrganizationUUID, &user.Name, &user.Email)
	if err != nil {
		return User{}, notFound(err, "lookup refresh session")
	}
	return user, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectUUID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT project_uuid, organization_uuid, name, created_at FROM projects WHERE project_uuid=$1
	`, projectUUID).Scan(&project.ProjectUUID, &project.OrganizationUUID, &project.Name, &project.CreatedAt)
	if err != nil {
		return Project{}, notFound(err, "get project %s", projectUUID)
	}
	return project, nil
}

func (s *PostgresStore) GetDashboard(ctx context.Context, dashboardUUID string) (comment.Dashboard, error) {
	var dashboard comment.Dashboard
	err := s.db.QueryRowContext(ctx, `
		SELECT d.dashboard_uuid, d.name, s.project_uuid, d.space_uuid, p.organization_uuid
		FROM dashboards d
		JOIN spaces s ON s.space_uuid = d.space_uuid
		JOIN projects p ON p.project_uuid = s.project_uuid
		WHERE d.dashboard_uuid = $1
	`, dashboardUUID).Scan(&dashboard.UUID, &dashboard.Name, &dashboard.ProjectUUID, &dashboard.SpaceUUID, &dashboard.OrganizationUUID)
	if err != nil {
		return comment.Dashboard{}, notFound(err, "get dashboard %s", dashboardUUID)
	}
	return dashboard, nil
}

func (s *PostgresStore) GetSpaceSummary(ctx context.Context, spaceUUID string) (space.Summary, error) {
	var summary space.Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT s.space_uuid, s.name, s.project_uuid, p.organization_uuid, s.is_private
		FROM spaces s
		JOIN projects p ON p.project_uuid = s.project_uuid
		WHERE s.space_uuid = $1
	`, spaceUUID).Scan(&summary.UUID, &summary.Name, &summary.ProjectUUID, &summary.OrganizationUUID, &summary.IsPrivate)
	if err != nil {
		return space.Summary{}, notFound(err, "get space %s", spaceUUID)
	}

	access, err := s.spaceAccess(ctx, []string{spaceUUID})
	if err != nil {
		return space.Summary{}, err
	}
	summary.Access = access[spaceUUID]
	if summary.Access == nil {
		summary.Access = []string{}
	}
	return summary, nil
}

// ListSpaces returns every space of a project, or of all projects when
// projectUUID is empty.
func (s *PostgresStore) ListSpaces(ctx context.Context, projectUUID string) ([]space.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.space_uuid, s.name, s.project_uuid, p.organization_uuid, s.is_private
		FROM spaces s
		JOIN projects p ON p.project_uuid = s.project_uuid
		WHERE $1 = '' OR s.project_uuid::text = $1
		ORDER BY s.name
	`, projectUUID)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	spaces := make([]space.Summary, 0)
	ids := make([]string, 0)
	for rows.Next() {
		var summary space.Summary
		if err := rows.Scan(&summary.UUID, &summary.Name, &summary.ProjectUUID, &summary.OrganizationUUID, &summary.IsPrivate); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		spaces = append(spaces, summary)
		ids = append(ids, summary.UUID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spaces: %w", err)
	}

	access, err := s.spaceAccess(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range spaces {
		spaces[i].Access = access[spaces[i].UUID]
		if spaces[i].Access == nil {
			spaces[i].Access = []string{}
		}
	}
	return spaces, nil
}

func (s *PostgresStore) spaceAccess(ctx context.Context, spaceUUIDs []string) (map[string][]string, error) {
	out := map[string][]string{}
	if len(spaceUUIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT space_uuid, user_uuid FROM space_user_access WHERE space_uuid::text = ANY($1)
	`, spaceUUIDs)
	if err != nil {
		return nil, fmt.Errorf("list space access: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var spaceUUID, userUUID string
		if err := rows.Scan(&spaceUUID, &userUUID); err != nil {
			return nil, fmt.Errorf("scan space access: %w", err)
		}
		out[spaceUUID] = append(out[spaceUUID], userUUID)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSavedCharts(ctx context.Context, projectUUID string) ([]SavedChart, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.saved_chart_uuid, s.project_uuid, c.space_uuid, c.name, c.description, c.chart_kind, c.updated_at
		FROM saved_charts c
		JOIN spaces s ON s.space_uuid = c.space_uuid
		WHERE $1 = '' OR s.project_uuid::text = $1
		ORDER BY c.updated_at DESC
	`, projectUUID)
	if err != nil {
		return nil, fmt.Errorf("list saved charts: %w", err)
	}
	defer rows.Close()

	charts := make([]SavedChart, 0)
	for rows.Next() {
		var chart SavedChart
		if err := rows.Scan(&chart.SavedChartUUID, &chart.ProjectUUID, &chart.SpaceUUID, &chart.Name, &chart.Description, &chart.ChartKind, &chart.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan saved chart: %w", err)
		}
		charts = append(charts, chart)
	}
	return charts, rows.Err()
}

func (s *PostgresStore) ListDashboards(ctx context.Context, projectUUID string) ([]DashboardSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.dashboard_uuid, s.project_uuid, d.space_uuid, d.name, d.description, d.updated_at
		FROM dashboards d
		JOIN spaces s ON s.space_uuid = d.space_uuid
		WHERE $1 = '' OR s.project_uuid::text = $1
		ORDER BY d.updated_at DESC
	`, projectUUID)
	if err != nil {
		return nil, fmt.Errorf("list dashboards: %w", err)
	}
	defer rows.Close()

	dashboards := make([]DashboardSummary, 0)
	for rows.Next() {
		var d DashboardSummary
		if err := rows.Scan(&d.DashboardUUID, &d.ProjectUUID, &d.SpaceUUID, &d.Name, &d.Description, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dashboard: %w", err)
		}
		dashboards = append(dashboards, d)
	}
	return dashboards, rows.Err()
}

func (s *PostgresStore) CreateComment(ctx context.Context, input comment.NewComment) (string, error) {
	commentID := uuid.NewString()
	mentions := input.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	var replyTo any
	if input.ReplyTo != nil && *input.ReplyTo != "" {
		replyTo = *input.ReplyTo
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dashboard_tile_comments
			(comment_id, dashboard_uuid, dashboard_tile_uuid, user_uuid, text, text_html, reply_to, mentions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, commentID, input.DashboardUUID, input.DashboardTileUUID, input.UserUUID, input.Text, input.TextHTML, replyTo, mentions)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == foreignKeyViolation || pgErr.Code == invalidTextRepresentation) {
			return "", fmt.Errorf("create comment on %s (%s): %w", input.DashboardTileUUID, pgErr.ConstraintName, ErrNotFound)
		}
		return "", fmt.Errorf("create comment: %w", err)
	}
	return commentID, nil
}

const commentColumns = `
	c.comment_id, c.dashboard_uuid, c.dashboard_tile_uuid, c.user_uuid, u.name,
	c.text, c.text_html, c.reply_to, c.mentions, c.resolved, c.created_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanComment(row rowScanner) (comment.Comment, error) {
	var c comment.Comment
	var replyTo sql.NullString
	var mentions []string
	if err := row.Scan(
		&c.CommentID,
		&c.DashboardUUID,
		&c.DashboardTileUUID,
		&c.UserUUID,
		&c.UserName,
		&c.Text,
		&c.TextHTML,
		&replyTo,
		s.types.SQLScanner(&mentions),
		&c.Resolved,
		&c.CreatedAt,
	); err != nil {
		return comment.Comment{}, err
	}
	if replyTo.Valid {
		value := replyTo.String
		c.ReplyTo = &value
	}
	if mentions == nil {
		mentions = []string{}
	}
	c.Mentions = mentions
	return c, nil
}

// FindCommentsForDashboard groups a dashboard's comments by tile in creation
// order. CanRemove is set for the caller's own comments, or for all of them
// when canRemoveAnyComment is true.
func (s *PostgresStore) FindCommentsForDashboard(ctx context.Context, dashboardUUID, userUUID string, canRemoveAnyComment bool) (map[string][]comment.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM dashboard_tile_comments c
		JOIN users u ON u.user_uuid = c.user_uuid
		WHERE c.dashboard_uuid = $1
		ORDER BY c.created_at ASC, c.comment_id ASC
	`, dashboardUUID)
	if err != nil {
		return nil, fmt.Errorf("find comments: %w", err)
	}
	defer rows.Close()

	byTile := map[string][]comment.Comment{}
	for rows.Next() {
		c, err := s.scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		c.CanRemove = canRemoveAnyComment || c.UserUUID == userUUID
		byTile[c.DashboardTileUUID] = append(byTile[c.DashboardTileUUID], c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return byTile, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (comment.Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+commentColumns+`
		FROM dashboard_tile_comments c
		JOIN users u ON u.user_uuid = c.user_uuid
		WHERE c.comment_id = $1
	`, commentID)
	c, err := s.scanComment(row)
	if err != nil {
		return comment.Comment{}, notFound(err, "get comment %s", commentID)
	}
	return c, nil
}

func (s *PostgresStore) ResolveComment(ctx context.Context, commentID string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE dashboard_tile_comments SET resolved=TRUE WHERE comment_id=$1`, commentID)
	if err != nil {
		return notFound(err, "resolve comment %s", commentID)
	}
	return requireAffected(result, "resolve comment %s", commentID)
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dashboard_tile_comments WHERE comment_id=$1`, commentID)
	if err != nil {
		return notFound(err, "delete comment %s", commentID)
	}
	return requireAffected(result, "delete comment %s", commentID)
}

func requireAffected(result sql.Result, format string, args ...any) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf(format+": %w", append(args, err)...)
	}
	if affected == 0 {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return nil
}

func (s *PostgresStore) CountOrganizations(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM organizations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count organizations: %w", err)
	}
	return count, nil
}

type seedStep struct {
	name  string
	query string
	args  []any
}

// SeedOrganization writes an organization, its admin, one project with one
// space, and the seed's charts, dashboard and tiles in a single transaction.
func (s *PostgresStore) SeedOrganization(ctx context.Context, seed Seed) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	steps := []seedStep{
		{"organization", `INSERT INTO organizations (organization_uuid, name) VALUES ($1, $2)`,
			[]any{seed.Organization.OrganizationUUID, seed.Organization.Name}},
		{"admin", `INSERT INTO users (user_uuid, organization_uuid, name, email, password_hash) VALUES ($1, $2, $3, $4, $5)`,
			[]any{seed.Admin.UserUUID, seed.Organization.OrganizationUUID, seed.Admin.Name, seed.Admin.Email, seed.Admin.PasswordHash}},
		{"admin membership", `INSERT INTO organization_memberships (organization_uuid, user_uuid, role) VALUES ($1, $2, $3)`,
			[]any{seed.Organization.OrganizationUUID, seed.Admin.UserUUID, string(ability.RoleAdmin)}},
		{"project", `INSERT INTO projects (project_uuid, organization_uuid, name) VALUES ($1, $2, $3)`,
			[]any{seed.Project.ProjectUUID, seed.Organization.OrganizationUUID, seed.Project.Name}},
		{"space", `INSERT INTO spaces (space_uuid, project_uuid, name) VALUES ($1, $2, $3)`,
			[]any{seed.SpaceUUID, seed.Project.ProjectUUID, seed.SpaceName}},
		{"dashboard", `INSERT INTO dashboards (dashboard_uuid, space_uuid, name, description) VALUES ($1, $2, $3, $4)`,
			[]any{seed.Dashboard.DashboardUUID, seed.SpaceUUID, seed.Dashboard.Name, seed.Dashboard.Description}},
	}
	for _, chart := range seed.Charts {
		steps = append(steps, seedStep{"chart", `INSERT INTO saved_charts (saved_chart_uuid, space_uuid, name, description, chart_kind) VALUES ($1, $2, $3, $4, $5)`,
			[]any{chart.SavedChartUUID, seed.SpaceUUID, chart.Name, chart.Description, chart.ChartKind}})
	}
	for _, tile := range seed.Tiles {
		steps = append(steps, seedStep{"tile", `INSERT INTO dashboard_tiles (dashboard_tile_uuid, dashboard_uuid, saved_chart_uuid, title) VALUES ($1, $2, $3, $4)`,
			[]any{tile.DashboardTileUUID, seed.Dashboard.DashboardUUID, tile.SavedChartUUID, tile.Title}})
	}

	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query, step.args...); err != nil {
			return fmt.Errorf("seed %s: %w", step.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}
