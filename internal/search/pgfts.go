package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const headlineOptions = "MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>"

// Search runs a UNION ALL over dashboards, saved_charts and spaces using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	// $1 text, $2 project, $3 visible spaces
	const tsQuery = "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.ProjectUUID, q.SpaceUUIDs}

	var subQueries []string
	if q.includes(ResultDashboard) {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'dashboard'::text AS type, d.dashboard_uuid::text AS uuid, d.name,
				ts_headline('english', d.description, %[1]s, '%[2]s') AS snippet,
				s.project_uuid::text AS project_uuid, s.space_uuid::text AS space_uuid,
				ts_rank(d.search_vector, %[1]s) AS rank
			FROM dashboards d
			JOIN spaces s ON s.space_uuid = d.space_uuid
			WHERE d.search_vector @@ %[1]s
				AND s.project_uuid::text = $2
				AND s.space_uuid::text = ANY($3)`, tsQuery, headlineOptions))
	}
	if q.includes(ResultChart) {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'chart'::text AS type, c.saved_chart_uuid::text AS uuid, c.name,
				ts_headline('english', c.description, %[1]s, '%[2]s') AS snippet,
				s.project_uuid::text AS project_uuid, s.space_uuid::text AS space_uuid,
				ts_rank(c.search_vector, %[1]s) AS rank
			FROM saved_charts c
			JOIN spaces s ON s.space_uuid = c.space_uuid
			WHERE c.search_vector @@ %[1]s
				AND s.project_uuid::text = $2
				AND s.space_uuid::text = ANY($3)`, tsQuery, headlineOptions))
	}
	if q.includes(ResultSpace) {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'space'::text AS type, s.space_uuid::text AS uuid, s.name,
				''::text AS snippet,
				s.project_uuid::text AS project_uuid, s.space_uuid::text AS space_uuid,
				ts_rank(s.search_vector, %[1]s) AS rank
			FROM spaces s
			WHERE s.search_vector @@ %[1]s
				AND s.project_uuid::text = $2
				AND s.space_uuid::text = ANY($3)`, tsQuery))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}
	union := strings.Join(subQueries, " UNION ALL ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM ("+union+") sub", args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT type, uuid, name, snippet, project_uuid, space_uuid
		FROM (%s) sub
		ORDER BY rank DESC, name ASC
		LIMIT %d OFFSET %d`, union, q.Limit, q.Offset)
	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.UUID, &r.Name, &r.Snippet, &r.ProjectUUID, &r.SpaceUUID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) (Records, error) {
	var records Records

	dashRows, err := p.db.QueryContext(ctx, `
		SELECT d.dashboard_uuid::text, d.name, d.description, s.project_uuid::text, s.space_uuid::text
		FROM dashboards d
		JOIN spaces s ON s.space_uuid = d.space_uuid
	`)
	if err != nil {
		return Records{}, fmt.Errorf("load dashboards: %w", err)
	}
	defer dashRows.Close()
	for dashRows.Next() {
		var d DashboardRecord
		if err := dashRows.Scan(&d.ID, &d.Name, &d.Description, &d.ProjectUUID, &d.SpaceUUID); err != nil {
			return Records{}, fmt.Errorf("scan dashboard: %w", err)
		}
		records.Dashboards = append(records.Dashboards, d)
	}
	if err := dashRows.Err(); err != nil {
		return Records{}, fmt.Errorf("iterate dashboards: %w", err)
	}

	chartRows, err := p.db.QueryContext(ctx, `
		SELECT c.saved_chart_uuid::text, c.name, c.description, c.chart_kind, s.project_uuid::text, s.space_uuid::text
		FROM saved_charts c
		JOIN spaces s ON s.space_uuid = c.space_uuid
	`)
	if err != nil {
		return Records{}, fmt.Errorf("load charts: %w", err)
	}
	defer chartRows.Close()
	for chartRows.Next() {
		var c ChartRecord
		if err := chartRows.Scan(&c.ID, &c.Name, &c.Description, &c.ChartKind, &c.ProjectUUID, &c.SpaceUUID); err != nil {
			return Records{}, fmt.Errorf("scan chart: %w", err)
		}
		records.Charts = append(records.Charts, c)
	}
	if err := chartRows.Err(); err != nil {
		return Records{}, fmt.Errorf("iterate charts: %w", err)
	}

	spaceRows, err := p.db.QueryContext(ctx, `SELECT space_uuid::text, name, project_uuid::text FROM spaces`)
	if err != nil {
		return Records{}, fmt.Errorf("load spaces: %w", err)
	}
	defer spaceRows.Close()
	for spaceRows.Next() {
		var s SpaceRecord
		if err := spaceRows.Scan(&s.ID, &s.Name, &s.ProjectUUID); err != nil {
			return Records{}, fmt.Errorf("scan space: %w", err)
		}
		s.SpaceUUID = s.ID
		records.Spaces = append(records.Spaces, s)
	}
	if err := spaceRows.Err(); err != nil {
		return Records{}, fmt.Errorf("iterate spaces: %w", err)
	}

	return records, nil
}
