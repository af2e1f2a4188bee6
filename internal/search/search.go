package search

import (
	"context"
	"fmt"
	"strings"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultDashboard ResultType = "dashboard"
	ResultChart     ResultType = "chart"
	ResultSpace     ResultType = "space"
)

const (
	// MinQueryLength is the shortest query text that reaches a backend.
	MinQueryLength = 3
	defaultLimit   = 20
	maxLimit       = 100
)

// ParseType validates a ?type= value. Empty means all types.
func ParseType(raw string) (ResultType, error) {
	switch t := ResultType(strings.ToLower(strings.TrimSpace(raw))); t {
	case "", ResultDashboard, ResultChart, ResultSpace:
		return t, nil
	default:
		return "", fmt.Errorf("unknown search type %q", raw)
	}
}

// Result is a single search hit returned to the caller.
type Result struct {
	Type        ResultType `json:"type"`
	UUID        string     `json:"uuid"`
	Name        string     `json:"name"`
	Snippet     string     `json:"snippet"`
	ProjectUUID string     `json:"projectUuid"`
	SpaceUUID   string     `json:"spaceUuid"`
}

// Query describes a search request. SpaceUUIDs lists the spaces the caller
// may see; an empty list matches nothing.
type Query struct {
	Text        string
	ProjectUUID string
	SpaceUUIDs  []string
	FilterType  ResultType // empty = all types
	Limit       int
	Offset      int
}

func (q Query) normalize() Query {
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

func (q Query) searchable() bool {
	return len([]rune(q.Text)) >= MinQueryLength && q.ProjectUUID != "" && len(q.SpaceUUIDs) > 0
}

func (q Query) includes(t ResultType) bool {
	return q.FilterType == "" || q.FilterType == t
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push records into a search index.
type Indexer interface {
	IndexRecords(records Records) error
	Healthy() bool
}

// RecordLoader reads every searchable record from the system of record.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) (Records, error)
}

// DashboardRecord is the data we index for a dashboard.
type DashboardRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ProjectUUID string `json:"projectUuid"`
	SpaceUUID   string `json:"spaceUuid"`
}

// ChartRecord is the data we index for a saved chart.
type ChartRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ChartKind   string `json:"chartKind"`
	ProjectUUID string `json:"projectUuid"`
	SpaceUUID   string `json:"spaceUuid"`
}

// SpaceRecord is the data we index for a space.
type SpaceRecord struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ProjectUUID string `json:"projectUuid"`
	SpaceUUID   string `json:"spaceUuid"`
}

// Records is a batch of searchable entities.
type Records struct {
	Dashboards []DashboardRecord
	Charts     []ChartRecord
	Spaces     []SpaceRecord
}

func (r Records) Len() int {
	return len(r.Dashboards) + len(r.Charts) + len(r.Spaces)
}
