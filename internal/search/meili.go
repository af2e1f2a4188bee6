package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxDashboards = "beacon_dashboards"
	idxCharts     = "beacon_charts"
	idxSpaces     = "beacon_spaces"
)

var indexTypes = []struct {
	uid  string
	rtyp ResultType
}{
	{idxDashboards, ResultDashboard},
	{idxCharts, ResultChart},
	{idxSpaces, ResultSpace},
}

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server is not an error; the health loop picks it up later.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.With("component", "meilisearch"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	filterable := []string{"projectUuid", "spaceUuid"}
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{uid: idxDashboards, filterable: filterable, searchable: []string{"name", "description"}},
		{uid: idxCharts, filterable: append(filterable, "chartKind"), searchable: []string{"name", "description"}},
		{uid: idxSpaces, filterable: filterable, searchable: []string{"name"}},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idx.uid, PrimaryKey: "id"}); err != nil {
			m.logger.Debug("create index (may already exist)", "index", idx.uid, "error", err)
		}

		index := m.client.Index(idx.uid)
		attrs := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			attrs[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&attrs); err != nil {
			m.logger.Warn("update filterable attributes", "index", idx.uid, "error", err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			m.logger.Warn("update searchable attributes", "index", idx.uid, "error", err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			switch {
			case err == nil && !wasHealthy:
				m.logger.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			case err != nil && wasHealthy:
				m.logger.Warn("meilisearch went unhealthy", "error", err)
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	if m == nil {
		return
	}
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m != nil && m.healthy.Load()
}

// Search queries the three indexes (or the filtered one) and merges the hits
// by ranking score.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.Healthy() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	// Each index is asked for a full window so the merged page is correct.
	window := int64(q.Offset + q.Limit)
	filter := meiliFilter(q)

	var queries []*meili.SearchRequest
	for _, ti := range indexTypes {
		if !q.includes(ti.rtyp) {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID:              ti.uid,
			Query:                 q.Text,
			Limit:                 window,
			Filter:                filter,
			AttributesToHighlight: []string{"name", "description"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		})
	}
	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: queries})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	type scored struct {
		result Result
		score  float64
	}
	var hits []scored
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			hits = append(hits, scored{result: hitToResult(hit, rtyp), score: decodeFloat(hit, "_rankingScore")})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	if q.Offset >= len(hits) {
		return []Result{}, total, nil
	}
	hits = hits[q.Offset:]
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, h.result)
	}
	return results, total, nil
}

func meiliFilter(q Query) []string {
	quoted := make([]string, 0, len(q.SpaceUUIDs))
	for _, id := range q.SpaceUUIDs {
		quoted = append(quoted, fmt.Sprintf("%q", id))
	}
	return []string{
		fmt.Sprintf("projectUuid = %q", q.ProjectUUID),
		fmt.Sprintf("spaceUuid IN [%s]", strings.Join(quoted, ", ")),
	}
}

func indexToResultType(uid string) ResultType {
	for _, ti := range indexTypes {
		if ti.uid == uid {
			return ti.rtyp
		}
	}
	return ""
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{
		Type:        rtyp,
		UUID:        decodeString(hit, "id"),
		ProjectUUID: decodeString(hit, "projectUuid"),
		SpaceUUID:   decodeString(hit, "spaceUuid"),
	}
	r.Name = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
	if rtyp != ResultSpace {
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), decodeString(hit, "description"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFloat(hit meili.Hit, key string) float64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexRecords adds or updates every record in its index.
func (m *Meili) IndexRecords(records Records) error {
	if len(records.Dashboards) > 0 {
		if _, err := m.client.Index(idxDashboards).AddDocuments(records.Dashboards, nil); err != nil {
			return fmt.Errorf("index dashboards: %w", err)
		}
	}
	if len(records.Charts) > 0 {
		if _, err := m.client.Index(idxCharts).AddDocuments(records.Charts, nil); err != nil {
			return fmt.Errorf("index charts: %w", err)
		}
	}
	if len(records.Spaces) > 0 {
		if _, err := m.client.Index(idxSpaces).AddDocuments(records.Spaces, nil); err != nil {
			return fmt.Errorf("index spaces: %w", err)
		}
	}
	return nil
}
