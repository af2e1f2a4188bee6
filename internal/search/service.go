package search

import (
	"context"
	"fmt"
	"log/slog"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  Searcher
	indexer  Indexer
	fallback Searcher
	loader   RecordLoader
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{logger: logger}
	if meili != nil {
		s.primary = meili
		s.indexer = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
// Backend failures degrade to an empty response.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q = q.normalize()
	if !q.searchable() {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.WarnContext(ctx, "meilisearch failed, falling back to postgres", "error", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.ErrorContext(ctx, "postgres search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Index pushes records to Meilisearch in the background.
func (s *Service) Index(records Records) {
	if s.indexer == nil || !s.indexer.Healthy() || records.Len() == 0 {
		return
	}
	go func() {
		if err := s.indexer.IndexRecords(records); err != nil {
			s.logger.Error("index records", "count", records.Len(), "error", err)
		}
	}()
}

// ReindexAll reads all entities from PG and pushes them to Meilisearch.
// It returns the number of records pushed.
func (s *Service) ReindexAll(ctx context.Context) (int, error) {
	if s.indexer == nil || !s.indexer.Healthy() {
		return 0, fmt.Errorf("meilisearch is not available")
	}
	if s.loader == nil {
		return 0, fmt.Errorf("no record source configured")
	}
	records, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		return 0, fmt.Errorf("load records: %w", err)
	}
	if err := s.indexer.IndexRecords(records); err != nil {
		return 0, fmt.Errorf("index records: %w", err)
	}
	s.logger.InfoContext(ctx, "search reindexed",
		"dashboards", len(records.Dashboards),
		"charts", len(records.Charts),
		"spaces", len(records.Spaces),
	)
	return records.Len(), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
