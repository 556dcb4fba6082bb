package search

import (
	"context"

	"go.uber.org/zap"

	"roadwatch/api/internal/store"
)

// Searcher can execute a report search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push reports into a search index.
type Indexer interface {
	IndexReports(records []ReportRecord) error
	DeleteReport(id string) error
	Healthy() bool
}

// Service tries Meilisearch first and falls back to PostgreSQL.
type Service struct {
	primary  Searcher
	indexer  Indexer
	fallback Searcher
	logger   *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{fallback: fallback, logger: logger}
	if meili != nil {
		s.primary = meili
		s.indexer = meili
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		s.logger.Warn("search: meilisearch error, falling back to postgres", zap.Error(err))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: "none"}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("search: postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text, Engine: "postgres"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "postgres"}
}

// IndexReport pushes a synced report to the index in the background.
func (s *Service) IndexReport(report store.Report) {
	if s.indexer == nil || !s.indexer.Healthy() {
		return
	}
	rec := RecordFrom(report)
	go func() {
		if err := s.indexer.IndexReports([]ReportRecord{rec}); err != nil {
			s.logger.Warn("search: index report", zap.String("report_id", rec.ID), zap.Error(err))
		}
	}()
}

// DeleteReport removes a report from the index in the background.
func (s *Service) DeleteReport(id string) {
	if s.indexer == nil || !s.indexer.Healthy() {
		return
	}
	go func() {
		if err := s.indexer.DeleteReport(id); err != nil {
			s.logger.Warn("search: delete report", zap.String("report_id", id), zap.Error(err))
		}
	}()
}

// Reindex loads every report from PostgreSQL and pushes it to Meilisearch.
func (s *Service) Reindex(ctx context.Context, source *PgFTS) {
	if s.indexer == nil || !s.indexer.Healthy() || source == nil {
		return
	}
	records, err := source.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("search: reindex load failed", zap.Error(err))
		return
	}
	if err := s.indexer.IndexReports(records); err != nil {
		s.logger.Warn("search: reindex failed", zap.Error(err))
		return
	}
	s.logger.Info("search: reindexed reports", zap.Int("count", len(records)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
