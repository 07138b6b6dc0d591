package search

import (
	"context"
	"log/slog"
)

// Index is both halves of the primary search backend.
type Index interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	index    Index
	fallback Searcher
	loader   *PgFTS
	logger   *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured; pgfts may be nil in tests.
func NewService(meili *Meili, pgfts *PgFTS, logger *slog.Logger) *Service {
	s := &Service{loader: pgfts, logger: logger}
	if meili != nil {
		s.index = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s.withLogger()
}

// NewServiceWith wires arbitrary backends.
func NewServiceWith(index Index, fallback Searcher, logger *slog.Logger) *Service {
	s := &Service{index: index, fallback: fallback, logger: logger}
	return s.withLogger()
}

func (s *Service) withLogger() *Service {
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "search")
	return s
}

// Search tries the index if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: scoped(results, q), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back to pgfts", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("pgfts error", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: scoped(results, q), Total: total, Query: q.Text}
}

// IndexSection indexes a section (fire-and-forget).
func (s *Service) IndexSection(rec SectionRecord) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	if rec.ID == "" {
		rec.ID = SectionRecordID(rec.BidID, rec.SectionID)
	}
	rec.Answer = PlainText(rec.Answer)
	go func() {
		if err := s.index.IndexSections([]SectionRecord{rec}); err != nil {
			s.logger.Warn("index section failed", "bid_id", rec.BidID, "section_id", rec.SectionID, "error", err)
		}
	}()
}

// IndexComment indexes a comment (fire-and-forget).
func (s *Service) IndexComment(rec CommentRecord) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	go func() {
		if err := s.index.IndexComments([]CommentRecord{rec}); err != nil {
			s.logger.Warn("index comment failed", "comment_id", rec.ID, "error", err)
		}
	}()
}

// DeleteSection removes a section from the index (fire-and-forget).
func (s *Service) DeleteSection(bidID, sectionID string) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	id := SectionRecordID(bidID, sectionID)
	go func() {
		if err := s.index.DeleteSection(id); err != nil {
			s.logger.Warn("delete section failed", "bid_id", bidID, "section_id", sectionID, "error", err)
		}
	}()
}

// ReindexAll pushes records to the index synchronously.
func (s *Service) ReindexAll(sections []SectionRecord, comments []CommentRecord) {
	if s.index == nil || !s.index.Healthy() {
		return
	}
	if len(sections) > 0 {
		if err := s.index.IndexSections(sections); err != nil {
			s.logger.Error("reindex sections failed", "error", err)
		}
	}
	if len(comments) > 0 {
		if err := s.index.IndexComments(comments); err != nil {
			s.logger.Error("reindex comments failed", "error", err)
		}
	}
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.index == nil || !s.index.Healthy() || s.loader == nil {
		return
	}
	sections, comments, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", "error", err)
		return
	}
	s.ReindexAll(sections, comments)
}

// scoped drops hits outside the query's bids.
func scoped(results []Result, q Query) []Result {
	filtered := make([]Result, 0, len(results))
	for _, r := range results {
		if allowedBid(q, r.BidID) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}
