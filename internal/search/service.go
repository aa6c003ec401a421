package search

import (
	"context"
	"log"
)

// Service tries Meilisearch first and falls back to Postgres FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil when not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexStoryboard pushes a storyboard to Meilisearch, fire-and-forget.
func (s *Service) IndexStoryboard(record StoryboardRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexStoryboard(record); err != nil {
			log.Printf("search: index storyboard %s: %v", record.ID, err)
		}
	}()
}

// IndexArticle pushes an article to Meilisearch, fire-and-forget.
func (s *Service) IndexArticle(record ArticleRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexArticle(record); err != nil {
			log.Printf("search: index article %s: %v", record.ID, err)
		}
	}()
}

// DeleteStoryboard removes a storyboard from the index, fire-and-forget.
func (s *Service) DeleteStoryboard(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteStoryboard(id); err != nil {
			log.Printf("search: delete storyboard %s: %v", id, err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
