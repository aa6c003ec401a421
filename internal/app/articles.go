package app

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"newsdesk/api/internal/broadcast"
	"newsdesk/api/internal/cache"
	"newsdesk/api/internal/search"
	"newsdesk/api/internal/store"
	"newsdesk/api/internal/util"
)

type ArticleView struct {
	ID                 string    `json:"id"`
	Slug               string    `json:"slug"`
	Title              string    `json:"title"`
	Body               string    `json:"body"`
	Author             string    `json:"author"`
	VerificationStatus string    `json:"verificationStatus"`
	RatingAvg          float64   `json:"ratingAvg"`
	RatingCount        int       `json:"ratingCount"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

type AddReviewInput struct {
	Rating int    `json:"rating"`
	Body   string `json:"body"`
}

// GetArticle resolves by id or slug, reading through the cache. Articles are
// cached under both keys so either lookup path hits.
func (s *Service) GetArticle(ctx context.Context, idOrSlug string) (ArticleView, error) {
	key := cache.ArticleSlugKey(idOrSlug)
	if strings.HasPrefix(idOrSlug, "art_") {
		key = cache.ArticleIDKey(idOrSlug)
	}
	if value, ok, err := s.cache.Get(ctx, key); err != nil {
		log.Printf("cache: get article %s: %v", idOrSlug, err)
	} else if ok {
		var item store.Article
		if err := json.Unmarshal(value, &item); err == nil {
			return articleView(item), nil
		}
		_ = s.cache.Del(ctx, key)
	}

	item, err := s.store.GetArticleByID(ctx, idOrSlug)
	if err != nil {
		item, err = s.store.GetArticleBySlug(ctx, idOrSlug)
		if err != nil {
			return ArticleView{}, err
		}
	}

	s.cacheArticle(ctx, item)
	return articleView(item), nil
}

// SetArticleVerification moves an article through the fact-check workflow.
func (s *Service) SetArticleVerification(ctx context.Context, articleID, status string) (ArticleView, error) {
	if _, ok := allowedVerificationStatuses[status]; !ok {
		return ArticleView{}, validationError("Unknown verification status", map[string]any{
			"status": status,
		})
	}

	item, err := s.store.GetArticleByID(ctx, articleID)
	if err != nil {
		return ArticleView{}, err
	}

	now := s.now()
	if err := s.store.SetArticleVerification(ctx, articleID, status, now); err != nil {
		return ArticleView{}, err
	}

	s.invalidator.EvictArticle(ctx, item.ID, item.Slug)
	s.publish(ctx, broadcast.ResourceArticle, articleID, broadcast.TypeVerificationUpdated, map[string]any{
		"articleId": articleID,
		"status":    status,
	})

	item.VerificationStatus = status
	item.UpdatedAt = now
	return articleView(item), nil
}

func (s *Service) AddReview(ctx context.Context, userID, articleID string, in AddReviewInput) error {
	if in.Rating < 1 || in.Rating > 5 {
		return validationError("Rating must be between 1 and 5", map[string]any{
			"rating": in.Rating,
		})
	}

	item, err := s.store.GetArticleByID(ctx, articleID)
	if err != nil {
		return err
	}

	now := s.now()
	if err := s.store.InsertReview(ctx, store.Review{
		ID:        util.NewID("rev"),
		ArticleID: articleID,
		UserID:    userID,
		Rating:    in.Rating,
		Body:      in.Body,
		CreatedAt: now,
	}, now); err != nil {
		return err
	}

	s.invalidator.EvictReviewParent(ctx, item.ID, item.Slug)
	s.publish(ctx, broadcast.ResourceArticle, articleID, broadcast.TypeReviewUpdated, map[string]any{
		"articleId":  articleID,
		"reviewedBy": userID,
		"rating":     in.Rating,
	})
	return nil
}

// PollArticleMessages returns queued article events newer than since.
// Articles have no per-user read restriction, so no access check applies.
func (s *Service) PollArticleMessages(ctx context.Context, articleID string, since time.Time) ([]broadcast.Message, error) {
	if _, err := s.store.GetArticleByID(ctx, articleID); err != nil {
		return nil, err
	}
	return s.broadcaster.Poll(ctx, broadcast.ResourceArticle, articleID, since)
}

func (s *Service) cacheArticle(ctx context.Context, item store.Article) {
	encoded, err := json.Marshal(item)
	if err != nil {
		return
	}
	for _, key := range []string{cache.ArticleIDKey(item.ID), cache.ArticleSlugKey(item.Slug)} {
		if err := s.cache.Set(ctx, key, encoded, s.cfg.CacheTTL); err != nil {
			log.Printf("cache: set article %s: %v", item.ID, err)
		}
	}
}

func articleView(item store.Article) ArticleView {
	return ArticleView{
		ID:                 item.ID,
		Slug:               item.Slug,
		Title:              item.Title,
		Body:               item.Body,
		Author:             item.Author,
		VerificationStatus: item.VerificationStatus,
		RatingAvg:          item.RatingAvg,
		RatingCount:        item.RatingCount,
		CreatedAt:          item.CreatedAt,
		UpdatedAt:          item.UpdatedAt,
	}
}

// Bootstrap seeds a demo article so a fresh deployment has something to
// review. Safe to call repeatedly; an existing slug is left alone.
func (s *Service) Bootstrap(ctx context.Context) {
	const slug = "welcome-to-newsdesk"
	if _, err := s.store.GetArticleBySlug(ctx, slug); err == nil {
		return
	}

	now := s.now()
	item := store.Article{
		ID:                 util.NewID("art"),
		Slug:               slug,
		Title:              "Welcome to Newsdesk",
		Body:               "Newsdesk links investigative storyboards to published articles. Create a storyboard, invite collaborators, and track how the story develops.",
		Author:             "Newsdesk Team",
		VerificationStatus: "verified",
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.InsertArticle(ctx, item); err != nil {
		log.Printf("bootstrap: seed article: %v", err)
		return
	}
	if s.search != nil {
		s.search.IndexArticle(search.ArticleRecord{
			ID:    item.ID,
			Slug:  item.Slug,
			Title: item.Title,
			Body:  item.Body,
		})
	}
	log.Printf("bootstrap: seeded article %s", item.Slug)
}
