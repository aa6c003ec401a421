package cache

import (
	"context"
	"log"
)

func StoryboardKey(storyboardID string) string {
	return "storyboard:" + storyboardID
}

func ArticleIDKey(articleID string) string {
	return "article:id:" + articleID
}

func ArticleSlugKey(slug string) string {
	return "article:slug:" + slug
}

// Invalidator is the only component that proactively evicts cache entries.
// Eviction runs synchronously in the write path; failures are logged and
// swallowed so an unavailable cache never fails a write.
type Invalidator struct {
	cache *Cache
}

func NewInvalidator(c *Cache) *Invalidator {
	return &Invalidator{cache: c}
}

// EvictStoryboard runs on every accepted storyboard write: lock, unlock,
// metadata update, graph commit, collaborator change, delete.
func (i *Invalidator) EvictStoryboard(ctx context.Context, storyboardID string) {
	if err := i.cache.Del(ctx, StoryboardKey(storyboardID)); err != nil {
		log.Printf("cache: evict storyboard %s: %v", storyboardID, err)
	}
}

// EvictArticle drops both address forms; an article is reachable by id or slug.
func (i *Invalidator) EvictArticle(ctx context.Context, articleID, slug string) {
	if err := i.cache.Del(ctx, ArticleIDKey(articleID), ArticleSlugKey(slug)); err != nil {
		log.Printf("cache: evict article %s: %v", articleID, err)
	}
}

// EvictReviewParent handles review writes: reviews only surface through the
// parent article's aggregate, so evicting the article is sufficient.
func (i *Invalidator) EvictReviewParent(ctx context.Context, articleID, slug string) {
	i.EvictArticle(ctx, articleID, slug)
}
