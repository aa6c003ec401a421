package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	c, err := New("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return c, s
}

func TestSetGet(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, ok, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("expected hit, got miss")
	}
	if string(value) != "v" {
		t.Errorf("expected v, got %s", value)
	}
}

func TestGetMiss(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	_, ok, err := c.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected miss for absent key")
	}
}

func TestTTLExpiry(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	s.FastForward(2 * time.Second)

	_, ok, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("expected key to have expired")
	}
}

func TestDelAndHas(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ok, err := c.Has(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected Has=true, got %v %v", ok, err)
	}

	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("Del failed: %v", err)
	}

	ok, err = c.Has(ctx, "k")
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if ok {
		t.Error("expected Has=false after Del")
	}
}

func TestDelNoKeysIsNoop(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	if err := c.Del(context.Background()); err != nil {
		t.Errorf("Del with no keys failed: %v", err)
	}
}

func TestInvalidatorEvictsStoryboard(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	ctx := context.Background()
	key := StoryboardKey("sb_1")
	if err := c.Set(ctx, key, []byte("{}"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	NewInvalidator(c).EvictStoryboard(ctx, "sb_1")

	if ok, _ := c.Has(ctx, key); ok {
		t.Error("expected storyboard key evicted")
	}
}

func TestInvalidatorEvictsBothArticleKeys(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()
	defer s.Close()

	ctx := context.Background()
	if err := c.Set(ctx, ArticleIDKey("a1"), []byte("{}"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Set(ctx, ArticleSlugKey("breaking-news"), []byte("{}"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	NewInvalidator(c).EvictArticle(ctx, "a1", "breaking-news")

	if ok, _ := c.Has(ctx, ArticleIDKey("a1")); ok {
		t.Error("expected article id key evicted")
	}
	if ok, _ := c.Has(ctx, ArticleSlugKey("breaking-news")); ok {
		t.Error("expected article slug key evicted")
	}
}

func TestInvalidatorSurvivesCacheOutage(t *testing.T) {
	c, s := setupTestCache(t)
	defer c.Close()

	s.Close()

	// Must not panic or propagate the error.
	NewInvalidator(c).EvictStoryboard(context.Background(), "sb_1")
}
