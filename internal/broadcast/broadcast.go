// Package broadcast fans change events out to polling clients through
// bounded, cache-backed FIFO queues. Delivery is best-effort and at-most-N
// buffered: a client that polls slower than the queue churns misses events
// and must recover with a full re-fetch.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"newsdesk/api/internal/cache"
)

type MessageType string

const (
	TypeStoryboardUpdated   MessageType = "storyboard-updated"
	TypeStoryboardLocked    MessageType = "storyboard-locked"
	TypeVersionUpdated      MessageType = "version-updated"
	TypeReviewUpdated       MessageType = "review-updated"
	TypeVerificationUpdated MessageType = "verification-updated"
)

const (
	ResourceStoryboard = "storyboard"
	ResourceArticle    = "article"
)

const (
	storyboardQueueBound = 10
	articleQueueBound    = 5
	queueTTL             = 5 * time.Minute
)

// Message is ephemeral: it lives only in the per-resource queue and is never
// persisted to durable storage.
type Message struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type Broadcaster struct {
	cache *cache.Cache
	now   func() time.Time
}

func New(c *cache.Cache) *Broadcaster {
	return &Broadcaster{cache: c, now: time.Now}
}

// WithClock overrides the broadcaster's clock. Tests only.
func (b *Broadcaster) WithClock(now func() time.Time) *Broadcaster {
	b.now = now
	return b
}

// Publish appends a timestamped message to the resource's queue, dropping the
// oldest entries beyond the bound. The queue key carries a short TTL so idle
// resources don't accumulate.
func (b *Broadcaster) Publish(ctx context.Context, resourceType, resourceID string, msgType MessageType, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode broadcast payload: %w", err)
		}
		raw = encoded
	}

	messages, err := b.readQueue(ctx, resourceType, resourceID)
	if err != nil {
		return err
	}

	messages = append(messages, Message{
		Type:      msgType,
		Payload:   raw,
		Timestamp: b.now(),
	})
	if bound := queueBound(resourceType); len(messages) > bound {
		messages = messages[len(messages)-bound:]
	}

	encoded, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode broadcast queue: %w", err)
	}
	return b.cache.Set(ctx, queueKey(resourceType, resourceID), encoded, queueTTL)
}

// Poll returns the queue contents, filtered to messages strictly newer than
// since when since is non-zero.
func (b *Broadcaster) Poll(ctx context.Context, resourceType, resourceID string, since time.Time) ([]Message, error) {
	messages, err := b.readQueue(ctx, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if since.IsZero() {
		return messages, nil
	}

	filtered := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Timestamp.After(since) {
			filtered = append(filtered, msg)
		}
	}
	return filtered, nil
}

func (b *Broadcaster) readQueue(ctx context.Context, resourceType, resourceID string) ([]Message, error) {
	value, ok, err := b.cache.Get(ctx, queueKey(resourceType, resourceID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return []Message{}, nil
	}

	var messages []Message
	if err := json.Unmarshal(value, &messages); err != nil {
		// A corrupt queue is dropped rather than poisoning every poll.
		return []Message{}, nil
	}
	return messages, nil
}

func queueKey(resourceType, resourceID string) string {
	return "broadcast:" + resourceType + ":" + resourceID
}

func queueBound(resourceType string) int {
	if resourceType == ResourceArticle {
		return articleQueueBound
	}
	return storyboardQueueBound
}
