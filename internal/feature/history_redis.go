package feature

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/cloudsentinel/internal/event"
)

const historyKeyPrefix = "cloudsentinel:history:"

// RedisHistory is a Redis-backed HistoryStore. Each actor maps to a capped
// list; the cap is enforced on write so history reads stay O(window) no
// matter how active the actor is.
type RedisHistory struct {
	client      *redis.Client
	maxPerActor int
	ttl         time.Duration
}

// NewRedisHistory creates a Redis-backed history store. ttl bounds how long
// an idle actor's history is retained.
func NewRedisHistory(client *redis.Client, maxPerActor int, ttl time.Duration) *RedisHistory {
	if maxPerActor <= 0 {
		maxPerActor = 1000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisHistory{client: client, maxPerActor: maxPerActor, ttl: ttl}
}

// Append pushes the event onto the actor's list and trims it to the cap.
func (r *RedisHistory) Append(ctx context.Context, ev *event.CanonicalEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	key := historyKeyPrefix + ev.ActorID
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(r.maxPerActor-1))
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append history for %s: %w", ev.ActorID, err)
	}
	return nil
}

// All scans every actor's history, returning up to limit events. The scan is
// incremental; it never blocks Redis the way KEYS would.
func (r *RedisHistory) All(ctx context.Context, limit int) ([]event.CanonicalEvent, error) {
	var out []event.CanonicalEvent
	iter := r.client.Scan(ctx, 0, historyKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		entries, err := r.client.LRange(ctx, iter.Val(), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("read history list %s: %w", iter.Val(), err)
		}
		for _, raw := range entries {
			var ev event.CanonicalEvent
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				continue
			}
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan history keys: %w", err)
	}
	return out, nil
}

// History reads at most w.MaxEvents entries and filters them to w.MaxAge,
// returning them oldest first.
func (r *RedisHistory) History(ctx context.Context, actorID string, w Window) ([]event.CanonicalEvent, error) {
	limit := int64(w.MaxEvents)
	if limit <= 0 {
		limit = int64(r.maxPerActor)
	}

	entries, err := r.client.LRange(ctx, historyKeyPrefix+actorID, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history for %s: %w", actorID, err)
	}

	cutoff := time.Now().UTC().Add(-w.MaxAge)
	out := make([]event.CanonicalEvent, 0, len(entries))
	// Lists are newest-first; walk backwards to restore chronological order.
	for i := len(entries) - 1; i >= 0; i-- {
		var ev event.CanonicalEvent
		if err := json.Unmarshal([]byte(entries[i]), &ev); err != nil {
			continue
		}
		if ev.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
