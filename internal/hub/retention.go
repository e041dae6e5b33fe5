package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// retentionKey namespaces a conversation's retained-event list in Redis.
func retentionKey(convoID string) string { return "hub:retention:" + convoID }

// Retention persists each conversation's recent non-ephemeral events in a capped Redis list (RPUSH +
// LTRIM + Expire), keyed by conversation ID. A count cap substitutes for an exact time window so replay
// cost stays bounded regardless of traffic burst.
type Retention struct {
	rdb *redis.Client
	cap int
	ttl time.Duration
}

// NewRetention creates a Retention store capping each conversation's buffer at capEvents events, with
// keys expiring after ttl of conversation inactivity.
func NewRetention(rdb *redis.Client, capEvents int, ttl time.Duration) *Retention {
	return &Retention{rdb: rdb, cap: capEvents, ttl: ttl}
}

// Append records ev in its conversation's retention buffer. Ephemeral event types are not retained.
func (r *Retention) Append(ctx context.Context, ev Event) error {
	if ev.Type.ephemeral() {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal retained event: %w", err)
	}

	key := retentionKey(ev.ConvoID)
	pipe := r.rdb.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-r.cap), -1)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append retained event: %w", err)
	}
	return nil
}

// Since returns every retained event for convoID with a cursor strictly greater than afterCursor, along
// with whether afterCursor was older than the retention head (the compacted case). An empty afterCursor
// means "start from whatever is currently retained" and is never compacted.
func (r *Retention) Since(ctx context.Context, convoID, afterCursor string) (events []Event, compacted bool, err error) {
	raw, err := r.rdb.LRange(ctx, retentionKey(convoID), 0, -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("read retention buffer: %w", err)
	}

	all := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if jsonErr := json.Unmarshal([]byte(item), &ev); jsonErr != nil {
			continue
		}
		all = append(all, ev)
	}

	if afterCursor == "" {
		return nil, false, nil
	}

	if len(all) > 0 && all[0].Cursor > afterCursor {
		// The oldest retained event is already past the client's cursor: the requested position has
		// aged out of the window. Resume from the current head instead of returning nothing.
		return nil, true, nil
	}

	for _, ev := range all {
		if ev.Cursor > afterCursor {
			events = append(events, ev)
		}
	}
	return events, false, nil
}
