package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// eventsChannel is the single Redis/Valkey pub/sub channel every hub instance subscribes to.
const eventsChannel = "mlsds.hub.events"

// wireEvent is the envelope published to eventsChannel.
type wireEvent struct {
	Event Event `json:"event"`
}

// Dispatcher is the T2 Fanout Dispatcher: it appends an event to its conversation's retention buffer and
// publishes it so every hub instance (including this one) can fan it out to locally connected streams.
type Dispatcher struct {
	rdb       *redis.Client
	retention *Retention
	log       zerolog.Logger
}

// NewDispatcher creates a Dispatcher backed by rdb and retention.
func NewDispatcher(rdb *redis.Client, retention *Retention, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{rdb: rdb, retention: retention, log: log.With().Str("component", "fanout_dispatcher").Logger()}
}

// Publish emits an event for convoID. cursor is empty for ephemeral event types (typingEvent, infoEvent);
// non-ephemeral events are expected to carry the cursor already minted by the Conversation Actor or
// Welcome Coordinator for the mutation that produced them.
func (d *Dispatcher) Publish(ctx context.Context, convoID string, eventType EventType, cursor string, payload any) error {
	ev := Event{
		Type:      eventType,
		Cursor:    cursor,
		ConvoID:   convoID,
		EmittedAt: time.Now(),
		Payload:   payload,
	}

	if err := d.retention.Append(ctx, ev); err != nil {
		d.log.Warn().Err(err).Str("convo_id", convoID).Msg("failed to append event to retention buffer")
	}

	data, err := json.Marshal(wireEvent{Event: ev})
	if err != nil {
		return fmt.Errorf("marshal hub event: %w", err)
	}
	if err := d.rdb.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("publish hub event: %w", err)
	}
	return nil
}
