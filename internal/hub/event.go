// Package hub implements a bounded, resumable event stream per conversation, delivered over SSE with
// optional WebSocket parity, fanned out across server instances over Redis/Valkey pub/sub.
package hub

import "time"

// EventType identifies the kind of subscription event.
type EventType string

const (
	EventMessage  EventType = "messageEvent"
	EventReaction EventType = "reactionEvent"
	EventTyping   EventType = "typingEvent"
	EventInfo     EventType = "infoEvent"
)

// ephemeral reports whether events of this type skip retention and cursor assignment.
func (t EventType) ephemeral() bool {
	return t == EventTyping || t == EventInfo
}

// InfoReason enumerates the reasons an infoEvent is emitted.
type InfoReason string

const (
	ReasonCompacted        InfoReason = "compacted"
	ReasonSlowConsumer     InfoReason = "slow-consumer"
	ReasonMembershipRevoked InfoReason = "membership-revoked"
)

// Event is one item on a conversation's subscription stream. Cursor is empty for ephemeral event types.
// Payload carries message/reaction/typing metadata only, never ciphertext body; callers building Payload
// must not embed a ciphertext field.
type Event struct {
	Type      EventType `json:"event"`
	Cursor    string    `json:"cursor,omitempty"`
	ConvoID   string    `json:"convo_id"`
	EmittedAt time.Time `json:"emitted_at"`
	Payload   any       `json:"payload"`
}

// MessagePayload is the payload of a messageEvent: enough for a client to know a new message exists and
// fetch it, without shipping the ciphertext over the stream.
type MessagePayload struct {
	MessageID string `json:"message_id"`
	Kind      string `json:"kind"`
	Epoch     uint32 `json:"epoch"`
	Seq       int64  `json:"seq"`
}

// ReactionPayload is the payload of a reactionEvent.
type ReactionPayload struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	Count     int    `json:"count"`
}

// TypingPayload is the payload of a typingEvent.
type TypingPayload struct {
	MemberDID string `json:"member_did"`
}

// InfoPayload is the payload of an infoEvent.
type InfoPayload struct {
	Reason InfoReason `json:"reason"`
}
