package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/joshlacal/mls-delivery-service/internal/member"
)

// DefaultHeartbeatInterval is the interval at which idle streams emit a heartbeat comment.
const DefaultHeartbeatInterval = 15 * time.Second

// ErrNotAMember is returned by Subscribe when the requesting DID is not an active member of the
// conversation: membership is re-verified at connect time, not just at the original join.
var ErrNotAMember = member.ErrNotActive

// Hub is the Subscription Hub: it holds every locally-connected Stream and fans out events received
// over Redis/Valkey pub/sub to the streams for their conversation — a local client registry fed by a
// single Run pub/sub loop, keyed by conversation ID rather than by individual client.
type Hub struct {
	rdb       *redis.Client
	retention *Retention
	members   member.Repository
	bufSize   int
	heartbeat time.Duration
	log       zerolog.Logger

	mu      sync.RWMutex
	streams map[string]map[string]*Stream // convoID -> memberDID -> Stream
}

// New creates a Hub. bufSize is the per-stream bounded buffer size (typically in the low thousands);
// heartbeat defaults to DefaultHeartbeatInterval if zero.
func New(rdb *redis.Client, retention *Retention, members member.Repository, bufSize int, heartbeat time.Duration, log zerolog.Logger) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Hub{
		rdb:       rdb,
		retention: retention,
		members:   members,
		bufSize:   bufSize,
		heartbeat: heartbeat,
		log:       log.With().Str("component", "subscription_hub").Logger(),
		streams:   make(map[string]map[string]*Stream),
	}
}

// Run subscribes to the hub's pub/sub channel and fans out events to locally registered streams. It
// blocks until ctx is cancelled or the subscription fails.
func (h *Hub) Run(ctx context.Context) error {
	sub := h.rdb.Subscribe(ctx, eventsChannel)
	defer func() { _ = sub.Close() }()

	h.log.Info().Msg("subscription hub attached to fanout channel")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.dispatch(msg.Payload)
		}
	}
}

func (h *Hub) dispatch(payload string) {
	var w wireEvent
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		h.log.Warn().Err(err).Msg("invalid hub event envelope")
		return
	}

	h.mu.RLock()
	members := h.streams[w.Event.ConvoID]
	targets := make([]*Stream, 0, len(members))
	for _, s := range members {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(w.Event)
	}
}

// Subscribe verifies memberDID is an active member of convoID, registers a new Stream for it (displacing
// any previous stream for the same member, as a reconnect supersedes the stale connection), and returns
// the stream along with any backlog events after cursor and whether cursor had already aged out of
// retention.
func (h *Hub) Subscribe(ctx context.Context, convoID, memberDID, cursor string) (*Stream, []Event, bool, error) {
	active, err := h.members.IsActiveMember(ctx, convoID, memberDID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("check membership: %w", err)
	}
	if !active {
		return nil, nil, false, ErrNotAMember
	}

	s := newStream(convoID, memberDID, h.bufSize, h.log)

	h.mu.Lock()
	if h.streams[convoID] == nil {
		h.streams[convoID] = make(map[string]*Stream)
	}
	if existing, ok := h.streams[convoID][memberDID]; ok {
		existing.terminate(ReasonMembershipRevoked)
	}
	h.streams[convoID][memberDID] = s
	h.mu.Unlock()

	backlog, compacted, err := h.retention.Since(ctx, convoID, cursor)
	if err != nil {
		h.log.Warn().Err(err).Str("convo_id", convoID).Msg("failed to load retention backlog")
	}
	return s, backlog, compacted, nil
}

// Unsubscribe removes s from the registry if it is still the live stream for its (convoID, memberDID),
// called once a stream's transport loop returns.
func (h *Hub) Unsubscribe(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.streams[s.convoID]; ok {
		if members[s.memberDID] == s {
			delete(members, s.memberDID)
			if len(members) == 0 {
				delete(h.streams, s.convoID)
			}
		}
	}
}

// Revoke terminates memberDID's live stream on convoID, if any, with a membership-revoked infoEvent. The
// RemoveMember handler calls this once its commit is durable so a removed member's open stream ends
// immediately instead of waiting for the next event to flow through it.
func (h *Hub) Revoke(convoID, memberDID string) {
	h.mu.RLock()
	s, ok := h.streams[convoID][memberDID]
	h.mu.RUnlock()
	if ok {
		s.revoke()
	}
}

// HeartbeatInterval returns the configured heartbeat interval for transports to use.
func (h *Hub) HeartbeatInterval() time.Duration { return h.heartbeat }

// StreamCount returns the number of currently registered streams, useful for metrics and tests.
func (h *Hub) StreamCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, members := range h.streams {
		n += len(members)
	}
	return n
}

// Shutdown terminates every locally registered stream with a slow-consumer-equivalent close so
// connected clients reconnect elsewhere, and clears the registry.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	all := make([]*Stream, 0)
	for _, members := range h.streams {
		for _, s := range members {
			all = append(all, s)
		}
	}
	h.streams = make(map[string]map[string]*Stream)
	h.mu.Unlock()

	for _, s := range all {
		s.terminate(ReasonSlowConsumer)
	}
	h.log.Info().Msg("subscription hub shut down")
}
