package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stream is one subscriber's bounded, ordered view of a conversation's event stream: a buffered outbound
// channel plus a done-closing signal channel, so delivery and shutdown compose through plain channel
// operations instead of a mutex-guarded state machine.
type Stream struct {
	convoID   string
	memberDID string
	buffer    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

func newStream(convoID, memberDID string, bufSize int, log zerolog.Logger) *Stream {
	return &Stream{
		convoID:   convoID,
		memberDID: memberDID,
		buffer:    make(chan Event, bufSize),
		closed:    make(chan struct{}),
		log:       log,
	}
}

// enqueue delivers ev to the stream. If the buffer is full, the stream is terminated with a
// slow-consumer infoEvent instead of blocking the fanout loop: one slow subscriber never stalls delivery
// to the rest of a conversation's subscribers.
func (s *Stream) enqueue(ev Event) {
	select {
	case <-s.closed:
		return
	default:
	}

	select {
	case s.buffer <- ev:
	default:
		s.terminate(ReasonSlowConsumer)
	}
}

// revoke closes the stream with a membership-revoked infoEvent, used when a RemoveMember commit takes
// effect while this member still has a live subscription.
func (s *Stream) revoke() {
	s.terminate(ReasonMembershipRevoked)
}

// closeSilently stops the stream without synthesizing a final infoEvent, used when the transport itself
// (not a subscription-level condition) is going away, e.g. the peer closed its WebSocket.
func (s *Stream) closeSilently() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// terminate stops further enqueues and, best-effort, makes room for one final infoEvent explaining why
// — evicting the oldest buffered event if necessary, since an already-full buffer is exactly the
// slow-consumer case this event reports.
func (s *Stream) terminate(reason InfoReason) {
	s.closeOnce.Do(func() {
		if reason == ReasonSlowConsumer {
			s.log.Warn().Str("convo_id", s.convoID).Str("member_did", s.memberDID).Msg("subscription buffer full, closing stream")
		}
		final := Event{Type: EventInfo, ConvoID: s.convoID, EmittedAt: time.Now(), Payload: InfoPayload{Reason: reason}}
		select {
		case s.buffer <- final:
		default:
			select {
			case <-s.buffer:
			default:
			}
			select {
			case s.buffer <- final:
			default:
			}
		}
		close(s.closed)
	})
}

// run delivers buffered events to send until the stream closes or ctx is cancelled, emitting a
// heartbeat via onHeartbeat every interval: a select loop over the outbound channel and a shutdown
// signal, draining whatever remains once shutdown fires so the final infoEvent is never lost.
func (s *Stream) run(ctx context.Context, interval time.Duration, send func(Event) error, onHeartbeat func() error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-s.buffer:
			if err := send(ev); err != nil {
				return err
			}
		case <-s.closed:
			return s.drain(send)
		case <-ticker.C:
			if err := onHeartbeat(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Stream) drain(send func(Event) error) error {
	for {
		select {
		case ev := <-s.buffer:
			if err := send(ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
