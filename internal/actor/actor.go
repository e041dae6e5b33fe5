// Package actor implements the per-conversation serialization actor: the sole authority
// for a conversation's current epoch and in-memory unread counters, and the only path by which an
// epoch-advancing mutation reaches the database. One Actor owns exactly one conversation; the Registry
// (registry.go) spawns and looks them up.
//
// The mailbox pattern is a buffered channel drained by a single goroutine in order: instead of writing
// raw frames to one socket, each item is a closure run to completion before the next starts, so every
// epoch-advancing handler is strictly serialized per conversation.
package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/joshlacal/mls-delivery-service/internal/convo"
	"github.com/joshlacal/mls-delivery-service/internal/cursor"
	"github.com/joshlacal/mls-delivery-service/internal/groupinfo"
	"github.com/joshlacal/mls-delivery-service/internal/member"
	"github.com/joshlacal/mls-delivery-service/internal/messagestore"
	"github.com/joshlacal/mls-delivery-service/internal/postgres"
	"github.com/joshlacal/mls-delivery-service/internal/welcome"
)

// BatchSize is the default unread-counter flush threshold: a member's in-memory counter is written to
// the members table once every BatchSize increments, trading write volume for a bounded amount of
// unread-count loss on crash.
const BatchSize = 10

// DefaultCallTimeout is a suggested bound for a caller's mailbox round trip. Nothing in this package
// applies it: a call waits as long as the caller's context allows.
const DefaultCallTimeout = 10 * time.Second

// dbTimeout bounds how long a queued job's own database work may take once it is dequeued. It is
// deliberately independent of the caller's request context: a dropped HTTP connection must not abort a
// commit already underway, only the caller's wait for the reply.
const dbTimeout = 10 * time.Second

// ErrShutdown is returned to any caller whose request arrives at (or outlives) a shut-down actor.
var ErrShutdown = errors.New("actor: conversation actor has shut down")

// ErrCallTimeout is returned when a request is not completed within its context deadline.
var ErrCallTimeout = errors.New("actor: call timed out waiting for mailbox")

// WelcomeInput pairs one Welcome ciphertext with its intended recipient, as produced by the caller's MLS
// library when it computes an AddMembers commit.
type WelcomeInput struct {
	RecipientDID string
	Ciphertext   []byte
}

// AddMembersInput groups the inputs to the AddMembers operation.
type AddMembersInput struct {
	DIDs      []string
	Commit    []byte
	Welcomes  []WelcomeInput
	GroupInfo []byte // optional: published alongside the commit when the caller's MLS library emits one
	ExpiresAt *time.Time
}

// AddMembersResult reports the epoch the conversation advanced to and the cursor assigned to the
// commit event, for the caller to hand to the Subscription Hub fanout.
type AddMembersResult struct {
	Epoch  uint32
	Cursor string
}

// RemoveMemberInput groups the inputs to the RemoveMember operation.
type RemoveMemberInput struct {
	MemberDID string
	Commit    []byte
	ExpiresAt *time.Time
}

// RemoveMemberResult reports the epoch the conversation advanced to and the cursor assigned to the
// commit event, for the caller to hand to the Subscription Hub fanout.
type RemoveMemberResult struct {
	Epoch  uint32
	Cursor string
}

// SendMessageInput groups the inputs to the SendMessage operation. SenderDID is used only to exclude the
// sender from the unread fan-out; it is never persisted on the message row, preserving sender privacy.
type SendMessageInput struct {
	SenderDID  string
	Ciphertext []byte
	ExpiresAt  *time.Time
}

// SendMessageResult is the ack returned once the app message row is durably committed.
type SendMessageResult struct {
	MessageID string
	Epoch     uint32
	Seq       int64
	Cursor    string
}

// Repositories groups the data-access dependencies an Actor needs. All write methods here accept a
// postgres.Querier so the Actor can thread its own transaction through each of them.
type Repositories struct {
	Convo     convo.Repository
	Member    member.Repository
	Message   messagestore.Repository
	Welcome   welcome.Repository
	GroupInfo groupinfo.Repository
}

// Actor owns one conversation's authoritative epoch and per-member unread counters, processing every
// request through a single FIFO mailbox goroutine.
type Actor struct {
	convoID string
	db      postgres.DB
	repos   Repositories
	cursors *cursor.Generator
	log     zerolog.Logger

	mailbox  chan func()
	stopped  chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	dead     atomic.Bool

	// fields below are owned exclusively by the mailbox goroutine; nothing outside run() touches them.
	epoch       uint32
	unreadDirty map[string]uint32
}

// Spawn creates an Actor for convoID, reads its current epoch once from durable storage, and starts its
// mailbox goroutine. Callers should go through a Registry rather than calling Spawn directly, so that
// exactly one Actor exists per conversation.
func Spawn(ctx context.Context, convoID string, db postgres.DB, repos Repositories, log zerolog.Logger) (*Actor, error) {
	c, err := repos.Convo.Get(ctx, convoID)
	if err != nil {
		return nil, fmt.Errorf("spawn actor: read initial epoch: %w", err)
	}

	a := &Actor{
		convoID:     convoID,
		db:          db,
		repos:       repos,
		cursors:     cursor.NewGenerator(),
		log:         log.With().Str("component", "conversation_actor").Str("convo_id", convoID).Logger(),
		mailbox:     make(chan func(), 256),
		stopped:     make(chan struct{}),
		done:        make(chan struct{}),
		epoch:       c.CurrentEpoch,
		unreadDirty: make(map[string]uint32),
	}
	go a.run()
	return a, nil
}

// run drains the mailbox in strict FIFO order until Shutdown closes it. This is the only goroutine that
// ever touches a.epoch or a.unreadDirty, so no lock is needed around them.
func (a *Actor) run() {
	defer close(a.done)
	for {
		select {
		case job, ok := <-a.mailbox:
			if !ok {
				return
			}
			a.runJob(job)
			if a.dead.Load() {
				return
			}
		case <-a.stopped:
			a.drainAndFlush()
			return
		}
	}
}

// runJob executes job with a recover guard so a bug in one handler cannot crash the whole process: a
// panic marks the actor dead and stops its mailbox instead of unwinding past this goroutine. A caller
// blocked on the panicking job's reply channel still unblocks, because job's own deferred close(done)
// still fires while the panic unwinds through it.
func (a *Actor) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Interface("panic", r).Msg("conversation actor handler panicked, shutting down this actor")
			a.dead.Store(true)
			a.stopOnce.Do(func() { close(a.stopped) })
		}
	}()
	job()
}

// Dead reports whether this actor's mailbox goroutine has stopped because a handler panicked. A Registry
// holding a dead actor should drop it and spawn a fresh one rather than keep routing requests to a dead
// mailbox.
func (a *Actor) Dead() bool {
	return a.dead.Load()
}

// drainAndFlush runs any jobs already queued ahead of the stop signal, then best-effort flushes unread
// deltas that have not yet reached BatchSize. Anything still queued after that is dropped.
func (a *Actor) drainAndFlush() {
	for {
		select {
		case job, ok := <-a.mailbox:
			if !ok {
				return
			}
			job()
		default:
			a.flushUnread()
			return
		}
	}
}

// submit enqueues fn and waits for it to signal completion on done, honoring ctx cancellation and a
// concurrent Shutdown. fn must close done exactly once, typically via a deferred close.
func (a *Actor) submit(ctx context.Context, fn func(), done <-chan struct{}) error {
	select {
	case a.mailbox <- fn:
	case <-a.stopped:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrCallTimeout
	}
}

// withTx runs fn against a.db inside a transaction, so the repository calls inside fn commit atomically
// together.
func (a *Actor) withTx(ctx context.Context, fn func(q postgres.Querier) error) error {
	return a.db.WithTx(ctx, fn)
}

// AddMembers serializes a membership-addition commit: bump the epoch, insert the commit row, the new
// member rows, one available Welcome per recipient, and optionally a GroupInfo snapshot, all in one
// transaction.
func (a *Actor) AddMembers(ctx context.Context, in AddMembersInput) (AddMembersResult, error) {
	var result AddMembersResult
	var opErr error
	done := make(chan struct{})

	err := a.submit(ctx, func() {
		defer close(done)
		result, opErr = a.doAddMembers(in)
	}, done)
	if err != nil {
		return AddMembersResult{}, err
	}
	return result, opErr
}

func (a *Actor) doAddMembers(in AddMembersInput) (AddMembersResult, error) {
	jobCtx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	newEpoch := a.epoch + 1

	err := a.withTx(jobCtx, func(q postgres.Querier) error {
		if _, err := a.repos.Message.Insert(jobCtx, q, messagestore.InsertParams{
			ConvoID: a.convoID, Kind: messagestore.KindCommit, Epoch: newEpoch,
			Ciphertext: in.Commit, ExpiresAt: in.ExpiresAt,
		}); err != nil {
			return fmt.Errorf("insert commit row: %w", err)
		}

		if err := a.repos.Convo.AdvanceEpoch(jobCtx, q, a.convoID, newEpoch); err != nil {
			return fmt.Errorf("advance epoch: %w", err)
		}

		for _, did := range in.DIDs {
			if err := a.repos.Member.Insert(jobCtx, q, a.convoID, did, member.RoleMember); err != nil {
				return fmt.Errorf("insert member %s: %w", did, err)
			}
		}

		for _, w := range in.Welcomes {
			if err := a.repos.Welcome.Insert(jobCtx, q, a.convoID, w.RecipientDID, w.Ciphertext); err != nil {
				return fmt.Errorf("insert welcome for %s: %w", w.RecipientDID, err)
			}
		}

		if in.GroupInfo != nil {
			if err := a.repos.GroupInfo.Upsert(jobCtx, q, a.convoID, newEpoch, in.GroupInfo); err != nil {
				return fmt.Errorf("upsert group info: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return AddMembersResult{}, err
	}

	a.epoch = newEpoch
	for _, did := range in.DIDs {
		delete(a.unreadDirty, did)
	}

	cur, err := a.cursors.Next()
	if err != nil {
		return AddMembersResult{}, fmt.Errorf("mint cursor: %w", err)
	}
	return AddMembersResult{Epoch: newEpoch, Cursor: cur}, nil
}

// RemoveMember serializes a membership-removal commit: soft-remove the member, and only if that member
// was actually still active, bump the epoch, insert the commit row, and drop its in-memory unread
// counter. Repeating RemoveMember/LeaveConvo on a member who already left is a durable no-op: the epoch
// and commit log are left exactly as they were.
func (a *Actor) RemoveMember(ctx context.Context, in RemoveMemberInput) (RemoveMemberResult, error) {
	var result RemoveMemberResult
	var opErr error
	done := make(chan struct{})

	err := a.submit(ctx, func() {
		defer close(done)
		result, opErr = a.doRemoveMember(in)
	}, done)
	if err != nil {
		return RemoveMemberResult{}, err
	}
	return result, opErr
}

func (a *Actor) doRemoveMember(in RemoveMemberInput) (RemoveMemberResult, error) {
	jobCtx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	newEpoch := a.epoch + 1
	var removed bool

	err := a.withTx(jobCtx, func(q postgres.Querier) error {
		var err error
		removed, err = a.repos.Member.SoftRemove(jobCtx, q, a.convoID, in.MemberDID)
		if err != nil {
			return fmt.Errorf("soft remove member: %w", err)
		}
		if !removed {
			return nil
		}

		if _, err := a.repos.Message.Insert(jobCtx, q, messagestore.InsertParams{
			ConvoID: a.convoID, Kind: messagestore.KindCommit, Epoch: newEpoch,
			Ciphertext: in.Commit, ExpiresAt: in.ExpiresAt,
		}); err != nil {
			return fmt.Errorf("insert commit row: %w", err)
		}
		if err := a.repos.Convo.AdvanceEpoch(jobCtx, q, a.convoID, newEpoch); err != nil {
			return fmt.Errorf("advance epoch: %w", err)
		}
		return nil
	})
	if err != nil {
		return RemoveMemberResult{}, err
	}

	if !removed {
		cur, err := a.cursors.Next()
		if err != nil {
			return RemoveMemberResult{}, fmt.Errorf("mint cursor: %w", err)
		}
		return RemoveMemberResult{Epoch: a.epoch, Cursor: cur}, nil
	}

	a.epoch = newEpoch
	delete(a.unreadDirty, in.MemberDID)

	cur, err := a.cursors.Next()
	if err != nil {
		return RemoveMemberResult{}, fmt.Errorf("mint cursor: %w", err)
	}
	return RemoveMemberResult{Epoch: newEpoch, Cursor: cur}, nil
}

// SendMessage inserts an app message at the conversation's current epoch without advancing it, then
// fans out an in-memory unread increment to every other active member. Unlike AddMembers/RemoveMember,
// the epoch observed is whatever is current at dequeue time; SendMessage never contends with itself on
// the epoch value and may freely interleave with other SendMessage calls.
func (a *Actor) SendMessage(ctx context.Context, in SendMessageInput) (SendMessageResult, error) {
	var result SendMessageResult
	var opErr error
	done := make(chan struct{})

	err := a.submit(ctx, func() {
		defer close(done)
		result, opErr = a.doSendMessage(in)
	}, done)
	if err != nil {
		return SendMessageResult{}, err
	}
	return result, opErr
}

func (a *Actor) doSendMessage(in SendMessageInput) (SendMessageResult, error) {
	jobCtx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	epoch := a.epoch

	var msgID string
	var seq int64
	err := a.withTx(jobCtx, func(q postgres.Querier) error {
		msg, err := a.repos.Message.Insert(jobCtx, q, messagestore.InsertParams{
			ConvoID: a.convoID, Kind: messagestore.KindApp, Epoch: epoch,
			Ciphertext: in.Ciphertext, ExpiresAt: in.ExpiresAt,
		})
		if err != nil {
			return fmt.Errorf("insert app message: %w", err)
		}
		msgID = msg.ID.String()
		seq = msg.Seq
		return nil
	})
	if err != nil {
		return SendMessageResult{}, err
	}

	cur, err := a.cursors.Next()
	if err != nil {
		return SendMessageResult{}, fmt.Errorf("mint cursor: %w", err)
	}

	a.incrementUnreadLocked(jobCtx, in.SenderDID)

	return SendMessageResult{MessageID: msgID, Epoch: epoch, Seq: seq, Cursor: cur}, nil
}

// IncrementUnread bumps every active member's in-memory unread counter except senderDID, flushing to the
// database every BatchSize increments. It is fire-and-forget: callers do not wait for a reply. Most
// callers don't need this directly — SendMessage already calls it as part of its own handler — but it is
// exposed for a caller that wants to re-fan-out unread without also inserting a new message (e.g. a
// reaction event).
func (a *Actor) IncrementUnread(senderDID string) {
	select {
	case a.mailbox <- func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		defer cancel()
		a.incrementUnreadLocked(jobCtx, senderDID)
	}:
	case <-a.stopped:
	}
}

func (a *Actor) incrementUnreadLocked(ctx context.Context, senderDID string) {
	members, err := a.repos.Member.ListActive(ctx, a.convoID)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to list active members for unread fan-out")
		return
	}

	for _, m := range members {
		if m.MemberDID == senderDID {
			continue
		}
		a.unreadDirty[m.MemberDID]++
		if a.unreadDirty[m.MemberDID]%BatchSize == 0 {
			a.flushOne(ctx, m.MemberDID, BatchSize)
		}
	}
}

func (a *Actor) flushOne(ctx context.Context, memberDID string, delta uint32) {
	if err := a.repos.Member.IncrementUnread(ctx, a.db, a.convoID, memberDID, delta); err != nil {
		a.log.Error().Err(err).Str("member_did", memberDID).Msg("failed to flush unread delta")
		return
	}
	a.unreadDirty[memberDID] = 0
}

// flushUnread best-effort flushes every pending unread delta below BatchSize, called once on Shutdown.
func (a *Actor) flushUnread() {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	for did, delta := range a.unreadDirty {
		if delta == 0 {
			continue
		}
		if err := a.repos.Member.IncrementUnread(ctx, a.db, a.convoID, did, delta); err != nil {
			a.log.Error().Err(err).Str("member_did", did).Msg("failed to flush unread delta on shutdown")
			continue
		}
		a.unreadDirty[did] = 0
	}
}

// ResetUnread zeroes both the in-memory and persisted unread counter for memberDID.
func (a *Actor) ResetUnread(ctx context.Context, memberDID string) error {
	var opErr error
	done := make(chan struct{})

	err := a.submit(ctx, func() {
		defer close(done)
		jobCtx, cancel := context.WithTimeout(context.Background(), dbTimeout)
		defer cancel()
		opErr = a.repos.Member.ResetUnread(jobCtx, a.db, a.convoID, memberDID)
		if opErr == nil {
			delete(a.unreadDirty, memberDID)
		}
	}, done)
	if err != nil {
		return err
	}
	return opErr
}

// GetEpoch returns the conversation's current epoch as observed in memory.
func (a *Actor) GetEpoch(ctx context.Context) (uint32, error) {
	var epoch uint32
	done := make(chan struct{})

	err := a.submit(ctx, func() {
		defer close(done)
		epoch = a.epoch
	}, done)
	if err != nil {
		return 0, err
	}
	return epoch, nil
}

// Shutdown stops the actor's mailbox goroutine after flushing pending unread deltas, and is safe to call
// more than once.
func (a *Actor) Shutdown() {
	a.stopOnce.Do(func() { close(a.stopped) })
	<-a.done
}
