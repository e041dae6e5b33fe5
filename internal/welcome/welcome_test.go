package welcome

import (
	"context"
	"sync"
	"time"

	"github.com/joshlacal/mls-delivery-service/internal/postgres"
)

// fakeRepository is an in-memory Repository used by this package's own coordinator tests.
type fakeRepository struct {
	mu   sync.Mutex
	rows map[string]*Artifact
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{rows: make(map[string]*Artifact)}
}

func rowKey(convoID, recipientDID string) string { return convoID + "|" + recipientDID }

func (f *fakeRepository) Insert(_ context.Context, _ postgres.Querier, convoID, recipientDID string, ciphertext []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[rowKey(convoID, recipientDID)] = &Artifact{
		ConvoID: convoID, RecipientDID: recipientDID, Ciphertext: ciphertext, State: StateAvailable,
	}
	return nil
}

func (f *fakeRepository) Get(_ context.Context, convoID, recipientDID string) (*Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[rowKey(convoID, recipientDID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

func (f *fakeRepository) TransitionToInFlight(_ context.Context, convoID, recipientDID string) (*Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[rowKey(convoID, recipientDID)]
	if !ok {
		return nil, ErrNotFound
	}
	switch a.State {
	case StateAvailable, StateFailed:
		a.State = StateInFlight
		now := time.Now()
		a.FetchedAt = &now
		copied := *a
		return &copied, nil
	case StateInFlight:
		return nil, ErrInFlight
	case StateConsumed:
		return nil, ErrConsumed
	default:
		return nil, ErrWrongState
	}
}

func (f *fakeRepository) TransitionFromInFlight(_ context.Context, convoID, recipientDID string, success bool) (*Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[rowKey(convoID, recipientDID)]
	if !ok || a.State != StateInFlight {
		return nil, ErrWrongState
	}
	if success {
		a.State = StateConsumed
		now := time.Now()
		a.ConfirmedAt = &now
	} else {
		a.State = StateFailed
	}
	copied := *a
	return &copied, nil
}

func (f *fakeRepository) RevertToAvailable(_ context.Context, convoID, recipientDID string) (*Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[rowKey(convoID, recipientDID)]
	if !ok || a.State != StateInFlight {
		return nil, ErrWrongState
	}
	a.State = StateAvailable
	a.FetchedAt = nil
	copied := *a
	return &copied, nil
}

func (f *fakeRepository) RevertExpiredInFlight(_ context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	cutoff := time.Now().Add(-olderThan)
	for _, a := range f.rows {
		if a.State == StateInFlight && a.FetchedAt != nil && a.FetchedAt.Before(cutoff) {
			a.State = StateAvailable
			a.FetchedAt = nil
			n++
		}
	}
	return n, nil
}
