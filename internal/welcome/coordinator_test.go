package welcome

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCoordinator_HappyPath(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	ctx := context.Background()
	if err := repo.Insert(ctx, nil, "c1", "did:example:bob", []byte("welcome")); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	coord := NewCoordinator(repo, time.Hour, zerolog.Nop())

	a, err := coord.GetWelcome(ctx, "c1", "did:example:bob")
	if err != nil {
		t.Fatalf("GetWelcome() error: %v", err)
	}
	if a.State != StateInFlight {
		t.Errorf("State = %q, want %q", a.State, StateInFlight)
	}

	a, err = coord.ConfirmWelcome(ctx, "c1", "did:example:bob", true)
	if err != nil {
		t.Fatalf("ConfirmWelcome() error: %v", err)
	}
	if a.State != StateConsumed {
		t.Errorf("State = %q, want %q", a.State, StateConsumed)
	}
}

func TestCoordinator_SecondFetchWhileInFlightIsRejected(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	ctx := context.Background()
	if err := repo.Insert(ctx, nil, "c1", "did:example:bob", []byte("welcome")); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	coord := NewCoordinator(repo, time.Hour, zerolog.Nop())
	if _, err := coord.GetWelcome(ctx, "c1", "did:example:bob"); err != nil {
		t.Fatalf("first GetWelcome() error: %v", err)
	}

	_, err := coord.GetWelcome(ctx, "c1", "did:example:bob")
	if !errors.Is(err, ErrInFlight) {
		t.Errorf("second GetWelcome() error = %v, want ErrInFlight", err)
	}
}

func TestCoordinator_FailedConfirmAllowsRetry(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	ctx := context.Background()
	if err := repo.Insert(ctx, nil, "c1", "did:example:bob", []byte("welcome")); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	coord := NewCoordinator(repo, time.Hour, zerolog.Nop())
	if _, err := coord.GetWelcome(ctx, "c1", "did:example:bob"); err != nil {
		t.Fatalf("GetWelcome() error: %v", err)
	}
	if _, err := coord.ConfirmWelcome(ctx, "c1", "did:example:bob", false); err != nil {
		t.Fatalf("ConfirmWelcome(false) error: %v", err)
	}

	a, err := coord.GetWelcome(ctx, "c1", "did:example:bob")
	if err != nil {
		t.Fatalf("retry GetWelcome() error: %v", err)
	}
	if a.State != StateInFlight {
		t.Errorf("State = %q, want %q", a.State, StateInFlight)
	}
}

func TestCoordinator_GraceTimerRevertsToAvailable(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	ctx := context.Background()
	if err := repo.Insert(ctx, nil, "c1", "did:example:bob", []byte("welcome")); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	coord := NewCoordinator(repo, 20*time.Millisecond, zerolog.Nop())
	if _, err := coord.GetWelcome(ctx, "c1", "did:example:bob"); err != nil {
		t.Fatalf("GetWelcome() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a, err := repo.Get(ctx, "c1", "did:example:bob")
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if a.State == StateAvailable {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("grace timer did not revert artifact to available within deadline")
}

func TestCoordinator_ConfirmCancelsGraceTimer(t *testing.T) {
	t.Parallel()

	repo := newFakeRepository()
	ctx := context.Background()
	if err := repo.Insert(ctx, nil, "c1", "did:example:bob", []byte("welcome")); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	coord := NewCoordinator(repo, 20*time.Millisecond, zerolog.Nop())
	if _, err := coord.GetWelcome(ctx, "c1", "did:example:bob"); err != nil {
		t.Fatalf("GetWelcome() error: %v", err)
	}
	if _, err := coord.ConfirmWelcome(ctx, "c1", "did:example:bob", true); err != nil {
		t.Fatalf("ConfirmWelcome() error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	a, err := repo.Get(ctx, "c1", "did:example:bob")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if a.State != StateConsumed {
		t.Errorf("State = %q, want %q (grace timer should not have fired after confirm)", a.State, StateConsumed)
	}
}
