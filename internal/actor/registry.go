package actor

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/joshlacal/mls-delivery-service/internal/postgres"
)

// Registry is the concurrent conversation-id -> Actor map. GetOrSpawn is the sole entry point and is
// race-safe: concurrent calls for the same id spawn exactly one Actor.
type Registry struct {
	db    postgres.DB
	repos Repositories
	log   zerolog.Logger

	mu      sync.Mutex
	actors  map[string]*Actor
	pending map[string]*spawnOnce
}

// spawnOnce lets concurrent GetOrSpawn calls for the same conversation id wait on a single in-flight
// Spawn rather than racing to create duplicate actors.
type spawnOnce struct {
	done  chan struct{}
	actor *Actor
	err   error
}

// NewRegistry creates an empty Registry. db and repos are forwarded to every Actor this Registry spawns.
func NewRegistry(db postgres.DB, repos Repositories, log zerolog.Logger) *Registry {
	return &Registry{
		db:      db,
		repos:   repos,
		log:     log.With().Str("component", "actor_registry").Logger(),
		actors:  make(map[string]*Actor),
		pending: make(map[string]*spawnOnce),
	}
}

// GetOrSpawn returns the Actor for convoID, spawning one if this is the first reference. Exactly one
// Actor is ever created per conversation id, even under concurrent callers.
func (r *Registry) GetOrSpawn(ctx context.Context, convoID string) (*Actor, error) {
	r.mu.Lock()
	if a, ok := r.actors[convoID]; ok {
		if !a.Dead() {
			r.mu.Unlock()
			return a, nil
		}
		// The existing actor's mailbox goroutine died from a panicked handler; drop it and fall through
		// to spawn a replacement rather than keep routing callers to a dead mailbox.
		delete(r.actors, convoID)
	}
	if sp, ok := r.pending[convoID]; ok {
		r.mu.Unlock()
		select {
		case <-sp.done:
			return sp.actor, sp.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	sp := &spawnOnce{done: make(chan struct{})}
	r.pending[convoID] = sp
	r.mu.Unlock()

	a, err := Spawn(ctx, convoID, r.db, r.repos, r.log)

	r.mu.Lock()
	delete(r.pending, convoID)
	if err == nil {
		r.actors[convoID] = a
	}
	r.mu.Unlock()

	sp.actor, sp.err = a, err
	close(sp.done)
	return a, err
}

// Lookup returns the Actor for convoID if one is already spawned, without spawning a new one.
func (r *Registry) Lookup(convoID string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[convoID]
	return a, ok
}

// Drop removes convoID's Actor from the registry without shutting it down, used after ShutdownAll has
// already stopped it or after the conversation is deleted.
func (r *Registry) Drop(convoID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actors, convoID)
}

// ShutdownAll stops every spawned Actor and clears the registry. New GetOrSpawn calls after this will
// spawn fresh actors, so ShutdownAll is intended for process shutdown, not routine maintenance.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.actors = make(map[string]*Actor)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a *Actor) {
			defer wg.Done()
			a.Shutdown()
		}(a)
	}
	wg.Wait()
}

// Count returns the number of currently spawned actors, useful for metrics and tests.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}
