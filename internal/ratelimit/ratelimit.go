// Package ratelimit implements two ordered token buckets: an unauthenticated per-IP limit applied ahead
// of the Auth Verifier, and an authenticated per-(DID, endpoint-class) budget with distinct quotas per
// sensitive endpoint.
package ratelimit

import (
	"sync"
	"time"
)

// Class identifies one of the endpoint-class budgets a deployment names explicitly. Endpoints not listed
// fall back to DefaultClass.
type Class string

const (
	ClassSendMessage   Class = "sendMessage"
	ClassPublishKeyPkg Class = "publishKeyPackage"
	ClassAddMembers    Class = "addMembers"
	ClassCreateConvo   Class = "createConvo"
	ClassReportMember  Class = "reportMember"
	DefaultClass       Class = "default"
)

// Budget is a (limit, window) pair for one Class.
type Budget struct {
	Limit  int
	Window time.Duration
}

// DefaultBudgets holds the per-class quotas used when a deployment does not override them.
var DefaultBudgets = map[Class]Budget{
	ClassSendMessage:   {Limit: 100, Window: time.Minute},
	ClassPublishKeyPkg: {Limit: 20, Window: time.Minute},
	ClassAddMembers:    {Limit: 10, Window: time.Minute},
	ClassCreateConvo:   {Limit: 5, Window: time.Minute},
	ClassReportMember:  {Limit: 5, Window: time.Minute},
	DefaultClass:       {Limit: 200, Window: time.Minute},
}

// bucket is one caller's windowed counter for one class: a count and window-start pair keyed by
// (DID, class) instead of a single per-connection field.
type bucket struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

// allow reports whether one more event fits within budget, resetting the window if it has elapsed.
func (b *bucket) allow(budget Budget, now time.Time) (ok bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.windowStart) > budget.Window {
		b.count = 0
		b.windowStart = now
	}
	b.count++
	if b.count > budget.Limit {
		return false, budget.Window - now.Sub(b.windowStart)
	}
	return true, 0
}

// DIDLimiter enforces per-(DID, endpoint-class) budgets in-process. A stale-bucket cleanup task should
// call Sweep periodically so memory does not grow unbounded with one-shot callers.
type DIDLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	budgets map[Class]Budget
}

// NewDIDLimiter creates a DIDLimiter. budgets defaults to DefaultBudgets when nil.
func NewDIDLimiter(budgets map[Class]Budget) *DIDLimiter {
	if budgets == nil {
		budgets = DefaultBudgets
	}
	return &DIDLimiter{buckets: make(map[string]*bucket), budgets: budgets}
}

func (l *DIDLimiter) key(did string, class Class) string {
	return string(class) + "|" + did
}

// Allow reports whether did may perform one more action of class class right now, and if not, how long
// the caller should wait before retrying.
func (l *DIDLimiter) Allow(did string, class Class) (ok bool, retryAfter time.Duration) {
	budget, found := l.budgets[class]
	if !found {
		budget = l.budgets[DefaultClass]
	}

	l.mu.Lock()
	k := l.key(did, class)
	b, ok := l.buckets[k]
	if !ok {
		b = &bucket{windowStart: time.Now()}
		l.buckets[k] = b
	}
	l.mu.Unlock()

	return b.allow(budget, time.Now())
}

// Sweep evicts buckets whose window closed more than idleFor ago, bounding memory growth from
// transient or one-shot callers. Intended to run periodically from a background goroutine.
func (l *DIDLimiter) Sweep(idleFor time.Duration) int {
	cutoff := time.Now().Add(-idleFor)
	evicted := 0

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		b.mu.Lock()
		stale := b.windowStart.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, k)
			evicted++
		}
	}
	return evicted
}
