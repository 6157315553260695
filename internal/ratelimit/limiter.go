// Package ratelimit implements the sliding-window admission control the
// exchange enforces per second, scoped per call class.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Scope identifies which exchange-side budget a call draws from.
// Public endpoints count against the IP scope only; private endpoints
// count against both the IP and account scopes.
type Scope string

const (
	ScopeIP      Scope = "ip"
	ScopeAccount Scope = "account"
)

const window = time.Second

// slack added past the window edge before re-checking capacity, so we
// never wake up marginally too early and spin.
const windowSlack = 10 * time.Millisecond

type Limiter struct {
	maxPerWindow int
	now          func() time.Time

	mu     sync.Mutex
	events map[Scope][]time.Time
}

func New(maxPerWindow int) *Limiter {
	if maxPerWindow <= 0 {
		maxPerWindow = 10
	}
	return &Limiter{
		maxPerWindow: maxPerWindow,
		now:          time.Now,
		events: map[Scope][]time.Time{
			ScopeIP:      nil,
			ScopeAccount: nil,
		},
	}
}

// Wait blocks until weight admissions fit into the current window for
// scope, then records them. It returns early only if ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context, scope Scope, weight int) error {
	if weight <= 0 {
		weight = 1
	}
	if weight > l.maxPerWindow {
		return fmt.Errorf("weight %d exceeds window capacity %d", weight, l.maxPerWindow)
	}
	for {
		sleepFor, ok := l.tryAdmit(scope, weight)
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
	}
}

// WaitPrivate draws from both scopes, the way every authenticated call
// is accounted by the exchange.
func (l *Limiter) WaitPrivate(ctx context.Context, weight int) error {
	if err := l.Wait(ctx, ScopeIP, weight); err != nil {
		return err
	}
	return l.Wait(ctx, ScopeAccount, weight)
}

func (l *Limiter) tryAdmit(scope Scope, weight int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-window)
	q := l.events[scope]
	keep := 0
	for ; keep < len(q); keep++ {
		if q[keep].After(cutoff) {
			break
		}
	}
	q = q[keep:]
	if len(q)+weight <= l.maxPerWindow {
		for i := 0; i < weight; i++ {
			q = append(q, now)
		}
		l.events[scope] = q
		return 0, true
	}
	l.events[scope] = q
	// Capacity frees when the oldest event leaves the window.
	return q[0].Add(window + windowSlack).Sub(now), false
}

// Pending reports how many admissions currently sit in the scope's
// window. Exposed for tests and diagnostics.
func (l *Limiter) Pending(scope Scope) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-window)
	n := 0
	for _, t := range l.events[scope] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
