// Package clock abstracts time so simulated latencies can run against the
// wall clock or against a virtual timeline in tests.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by every simulated delay.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until the context deadline, whichever comes first.
	// It returns the context error when the deadline cut the sleep short.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

// Real returns a Clock backed by the wall clock.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fake is a virtual clock. Sleep advances the virtual time instantly and
// honours context deadlines against the virtual time, not the wall clock.
// There is a single timeline: concurrent sleeps add up.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the virtual time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if !f.now.Before(deadline) {
			return context.DeadlineExceeded
		}
		if f.now.Add(d).After(deadline) {
			f.now = deadline
			return context.DeadlineExceeded
		}
	}
	if d > 0 {
		f.now = f.now.Add(d)
	}
	return nil
}

// WithTimeout derives a context whose deadline is expressed on clk's
// timeline. With the real clock this is context.WithTimeout.
func WithTimeout(ctx context.Context, clk Clock, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := clk.(realClock); ok {
		return context.WithTimeout(ctx, timeout)
	}
	return withVirtualDeadline(ctx, clk.Now().Add(timeout))
}

// Expired reports whether the context deadline has passed on clk's timeline.
func Expired(ctx context.Context, clk Clock) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return !clk.Now().Before(deadline)
}

// virtualDeadline carries a deadline without arming a wall-clock timer, so a
// virtual timeline never races a real one.
type virtualDeadline struct {
	context.Context
	deadline time.Time
}

func withVirtualDeadline(parent context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if d, ok := parent.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return &virtualDeadline{Context: ctx, deadline: deadline}, cancel
}

func (v *virtualDeadline) Deadline() (time.Time, bool) {
	return v.deadline, true
}
