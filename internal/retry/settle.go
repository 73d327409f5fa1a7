// File: internal/retry/settle.go
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultGrace is the fixed pause between a mutating action and the first
// quiescence check, long enough for the action's requests to register.
const DefaultGrace = 100 * time.Millisecond

// Snapshotter supplies the set of outstanding activity ids. Satisfied by
// *activity.Tracker.
type Snapshotter interface {
	IDs() map[string]struct{}
}

// Settler implements the default mutation-settling policy: snapshot the
// outstanding activity, act, pause a grace period, then wait until the
// current activity is a subset of the snapshot. "Did my click settle" becomes
// a function of measured network and navigation quiescence instead of an
// arbitrary sleep.
type Settler struct {
	tracker Snapshotter
	grace   time.Duration
	opts    Options
	logger  *zap.Logger
}

// NewSettler builds a Settler around an activity snapshot source.
func NewSettler(tracker Snapshotter, grace time.Duration, opts Options, logger *zap.Logger) *Settler {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Settler{tracker: tracker, grace: grace, opts: opts, logger: logger.Named("settle")}
}

// Snapshot captures the pre-action activity set.
func (s *Settler) Snapshot() map[string]struct{} {
	return s.tracker.IDs()
}

// Settle blocks until no activity is outstanding that was not already pending
// in before.
func (s *Settler) Settle(ctx context.Context, before map[string]struct{}) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.grace):
	}

	return True(ctx, "page activity to settle", func(context.Context) (bool, error) {
		current := s.tracker.IDs()
		for id := range current {
			if _, ok := before[id]; !ok {
				s.logger.Debug("Still waiting on new activity.", zap.String("request_id", id))
				return false, nil
			}
		}
		return true, nil
	}, s.opts)
}

// Do runs a mutating action under the settle policy.
func (s *Settler) Do(ctx context.Context, action func(context.Context) error) error {
	before := s.Snapshot()
	if err := action(ctx); err != nil {
		return err
	}
	return s.Settle(ctx, before)
}
