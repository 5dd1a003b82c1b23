// Package rebuild turns file change events into full rebuilds followed by a
// reload broadcast.
//
// Passes never overlap. Requests that arrive while a pass is running collapse
// into a single trailing pass, so a burst of saves produces at most one extra
// rebuild and the output tree always ends up reflecting the latest sources.
package rebuild

import (
	"context"
	"sync"
	"time"

	"github.com/conneroisu/stitch/internal/build"
	"github.com/conneroisu/stitch/internal/errors"
	"github.com/conneroisu/stitch/internal/logging"
	"github.com/conneroisu/stitch/internal/watcher"
)

// Builder runs one full transform pass.
type Builder interface {
	Transform(ctx context.Context) (*build.Result, error)
}

// Broadcaster notifies live clients that the output changed.
type Broadcaster interface {
	Broadcast(ctx context.Context) int
}

// Stats describes the trigger's history.
type Stats struct {
	Passes     int
	Failures   int
	Coalesced  int
	LastResult *build.Result
	LastError  error
	LastPassAt time.Time
}

// Trigger serializes rebuilds requested by the file watcher.
type Trigger struct {
	builder     Builder
	broadcaster Broadcaster
	logger      logging.Logger
	failures    *errors.ErrorCollector

	requests chan struct{}
	passMu   sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// New creates a trigger. broadcaster may be nil when nobody listens.
func New(builder Builder, broadcaster Broadcaster, logger logging.Logger) *Trigger {
	return &Trigger{
		builder:     builder,
		broadcaster: broadcaster,
		logger:      logger.WithComponent("rebuild"),
		failures:    errors.NewErrorCollector(10),
		requests:    make(chan struct{}, 1),
	}
}

// HandleChange is a watcher.ChangeHandler that requests a rebuild.
func (t *Trigger) HandleChange(events []watcher.ChangeEvent) error {
	for _, e := range events {
		t.logger.Info(context.Background(), "File changed", "path", e.Path, "type", e.Type.String())
	}
	t.Request()
	return nil
}

// Request schedules a rebuild. It never blocks; if a rebuild is already
// pending the request is folded into it.
func (t *Trigger) Request() {
	select {
	case t.requests <- struct{}{}:
	default:
		t.statsMu.Lock()
		t.stats.Coalesced++
		t.statsMu.Unlock()
	}
}

// Run performs requested rebuilds until ctx is done.
func (t *Trigger) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.requests:
			_ = t.rebuild(ctx, true)
		}
	}
}

// RebuildNow runs a pass synchronously without broadcasting. Used for the
// initial build before clients can be connected.
func (t *Trigger) RebuildNow(ctx context.Context) error {
	return t.rebuild(ctx, false)
}

func (t *Trigger) rebuild(ctx context.Context, notify bool) error {
	t.passMu.Lock()
	defer t.passMu.Unlock()

	result, err := t.builder.Transform(ctx)

	t.statsMu.Lock()
	t.stats.Passes++
	t.stats.LastPassAt = time.Now()
	t.stats.LastResult = result
	t.stats.LastError = err
	pass := t.stats.Passes
	if err != nil {
		t.stats.Failures++
	}
	t.statsMu.Unlock()

	if err != nil {
		t.failures.Add(pass, err)
		t.logger.Error(ctx, err, "Rebuild failed", "pass", pass)
		return err
	}

	if notify && t.broadcaster != nil {
		sent := t.broadcaster.Broadcast(ctx)
		t.logger.Info(ctx, "Reload sent", "pass", pass, "clients", sent)
	}
	return nil
}

// Stats returns a copy of the current statistics.
func (t *Trigger) Stats() Stats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()
	return t.stats
}

// Failures returns errors from recent failed passes, oldest first.
func (t *Trigger) Failures() []errors.PassError {
	return t.failures.GetErrors()
}
