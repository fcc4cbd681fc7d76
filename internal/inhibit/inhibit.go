// Package inhibit watches how far the writer lags behind the trigger source and raises
// or clears a busy signal so producers can throttle.
package inhibit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const DEFAULT_INTERVAL = 100 * time.Millisecond

type Inhibit struct {
	Busy    bool
	Issued  uint64
	Written uint64
}

func (i Inhibit) Backlog() uint64 {
	if i.Issued <= i.Written {
		return 0
	}
	return i.Issued - i.Written
}

// Agent compares the latest issued trigger number against the latest written one every
// interval. Threshold 0 never inhibits.
type Agent struct {
	log       *slog.Logger
	threshold uint64
	interval  time.Duration
	onChange  func(Inhibit)

	issued  atomic.Uint64
	written atomic.Uint64

	mu     sync.Mutex
	busy   bool
	out    chan Inhibit
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Agent)

// WithOnChange is called (on the agent goroutine) with every state change.
func WithOnChange(fn func(Inhibit)) Option { return func(a *Agent) { a.onChange = fn } }

func NewAgent(threshold uint64, interval time.Duration, opts ...Option) *Agent {
	if interval <= 0 {
		interval = DEFAULT_INTERVAL
	}
	a := &Agent{
		log:       slog.With("src", "InhibitAgent"),
		threshold: threshold,
		interval:  interval,
		out:       make(chan Inhibit, 16),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func storeMax(v *atomic.Uint64, n uint64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// SetLatestIssued records a trigger number handed out upstream. Lower numbers than the
// current one are ignored.
func (a *Agent) SetLatestIssued(n uint64) { storeMax(&a.issued, n) }

// SetLatestWritten records a trigger number whose record is on disk.
func (a *Agent) SetLatestWritten(n uint64) { storeMax(&a.written, n) }

// Inhibits delivers state changes. When nobody reads, the oldest pending change is
// dropped in favour of the newest.
func (a *Agent) Inhibits() <-chan Inhibit { return a.out }

func (a *Agent) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// Check evaluates the backlog once. The second return is true when the busy state
// flipped, the change has then been emitted.
func (a *Agent) Check() (Inhibit, bool) {
	cur := Inhibit{Issued: a.issued.Load(), Written: a.written.Load()}
	cur.Busy = a.threshold > 0 && cur.Backlog() >= a.threshold

	a.mu.Lock()
	changed := cur.Busy != a.busy
	a.busy = cur.Busy
	a.mu.Unlock()

	if changed {
		if cur.Busy {
			a.log.Warn("inhibit asserted", "issued", cur.Issued, "written", cur.Written, "threshold", a.threshold)
		} else {
			a.log.Info("inhibit cleared", "issued", cur.Issued, "written", cur.Written)
		}
		a.emit(cur)
		if a.onChange != nil {
			a.onChange(cur)
		}
	}
	return cur, changed
}

func (a *Agent) emit(i Inhibit) {
	for {
		select {
		case a.out <- i:
			return
		default:
		}
		select {
		case <-a.out:
		default:
		}
	}
}

// Start runs the check loop until ctx is done or Stop is called. Starting a running
// agent does nothing.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}

	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.run(ctx, a.done)
	a.log.Debug("Start", "threshold", a.threshold, "interval", a.interval)
}

func (a *Agent) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Check()
		}
	}
}

func (a *Agent) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.log.Debug("Stop", "issued", a.issued.Load(), "written", a.written.Load())
}
