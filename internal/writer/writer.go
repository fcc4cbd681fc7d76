// Package writer is the storage stage of the pipeline: it takes trigger records off the
// queue and lays every fragment into its own block on the target.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"snbwriter/internal/config"
	"snbwriter/internal/inhibit"
	"snbwriter/internal/iomgr"
	"snbwriter/internal/metrics"
	"snbwriter/internal/record"
	"snbwriter/internal/snb"
)

var ErrState = errors.New("writer: invalid state for this command")

type State uint8

const (
	StateNone State = iota
	StateConfigured
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Config struct {
	Path             string
	Core             int
	BlockSize        int
	Capacity         int
	Backend          iomgr.Backend
	Wait             iomgr.WaitStrategy
	QueueTimeout     time.Duration
	ProgressInterval time.Duration
	MaxRedo          int
	Preallocate      int64
	Direct           bool
}

// ConfigFrom picks the selected target and parses the engine settings.
func ConfigFrom(cfg *config.Config) (Config, error) {
	w := cfg.Writer
	backend, err := iomgr.ParseBackend(w.Backend)
	if err != nil {
		return Config{}, err
	}
	wait, err := iomgr.ParseWait(w.Wait, w.WaitTimeout)
	if err != nil {
		return Config{}, err
	}
	target := w.Selected()
	return Config{
		Path:             target.Path,
		Core:             target.Core,
		BlockSize:        int(w.BlockSize),
		Capacity:         w.Capacity,
		Backend:          backend,
		Wait:             wait,
		QueueTimeout:     w.QueueTimeout,
		ProgressInterval: w.ProgressInterval,
		MaxRedo:          w.MaxRedo,
		Preallocate:      int64(w.Preallocate),
		Direct:           w.Direct,
	}, nil
}

type Stats struct {
	Records     uint64
	Blocks      uint64
	Bytes       uint64 // fragment payload, block padding not included
	Oversize    uint64
	Degraded    uint64
	LastWritten uint64
}

type Writer struct {
	log     *slog.Logger
	queue   *record.Queue
	agent   *inhibit.Agent
	metrics *metrics.Metrics
	extra   []snb.Option

	mu      sync.Mutex
	state   State
	cfg     Config
	handler *snb.Handler
	buf     []byte
	cancel  context.CancelFunc
	done    chan error

	records     atomic.Uint64
	blocks      atomic.Uint64
	bytes       atomic.Uint64
	oversize    atomic.Uint64
	degraded    atomic.Uint64
	lastWritten atomic.Uint64
}

type Option func(*Writer)

// WithAgent reports every written trigger number to agent, and runs it with the writer.
func WithAgent(a *inhibit.Agent) Option { return func(w *Writer) { w.agent = a } }

func WithMetrics(m *metrics.Metrics) Option { return func(w *Writer) { w.metrics = m } }

// WithHandlerOptions passes extra options to the block handler, after the ones derived
// from Config.
func WithHandlerOptions(opts ...snb.Option) Option {
	return func(w *Writer) { w.extra = append(w.extra, opts...) }
}

func New(queue *record.Queue, opts ...Option) *Writer {
	w := &Writer{
		log:   slog.With("src", "SNBWriter"),
		queue: queue,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Writer) Stats() Stats {
	return Stats{
		Records:     w.records.Load(),
		Blocks:      w.blocks.Load(),
		Bytes:       w.bytes.Load(),
		Oversize:    w.oversize.Load(),
		Degraded:    w.degraded.Load(),
		LastWritten: w.lastWritten.Load(),
	}
}

func (w *Writer) Configure(cfg Config) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateNone {
		return fmt.Errorf("%w: configure while %v", ErrState, w.state)
	}
	if cfg.BlockSize <= record.FRAG_HDR_LEN || cfg.QueueTimeout <= 0 || cfg.ProgressInterval <= 0 {
		return fmt.Errorf("%w: block %d, queue timeout %v, progress interval %v",
			snb.ErrConfiguration, cfg.BlockSize, cfg.QueueTimeout, cfg.ProgressInterval)
	}
	w.cfg = cfg
	w.state = StateConfigured
	w.log.Info("Configure", "path", cfg.Path, "core", cfg.Core, "block", cfg.BlockSize,
		"backend", cfg.Backend, "wait", cfg.Wait)
	return nil
}

func (w *Writer) handlerOptions() []snb.Option {
	opts := []snb.Option{
		snb.WithCapacity(w.cfg.Capacity),
		snb.WithBackend(w.cfg.Backend),
		snb.WithMaxRedo(w.cfg.MaxRedo),
		snb.WithPreallocate(w.cfg.Preallocate),
	}
	if w.cfg.Wait != nil {
		opts = append(opts, snb.WithWait(w.cfg.Wait))
	}
	if !w.cfg.Direct {
		opts = append(opts, snb.WithoutDirect())
	}
	if w.metrics != nil {
		opts = append(opts, snb.WithInFlightHook(w.metrics.SetInFlight))
	}
	return append(opts, w.extra...)
}

// Start opens the target and begins draining the queue. The storage loop owns the
// handler until Stop.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateConfigured && w.state != StateStopped {
		return fmt.Errorf("%w: start while %v", ErrState, w.state)
	}

	h, err := snb.CreateHandler(w.cfg.Path, w.cfg.BlockSize, w.handlerOptions()...)
	if err != nil {
		return err
	}
	buf, err := h.AllocBuffer()
	if err != nil {
		h.Close(nil)
		return err
	}

	w.handler, w.buf = h, buf
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan error, 1)

	if w.agent != nil {
		w.agent.Start(ctx)
	}
	go func() { w.done <- w.run(ctx) }()

	w.state = StateRunning
	w.log.Info("Start")
	return nil
}

// Stop ends the storage loop, finalizes the superblock and releases the target. The
// returned error is whatever stopped the loop early, if anything, plus teardown
// failures. If the target cannot be released (iomgr.ErrBusy) the writer stays running
// and Stop can be retried.
func (w *Writer) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateRunning {
		return fmt.Errorf("%w: stop while %v", ErrState, w.state)
	}

	w.cancel()
	runErr := <-w.done
	if w.agent != nil {
		w.agent.Stop()
	}

	var errs []error
	errs = append(errs, runErr)
	if runErr == nil || !iomgr.IsFatal(runErr) {
		errs = append(errs, w.handler.Finish())
	}
	closeErr := w.handler.Close(w.buf)
	errs = append(errs, closeErr)
	if errors.Is(closeErr, iomgr.ErrBusy) {
		// target and buffer stay with the writer, Stop may be called again
		w.done <- runErr
		w.log.Error("Stop: operations still in flight, target kept open", "inflight", w.handler.InFlight())
		return errors.Join(errs...)
	}
	w.handler, w.buf = nil, nil
	w.state = StateStopped

	st := w.Stats()
	w.log.Info("Stop", "records", st.Records, "blocks", st.Blocks, "oversize", st.Oversize,
		"degraded", st.Degraded, "last", st.LastWritten)
	return errors.Join(errs...)
}

// Failed reports whether the storage loop gave up on its own while the writer is
// still running. Stop returns the reason.
func (w *Writer) Failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StateRunning && len(w.done) > 0
}

// Scrap forgets the configuration so the writer can be configured again.
func (w *Writer) Scrap() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateRunning {
		return fmt.Errorf("%w: scrap while running", ErrState)
	}
	w.cfg = Config{}
	w.state = StateNone
	return nil
}

type progress struct {
	at      time.Time
	records uint64
	bytes   uint64
}

func (w *Writer) progress(last *progress) {
	now := time.Now()
	elapsed := now.Sub(last.at)
	if elapsed < w.cfg.ProgressInterval {
		return
	}
	records, bytes := w.records.Load(), w.bytes.Load()
	mbps := float64(bytes-last.bytes) / elapsed.Seconds() / (1 << 20)
	w.log.Info("progress", "records", records-last.records, "total", records,
		"MB/s", fmt.Sprintf("%.1f", mbps), "offset", w.handler.Offset())
	*last = progress{at: now, records: records, bytes: bytes}
}

func (w *Writer) run(ctx context.Context) error {
	last := progress{at: time.Now()}
	for {
		w.progress(&last)

		rec, err := w.queue.Pop(ctx, w.cfg.QueueTimeout)
		if errors.Is(err, record.ErrTimeout) {
			continue
		}
		if err != nil {
			return nil
		}
		if err := w.write(rec); err != nil {
			w.log.Error("storage loop stopped", "trigger", rec.Header.TriggerNumber, "err", err)
			return err
		}
	}
}

// write stores every fragment of rec. Only a fatal store error is returned, everything
// else is counted and the record still counts as handled.
func (w *Writer) write(rec *record.TriggerRecord) error {
	h := w.handler
	limit := record.MaxPayload(w.cfg.BlockSize)

	for i, frag := range rec.Fragments {
		if len(frag) > limit {
			w.oversize.Add(1)
			w.metrics.StoreError("oversize")
			w.log.Warn("fragment larger than a block, dropped", "trigger", rec.Header.TriggerNumber,
				"fragment", i, "size", len(frag), "limit", limit)
			continue
		}

		hdr := record.FragmentHeader{
			Index:         uint16(i),
			Count:         uint16(len(rec.Fragments)),
			TriggerNumber: rec.Header.TriggerNumber,
			RunNumber:     rec.Header.RunNumber,
			Length:        uint32(len(frag)),
			Timestamp:     rec.Header.Timestamp,
		}
		hdr.Encode(w.buf)
		n := copy(w.buf[record.FRAG_HDR_LEN:], frag)
		clear(w.buf[record.FRAG_HDR_LEN+n:])

		start := time.Now()
		before := h.Degraded()
		err := h.Store(w.buf, false, w.cfg.Core)
		redos := h.Degraded() - before

		if err != nil {
			if !errors.Is(err, snb.ErrDegraded) {
				w.metrics.StoreError("fatal")
				return err
			}
			redos--
			w.degraded.Add(1)
			w.metrics.StoreError("degraded")
			w.log.Error("degraded write, continuing", "trigger", rec.Header.TriggerNumber, "fragment", i, "err", err)
		} else {
			w.blocks.Add(1)
			w.bytes.Add(uint64(len(frag)))
			w.metrics.ObserveStore(w.cfg.BlockSize, time.Since(start))
		}
		w.metrics.AddRedos(redos)
	}

	w.records.Add(1)
	w.lastWritten.Store(rec.Header.TriggerNumber)
	w.metrics.RecordDone()
	if w.agent != nil {
		w.agent.SetLatestWritten(rec.Header.TriggerNumber)
	}
	return nil
}
