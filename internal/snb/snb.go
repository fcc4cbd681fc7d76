// Package snb is the sequential block writer: fixed size blocks written back to back
// through the async engine onto one direct I/O target.
//
// A Handler looks synchronous to its caller. Store submits one block and drains the
// engine before returning, so at most one store's worth of writes is ever in flight.
package snb

import (
	"errors"
	"fmt"
	"log/slog"

	c "snbwriter/internal"
	"snbwriter/internal/iomgr"
	"snbwriter/internal/system"

	"github.com/ncw/directio"
)

const DEFAULT_MAX_REDO = 3

var (
	ErrConfiguration = errors.New("snb: configuration error")
	ErrDegraded      = errors.New("snb: degraded write")
	ErrClosed        = errors.New("snb: handler closed")
	ErrFinished      = errors.New("snb: target finished, no more blocks")
	ErrBlockSize     = errors.New("snb: buffer shorter than block size")
)

type options struct {
	kernel      iomgr.Kernel
	direct      bool
	backend     iomgr.Backend
	wait        iomgr.WaitStrategy
	capacity    int
	maxRedo     int
	preallocate int64
	onInflight  func(int)
}

type Option func(*options)

// WithKernel hands the engine an already open kernel instead of a fresh context.
func WithKernel(k iomgr.Kernel) Option { return func(o *options) { o.kernel = k } }

// WithoutDirect opens the target through the page cache. Only useful on filesystems
// that refuse O_DIRECT.
func WithoutDirect() Option                { return func(o *options) { o.direct = false } }
func WithBackend(b iomgr.Backend) Option   { return func(o *options) { o.backend = b } }
func WithWait(w iomgr.WaitStrategy) Option { return func(o *options) { o.wait = w } }
func WithCapacity(n int) Option            { return func(o *options) { o.capacity = n } }
func WithMaxRedo(n int) Option             { return func(o *options) { o.maxRedo = n } }
func WithInFlightHook(fn func(int)) Option { return func(o *options) { o.onInflight = fn } }

// WithPreallocate reserves size bytes (fallocate) right after truncation.
func WithPreallocate(size int64) Option { return func(o *options) { o.preallocate = size } }

func buildOptions(opts []Option) options {
	o := options{
		direct:   true,
		backend:  iomgr.BackendAIO,
		wait:     iomgr.BusyPoll{},
		capacity: c.DEFAULT_CAPACITY,
		maxRedo:  DEFAULT_MAX_REDO,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) engine(align int) (*iomgr.IoMgr, error) {
	eopts := []iomgr.Option{
		iomgr.WithBackend(o.backend),
		iomgr.WithWait(o.wait),
		iomgr.WithAlign(align),
	}
	if o.kernel != nil {
		eopts = append(eopts, iomgr.WithKernel(o.kernel))
	}
	if o.onInflight != nil {
		eopts = append(eopts, iomgr.WithInFlightHook(o.onInflight))
	}
	return iomgr.CreateIoMgr(o.capacity, eopts...)
}

type Handler struct {
	log       *slog.Logger
	file      *system.AlignedFile
	mgr       *iomgr.IoMgr
	blockSize int
	align     int
	first     int64 // first data offset, everything before it is superblock
	offset    int64
	maxRedo   int

	core     int // core the store thread is pinned to, -1 for none
	blocks   uint64
	degraded uint64
	finished bool
	closed   bool
}

// CreateHandler opens path for direct write-only access (creating it), drops its cached
// pages, truncates it to zero and sets up an engine for it.
func CreateHandler(path string, blockSize int, opts ...Option) (*Handler, error) {
	o := buildOptions(opts)
	log := slog.With("src", "SNBHandler", "path", path)

	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: block size %d", ErrConfiguration, blockSize)
	}

	file, err := system.OpenAligned(path, system.ModeWrite, o.direct)
	if err != nil {
		log.Error("CreateHandler", "err", err)
		return nil, err
	}

	align := file.LogicalBlockSize()
	if !c.IsAligned(uint64(blockSize), uint64(align)) {
		file.Close()
		return nil, fmt.Errorf("%w: block size %d is not a multiple of %d", ErrConfiguration, blockSize, align)
	}

	file.DropCache()
	if err := file.Truncate(0); err != nil {
		file.Close()
		return nil, err
	}
	if o.preallocate > 0 {
		if err := file.Preallocate(o.preallocate); err != nil {
			file.Close()
			return nil, err
		}
	}

	mgr, err := o.engine(align)
	if err != nil {
		file.Close()
		return nil, err
	}

	first := int64(c.AlignUp(c.MIN_OFFSET, align))
	h := Handler{
		log:       log,
		file:      file,
		mgr:       mgr,
		blockSize: blockSize,
		align:     align,
		first:     first,
		offset:    first,
		maxRedo:   o.maxRedo,
		core:      -1,
	}
	log.Info("CreateHandler", "block", blockSize, "align", align, "first", first,
		"direct", o.direct, "capacity", mgr.Capacity())

	return &h, nil
}

func (h *Handler) BlockSize() int     { return h.blockSize }
func (h *Handler) Offset() int64      { return h.offset }
func (h *Handler) FirstOffset() int64 { return h.first }
func (h *Handler) Blocks() uint64     { return h.blocks }
func (h *Handler) Degraded() uint64   { return h.degraded }
func (h *Handler) Sent() uint64       { return h.mgr.Sent() }
func (h *Handler) Completed() uint64  { return h.mgr.Completed() }
func (h *Handler) InFlight() int      { return h.mgr.InFlight() }
func (h *Handler) Path() string       { return h.file.Path() }

// AllocBuffer returns a page aligned buffer of exactly one block.
func (h *Handler) AllocBuffer() ([]byte, error) {
	return system.AllocSlab(h.blockSize)
}

// MaxSize is the usable size of the target. Regular files report their current length,
// so they must be preallocated; zero is a configuration error.
func (h *Handler) MaxSize() (int64, error) {
	size, err := h.file.Size()
	if err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, fmt.Errorf("%w: %s reports zero size, preallocate it first", ErrConfiguration, h.file.Path())
	}
	return size, nil
}

func (h *Handler) pin(core int) {
	if core < 0 || core == h.core {
		return
	}
	if err := system.PinThread(core); err != nil {
		h.log.Warn("PinThread", "core", core, "err", err)
	} else {
		h.log.Debug("PinThread", "core", core)
	}
	h.core = core
}

// write submits buf at off and drains everything in flight. Returns the completion for
// buf and whether the engine accepted it at all.
func (h *Handler) write(off int64, buf []byte) (iomgr.Completion, bool, error) {
	var cmp iomgr.Completion
	if _, err := h.mgr.Write(h.file.Fd(), off, buf, func(cm iomgr.Completion) { cmp = cm }); err != nil {
		return cmp, false, err
	}
	if err := h.mgr.Drain(); err != nil && iomgr.IsFatal(err) {
		return cmp, true, err
	}
	return cmp, true, nil
}

// Store writes the first block-size bytes of buf at the current offset, advances the
// offset and waits until nothing is in flight. A short write is redone from where it
// stopped, up to the configured number of times.
//
// If core is not negative the calling thread is pinned to it first. With isLast set the
// superblock is finalized after the block lands, later stores fail with ErrFinished.
//
// Errors wrapping ErrDegraded mean this block may be incomplete on disk, but the
// handler is still usable. Anything else is fatal.
func (h *Handler) Store(buf []byte, isLast bool, core int) error {
	if h.closed {
		return ErrClosed
	}
	if h.finished {
		return ErrFinished
	}
	if len(buf) < h.blockSize {
		return fmt.Errorf("%w: %d < %d", ErrBlockSize, len(buf), h.blockSize)
	}
	buf = buf[:h.blockSize]
	h.pin(core)

	off := h.offset
	cmp, accepted, err := h.write(off, buf)
	if accepted {
		h.offset += int64(h.blockSize)
	}
	if err != nil {
		return err
	}
	h.blocks++

	var done int64
	for redo := 0; cmp.Err != nil; redo++ {
		var ce *iomgr.CompletionError
		if !errors.As(cmp.Err, &ce) || !ce.Short() {
			h.degraded++
			return fmt.Errorf("%w: %w", ErrDegraded, cmp.Err)
		}

		done += ce.Transferred
		if redo >= h.maxRedo || !c.IsAligned(uint64(done), uint64(h.align)) {
			h.degraded++
			h.log.Error("Store giving up on short write", "off", off, "done", done, "redo", redo)
			return fmt.Errorf("%w: %w", ErrDegraded, cmp.Err)
		}

		h.degraded++
		h.log.Warn("Store short write, redoing remainder", "off", off, "done", done, "left", int64(h.blockSize)-done)
		if cmp, _, err = h.write(off+done, buf[done:]); err != nil {
			return err
		}
	}

	if isLast {
		return h.Finish()
	}
	return nil
}

func (h *Handler) superblock() *Superblock {
	return &Superblock{
		Version:     SB_VERSION,
		Finished:    h.finished,
		BlockSize:   uint32(h.blockSize),
		Align:       uint32(h.align),
		Blocks:      h.blocks,
		FirstOffset: uint64(h.first),
		DataEnd:     uint64(h.offset),
		Degraded:    h.degraded,
	}
}

// Finish writes the final superblock and flushes the device. Calling it again is a no-op.
func (h *Handler) Finish() error {
	if h.closed {
		return ErrClosed
	}
	if h.finished {
		return nil
	}
	if err := h.mgr.Drain(); err != nil && iomgr.IsFatal(err) {
		return err
	}

	h.finished = true
	sb := h.superblock()
	buf := directio.AlignedBlock(int(h.first))
	sb.Encode(buf)

	cmp, _, err := h.write(0, buf)
	if err == nil {
		err = cmp.Err
	}
	if err != nil {
		h.finished = false
		h.log.Error("Finish", "err", err)
		return err
	}
	if err := h.file.Sync(); err != nil {
		h.log.Warn("Finish sync", "err", err)
	}
	h.log.Info("Finish", "blocks", h.blocks, "end", h.offset, "degraded", h.degraded)
	return nil
}

// Close drains the engine, then tears down engine and file and frees buf (if not nil).
// When operations are still in flight afterwards nothing is released and the error
// matches iomgr.ErrBusy; Close can be retried.
func (h *Handler) Close(buf []byte) error {
	if h.closed {
		return nil
	}
	var drainErr error
	if h.mgr.InFlight() > 0 {
		drainErr = h.mgr.Drain()
	}
	if err := h.mgr.Close(); err != nil {
		h.log.Error("Close", "inflight", h.mgr.InFlight(), "err", err)
		return errors.Join(err, drainErr)
	}
	h.closed = true

	var errs []error
	if buf != nil {
		errs = append(errs, system.DeallocSlab(buf))
	}
	errs = append(errs, h.file.Close())
	return errors.Join(errs...)
}

// ReadAt reads size bytes at off from a target written by a Handler, through the
// engine's read path. off must be aligned, size is rounded up to the alignment. Fewer
// bytes come back when the target ends early.
func ReadAt(path string, off int64, size int, opts ...Option) ([]byte, error) {
	o := buildOptions(opts)
	o.capacity = 1

	file, err := system.OpenAligned(path, system.ModeRead, o.direct)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	mgr, err := o.engine(file.LogicalBlockSize())
	if err != nil {
		return nil, err
	}
	defer mgr.Close()

	buf := directio.AlignedBlock(c.AlignUp(size, file.LogicalBlockSize()))
	var cmp iomgr.Completion
	if _, err := mgr.Read(file.Fd(), off, buf, func(cm iomgr.Completion) { cmp = cm }); err != nil {
		return nil, err
	}
	var ce *iomgr.CompletionError
	if err := mgr.Drain(); err != nil && (!errors.As(err, &ce) || !ce.Short()) {
		return nil, err
	}
	return buf[:min(int(cmp.Res), size)], nil
}

// ReadSuperblock reads and checks the superblock of a target written by a Handler.
func ReadSuperblock(path string, opts ...Option) (*Superblock, error) {
	buf, err := ReadAt(path, 0, c.MIN_OFFSET, opts...)
	if err != nil {
		return nil, err
	}
	if len(buf) < SB_LEN {
		return nil, fmt.Errorf("%w: read %d bytes", ErrBadSuperblock, len(buf))
	}
	return DecodeSuperblock(buf)
}
