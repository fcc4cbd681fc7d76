package iomgr

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	c "snbwriter/internal"
	"snbwriter/internal/system"
	"snbwriter/internal/util"

	"github.com/ncw/directio"
	"github.com/negrel/assert"
	"golang.org/x/sys/unix"
)

// How many times a submit refused with EAGAIN is retried while nothing is in flight
// (so there is nothing to reap that could free resources).
const MAX_IDLE_AGAIN = 0x400

type OpCode uint16

const (
	OpNop OpCode = iota
	OpWrite
	OpRead
)

func (o OpCode) String() string {
	switch o {
	case OpNop:
		return "nop"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	}
	return fmt.Sprintf("op(%d)", uint16(o))
}

// Callback runs exactly once per accepted operation, on the goroutine that reaped it.
// It must not call back into blocking engine methods (Submit, Drain). Poll is fine, it
// reaps into its own buffer.
type Callback func(c Completion)

// Op describes one read or write. Offset, len(Buf) and the address of Buf must all be
// multiples of the engine alignment.
//
// WARN: Buf belongs to the kernel from Submit until Cb fires. Don't touch it.
type Op struct {
	Fd     int
	Offset int64
	Buf    []byte
	Opcode OpCode
	Cb     Callback
}

type Completion struct {
	Tag    util.Ticket
	Opcode OpCode
	Fd     int
	Offset int64
	Size   int
	Res    int64 // bytes transferred, or -errno
	Err    error // nil or *CompletionError
}

// The engine-owned record for one operation between Submit and its completion. Holding
// the Op here also keeps Buf reachable for the GC while the kernel uses it.
type pending struct {
	op    Op
	units int
}

// IoMgr is the asynchronous I/O engine. It owns one kernel context sized to a fixed
// capacity of request units and never lets more than that be outstanding: when a
// submit would overflow it, the caller waits and reaps until there is room.
//
// Not safe for concurrent use. One goroutine submits and polls.
type IoMgr struct {
	log       *slog.Logger
	kernel    Kernel
	backend   Backend
	wait      WaitStrategy
	capacity  int
	align     uint64
	preferred int

	inflight  int
	slots     util.TicketQueue[pending]
	events    []Event
	reaping   int // depth of reap loops running callbacks
	deferred  []error
	sent      uint64
	completed uint64
	closed    bool

	onInflight func(int)
}

type options struct {
	kernel     Kernel
	backend    Backend
	wait       WaitStrategy
	align      int
	preferred  int
	onInflight func(int)
}

type Option func(*options)

// WithKernel uses k instead of opening a kernel context. The engine takes ownership.
func WithKernel(k Kernel) Option { return func(o *options) { o.kernel = k } }

func WithBackend(b Backend) Option { return func(o *options) { o.backend = b } }

func WithWait(w WaitStrategy) Option { return func(o *options) { o.wait = w } }

// WithAlign sets the required alignment of offsets, sizes and buffer addresses
// (the device logical block size). Must be a power of two.
func WithAlign(n int) Option { return func(o *options) { o.align = n } }

// WithPreferredBlock sets the accounting granularity: requests larger than n bytes
// count as several units against the capacity.
func WithPreferredBlock(n int) Option { return func(o *options) { o.preferred = n } }

// WithInFlightHook is called with the in-flight unit count every time it changes.
func WithInFlightHook(fn func(int)) Option { return func(o *options) { o.onInflight = fn } }

func CreateIoMgr(capacity int, opts ...Option) (*IoMgr, error) {
	o := options{
		backend:   BackendAIO,
		wait:      BusyPoll{},
		align:     directio.AlignSize,
		preferred: c.PREFERRED_BLOCK,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if capacity <= 0 {
		return nil, &EngineInitError{Backend: o.backend, Capacity: capacity, Err: unix.EINVAL}
	}
	if o.align <= 0 || o.align&(o.align-1) != 0 || o.preferred <= 0 {
		return nil, &EngineInitError{Backend: o.backend, Capacity: capacity, Err: unix.EINVAL}
	}

	log := slog.With("src", "IoMgr")

	kernel := o.kernel
	if kernel == nil {
		var err error
		kernel, err = OpenKernel(o.backend, capacity)
		if err != nil {
			log.Error("CreateIoMgr", "backend", o.backend, "capacity", capacity, "err", err)
			return nil, &EngineInitError{Backend: o.backend, Capacity: capacity, Err: err}
		}
	}

	m := IoMgr{
		log:        log,
		kernel:     kernel,
		backend:    o.backend,
		wait:       o.wait,
		capacity:   capacity,
		align:      uint64(o.align),
		preferred:  o.preferred,
		slots:      util.CreateTicketQueue[pending](capacity),
		events:     make([]Event, capacity),
		onInflight: o.onInflight,
	}
	log.Debug("CreateIoMgr", "backend", o.backend, "capacity", capacity, "align", o.align,
		"preferred", o.preferred, "wait", o.wait)

	return &m, nil
}

func (m *IoMgr) Capacity() int     { return m.capacity }
func (m *IoMgr) InFlight() int     { return m.inflight }
func (m *IoMgr) Pending() int      { return m.slots.Cap() - m.slots.Free() }
func (m *IoMgr) Sent() uint64      { return m.sent }
func (m *IoMgr) Completed() uint64 { return m.completed }
func (m *IoMgr) Align() int        { return int(m.align) }

// Units is how much of the capacity a request of size bytes takes. A request bigger
// than the whole capacity is clamped, it then needs an otherwise empty engine.
func (m *IoMgr) Units(size int) int {
	if size <= m.preferred {
		return 1
	}
	return min(size/m.preferred, m.capacity)
}

func (m *IoMgr) check(op Op) error {
	var reason string
	switch {
	case op.Opcode != OpWrite && op.Opcode != OpRead:
		reason = "unsupported opcode"
	case len(op.Buf) == 0:
		reason = "empty buffer"
	case op.Offset < 0:
		reason = "negative offset"
	case !c.IsAligned(uint64(op.Offset), m.align):
		reason = fmt.Sprintf("offset not a multiple of %d", m.align)
	case !c.IsAligned(uint64(len(op.Buf)), m.align):
		reason = fmt.Sprintf("size not a multiple of %d", m.align)
	case !system.IsSlabAligned(op.Buf, int(m.align)):
		reason = fmt.Sprintf("buffer @%#x not aligned to %d", system.BufAddr(op.Buf), m.align)
	default:
		return nil
	}
	return &SubmitError{
		Kind:   KindAlignment,
		Errno:  unix.EINVAL,
		Opcode: op.Opcode,
		Fd:     op.Fd,
		Offset: op.Offset,
		Size:   len(op.Buf),
		Reason: reason,
	}
}

func (m *IoMgr) setInflight(n int) {
	m.inflight = n
	assert.Less(m.inflight, m.capacity+1, "in-flight units exceed capacity")
	if m.onInflight != nil {
		m.onInflight(n)
	}
}

// Submit hands op to the kernel. If accepting it would exceed the capacity this blocks,
// reaping completions (and running their callbacks) until there is room.
//
// Misaligned or malformed requests are refused before touching any state. Kernel
// refusals other than EAGAIN are returned as *SubmitError and not retried.
func (m *IoMgr) Submit(op Op) (util.Ticket, error) {
	if m.closed {
		return 0, ErrClosed
	}
	if err := m.check(op); err != nil {
		m.log.Debug("Submit refused", "err", err)
		return 0, err
	}

	units := m.Units(len(op.Buf))
	for m.inflight+units > m.capacity {
		if err := m.waitOnce(); err != nil {
			return 0, err
		}
	}

	tag := m.slots.Acq(pending{op: op, units: units})
	req := Request{
		Tag:    uint64(tag),
		Opcode: op.Opcode,
		Fd:     op.Fd,
		Offset: op.Offset,
		Buf:    op.Buf,
	}

	for again := 0; ; again++ {
		err := m.kernel.Submit(req)
		if err == nil {
			break
		}

		var errno unix.Errno
		if !errors.As(err, &errno) {
			errno = 0
		}

		if errno == unix.EAGAIN || errno == unix.EINTR {
			if m.inflight > 0 {
				if werr := m.waitOnce(); werr != nil {
					m.kernel.Withdraw(req.Tag)
					m.slots.Rel(tag)
					return 0, werr
				}
				continue
			}
			if again < MAX_IDLE_AGAIN {
				runtime.Gosched()
				continue
			}
		}

		m.kernel.Withdraw(req.Tag)
		m.slots.Rel(tag)
		serr := &SubmitError{
			Kind:   classify(errno),
			Errno:  errno,
			Opcode: op.Opcode,
			Fd:     op.Fd,
			Offset: op.Offset,
			Size:   len(op.Buf),
		}
		if errno == 0 {
			serr.Reason = err.Error()
		}
		m.log.Error("Submit", "err", serr)
		return 0, serr
	}

	m.sent++
	m.setInflight(m.inflight + units)
	return tag, nil
}

func (m *IoMgr) Write(fd int, offset int64, buf []byte, cb Callback) (util.Ticket, error) {
	return m.Submit(Op{Fd: fd, Offset: offset, Buf: buf, Opcode: OpWrite, Cb: cb})
}

func (m *IoMgr) Read(fd int, offset int64, buf []byte, cb Callback) (util.Ticket, error) {
	return m.Submit(Op{Fd: fd, Offset: offset, Buf: buf, Opcode: OpRead, Cb: cb})
}

// complete consumes the record behind one kernel completion. Completion errors are
// returned, a tag that names no live record is a fatal engine defect.
func (m *IoMgr) complete(ev Event) error {
	tag := util.Ticket(ev.Tag)
	p, ok := m.slots.Get(tag)
	if !ok {
		m.log.Error("completion for dead tag", "tag", fmt.Sprintf("%#x", ev.Tag), "res", ev.Res)
		m.log.Debug("engine state\n" + m.String())
		return fmt.Errorf("%w: %#x", ErrStaleTag, ev.Tag)
	}

	size := len(p.op.Buf)
	cmp := Completion{
		Tag:    tag,
		Opcode: p.op.Opcode,
		Fd:     p.op.Fd,
		Offset: p.op.Offset,
		Size:   size,
		Res:    ev.Res,
	}
	if ev.Res < 0 {
		cmp.Err = &CompletionError{Tag: ev.Tag, Opcode: p.op.Opcode, Fd: p.op.Fd,
			Offset: p.op.Offset, Size: size, Errno: unix.Errno(-ev.Res)}
	} else if ev.Res != int64(size) {
		cmp.Err = &CompletionError{Tag: ev.Tag, Opcode: p.op.Opcode, Fd: p.op.Fd,
			Offset: p.op.Offset, Size: size, Transferred: ev.Res}
	}
	if cmp.Err != nil {
		m.log.Warn("completion failed", "err", cmp.Err)
	}

	if p.op.Cb != nil {
		p.op.Cb(cmp)
	}

	m.slots.Rel(tag)
	m.completed++
	m.setInflight(m.inflight - p.units)
	return cmp.Err
}

func (m *IoMgr) process(events []Event) []error {
	m.reaping++
	defer func() { m.reaping-- }()

	var errs []error
	for _, ev := range events {
		if err := m.complete(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// waitOnce reaps with the wait strategy. Completion errors are parked until the next
// Poll or Drain so they are reported exactly once, only reap failures come back here.
func (m *IoMgr) waitOnce() error {
	events := m.buffer()
	n, err := m.wait.Reap(m.kernel, events)
	if err != nil {
		m.log.Error("reap", "err", err)
		return &ReapError{Err: err}
	}
	m.deferred = append(m.deferred, m.process(events[:n])...)
	return nil
}

// buffer is the array to reap into. A callback that polls runs a nested reap while the
// outer loop still walks m.events, the nested one gets a fresh array.
func (m *IoMgr) buffer() []Event {
	if m.reaping == 0 {
		return m.events
	}
	return make([]Event, m.capacity)
}

func (m *IoMgr) takeDeferred() error {
	err := errors.Join(m.deferred...)
	m.deferred = nil
	return err
}

// Poll reaps whatever has completed right now and runs the callbacks, without ever
// blocking. Returns the number of completions and any completion errors seen since the
// last Poll or Drain. With nothing in flight it returns at once.
func (m *IoMgr) Poll() (int, error) {
	if m.inflight == 0 {
		return 0, m.takeDeferred()
	}
	events := m.buffer()
	n, err := m.kernel.Reap(events, 0, 0)
	if err != nil {
		m.log.Error("Poll", "err", err)
		return 0, &ReapError{Err: err}
	}
	m.deferred = append(m.deferred, m.process(events[:n])...)
	return n, m.takeDeferred()
}

// Drain waits until nothing is in flight.
func (m *IoMgr) Drain() error {
	for m.inflight > 0 {
		if err := m.waitOnce(); err != nil {
			return errors.Join(err, m.takeDeferred())
		}
	}
	return m.takeDeferred()
}

// Close tears down the kernel context. Refused while operations are in flight, their
// buffers would be released under the kernel.
func (m *IoMgr) Close() error {
	if m.closed {
		return nil
	}
	if m.inflight > 0 {
		return ErrBusy
	}
	m.closed = true
	return m.kernel.Close()
}
