// Package iomgrtest provides a scripted kernel for exercising the engine without
// depending on what the host filesystem and kernel support.
package iomgrtest

import (
	"sync"
	"time"

	"snbwriter/internal/iomgr"

	"golang.org/x/sys/unix"
)

// Kernel holds submitted requests until the test completes them (or completes them at
// once in auto mode). Completing a request performs the real pread/pwrite on its fd, so
// data round-trips through an ordinary file.
//
// All methods are safe to call from the test goroutine while an engine drives the
// kernel from another one.
type Kernel struct {
	mu         sync.Mutex
	auto       bool
	held       []iomgr.Request
	ready      []iomgr.Event
	shorts     []int64
	faults     []unix.Errno
	submitErrs []error
	reapErrs   []error
	staged     *iomgr.Request
	withdrawn  []uint64
	submitted  int
	reaped     int
	maxHeld    int
	closed     bool
}

func New() *Kernel { return &Kernel{} }

// NewAuto completes every request during Submit.
func NewAuto() *Kernel { return &Kernel{auto: true} }

func (k *Kernel) Submit(req iomgr.Request) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	// a refused request stays staged like an SQE left in a ring, and goes out in
	// place of whatever is submitted next unless it was withdrawn
	if k.staged != nil {
		req = *k.staged
	}
	if len(k.submitErrs) > 0 {
		err := k.submitErrs[0]
		k.submitErrs = k.submitErrs[1:]
		k.staged = &req
		return err
	}
	k.staged = nil

	k.submitted++
	k.held = append(k.held, req)
	k.maxHeld = max(k.maxHeld, len(k.held)+len(k.ready))
	if k.auto {
		k.completeLocked(1)
	}
	return nil
}

func (k *Kernel) completeLocked(n int) int {
	n = min(n, len(k.held))
	for _, req := range k.held[:n] {
		k.ready = append(k.ready, iomgr.Event{Tag: req.Tag, Res: k.perform(req)})
	}
	k.held = k.held[n:]
	return n
}

func (k *Kernel) perform(req iomgr.Request) int64 {
	if len(k.faults) > 0 {
		errno := k.faults[0]
		k.faults = k.faults[1:]
		return -int64(errno)
	}

	buf := req.Buf
	if len(k.shorts) > 0 {
		by := k.shorts[0]
		k.shorts = k.shorts[1:]
		buf = buf[:max(int64(0), int64(len(buf))-by)]
	}
	if req.Fd < 0 || len(buf) == 0 {
		return int64(len(buf))
	}

	var n int
	var err error
	switch req.Opcode {
	case iomgr.OpWrite:
		n, err = unix.Pwrite(req.Fd, buf, req.Offset)
	case iomgr.OpRead:
		n, err = unix.Pread(req.Fd, buf, req.Offset)
	default:
		return -int64(unix.EINVAL)
	}
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return -int64(errno)
		}
		return -int64(unix.EIO)
	}
	return int64(n)
}

// Complete finishes the n oldest held requests and returns how many it finished.
func (k *Kernel) Complete(n int) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.completeLocked(n)
}

func (k *Kernel) CompleteAll() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.completeLocked(len(k.held))
}

// ShortNext makes the next completion transfer by bytes less than requested.
func (k *Kernel) ShortNext(by int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.shorts = append(k.shorts, by)
}

// FailNext makes the next completion report errno.
func (k *Kernel) FailNext(errno unix.Errno) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.faults = append(k.faults, errno)
}

// FailSubmit makes the next times submits return err.
func (k *Kernel) FailSubmit(err error, times int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for range times {
		k.submitErrs = append(k.submitErrs, err)
	}
}

func (k *Kernel) Withdraw(tag uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.staged != nil && k.staged.Tag == tag {
		k.staged = nil
		k.withdrawn = append(k.withdrawn, tag)
	}
}

// Withdrawn lists the tags of refused requests the engine gave up on.
func (k *Kernel) Withdrawn() []uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]uint64(nil), k.withdrawn...)
}

// FailReap makes the next times reaps fail with err, completions stay queued.
func (k *Kernel) FailReap(err error, times int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for range times {
		k.reapErrs = append(k.reapErrs, err)
	}
}

func (k *Kernel) reapErr() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.reapErrs) == 0 {
		return nil
	}
	err := k.reapErrs[0]
	k.reapErrs = k.reapErrs[1:]
	return err
}

// Inject queues a raw completion event, whether or not anything was submitted for it.
func (k *Kernel) Inject(ev iomgr.Event) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ready = append(k.ready, ev)
}

func (k *Kernel) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.held)
}

func (k *Kernel) Submitted() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.submitted
}

// MaxOutstanding is the largest number of requests the kernel held (submitted and not
// yet reaped) at any point.
func (k *Kernel) MaxOutstanding() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.maxHeld
}

func (k *Kernel) Closed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.closed
}

func (k *Kernel) take(events []iomgr.Event) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	n := copy(events, k.ready)
	k.ready = k.ready[n:]
	k.reaped += n
	return n
}

func (k *Kernel) Reap(events []iomgr.Event, minNr int, timeout time.Duration) (int, error) {
	if err := k.reapErr(); err != nil {
		return 0, err
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	n := k.take(events)
	for n < minNr {
		if timeout >= 0 && time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Microsecond)
		n += k.take(events[n:])
	}
	return n, nil
}

func (k *Kernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true
	return nil
}
