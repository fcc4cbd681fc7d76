package iomgr

import (
	"fmt"
	"strings"
	"time"
)

// Request is one operation as handed to the kernel. Tag comes back untouched in the
// matching Event.
type Request struct {
	Tag    uint64
	Opcode OpCode
	Fd     int
	Offset int64
	Buf    []byte
}

// Event is one completion reported by the kernel. Res is the number of bytes
// transferred, or a negated errno.
type Event struct {
	Tag uint64
	Res int64
}

// Kernel is the asynchronous I/O facility the engine drives. Implementations are not
// safe for concurrent use, the engine serializes all calls.
type Kernel interface {
	// Submit queues one request. unix.EAGAIN means "try again after reaping". A failed
	// request may stay staged inside the kernel layer and goes out on the next Submit
	// with the same tag.
	Submit(req Request) error
	// Withdraw drops a request whose Submit failed and that the engine gave up on. It
	// must never reach the device nor complete.
	Withdraw(tag uint64)
	// Reap copies up to len(events) ready completions into events. It waits for at
	// least minNr of them, for at most timeout (timeout < 0 waits forever).
	// minNr == 0 never blocks.
	Reap(events []Event, minNr int, timeout time.Duration) (int, error)
	Close() error
}

type Backend uint8

const (
	BackendAIO Backend = iota
	BackendURing
)

func (b Backend) String() string {
	switch b {
	case BackendAIO:
		return "aio"
	case BackendURing:
		return "uring"
	}
	return fmt.Sprintf("backend(%d)", uint8(b))
}

func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(s) {
	case "", "aio", "libaio":
		return BackendAIO, nil
	case "uring", "io_uring":
		return BackendURing, nil
	}
	return 0, fmt.Errorf("iomgr: unknown backend %q", s)
}

// OpenKernel sets up a kernel context able to hold capacity outstanding requests.
func OpenKernel(b Backend, capacity int) (Kernel, error) {
	switch b {
	case BackendAIO:
		return openAIO(capacity)
	case BackendURing:
		return openURing(capacity)
	}
	return nil, fmt.Errorf("iomgr: unknown backend %v", b)
}
