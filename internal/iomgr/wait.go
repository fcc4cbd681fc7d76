package iomgr

import (
	"fmt"
	"strings"
	"time"
)

// WaitStrategy decides how the engine waits when it has to: for capacity headroom inside
// Submit, and for outstanding work inside Drain. Poll never uses it, Poll never waits.
type WaitStrategy interface {
	Reap(k Kernel, events []Event) (int, error)
}

// BusyPoll spins on non-blocking reaps. Burns a core, gives the lowest completion latency.
type BusyPoll struct{}

func (BusyPoll) Reap(k Kernel, events []Event) (int, error) {
	return k.Reap(events, 0, 0)
}

func (BusyPoll) String() string { return "busy" }

// BlockingWait sleeps in the kernel until at least one completion arrives or Timeout
// passes, whichever is first.
type BlockingWait struct {
	Timeout time.Duration
}

func (w BlockingWait) Reap(k Kernel, events []Event) (int, error) {
	return k.Reap(events, 1, w.Timeout)
}

func (w BlockingWait) String() string { return fmt.Sprintf("blocking(%v)", w.Timeout) }

func ParseWait(name string, timeout time.Duration) (WaitStrategy, error) {
	switch strings.ToLower(name) {
	case "", "busy", "poll":
		return BusyPoll{}, nil
	case "blocking", "block":
		if timeout <= 0 {
			return nil, fmt.Errorf("iomgr: blocking wait needs a positive timeout, got %v", timeout)
		}
		return BlockingWait{Timeout: timeout}, nil
	}
	return nil, fmt.Errorf("iomgr: unknown wait strategy %q", name)
}
