//go:build linux

package iomgr

import (
	"errors"
	"math"
	"syscall"
	"time"
	"unsafe"

	"github.com/aethne0/giouring"
	"golang.org/x/sys/unix"
)

// PERF:
// 1. read/write fixed
// 2. register buffer
// 3. register file
// None of these are done yet, every SQE goes through the fd table and GUP.

type uringKernel struct {
	ring   *giouring.Ring
	sigset unix.Sigset_t
	// SQE handed to the ring that the kernel has not consumed yet, resubmitted as is
	staged    *giouring.SubmissionQueueEntry
	stagedTag uint64
}

// The engine never hands out tag 0. Withdrawn SQEs become NOPs carrying it and their
// completions are swallowed by Reap.
const WITHDRAWN_TAG = 0

func openURing(capacity int) (Kernel, error) {
	ring, err := giouring.CreateRing(uint32(capacity))
	if err != nil {
		return nil, err
	}
	return &uringKernel{ring: ring}, nil
}

func transient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EBUSY) || errors.Is(err, unix.EINTR)
}

// stage prepares the SQE for req, unless req is the one already staged.
func (k *uringKernel) stage(req Request) error {
	if k.staged != nil && k.stagedTag == req.Tag {
		return nil
	}
	if k.staged != nil {
		k.Withdraw(k.stagedTag)
	}

	sqe := k.ring.GetSQE()
	if sqe == nil {
		return unix.EAGAIN
	}
	buf := uintptr(unsafe.Pointer(&req.Buf[0]))
	if req.Opcode == OpWrite {
		sqe.PrepareWrite(req.Fd, buf, uint32(len(req.Buf)), uint64(req.Offset))
	} else {
		sqe.PrepareRead(req.Fd, buf, uint32(len(req.Buf)), uint64(req.Offset))
	}
	sqe.UserData = req.Tag
	k.staged, k.stagedTag = sqe, req.Tag
	return nil
}

func (k *uringKernel) Submit(req Request) error {
	if uint64(len(req.Buf)) > math.MaxUint32 {
		return unix.EINVAL
	}
	if req.Opcode != OpWrite && req.Opcode != OpRead {
		return unix.EINVAL
	}
	if err := k.stage(req); err != nil {
		return err
	}

	submitted, err := k.ring.Submit()
	if err != nil && submitted == 0 {
		// a refused SQE still sits in the SQ ring and would go out on the next enter
		if !transient(err) {
			k.Withdraw(req.Tag)
		}
		return err
	}
	k.staged = nil
	return nil
}

// Withdraw turns the staged SQE into a NOP. Not SQPOLL, so the kernel only reads SQEs
// inside io_uring_enter and rewriting it in place is safe.
func (k *uringKernel) Withdraw(tag uint64) {
	if k.staged == nil || k.stagedTag != tag {
		return
	}
	k.staged.PrepareNop()
	k.staged.UserData = WITHDRAWN_TAG
	k.staged = nil
}

func (k *uringKernel) Reap(events []Event, minNr int, timeout time.Duration) (int, error) {
	if minNr > 0 {
		var err error
		if timeout < 0 {
			_, err = k.ring.SubmitAndWait(uint32(minNr))
		} else {
			ts := syscall.NsecToTimespec(int64(timeout))
			_, err = k.ring.SubmitAndWaitTimeout(uint32(minNr), &ts, &k.sigset)
		}
		if err != nil && !errors.Is(err, unix.ETIME) && !transient(err) {
			return 0, err
		}
	}

	n := 0
	for n < len(events) {
		cqe, err := k.ring.PeekCQE()
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			break
		} else if err != nil {
			return n, err
		}
		if cqe == nil {
			break
		}
		tag, res := cqe.UserData, int64(cqe.Res)
		k.ring.CQESeen(cqe)
		if tag == WITHDRAWN_TAG {
			continue
		}
		events[n] = Event{Tag: tag, Res: res}
		n++
	}
	return n, nil
}

func (k *uringKernel) Close() error {
	if k.ring != nil {
		k.ring.QueueExit()
		k.ring = nil
	}
	return nil
}
