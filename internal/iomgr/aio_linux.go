//go:build linux && (amd64 || arm64)

package iomgr

import (
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Native kernel AIO (io_setup/io_submit/io_getevents). Only non-blocking with O_DIRECT,
// without it most filesystems complete the request synchronously inside io_submit.

const (
	IOCB_CMD_PREAD  = 0
	IOCB_CMD_PWRITE = 1
)

// struct iocb, 64-bit little endian layout
type iocb struct {
	data      uint64
	key       uint32
	rwFlags   uint32
	opcode    uint16
	reqprio   int16
	fildes    uint32
	buf       uint64
	nbytes    uint64
	offset    int64
	reserved2 uint64
	flags     uint32
	resfd     uint32
}

// struct io_event
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

type aioKernel struct {
	ctx uintptr // aio_context_t
	// the kernel copies the iocb during io_submit, so one scratch is enough
	cb  iocb
	cbs [1]*iocb
	raw []ioEvent // allocated once, sized to capacity
}

func openAIO(capacity int) (Kernel, error) {
	k := &aioKernel{raw: make([]ioEvent, capacity)}
	_, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(capacity), uintptr(unsafe.Pointer(&k.ctx)), 0)
	if errno != 0 {
		return nil, errno
	}
	k.cbs[0] = &k.cb
	return k, nil
}

func (k *aioKernel) Submit(req Request) error {
	k.cb = iocb{
		data:   req.Tag,
		fildes: uint32(req.Fd),
		buf:    uint64(uintptr(unsafe.Pointer(&req.Buf[0]))),
		nbytes: uint64(len(req.Buf)),
		offset: req.Offset,
	}
	switch req.Opcode {
	case OpWrite:
		k.cb.opcode = IOCB_CMD_PWRITE
	case OpRead:
		k.cb.opcode = IOCB_CMD_PREAD
	default:
		return unix.EINVAL
	}

	n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, k.ctx, 1, uintptr(unsafe.Pointer(&k.cbs[0])))
	runtime.KeepAlive(req.Buf)
	if errno != 0 {
		return errno
	}
	if n != 1 {
		return unix.EAGAIN
	}
	return nil
}

// io_submit takes a single iocb or nothing, there is never anything staged.
func (k *aioKernel) Withdraw(tag uint64) {}

func (k *aioKernel) Reap(events []Event, minNr int, timeout time.Duration) (int, error) {
	nr := min(len(events), len(k.raw))
	if nr == 0 {
		return 0, nil
	}

	var n uintptr
	var errno unix.Errno
	if timeout < 0 {
		n, _, errno = unix.Syscall6(unix.SYS_IO_GETEVENTS, k.ctx, uintptr(minNr), uintptr(nr),
			uintptr(unsafe.Pointer(&k.raw[0])), 0, 0)
	} else {
		ts := unix.NsecToTimespec(int64(timeout))
		n, _, errno = unix.Syscall6(unix.SYS_IO_GETEVENTS, k.ctx, uintptr(minNr), uintptr(nr),
			uintptr(unsafe.Pointer(&k.raw[0])), uintptr(unsafe.Pointer(&ts)), 0)
	}
	if errno == unix.EINTR {
		return 0, nil
	}
	if errno != 0 {
		return 0, errno
	}

	for i := range int(n) {
		events[i] = Event{Tag: k.raw[i].data, Res: k.raw[i].res}
	}
	return int(n), nil
}

func (k *aioKernel) Close() error {
	if k.ctx == 0 {
		return nil
	}
	_, _, errno := unix.Syscall(unix.SYS_IO_DESTROY, k.ctx, 0, 0)
	k.ctx = 0
	if errno != 0 {
		return errno
	}
	return nil
}
