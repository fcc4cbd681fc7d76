package iomgr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	ErrClosed     = errors.New("iomgr: engine closed")
	ErrBusy       = errors.New("iomgr: operations still in flight")
	ErrMisaligned = errors.New("iomgr: misaligned or malformed request")
	ErrStaleTag   = errors.New("iomgr: completion for unknown or already completed tag")
)

// EngineInitError means the kernel refused to set up an async context, usually because
// the system-wide limit (/proc/sys/fs/aio-max-nr) is exhausted.
type EngineInitError struct {
	Backend  Backend
	Capacity int
	Err      error
}

func (e *EngineInitError) Error() string {
	return fmt.Sprintf("iomgr: cannot set up %v context for %d ops: %v", e.Backend, e.Capacity, e.Err)
}

func (e *EngineInitError) Unwrap() error { return e.Err }

type SubmitKind uint8

const (
	KindUnknown SubmitKind = iota
	KindResource
	KindBadDescriptor
	KindAlignment // bad alignment or otherwise malformed arguments
	KindFault
	KindUnsupported
	KindPermission
)

func (k SubmitKind) String() string {
	switch k {
	case KindResource:
		return "resource"
	case KindBadDescriptor:
		return "bad-descriptor"
	case KindAlignment:
		return "alignment"
	case KindFault:
		return "fault"
	case KindUnsupported:
		return "unsupported"
	case KindPermission:
		return "permission"
	}
	return "unknown"
}

func classify(errno unix.Errno) SubmitKind {
	switch errno {
	case unix.EAGAIN, unix.ENOMEM:
		return KindResource
	case unix.EBADF:
		return KindBadDescriptor
	case unix.EINVAL:
		return KindAlignment
	case unix.EFAULT:
		return KindFault
	case unix.ENOSYS, unix.EOPNOTSUPP:
		return KindUnsupported
	case unix.EPERM:
		return KindPermission
	}
	return KindUnknown
}

// SubmitError is a request the kernel (or the engine's own pre-check) refused. Apart
// from KindResource these are host or configuration defects and are never retried.
type SubmitError struct {
	Kind   SubmitKind
	Errno  unix.Errno
	Opcode OpCode
	Fd     int
	Offset int64
	Size   int
	Reason string
}

func (e *SubmitError) Error() string {
	s := fmt.Sprintf("iomgr: submit %v fd=%d off=%#x size=%#x: %v (%v)",
		e.Opcode, e.Fd, e.Offset, e.Size, e.Kind, e.Errno)
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	return s
}

func (e *SubmitError) Unwrap() error { return e.Errno }

func (e *SubmitError) Is(target error) bool {
	return target == ErrMisaligned && e.Kind == KindAlignment
}

// CompletionError is an operation that finished badly: the kernel reported a fault, or
// fewer bytes than requested were transferred.
type CompletionError struct {
	Tag         uint64
	Opcode      OpCode
	Fd          int
	Offset      int64
	Size        int
	Transferred int64
	Errno       unix.Errno
}

func (e *CompletionError) Short() bool { return e.Errno == 0 }

func (e *CompletionError) Error() string {
	if e.Short() {
		return fmt.Sprintf("iomgr: short %v fd=%d off=%#x: %d of %d bytes",
			e.Opcode, e.Fd, e.Offset, e.Transferred, e.Size)
	}
	return fmt.Sprintf("iomgr: %v fd=%d off=%#x size=%#x failed: %v",
		e.Opcode, e.Fd, e.Offset, e.Size, e.Errno)
}

func (e *CompletionError) Unwrap() error {
	if e.Short() {
		return nil
	}
	return e.Errno
}

// ReapError is a failure of the completion queue itself, not of one operation.
type ReapError struct {
	Err error
}

func (e *ReapError) Error() string { return "iomgr: reaping completions: " + e.Err.Error() }
func (e *ReapError) Unwrap() error { return e.Err }

// IsFatal reports whether err leaves the engine (or its configuration) in a state that
// retrying cannot fix. Completion errors on their own are not fatal, the caller decides
// whether to redo the operation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var se *SubmitError
	if errors.As(err, &se) {
		return se.Kind != KindResource
	}
	var ie *EngineInitError
	var re *ReapError
	return errors.As(err, &ie) || errors.As(err, &re) ||
		errors.Is(err, ErrStaleTag) || errors.Is(err, ErrClosed)
}
