// Platform abstracted file ops for direct (page-cache bypassing) block storage.
//
// An AlignedFile is a target opened with O_DIRECT: every transfer against it must use
// an offset, a length and a buffer address that are multiples of the device logical
// block size. Nothing here corrects a misaligned request, the kernel rejects it.
package system

import (
	"errors"
)

const F_OPEN_PERM = 0o664

var (
	ErrInvalidCore = errors.New("system: cpu core out of range")
	ErrNotAligned  = errors.New("system: slab not aligned")
)

type Mode uint8

const (
	ModeWrite Mode = iota
	ModeRead
	ModeReadWrite
)

func (m Mode) String() string {
	switch m {
	case ModeWrite:
		return "write"
	case ModeRead:
		return "read"
	case ModeReadWrite:
		return "readwrite"
	}
	return "unknown"
}
