//go:build linux && !(amd64 || arm64)

package iomgr

import (
	"golang.org/x/sys/unix"
)

// The iocb layout differs per architecture; only the 64-bit little endian one is wired.
func openAIO(capacity int) (Kernel, error) {
	return nil, unix.ENOSYS
}
