//go:build linux

package system

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"unsafe"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

const MMAP_MODE = unix.MAP_ANON | unix.MAP_PRIVATE
const MMAP_PROT = unix.PROT_READ | unix.PROT_WRITE
const DROP_CACHES = "/proc/sys/vm/drop_caches"
const CPU_SETSIZE = 1024

// For fixed/aligned buffers handed to the kernel. This allocation will be aligned to the
// system page size (check using: `getconf PAGESIZE`. This will basically always be 0x1000)
func AllocSlab(size int) ([]byte, error) {
	raw, err := unix.Mmap(-1, 0, size, MMAP_PROT, MMAP_MODE)
	if err != nil {
		slog.Error("AllocSlab", "size", size, "err", err)
	}
	return raw, err
}

func DeallocSlab(ptr []byte) error {
	err := unix.Munmap(ptr)
	if err != nil {
		slog.Error("DeallocSlab", "err", err)
	}
	return err
}

// BufAddr is the address of the first byte of buf (0 for an empty slice).
func BufAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

func IsSlabAligned(buf []byte, align int) bool {
	return len(buf) > 0 && BufAddr(buf)&uintptr(align-1) == 0
}

type AlignedFile struct {
	log    *slog.Logger
	path   string
	mode   Mode
	file   *os.File
	fd     int
	direct bool
	align  int
}

func openFlags(mode Mode) int {
	switch mode {
	case ModeRead:
		return os.O_RDONLY
	case ModeReadWrite:
		return os.O_RDWR | os.O_CREATE
	default:
		return os.O_WRONLY | os.O_CREATE
	}
}

// OpenAligned opens (creating if absent, unless read-only) path. With direct set the
// file is opened O_DIRECT; without it the page cache is used, which only exists for
// filesystems that refuse O_DIRECT (tmpfs).
func OpenAligned(path string, mode Mode, direct bool) (*AlignedFile, error) {
	log := slog.With("src", "AlignedFile", "path", path)

	var file *os.File
	var err error
	if direct {
		file, err = directio.OpenFile(path, openFlags(mode), F_OPEN_PERM)
	} else {
		file, err = os.OpenFile(path, openFlags(mode), F_OPEN_PERM)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s (%s, direct=%v): %w", path, mode, direct, err)
	}

	f := &AlignedFile{
		log:    log,
		path:   path,
		mode:   mode,
		file:   file,
		fd:     int(file.Fd()),
		direct: direct,
	}
	f.align = f.probeBlockSize()
	log.Debug("OpenAligned", "mode", mode, "direct", direct, "align", f.align)

	return f, nil
}

// Logical block size of a block device, or the directio default for regular files.
func (f *AlignedFile) probeBlockSize() int {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd, &st); err != nil {
		return directio.AlignSize
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return directio.AlignSize
	}
	sz, err := unix.IoctlGetInt(f.fd, unix.BLKSSZGET)
	if err != nil || sz <= 0 {
		f.log.Warn("BLKSSZGET failed, assuming default", "err", err, "default", directio.AlignSize)
		return directio.AlignSize
	}
	return sz
}

func (f *AlignedFile) Fd() int               { return f.fd }
func (f *AlignedFile) Path() string          { return f.path }
func (f *AlignedFile) Direct() bool          { return f.direct }
func (f *AlignedFile) LogicalBlockSize() int { return f.align }

func (f *AlignedFile) Truncate(size int64) error {
	if err := unix.Ftruncate(f.fd, size); err != nil {
		return fmt.Errorf("truncate %s to %d: %w", f.path, size, err)
	}
	return nil
}

func (f *AlignedFile) Preallocate(size int64) error {
	if err := unix.Fallocate(f.fd, 0, 0, size); err != nil {
		return fmt.Errorf("fallocate %s to %d: %w", f.path, size, err)
	}
	return nil
}

// Size seeks to the end to find the usable size and rewinds. Raw block devices report
// their real capacity, regular files their current length.
func (f *AlignedFile) Size() (int64, error) {
	end, err := unix.Seek(f.fd, 0, unix.SEEK_END)
	if err != nil {
		return 0, fmt.Errorf("seek end %s: %w", f.path, err)
	}
	if _, err := unix.Seek(f.fd, 0, unix.SEEK_SET); err != nil {
		return 0, fmt.Errorf("seek start %s: %w", f.path, err)
	}
	return end, nil
}

// DropCache clears page cache, dentries and inodes and tells the kernel we won't need
// cached pages for this file. Purely a performance hint, every failure is ignored.
func (f *AlignedFile) DropCache() {
	unix.Sync()
	if err := os.WriteFile(DROP_CACHES, []byte("3"), 0); err != nil {
		f.log.Debug("drop_caches not writable", "err", err)
	}
	if err := unix.Fadvise(f.fd, 0, 0, unix.FADV_DONTNEED); err != nil {
		f.log.Debug("fadvise DONTNEED failed", "err", err)
	}
}

func (f *AlignedFile) Sync() error {
	return unix.Fdatasync(f.fd)
}

func (f *AlignedFile) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.fd = -1
	if err != nil {
		f.log.Error("Close", "err", err)
	}
	return err
}

// PinThread locks the calling goroutine to its OS thread and sets that thread's CPU
// affinity to core.
func PinThread(core int) error {
	var cpuSet unix.CPUSet
	if core < 0 || core >= CPU_SETSIZE {
		return ErrInvalidCore
	}
	runtime.LockOSThread()
	cpuSet.Zero()
	cpuSet.Set(core)
	if err := unix.SchedSetaffinity(0, &cpuSet); err != nil {
		return fmt.Errorf("set affinity to core %d: %w", core, err)
	}
	return nil
}
