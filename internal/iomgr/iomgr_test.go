package iomgr_test

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"snbwriter/internal/iomgr"
	"snbwriter/internal/iomgr/iomgrtest"
	"snbwriter/internal/system"
	"snbwriter/internal/util"

	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const PAGE = 0x1000

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.TimeOnly,
		AddSource:  true,
	})))
	os.Exit(m.Run())
}

func tempfile(t *testing.T) string {
	dir := t.TempDir()
	return filepath.Join(dir, fmt.Sprintf("snbtest%016x.bin", rand.Uint64()))
}

func slab(t *testing.T, size int) []byte {
	buf, err := system.AllocSlab(size)
	require.NoError(t, err)
	t.Cleanup(func() { system.DeallocSlab(buf) })
	return buf
}

func fill(buf []byte, seed uint64) {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := range buf {
		buf[i] = byte(r.Uint32())
	}
}

// plain (page cached) file, so the mock kernel can do real I/O on any filesystem
func openPlain(t *testing.T) *system.AlignedFile {
	f, err := system.OpenAligned(tempfile(t), system.ModeReadWrite, false)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func create(t *testing.T, k iomgr.Kernel, capacity int, opts ...iomgr.Option) *iomgr.IoMgr {
	m, err := iomgr.CreateIoMgr(capacity, append([]iomgr.Option{iomgr.WithKernel(k)}, opts...)...)
	require.NoError(t, err)
	return m
}

func Test_CreateIoMgr_BadCapacity(t *testing.T) {
	_, err := iomgr.CreateIoMgr(0, iomgr.WithKernel(iomgrtest.New()))
	var ie *iomgr.EngineInitError
	assert.ErrorAs(t, err, &ie)
	assert.True(t, iomgr.IsFatal(err))

	_, err = iomgr.CreateIoMgr(4, iomgr.WithKernel(iomgrtest.New()), iomgr.WithAlign(3000))
	assert.ErrorAs(t, err, &ie)
}

func Test_Submit_Misaligned_LeavesStateUntouched(t *testing.T) {
	k := iomgrtest.New()
	m := create(t, k, 8)
	buf := slab(t, 4*PAGE)

	cases := []struct {
		name string
		op   iomgr.Op
	}{
		{"offset", iomgr.Op{Fd: 3, Offset: 7, Buf: buf[:PAGE], Opcode: iomgr.OpWrite}},
		{"size", iomgr.Op{Fd: 3, Offset: PAGE, Buf: buf[:PAGE+100], Opcode: iomgr.OpWrite}},
		{"buffer", iomgr.Op{Fd: 3, Offset: PAGE, Buf: buf[512 : 512+PAGE], Opcode: iomgr.OpWrite}},
		{"empty", iomgr.Op{Fd: 3, Offset: PAGE, Buf: buf[:0], Opcode: iomgr.OpRead}},
		{"negative", iomgr.Op{Fd: 3, Offset: -PAGE, Buf: buf[:PAGE], Opcode: iomgr.OpRead}},
		{"opcode", iomgr.Op{Fd: 3, Offset: PAGE, Buf: buf[:PAGE], Opcode: iomgr.OpNop}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			tc.op.Cb = func(iomgr.Completion) { called = true }

			_, err := m.Submit(tc.op)
			assert.ErrorIs(t, err, iomgr.ErrMisaligned)
			assert.ErrorIs(t, err, unix.EINVAL)
			assert.True(t, iomgr.IsFatal(err))

			var se *iomgr.SubmitError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, iomgr.KindAlignment, se.Kind)

			assert.Equal(t, 0, m.InFlight())
			assert.Equal(t, 0, m.Pending())
			assert.Equal(t, 0, k.Submitted())
			assert.False(t, called)
		})
	}
}

func Test_Poll_Empty_NeverBlocks(t *testing.T) {
	m := create(t, iomgrtest.New(), 4, iomgr.WithWait(iomgr.BlockingWait{Timeout: time.Hour}))

	start := time.Now()
	n, err := m.Poll()
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Less(t, time.Since(start), time.Second)
	assert.NoError(t, m.Drain())
}

func Test_Callback_ExactlyOnce(t *testing.T) {
	k := iomgrtest.New()
	m := create(t, k, 8)
	f := openPlain(t)
	buf := slab(t, 5*PAGE)

	calls := map[util.Ticket]int{}
	cb := func(c iomgr.Completion) {
		assert.NoError(t, c.Err)
		assert.Equal(t, int64(PAGE), c.Res)
		calls[c.Tag]++
	}

	tags := make([]util.Ticket, 5)
	for i := range tags {
		tag, err := m.Write(f.Fd(), int64(i*PAGE), buf[i*PAGE:(i+1)*PAGE], cb)
		require.NoError(t, err)
		tags[i] = tag
	}
	assert.Equal(t, 5, m.InFlight())

	// kernel hasn't completed anything yet, no callback may fire
	n, err := m.Poll()
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, calls)

	k.Complete(2)
	n, err = m.Poll()
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, calls, 2)
	assert.Equal(t, 3, m.InFlight())

	k.CompleteAll()
	assert.NoError(t, m.Drain())
	assert.Equal(t, 0, m.InFlight())
	assert.Equal(t, 0, m.Pending())

	for _, tag := range tags {
		assert.Equal(t, 1, calls[tag], "tag %#x", tag)
	}

	n, err = m.Poll()
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, uint64(5), m.Sent())
	assert.Equal(t, uint64(5), m.Completed())
}

func Test_Callback_MayPoll(t *testing.T) {
	k := iomgrtest.New()
	m := create(t, k, 8)
	f := openPlain(t)
	buf := slab(t, 4*PAGE)

	calls := map[int64]int{}
	nested := false
	cb := func(c iomgr.Completion) {
		assert.NoError(t, c.Err)
		calls[c.Offset]++
		if c.Offset == 0 {
			// finish the last two and reap them from inside the outer reap loop
			k.Complete(2)
			n, err := m.Poll()
			assert.NoError(t, err)
			assert.Equal(t, 2, n)
			nested = true
		}
	}
	for i := range 4 {
		_, err := m.Write(f.Fd(), int64(i*PAGE), buf[i*PAGE:(i+1)*PAGE], cb)
		require.NoError(t, err)
	}

	k.Complete(2)
	n, err := m.Poll()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, nested)

	assert.Equal(t, 0, m.InFlight())
	assert.Equal(t, 0, m.Pending())
	assert.Equal(t, uint64(4), m.Completed())
	for i := range 4 {
		assert.Equal(t, 1, calls[int64(i*PAGE)], "offset %#x", i*PAGE)
	}
	assert.NoError(t, m.Drain())
}

func Test_InFlight_NeverExceedsCapacity(t *testing.T) {
	const CAP = 4
	const OPS = 64

	k := iomgrtest.New()
	var peak atomic.Int64
	m := create(t, k, CAP, iomgr.WithInFlightHook(func(n int) {
		if int64(n) > peak.Load() {
			peak.Store(int64(n))
		}
	}))
	f := openPlain(t)
	buf := slab(t, PAGE)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				k.Complete(1)
				time.Sleep(100 * time.Microsecond)
			}
		}
	}()

	var done atomic.Int32
	for i := range OPS {
		_, err := m.Write(f.Fd(), int64(i*PAGE), buf, func(iomgr.Completion) { done.Add(1) })
		require.NoError(t, err)
		assert.LessOrEqual(t, m.InFlight(), CAP)
	}
	require.NoError(t, m.Drain())
	close(stop)
	wg.Wait()

	assert.Equal(t, int32(OPS), done.Load())
	assert.LessOrEqual(t, peak.Load(), int64(CAP))
	assert.LessOrEqual(t, k.MaxOutstanding(), CAP)
}

func Test_Backpressure_BlocksUntilCompletion(t *testing.T) {
	const CAP = 2
	k := iomgrtest.New()
	m := create(t, k, CAP)
	f := openPlain(t)
	buf := slab(t, 3*PAGE)

	var first atomic.Bool
	_, err := m.Write(f.Fd(), 0, buf[:PAGE], func(iomgr.Completion) { first.Store(true) })
	require.NoError(t, err)
	_, err = m.Write(f.Fd(), PAGE, buf[PAGE:2*PAGE], nil)
	require.NoError(t, err)

	done := make(chan error)
	go func() {
		_, err := m.Write(f.Fd(), 2*PAGE, buf[2*PAGE:], nil)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("submit beyond capacity returned without any completion")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 2, k.Submitted())

	k.Complete(1)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("submit still blocked after a completion")
	}

	assert.True(t, first.Load(), "the freed slot's callback runs before the blocked submit returns")
	assert.Equal(t, 2, m.InFlight())
	k.CompleteAll()
	assert.NoError(t, m.Drain())
}

func Test_Units(t *testing.T) {
	k := iomgrtest.NewAuto()
	m := create(t, k, 8, iomgr.WithPreferredBlock(PAGE))

	assert.Equal(t, 1, m.Units(512))
	assert.Equal(t, 1, m.Units(PAGE))
	assert.Equal(t, 4, m.Units(4*PAGE))
	assert.Equal(t, 8, m.Units(64*PAGE), "oversize requests are clamped to capacity")

	// one 64 page request still goes through on an empty engine
	f := openPlain(t)
	buf := slab(t, 64*PAGE)
	_, err := m.Write(f.Fd(), 0, buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, m.InFlight())
	assert.NoError(t, m.Drain())
	assert.Equal(t, 0, m.InFlight())
}

func Test_ShortTransfer_IsCompletionError(t *testing.T) {
	k := iomgrtest.NewAuto()
	m := create(t, k, 4)
	f := openPlain(t)
	buf := slab(t, 2*PAGE)

	k.ShortNext(PAGE)
	var got iomgr.Completion
	calls := 0
	_, err := m.Write(f.Fd(), 0, buf, func(c iomgr.Completion) {
		got = c
		calls++
	})
	require.NoError(t, err)

	err = m.Drain()
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Error(t, got.Err, "a short transfer must never look like success")
	assert.Equal(t, int64(PAGE), got.Res)

	var ce *iomgr.CompletionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Short())
	assert.Equal(t, int64(PAGE), ce.Transferred)
	assert.Equal(t, 2*PAGE, ce.Size)
	assert.False(t, iomgr.IsFatal(err))
	assert.Equal(t, 0, m.InFlight())

	// reported once
	_, err = m.Poll()
	assert.NoError(t, err)
}

func Test_KernelFault_IsCompletionError(t *testing.T) {
	k := iomgrtest.NewAuto()
	m := create(t, k, 4)
	buf := slab(t, PAGE)

	k.FailNext(unix.EIO)
	var cbErr error
	_, err := m.Write(-1, 0, buf, func(c iomgr.Completion) { cbErr = c.Err })
	require.NoError(t, err)

	n, err := m.Poll()
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, unix.EIO)
	assert.ErrorIs(t, cbErr, unix.EIO)

	var ce *iomgr.CompletionError
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Short())
}

func Test_Submit_EAGAIN_IsRetried(t *testing.T) {
	k := iomgrtest.NewAuto()
	m := create(t, k, 4)
	buf := slab(t, PAGE)

	k.FailSubmit(unix.EAGAIN, 3)
	called := 0
	_, err := m.Write(-1, 0, buf, func(iomgr.Completion) { called++ })
	require.NoError(t, err)
	assert.NoError(t, m.Drain())
	assert.Equal(t, 1, called)
	assert.Equal(t, 1, k.Submitted())
}

func Test_Submit_EAGAIN_WhileBusy_ReapsFirst(t *testing.T) {
	k := iomgrtest.New()
	m := create(t, k, 4)
	buf := slab(t, 2*PAGE)

	_, err := m.Write(-1, 0, buf[:PAGE], nil)
	require.NoError(t, err)
	k.CompleteAll()

	k.FailSubmit(unix.EAGAIN, 1)
	_, err = m.Write(-1, PAGE, buf[PAGE:], nil)
	require.NoError(t, err)
	// the retry path reaped the first one
	assert.Equal(t, 1, m.InFlight())
	k.CompleteAll()
	assert.NoError(t, m.Drain())
}

func Test_Submit_EAGAIN_Persistent_GivesUp(t *testing.T) {
	k := iomgrtest.New()
	m := create(t, k, 4)
	buf := slab(t, PAGE)

	k.FailSubmit(unix.EAGAIN, iomgr.MAX_IDLE_AGAIN+1)
	_, err := m.Write(-1, 0, buf, nil)
	var se *iomgr.SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, iomgr.KindResource, se.Kind)
	assert.False(t, iomgr.IsFatal(err))
	assert.Equal(t, 0, m.Pending())
}

func Test_Submit_GivenUp_IsWithdrawn(t *testing.T) {
	for _, tc := range []struct {
		err   error
		times int
	}{
		{unix.EAGAIN, iomgr.MAX_IDLE_AGAIN + 1},
		{unix.EBADF, 1},
	} {
		t.Run(tc.err.Error(), func(t *testing.T) {
			k := iomgrtest.New()
			m := create(t, k, 4)
			f := openPlain(t)
			buf := slab(t, 2*PAGE)
			fill(buf, 11)

			k.FailSubmit(tc.err, tc.times)
			_, err := m.Write(f.Fd(), 0, buf[:PAGE], func(iomgr.Completion) {
				t.Error("refused write completed")
			})
			require.Error(t, err)
			assert.Len(t, k.Withdrawn(), 1)

			var got []iomgr.Completion
			_, err = m.Write(f.Fd(), PAGE, buf[PAGE:], func(c iomgr.Completion) { got = append(got, c) })
			require.NoError(t, err)
			k.CompleteAll()
			require.NoError(t, m.Drain())

			require.Len(t, got, 1)
			assert.Equal(t, int64(PAGE), got[0].Offset)
			assert.NoError(t, got[0].Err)

			data := make([]byte, 2*PAGE)
			n, err := unix.Pread(f.Fd(), data, 0)
			require.NoError(t, err)
			require.Equal(t, 2*PAGE, n)
			assert.Equal(t, make([]byte, PAGE), data[:PAGE])
			assert.Equal(t, buf[PAGE:], data[PAGE:])
		})
	}
}

func Test_Submit_KernelRefusal_IsFatal(t *testing.T) {
	cases := []struct {
		errno unix.Errno
		kind  iomgr.SubmitKind
	}{
		{unix.EBADF, iomgr.KindBadDescriptor},
		{unix.EINVAL, iomgr.KindAlignment},
		{unix.EFAULT, iomgr.KindFault},
		{unix.ENOSYS, iomgr.KindUnsupported},
		{unix.EPERM, iomgr.KindPermission},
	}
	for _, tc := range cases {
		t.Run(tc.errno.Error(), func(t *testing.T) {
			k := iomgrtest.New()
			m := create(t, k, 4)
			buf := slab(t, PAGE)

			k.FailSubmit(tc.errno, 1)
			_, err := m.Write(3, 0, buf, nil)

			var se *iomgr.SubmitError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.kind, se.Kind)
			assert.ErrorIs(t, err, tc.errno)
			assert.True(t, iomgr.IsFatal(err))
			assert.Equal(t, 0, m.InFlight())
			assert.Equal(t, 0, m.Pending())
		})
	}
}

func Test_StaleTag_IsFatal(t *testing.T) {
	k := iomgrtest.New()
	m := create(t, k, 4)
	buf := slab(t, PAGE)

	called := 0
	tag, err := m.Write(-1, 0, buf, func(iomgr.Completion) { called++ })
	require.NoError(t, err)

	k.Inject(iomgr.Event{Tag: uint64(tag) + 1<<32, Res: PAGE}) // same slot, wrong generation
	_, err = m.Poll()
	assert.ErrorIs(t, err, iomgr.ErrStaleTag)
	assert.True(t, iomgr.IsFatal(err))
	assert.Equal(t, 0, called)
	assert.Equal(t, 1, m.InFlight())

	k.CompleteAll()
	assert.NoError(t, m.Drain())
	assert.Equal(t, 1, called)

	// and once more for the same (now released) tag
	k.Inject(iomgr.Event{Tag: uint64(tag), Res: PAGE})
	_, err = m.Write(-1, 0, buf, nil)
	require.NoError(t, err)
	_, err = m.Poll()
	assert.ErrorIs(t, err, iomgr.ErrStaleTag)
	assert.Equal(t, 1, called)
}

func Test_BlockingWait_Drains(t *testing.T) {
	k := iomgrtest.New()
	m := create(t, k, 1, iomgr.WithWait(iomgr.BlockingWait{Timeout: time.Millisecond}))
	buf := slab(t, 2*PAGE)

	_, err := m.Write(-1, 0, buf[:PAGE], nil)
	require.NoError(t, err)

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				k.CompleteAll()
			}
		}
	}()
	defer close(stop)

	// capacity 1: this one waits in the blocking strategy
	_, err = m.Write(-1, PAGE, buf[PAGE:], nil)
	require.NoError(t, err)
	assert.NoError(t, m.Drain())
	assert.Equal(t, uint64(2), m.Completed())
}

func Test_Close(t *testing.T) {
	k := iomgrtest.New()
	m := create(t, k, 4)
	buf := slab(t, PAGE)

	_, err := m.Write(-1, 0, buf, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, m.Close(), iomgr.ErrBusy)
	assert.False(t, k.Closed())

	k.CompleteAll()
	require.NoError(t, m.Drain())
	assert.NoError(t, m.Close())
	assert.True(t, k.Closed())

	_, err = m.Write(-1, 0, buf, nil)
	assert.ErrorIs(t, err, iomgr.ErrClosed)
}

func Test_RoundTrip_Mock(t *testing.T) {
	const B = 4 * PAGE
	const O = 3 * PAGE

	k := iomgrtest.New()
	m := create(t, k, 8)
	f := openPlain(t)
	buf := slab(t, 2*B)
	fill(buf[:B], 42)

	_, err := m.Write(f.Fd(), O, buf[:B], nil)
	require.NoError(t, err)
	k.CompleteAll()
	require.NoError(t, m.Drain())

	_, err = m.Read(f.Fd(), O, buf[B:], nil)
	require.NoError(t, err)
	k.CompleteAll()
	require.NoError(t, m.Drain())

	assert.True(t, bytes.Equal(buf[:B], buf[B:]), "read-back data didn't match")
}

func Test_Wait_Parse(t *testing.T) {
	w, err := iomgr.ParseWait("busy", 0)
	require.NoError(t, err)
	assert.Equal(t, iomgr.BusyPoll{}, w)

	w, err = iomgr.ParseWait("blocking", time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, iomgr.BlockingWait{Timeout: time.Millisecond}, w)

	_, err = iomgr.ParseWait("blocking", 0)
	assert.Error(t, err)
	_, err = iomgr.ParseWait("nap", time.Second)
	assert.Error(t, err)

	b, err := iomgr.ParseBackend("io_uring")
	require.NoError(t, err)
	assert.Equal(t, iomgr.BackendURing, b)
	_, err = iomgr.ParseBackend("posix")
	assert.Error(t, err)
}

func Test_IsFatal(t *testing.T) {
	assert.False(t, iomgr.IsFatal(nil))
	assert.True(t, iomgr.IsFatal(&iomgr.ReapError{Err: unix.EFAULT}))
	assert.True(t, iomgr.IsFatal(fmt.Errorf("wrapped: %w", iomgr.ErrClosed)))
	assert.False(t, iomgr.IsFatal(errors.New("something else")))
}
