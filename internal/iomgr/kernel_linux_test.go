//go:build linux

package iomgr_test

import (
	"bytes"
	"testing"

	"snbwriter/internal/iomgr"
	"snbwriter/internal/system"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openDirect(t *testing.T) *system.AlignedFile {
	f, err := system.OpenAligned(tempfile(t), system.ModeReadWrite, true)
	if err != nil {
		t.Skipf("O_DIRECT not available here: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func Test_Kernel_RoundTrip(t *testing.T) {
	const BLOCKS = 16
	const B = 8 * PAGE

	for _, backend := range []iomgr.Backend{iomgr.BackendAIO, iomgr.BackendURing} {
		t.Run(backend.String(), func(t *testing.T) {
			f := openDirect(t)

			m, err := iomgr.CreateIoMgr(4, iomgr.WithBackend(backend), iomgr.WithAlign(f.LogicalBlockSize()))
			if err != nil {
				t.Skipf("%v not available: %v", backend, err)
			}
			defer func() { assert.NoError(t, m.Close()) }()

			src := slab(t, BLOCKS*B)
			dst := slab(t, BLOCKS*B)
			fill(src, uint64(backend)+7)

			done := 0
			for i := range BLOCKS {
				_, err := m.Write(f.Fd(), int64(PAGE+i*B), src[i*B:(i+1)*B], func(c iomgr.Completion) {
					assert.NoError(t, c.Err)
					done++
				})
				require.NoError(t, err)
				assert.LessOrEqual(t, m.InFlight(), m.Capacity())
			}
			require.NoError(t, m.Drain())
			assert.Equal(t, BLOCKS, done)

			for i := range BLOCKS {
				_, err := m.Read(f.Fd(), int64(PAGE+i*B), dst[i*B:(i+1)*B], nil)
				require.NoError(t, err)
			}
			require.NoError(t, m.Drain())

			assert.True(t, bytes.Equal(src, dst), "read-back data didn't match")
			assert.Equal(t, uint64(2*BLOCKS), m.Completed())
		})
	}
}

func Test_Kernel_BadDescriptor(t *testing.T) {
	m, err := iomgr.CreateIoMgr(2)
	if err != nil {
		t.Skipf("aio not available: %v", err)
	}
	defer m.Close()

	buf := slab(t, PAGE)
	_, err = m.Write(0x7fff, 0, buf, nil)
	if err == nil {
		// some kernels accept the iocb and report EBADF on completion instead
		err = m.Drain()
	}
	assert.Error(t, err)
	assert.Equal(t, 0, m.InFlight())
}
