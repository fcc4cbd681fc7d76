package record_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"snbwriter/internal/record"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_FragmentHeader(t *testing.T) {
	ts := time.Unix(1700000000, 123456789)
	h := record.FragmentHeader{Index: 2, Count: 5, TriggerNumber: 991, RunNumber: 17, Length: 300, Timestamp: ts}

	buf := make([]byte, 512)
	h.Encode(buf)
	got, err := record.DecodeFragmentHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h.TriggerNumber, got.TriggerNumber)
	assert.Equal(t, h.Length, got.Length)
	assert.True(t, ts.Equal(got.Timestamp))

	_, err = record.DecodeFragmentHeader(buf[:record.FRAG_HDR_LEN+100])
	assert.ErrorIs(t, err, record.ErrBadFragment, "payload beyond block")

	_, err = record.DecodeFragmentHeader(make([]byte, 512))
	assert.ErrorIs(t, err, record.ErrBadFragment)
}

func Test_Queue_PopTimeout(t *testing.T) {
	q := record.CreateQueue(2)

	start := time.Now()
	_, err := q.Pop(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, record.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	rec := &record.TriggerRecord{Header: record.Header{TriggerNumber: 4}}
	require.NoError(t, q.Push(context.Background(), rec))
	assert.Equal(t, 1, q.Len())

	got, err := q.Pop(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Same(t, rec, got)
}

func Test_Queue_PushBlocksWhenFull(t *testing.T) {
	q := record.CreateQueue(1)
	require.NoError(t, q.Push(context.Background(), &record.TriggerRecord{}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Push(ctx, &record.TriggerRecord{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	_, err = record.CreateQueue(1).Pop(ctx2, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func Test_FakeProducer(t *testing.T) {
	q := record.CreateQueue(8)
	cfg := record.ProducerConfig{Fragments: 3, FragmentSize: 1024, RunNumber: 7, Seed: 1}

	var issued atomic.Uint64
	p := record.NewFakeProducer(cfg, q, func(n uint64) { issued.Store(n) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	for want := uint64(1); want <= 20; want++ {
		rec, err := q.Pop(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, rec.Header.TriggerNumber)
		assert.Equal(t, uint32(7), rec.Header.RunNumber)
		require.Len(t, rec.Fragments, 3)
		for _, f := range rec.Fragments {
			assert.GreaterOrEqual(t, len(f), 512)
			assert.LessOrEqual(t, len(f), 1024)
		}
	}
	cancel()
	assert.NoError(t, <-done)
	assert.GreaterOrEqual(t, issued.Load(), uint64(20))
}

func Test_FakeProducer_Deterministic(t *testing.T) {
	cfg := record.ProducerConfig{Fragments: 2, FragmentSize: 256, Seed: 42}
	a := record.NewFakeProducer(cfg, nil, nil).Next()
	b := record.NewFakeProducer(cfg, nil, nil).Next()
	assert.Equal(t, a.Fragments, b.Fragments)
	assert.Equal(t, a.Size(), b.Size())
}
