package record

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("record: queue pop timed out")

// Queue is the bounded hand-off between the record source and the writer. A full queue
// blocks the producer.
type Queue struct {
	ch chan *TriggerRecord
}

func CreateQueue(capacity int) *Queue {
	return &Queue{ch: make(chan *TriggerRecord, capacity)}
}

func (q *Queue) Len() int { return len(q.ch) }
func (q *Queue) Cap() int { return cap(q.ch) }

func (q *Queue) Push(ctx context.Context, rec *TriggerRecord) error {
	select {
	case q.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop waits at most timeout for a record. ErrTimeout is normal, it just means the
// source had nothing.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*TriggerRecord, error) {
	select {
	case rec := <-q.ch:
		return rec, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rec := <-q.ch:
		return rec, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
