package record

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	c "snbwriter/internal"
	"snbwriter/internal/util"

	"github.com/brianvoe/gofakeit/v7"
)

type ProducerConfig struct {
	Rate         float64 // records per second, 0 for as fast as the queue takes them
	Fragments    int
	FragmentSize int
	RunNumber    uint32
	Seed         uint64
}

// FakeProducer stands in for the trigger record builder: it emits records of random
// fragment data at a fixed rate and reports every trigger number it issues.
type FakeProducer struct {
	log      *slog.Logger
	cfg      ProducerConfig
	queue    *Queue
	faker    *gofakeit.Faker
	onIssued func(uint64)
	next     uint64
}

func NewFakeProducer(cfg ProducerConfig, queue *Queue, onIssued func(uint64)) *FakeProducer {
	// splitmix64 spreads the configured seed over the whole key
	var seed [32]byte
	for i := range 4 {
		c.Bin.PutUint64(seed[i*c.LEN_U64:], util.Hash(cfg.Seed+uint64(i)))
	}
	r := rand.NewChaCha8(seed)

	return &FakeProducer{
		log:      slog.With("src", "FakeProducer"),
		cfg:      cfg,
		queue:    queue,
		faker:    gofakeit.NewFaker(r, false),
		onIssued: onIssued,
		next:     1,
	}
}

// Next builds the next record. Fragment sizes jitter between half and all of the
// configured size.
func (p *FakeProducer) Next() *TriggerRecord {
	rec := TriggerRecord{
		Header: Header{
			TriggerNumber: p.next,
			RunNumber:     p.cfg.RunNumber,
			Timestamp:     time.Now(),
		},
		Fragments: make([][]byte, p.cfg.Fragments),
	}
	p.next++

	for i := range rec.Fragments {
		size := p.faker.IntRange(max(p.cfg.FragmentSize/2, 1), max(p.cfg.FragmentSize, 1))
		frag := make([]byte, size)
		for j := 0; j+c.LEN_U64 <= size; j += c.LEN_U64 {
			c.Bin.PutUint64(frag[j:], p.faker.Uint64())
		}
		rec.Fragments[i] = frag
	}
	return &rec
}

// Run pushes records until ctx is done.
func (p *FakeProducer) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if p.cfg.Rate > 0 {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / p.cfg.Rate))
		defer ticker.Stop()
		tick = ticker.C
	}

	p.log.Info("Run", "rate", p.cfg.Rate, "fragments", p.cfg.Fragments, "size", p.cfg.FragmentSize)
	for {
		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return nil
			}
		}

		rec := p.Next()
		if err := p.queue.Push(ctx, rec); err != nil {
			p.log.Debug("Run stopped", "issued", rec.Header.TriggerNumber-1)
			return nil
		}
		if p.onIssued != nil {
			p.onIssued(rec.Header.TriggerNumber)
		}
	}
}
