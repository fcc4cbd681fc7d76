package util

func mod(a int, b int) int {
	return ((a % b) + b) % b
}

// fixed-size ring-buffer queue
type Queue[T any] struct {
	data []T
	head int // next slot to write to
	cnt  int
}

func CreateQueue[T any](size int) Queue[T] {
	return Queue[T]{
		head: 0,
		cnt:  0,
		data: make([]T, size),
	}
}

func (q *Queue[T]) Cnt() int {
	return q.cnt
}

func (q *Queue[T]) Cap() int {
	return len(q.data)
}

// will panic if out of space.
func (q *Queue[T]) Push(val T) {
	if q.cnt == len(q.data) {
		panic("queue overflow")
	}
	q.data[q.head] = val
	q.head = mod((q.head + 1), len(q.data))
	q.cnt++
}

func (q *Queue[T]) Pop() T {
	if q.cnt == 0 {
		panic("queue underflow")
	}
	i := mod((q.head - q.cnt), len(q.data))
	q.cnt--
	return q.data[i]
}

// Ticket names a slot in a TicketQueue for one lifetime of that slot.
// Low 32 bits are the slot index, high 32 bits the slot generation.
type Ticket uint64

func makeTicket(index int, gen uint32) Ticket {
	return Ticket(uint64(gen)<<32 | uint64(uint32(index)))
}

func (t Ticket) Index() int  { return int(uint32(t)) }
func (t Ticket) Gen() uint32 { return uint32(t >> 32) }

// TicketQueue combines a fixed contiguous array and a queue of numbered "tickets" which
// correspond to slots in the contiguous array. In other words, a shared pool of items
// guarded by a free list.
//
// Every Acq bumps the slot generation, so a ticket from an earlier lifetime of the
// same slot is rejected by Get and Rel. A ticket can be released exactly once.
type TicketQueue[T any] struct {
	queue Queue[int]
	data  []T
	gens  []uint32
	live  []bool
}

func CreateTicketQueue[T any](size int) TicketQueue[T] {
	queue := CreateQueue[int](size)
	for i := range size {
		queue.Push(i)
	}

	return TicketQueue[T]{
		queue: queue,
		data:  make([]T, size),
		gens:  make([]uint32, size),
		live:  make([]bool, size),
	}
}

// Free slots left
func (tq *TicketQueue[T]) Free() int {
	return tq.queue.Cnt()
}

func (tq *TicketQueue[T]) Cap() int {
	return len(tq.data)
}

// This acquires a ticket and sets the slot to the passed value.
// Will panic if there are no free slots.
func (tq *TicketQueue[T]) Acq(val T) Ticket {
	i := tq.queue.Pop()
	tq.gens[i]++
	tq.live[i] = true
	tq.data[i] = val
	return makeTicket(i, tq.gens[i])
}

func (tq *TicketQueue[T]) valid(t Ticket) bool {
	i := t.Index()
	return i < len(tq.data) && tq.live[i] && tq.gens[i] == t.Gen()
}

// Rel returns the slot to the free list and hands back its value. The second
// return is false (and nothing happens) for a stale or already released ticket.
func (tq *TicketQueue[T]) Rel(t Ticket) (T, bool) {
	var zero T
	if !tq.valid(t) {
		return zero, false
	}
	i := t.Index()
	val := tq.data[i]
	tq.data[i] = zero
	tq.live[i] = false
	tq.queue.Push(i)
	return val, true
}

func (tq *TicketQueue[T]) Get(t Ticket) (T, bool) {
	if !tq.valid(t) {
		var zero T
		return zero, false
	}
	return tq.data[t.Index()], true
}

// Each calls fn for every live slot
func (tq *TicketQueue[T]) Each(fn func(t Ticket, val T)) {
	for i := range tq.data {
		if tq.live[i] {
			fn(makeTicket(i, tq.gens[i]), tq.data[i])
		}
	}
}
