// Package record holds the trigger records handed to the writer and the framing each
// fragment gets when it is laid into a block.
package record

import (
	"errors"
	"fmt"
	"time"

	c "snbwriter/internal"
)

type Header struct {
	TriggerNumber uint64
	RunNumber     uint32
	Timestamp     time.Time
}

// TriggerRecord is one unit of detector data: a header and its fragments in order. The
// writer only reads the fragments, it never keeps them past the store.
type TriggerRecord struct {
	Header    Header
	Fragments [][]byte
}

func (r *TriggerRecord) Size() int {
	n := 0
	for _, f := range r.Fragments {
		n += len(f)
	}
	return n
}

func (r *TriggerRecord) String() string {
	return fmt.Sprintf("trigger %d run %d: %d fragments, %d bytes",
		r.Header.TriggerNumber, r.Header.RunNumber, len(r.Fragments), r.Size())
}

// "FRAG" little endian
const FRAG_MAGIC = 0x47415246

// Every block starts with a fragment header, the payload follows, the tail is zeroes.
//
//	0x00 magic     u32
//	0x04 index     u16 (position in the record)
//	0x06 count     u16 (fragments in the record)
//	0x08 trigger   u64
//	0x10 run       u32
//	0x14 length    u32 (payload bytes)
//	0x18 timestamp u64 (unix nanoseconds)
const (
	FRAG_OFF_MAGIC   = 0x00
	FRAG_OFF_INDEX   = 0x04
	FRAG_OFF_COUNT   = 0x06
	FRAG_OFF_TRIGGER = 0x08
	FRAG_OFF_RUN     = 0x10
	FRAG_OFF_LENGTH  = 0x14
	FRAG_OFF_TIME    = 0x18
	FRAG_HDR_LEN     = 0x20
)

var ErrBadFragment = errors.New("record: bad fragment header")

type FragmentHeader struct {
	Index         uint16
	Count         uint16
	TriggerNumber uint64
	RunNumber     uint32
	Length        uint32
	Timestamp     time.Time
}

func (h *FragmentHeader) Encode(buf []byte) {
	c.Bin.PutUint32(buf[FRAG_OFF_MAGIC:], FRAG_MAGIC)
	c.Bin.PutUint16(buf[FRAG_OFF_INDEX:], h.Index)
	c.Bin.PutUint16(buf[FRAG_OFF_COUNT:], h.Count)
	c.Bin.PutUint64(buf[FRAG_OFF_TRIGGER:], h.TriggerNumber)
	c.Bin.PutUint32(buf[FRAG_OFF_RUN:], h.RunNumber)
	c.Bin.PutUint32(buf[FRAG_OFF_LENGTH:], h.Length)
	c.Bin.PutUint64(buf[FRAG_OFF_TIME:], uint64(h.Timestamp.UnixNano()))
}

func (h *FragmentHeader) String() string {
	return fmt.Sprintf("fragment %d/%d trigger %d run %d: %d bytes @ %v",
		h.Index, h.Count, h.TriggerNumber, h.RunNumber, h.Length, h.Timestamp.Format(time.RFC3339Nano))
}

func DecodeFragmentHeader(buf []byte) (*FragmentHeader, error) {
	if len(buf) < FRAG_HDR_LEN {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadFragment, len(buf))
	}
	if magic := c.Bin.Uint32(buf[FRAG_OFF_MAGIC:]); magic != FRAG_MAGIC {
		return nil, fmt.Errorf("%w: magic %#08x", ErrBadFragment, magic)
	}
	h := FragmentHeader{
		Index:         c.Bin.Uint16(buf[FRAG_OFF_INDEX:]),
		Count:         c.Bin.Uint16(buf[FRAG_OFF_COUNT:]),
		TriggerNumber: c.Bin.Uint64(buf[FRAG_OFF_TRIGGER:]),
		RunNumber:     c.Bin.Uint32(buf[FRAG_OFF_RUN:]),
		Length:        c.Bin.Uint32(buf[FRAG_OFF_LENGTH:]),
		Timestamp:     time.Unix(0, int64(c.Bin.Uint64(buf[FRAG_OFF_TIME:]))),
	}
	if int(h.Length) > len(buf)-FRAG_HDR_LEN {
		return nil, fmt.Errorf("%w: length %d beyond block", ErrBadFragment, h.Length)
	}
	return &h, nil
}

// MaxPayload is the largest fragment that fits a block of blockSize bytes.
func MaxPayload(blockSize int) int {
	return blockSize - FRAG_HDR_LEN
}
