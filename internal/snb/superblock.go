package snb

import (
	"errors"
	"fmt"

	c "snbwriter/internal"

	"github.com/cespare/xxhash"
)

// "SNBW" little endian
const SB_MAGIC = 0x57424e53
const SB_VERSION = 0x0001

const SB_FLAG_FINISHED = 0x0001

// Superblock layout, all little endian. Lives at offset 0 of the target, data starts at
// FirstOffset.
//
//	0x00 magic        u32
//	0x04 version      u16
//	0x06 flags        u16
//	0x08 block size   u32
//	0x0c align        u32
//	0x10 blocks       u64
//	0x18 first offset u64
//	0x20 data end     u64
//	0x28 degraded     u64
//	0x30 checksum     u64 (xxhash64 of 0x00..0x30)
const (
	SB_OFF_MAGIC    = 0x00
	SB_OFF_VERSION  = 0x04
	SB_OFF_FLAGS    = 0x06
	SB_OFF_BLOCK    = 0x08
	SB_OFF_ALIGN    = 0x0c
	SB_OFF_BLOCKS   = 0x10
	SB_OFF_FIRST    = 0x18
	SB_OFF_END      = 0x20
	SB_OFF_DEGRADED = 0x28
	SB_OFF_CHECKSUM = 0x30
	SB_LEN          = 0x38
)

var ErrBadSuperblock = errors.New("snb: bad superblock")

type Superblock struct {
	Version     uint16
	Finished    bool
	BlockSize   uint32
	Align       uint32
	Blocks      uint64
	FirstOffset uint64
	DataEnd     uint64
	Degraded    uint64
}

// Encode writes the superblock into the head of buf and zeroes the rest of buf.
func (sb *Superblock) Encode(buf []byte) {
	if len(buf) < SB_LEN {
		panic("superblock buffer too small")
	}
	clear(buf)

	var flags uint16
	if sb.Finished {
		flags |= SB_FLAG_FINISHED
	}
	c.Bin.PutUint32(buf[SB_OFF_MAGIC:], SB_MAGIC)
	c.Bin.PutUint16(buf[SB_OFF_VERSION:], SB_VERSION)
	c.Bin.PutUint16(buf[SB_OFF_FLAGS:], flags)
	c.Bin.PutUint32(buf[SB_OFF_BLOCK:], sb.BlockSize)
	c.Bin.PutUint32(buf[SB_OFF_ALIGN:], sb.Align)
	c.Bin.PutUint64(buf[SB_OFF_BLOCKS:], sb.Blocks)
	c.Bin.PutUint64(buf[SB_OFF_FIRST:], sb.FirstOffset)
	c.Bin.PutUint64(buf[SB_OFF_END:], sb.DataEnd)
	c.Bin.PutUint64(buf[SB_OFF_DEGRADED:], sb.Degraded)
	c.Bin.PutUint64(buf[SB_OFF_CHECKSUM:], xxhash.Sum64(buf[:SB_OFF_CHECKSUM]))
}

func DecodeSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < SB_LEN {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadSuperblock, len(buf))
	}
	if magic := c.Bin.Uint32(buf[SB_OFF_MAGIC:]); magic != SB_MAGIC {
		return nil, fmt.Errorf("%w: magic %#08x", ErrBadSuperblock, magic)
	}
	want := c.Bin.Uint64(buf[SB_OFF_CHECKSUM:])
	if got := xxhash.Sum64(buf[:SB_OFF_CHECKSUM]); got != want {
		return nil, fmt.Errorf("%w: checksum %#016x, stored %#016x", ErrBadSuperblock, got, want)
	}
	version := c.Bin.Uint16(buf[SB_OFF_VERSION:])
	if version != SB_VERSION {
		return nil, fmt.Errorf("%w: version %d", ErrBadSuperblock, version)
	}

	return &Superblock{
		Version:     version,
		Finished:    c.Bin.Uint16(buf[SB_OFF_FLAGS:])&SB_FLAG_FINISHED != 0,
		BlockSize:   c.Bin.Uint32(buf[SB_OFF_BLOCK:]),
		Align:       c.Bin.Uint32(buf[SB_OFF_ALIGN:]),
		Blocks:      c.Bin.Uint64(buf[SB_OFF_BLOCKS:]),
		FirstOffset: c.Bin.Uint64(buf[SB_OFF_FIRST:]),
		DataEnd:     c.Bin.Uint64(buf[SB_OFF_END:]),
		Degraded:    c.Bin.Uint64(buf[SB_OFF_DEGRADED:]),
	}, nil
}

func (sb *Superblock) String() string {
	return fmt.Sprintf("superblock v%d finished=%v block=%#x align=%d blocks=%d data=[%#x, %#x) degraded=%d",
		sb.Version, sb.Finished, sb.BlockSize, sb.Align, sb.Blocks, sb.FirstOffset, sb.DataEnd, sb.Degraded)
}
