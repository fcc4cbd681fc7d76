// Constants
package internal

import (
	"encoding/binary"
)

const LEN_U16 = 0x02
const LEN_U32 = 0x04
const LEN_U64 = 0x08

// Memory alignment for slabs handed to the kernel. This will basically always be the
// system page size (check using `getconf PAGESIZE`).
const OS_PAGE = 0x1000

// Leave at least 4 KiB at the start of the target without data (superblock lives here,
// and on raw devices this keeps us off the partition table)
const MIN_OFFSET = 0x1000

// Granularity used when accounting a request against the engine capacity. A request
// bigger than this counts as size/PREFERRED_BLOCK units.
const PREFERRED_BLOCK = 16384 * 5

// Default number of concurrent request units an engine may hold
const DEFAULT_CAPACITY = 0x80

// AlignUp rounds n up to the next multiple of align (align must be a power of two).
func AlignUp(n int, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func IsAligned(n uint64, align uint64) bool {
	return n&(align-1) == 0
}

// This is an alias for endianness effectively, so we only define endianness in one place (here).
// On-disk metadata is little endian.
var Bin = binary.LittleEndian
