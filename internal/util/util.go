package util

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// HexDump renders the first limit bytes of data as u16 chunks, 32 bytes per row.
// Rows inside the header region (first hdr bytes) are marked with ┣.
func HexDump(data []byte, limit int, hdr int) string {
	if limit > len(data) {
		limit = len(data)
	}

	const bytesPerRow = 32
	var b strings.Builder
	b.WriteString("┏━━━━━━━━┳━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┓\n")
	fmt.Fprintf(&b, "┃ Offset ┃ u16 Chunks (BigEndian) - %8d bytes (0x%06x)                                  ┃\n",
		limit, limit)
	b.WriteString("┣━━━━━━━━╋━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┫\n")

	for i := 0; i < limit; i += bytesPerRow {
		if i < hdr {
			fmt.Fprintf(&b, "┃ 0x%04x ┣ ", i)
		} else {
			fmt.Fprintf(&b, "┃ 0x%04x ┃ ", i)
		}

		for j := 0; j < bytesPerRow; j += 2 {
			if i+j+1 < limit {
				val := binary.BigEndian.Uint16(data[i+j : i+j+2])
				fmt.Fprintf(&b, "%04x ", val)
			} else {
				b.WriteString("     ")
			}
			// Space every 8 bytes to keep your eyes from crossing
			if (j+2)%8 == 0 {
				b.WriteString(" ")
			}
		}
		if i < hdr {
			b.WriteString("┫\n")
		} else {
			b.WriteString("┃\n")
		}
	}
	b.WriteString("┗━━━━━━━━┻━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛\n")

	return b.String()
}

// splitmix64
func Hash(val uint64) uint64 {
	x := val
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	x = x ^ (x >> 31)
	return x
}
