package util_test

import (
	"strings"
	"testing"

	"snbwriter/internal/util"

	"github.com/stretchr/testify/assert"
)

func Test_HexDump(t *testing.T) {
	data := make([]byte, 0x50)
	for i := range data {
		data[i] = byte(i)
	}

	out := util.HexDump(data, 0x40, 0x20)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	// 3 header lines, 2 rows, footer
	assert.Len(t, lines, 6)
	assert.Contains(t, lines[1], "64 bytes")
	assert.True(t, strings.HasPrefix(lines[3], "┃ 0x0000 ┣ 0001 0203"))
	assert.True(t, strings.HasPrefix(lines[4], "┃ 0x0020 ┃ 2021 2223"))

	// limit past the end is clamped
	out = util.HexDump(data[:4], 100, 0)
	assert.Contains(t, out, "4 bytes")
	assert.Contains(t, out, "0001 0203")
}

func Test_Hash(t *testing.T) {
	assert.Equal(t, util.Hash(42), util.Hash(42))
	assert.NotEqual(t, util.Hash(0), util.Hash(1))

	seen := make(map[uint64]struct{})
	for i := range uint64(1000) {
		seen[util.Hash(i)] = struct{}{}
	}
	assert.Len(t, seen, 1000)
}
