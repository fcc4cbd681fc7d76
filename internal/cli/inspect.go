package cli

import (
	"fmt"

	c "snbwriter/internal"
	"snbwriter/internal/record"
	"snbwriter/internal/snb"
	"snbwriter/internal/util"

	"github.com/spf13/cobra"
)

const DUMP_ROW = 0x20

var (
	inspectBlocks int
	inspectDump   int
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <path>",
	Short: "Print the superblock and leading fragment headers of a written target",
	Long: `Inspect reads a target back through the I/O engine's read path: the superblock
at offset 0, then the fragment header at the head of the first --blocks data
blocks, each with a hexdump of its first --dump bytes.`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().IntVar(&inspectBlocks, "blocks", 1, "data blocks to decode")
	inspectCmd.Flags().IntVar(&inspectDump, "dump", 0x40, "bytes of each block to hexdump")
}

func readOptions() []snb.Option {
	if noDirect {
		return []snb.Option{snb.WithoutDirect()}
	}
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	path := args[0]
	out := cmd.OutOrStdout()

	raw, err := snb.ReadAt(path, 0, c.MIN_OFFSET, readOptions()...)
	if err != nil {
		return err
	}
	fmt.Fprint(out, util.HexDump(raw, c.AlignUp(snb.SB_LEN, DUMP_ROW), snb.SB_LEN))
	sb, err := snb.DecodeSuperblock(raw)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, sb)

	for i := range min(uint64(max(inspectBlocks, 0)), sb.Blocks) {
		off := int64(sb.FirstOffset + i*uint64(sb.BlockSize))
		blk, err := snb.ReadAt(path, off, int(sb.BlockSize), readOptions()...)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nblock %d @ %#x\n", i, off)
		fmt.Fprint(out, util.HexDump(blk, inspectDump, record.FRAG_HDR_LEN))
		hdr, err := record.DecodeFragmentHeader(blk)
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		fmt.Fprintln(out, hdr)
	}
	return nil
}
