package cli

import (
	"fmt"

	"snbwriter/internal/system"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
)

var probeBlock string

var probeCmd = &cobra.Command{
	Use:   "probe <path>",
	Short: "Report direct I/O support, alignment and usable size of a target",
	Long: `Probe opens an existing target read-only and reports whether it accepts
O_DIRECT, the logical block size every request must be aligned to, and how
many blocks of --block-size fit.

Regular files report their current length: preallocate them (writer.preallocate)
for a meaningful size.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeBlock, "block-size", "1MiB", "block size to count capacity in")
}

func runProbe(cmd *cobra.Command, args []string) error {
	path := args[0]
	out := cmd.OutOrStdout()

	block, err := units.RAMInBytes(probeBlock)
	if err != nil || block <= 0 {
		return fmt.Errorf("invalid block size %q", probeBlock)
	}

	direct := !noDirect
	f, err := system.OpenAligned(path, system.ModeRead, direct)
	if err != nil && direct {
		fmt.Fprintf(out, "direct I/O:     unavailable (%v)\n", err)
		direct = false
		f, err = system.OpenAligned(path, system.ModeRead, false)
	}
	if err != nil {
		return err
	}
	defer f.Close()

	size, err := f.Size()
	if err != nil {
		return err
	}

	if direct {
		fmt.Fprintln(out, "direct I/O:     yes")
	}
	fmt.Fprintf(out, "path:           %s\n", f.Path())
	fmt.Fprintf(out, "logical block:  %d\n", f.LogicalBlockSize())
	fmt.Fprintf(out, "size:           %s (%d)\n", units.BytesSize(float64(size)), size)
	fmt.Fprintf(out, "blocks of %s: %d\n", units.BytesSize(float64(block)), size/block)
	if block%int64(f.LogicalBlockSize()) != 0 {
		fmt.Fprintf(out, "warning:        block size is not a multiple of %d\n", f.LogicalBlockSize())
	}
	return nil
}
