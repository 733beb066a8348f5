package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"git.lukeshu.dev/cowtree/lib/cowfs"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/diskio"
)

func newMkfsCommand() *cobra.Command {
	var devicePath string
	var nodeSize, sectorSize, stripeSize uint32
	var totalBytes uint64

	cmd := &cobra.Command{
		Use:           "mkfs",
		Short:         "Format a new, empty volume",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if devicePath == "" {
				return fmt.Errorf("--device is required")
			}
			dev, err := diskio.OpenOS(devicePath, os.O_RDWR|os.O_CREATE, 0o644)
			if err != nil {
				return err
			}
			defer dev.Close()
			// mkfs owns sizing the backing file; unlike a real block
			// device, a freshly created/truncated file starts at 0
			// bytes, and writeSuperblocks needs it at its final size
			// before any mirror offset can be written.
			if err := dev.Truncate(int64(totalBytes)); err != nil {
				return fmt.Errorf("sizing device: %w", err)
			}

			fsid, err := cowprim.NewUUID()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return cowfs.Mkfs(ctx, dev, cowprim.CRC32CSum, fsid, cowfs.MkfsOptions{
				NodeSize:   nodeSize,
				SectorSize: sectorSize,
				StripeSize: stripeSize,
				TotalBytes: totalBytes,
			})
		},
	}
	cmd.Flags().StringVar(&devicePath, "device", "", "path to the backing file to format")
	cmd.Flags().Uint32Var(&nodeSize, "node-size", 16*1024, "B+-tree node size, in bytes")
	cmd.Flags().Uint32Var(&sectorSize, "sector-size", 4096, "device sector size, in bytes")
	cmd.Flags().Uint32Var(&stripeSize, "stripe-size", 64*1024, "RAID stripe size, in bytes (informational only, no device placement)")
	cmd.Flags().Uint64Var(&totalBytes, "total-bytes", 1<<30, "total volume size, in bytes")
	return cmd
}
