package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"git.lukeshu.dev/cowtree/lib/cowfs"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/textui"
)

// benchInsert seeds N sequential keys into a fresh subvolume and
// reports elapsed time and throughput, grounded on
// calvinalkan-agent-task's seed-then-time bench pattern
// (seed-bench.go: create N records, report count and elapsed
// duration) adapted from file-per-record seeding to B+-tree inserts.
func init() {
	cmd := cobra.Command{
		Use:   "insert ROOT_ID COUNT",
		Short: "Insert COUNT sequential items into a fresh root and report timing",
		Args:  cobra.ExactArgs(2),
	}
	cmd.Flags().Int("value-size", 64, "payload size per inserted item, in bytes")
	fsSubcommands = append(fsSubcommands, fsSubcommand{Command: cmd, Group: "bench", RunE: benchInsert})
}

func benchInsert(ctx context.Context, fs *cowfs.FS, cmd *cobra.Command, args []string) error {
	rootID, err := parseObjID(args[0])
	if err != nil {
		return fmt.Errorf("root id: %w", err)
	}
	var count int
	if _, err := fmt.Sscanf(args[1], "%d", &count); err != nil {
		return fmt.Errorf("count: %w", err)
	}
	valueSize, _ := cmd.Flags().GetInt("value-size")

	h := fs.StartTransaction(nil, count)
	defer fs.Txn.EndTransaction(h) //nolint:errcheck

	tree, err := fs.CreateSubvolume(ctx, h, rootID)
	if err != nil {
		return err
	}

	payload := make([]byte, valueSize)
	start := time.Now()
	for i := 0; i < count; i++ {
		binary.LittleEndian.PutUint64(payload, uint64(i))
		key := cowprim.Key{ObjectID: cowprim.FirstFreeObjID, Type: cowprim.ItemTypeFileExtent, Offset: uint64(i)}
		if err := tree.Insert(ctx, h.Transid, key, cowitem.Opaque{Dat: append([]byte(nil), payload...)}); err != nil {
			return fmt.Errorf("inserting item %d: %w", i, err)
		}
	}
	elapsed := time.Since(start)

	rate := float64(count) / elapsed.Seconds()
	textui.Fprintf(cmd.OutOrStdout(), "inserted %d items into root %v in %v (%.0f/s)\n",
		count, rootID, elapsed, rate)
	return nil
}
