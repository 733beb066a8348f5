package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"git.lukeshu.dev/cowtree/lib/cowerr"
	"git.lukeshu.dev/cowtree/lib/cowfs"
	"git.lukeshu.dev/cowtree/lib/textui"
)

func init() {
	fsSubcommands = append(fsSubcommands,
		fsSubcommand{
			Command: cobra.Command{
				Use:   "create SOURCE_ROOT_ID NEW_ROOT_ID",
				Short: "Clone an existing root into a new, COW-shared root",
				Args:  cobra.ExactArgs(2),
			},
			Group: "snapshot",
			RunE:  snapshotCreate,
		},
		fsSubcommand{
			Command: cobra.Command{
				Use:   "drop ROOT_ID",
				Short: "Drop a root, freeing every extent it alone references",
				Args:  cobra.ExactArgs(1),
			},
			Group: "snapshot",
			RunE:  snapshotDrop,
		},
	)
}

func snapshotCreate(ctx context.Context, fs *cowfs.FS, cmd *cobra.Command, args []string) error {
	sourceID, err := parseObjID(args[0])
	if err != nil {
		return fmt.Errorf("source root id: %w", err)
	}
	newID, err := parseObjID(args[1])
	if err != nil {
		return fmt.Errorf("new root id: %w", err)
	}

	source, err := fs.OpenRoot(ctx, sourceID)
	if err != nil {
		return err
	}
	h := fs.StartTransaction(source, 1)
	defer fs.Txn.EndTransaction(h) //nolint:errcheck

	if _, err := fs.CreateSnapshot(ctx, h, sourceID, newID); err != nil {
		return err
	}
	textui.Fprintf(cmd.OutOrStdout(), "created root %v as a snapshot of %v\n", newID, sourceID)
	return nil
}

// snapshotDrop drives the resumable drop walk to completion, one
// bounded increment (and one transaction) at a time, reporting a
// cowerr.Retry the way the background committer's StepDrop does -
// the CLI just loops synchronously instead of yielding to other
// callers between increments.
func snapshotDrop(ctx context.Context, fs *cowfs.FS, cmd *cobra.Command, args []string) error {
	rootID, err := parseObjID(args[0])
	if err != nil {
		return fmt.Errorf("root id: %w", err)
	}

	for {
		h := fs.StartTransaction(nil, 1)
		err := fs.DropSnapshot(ctx, h, rootID, nil)
		if endErr := fs.Txn.EndTransaction(h); endErr != nil {
			return endErr
		}
		if err == nil {
			textui.Fprintf(cmd.OutOrStdout(), "dropped root %v\n", rootID)
			return nil
		}
		if !cowerr.IsRetry(err) {
			return err
		}
		if commitErr := fs.Txn.CommitTransaction(ctx, fs.StartTransaction(nil, 0)); commitErr != nil {
			return commitErr
		}
	}
}
