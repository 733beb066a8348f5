package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"git.lukeshu.dev/cowtree/lib/cowfs"
	"git.lukeshu.dev/cowtree/lib/cowitem"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/textui"
)

func init() {
	allocCmd := cobra.Command{
		Use:   "alloc SIZE REF_ROOT REF_OBJECTID REF_OFFSET",
		Short: "Allocate a new extent and record its owning backref",
		Args:  cobra.ExactArgs(4),
	}
	allocCmd.Flags().String("kind", "data", "block group kind: data|system|metadata")
	allocCmd.Flags().Int64("hint", 0, "placement hint address")

	freeCmd := cobra.Command{
		Use:   "free BYTENR SIZE REF_ROOT REF_OBJECTID REF_OFFSET",
		Short: "Drop a backref, freeing the extent if it was the last one",
		Args:  cobra.ExactArgs(5),
	}
	freeCmd.Flags().Bool("pin", false, "pin the freed range instead of returning it to free space immediately")

	fsSubcommands = append(fsSubcommands,
		fsSubcommand{Command: allocCmd, Group: "extent", RunE: extentAlloc},
		fsSubcommand{Command: freeCmd, Group: "extent", RunE: extentFree},
	)
}

func parseBlockGroupFlags(s string) (cowitem.BlockGroupFlags, error) {
	switch s {
	case "data":
		return cowitem.BlockGroupData, nil
	case "system":
		return cowitem.BlockGroupSystem, nil
	case "metadata":
		return cowitem.BlockGroupMetadata, nil
	default:
		return 0, fmt.Errorf("unknown block group kind %q", s)
	}
}

func extentAlloc(ctx context.Context, fs *cowfs.FS, cmd *cobra.Command, args []string) error {
	numBytes, err := strconv.ParseUint(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}
	refRoot, err := parseObjID(args[1])
	if err != nil {
		return fmt.Errorf("ref root: %w", err)
	}
	refObjID, err := parseObjID(args[2])
	if err != nil {
		return fmt.Errorf("ref objectid: %w", err)
	}
	refOffset, err := strconv.ParseUint(args[3], 0, 64)
	if err != nil {
		return fmt.Errorf("ref offset: %w", err)
	}
	kindStr, _ := cmd.Flags().GetString("kind")
	kind, err := parseBlockGroupFlags(kindStr)
	if err != nil {
		return err
	}
	hintRaw, _ := cmd.Flags().GetInt64("hint")

	h := fs.StartTransaction(nil, 1)
	defer fs.Txn.EndTransaction(h) //nolint:errcheck

	ref := cowitem.ExtentRefBody{
		RootObjectID:  refRoot,
		Generation:    h.Transid,
		OwnerObjectID: refObjID,
		OwnerOffset:   refOffset,
	}
	addr, err := fs.Alloc.AllocExtent(ctx, numBytes, ref, cowprim.LogicalAddr(hintRaw), kind)
	if err != nil {
		return err
	}
	textui.Fprintf(cmd.OutOrStdout(), "allocated %v bytes at %v\n", numBytes, addr)
	return nil
}

func extentFree(ctx context.Context, fs *cowfs.FS, cmd *cobra.Command, args []string) error {
	bytenrRaw, err := strconv.ParseInt(args[0], 0, 64)
	if err != nil {
		return fmt.Errorf("bytenr: %w", err)
	}
	numBytes, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}
	refRoot, err := parseObjID(args[2])
	if err != nil {
		return fmt.Errorf("ref root: %w", err)
	}
	refObjID, err := parseObjID(args[3])
	if err != nil {
		return fmt.Errorf("ref objectid: %w", err)
	}
	refOffset, err := strconv.ParseUint(args[4], 0, 64)
	if err != nil {
		return fmt.Errorf("ref offset: %w", err)
	}
	pin, _ := cmd.Flags().GetBool("pin")

	h := fs.StartTransaction(nil, 1)
	defer fs.Txn.EndTransaction(h) //nolint:errcheck

	ref := cowitem.ExtentRefBody{
		RootObjectID:  refRoot,
		Generation:    h.Transid,
		OwnerObjectID: refObjID,
		OwnerOffset:   refOffset,
	}
	if err := fs.Alloc.FreeExtent(ctx, cowprim.LogicalAddr(bytenrRaw), numBytes, ref, pin); err != nil {
		return err
	}
	textui.Fprintf(cmd.OutOrStdout(), "freed %v bytes at %v\n", numBytes, bytenrRaw)
	return nil
}
