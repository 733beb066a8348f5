package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.dev/cowtree/lib/cowfs"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/cowtree"
	"git.lukeshu.dev/cowtree/lib/textui"
)

func init() {
	fsSubcommands = append(fsSubcommands,
		fsSubcommand{
			Command: cobra.Command{
				Use:   "dump ROOT_ID",
				Short: "Dump every item in a root's tree, in key order",
				Args:  cobra.ExactArgs(1),
			},
			Group: "tree",
			RunE:  treeDump,
		},
		fsSubcommand{
			Command: cobra.Command{
				Use:   "search ROOT_ID OBJECTID TYPE OFFSET",
				Short: "Look up one item by exact key",
				Args:  cobra.ExactArgs(4),
			},
			Group: "tree",
			RunE:  treeSearch,
		},
	)
}

func parseObjID(s string) (cowprim.ObjID, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	return cowprim.ObjID(v), err
}

func parseKey(objidStr, typeStr, offsetStr string) (cowprim.Key, error) {
	objid, err := parseObjID(objidStr)
	if err != nil {
		return cowprim.Key{}, fmt.Errorf("objectid: %w", err)
	}
	typ, err := strconv.ParseUint(typeStr, 0, 8)
	if err != nil {
		return cowprim.Key{}, fmt.Errorf("type: %w", err)
	}
	offset, err := strconv.ParseUint(offsetStr, 0, 64)
	if err != nil {
		return cowprim.Key{}, fmt.Errorf("offset: %w", err)
	}
	return cowprim.Key{ObjectID: objid, Type: cowprim.ItemType(typ), Offset: offset}, nil
}

// treeDump implements `tree dump`, grounded on the teacher's
// spew-items inspect command: walk every item in key order and
// spew.Dump it, rather than reproducing print-tree.c's
// per-item-type field dump (that level of fidelity belongs to a
// richer fsck/debug tool than this CLI's scope).
func treeDump(ctx context.Context, fs *cowfs.FS, _ *cobra.Command, args []string) error {
	rootID, err := parseObjID(args[0])
	if err != nil {
		return fmt.Errorf("root id: %w", err)
	}
	tree, err := fs.OpenRoot(ctx, rootID)
	if err != nil {
		return err
	}

	cur, err := tree.Seek(ctx, cowprim.MinKey)
	if err != nil {
		return err
	}

	dumper := spew.NewDefaultConfig()
	dumper.DisablePointerAddresses = true

	var n int
	walkErr := cur.Walk(ctx, func(item cowtree.Item) bool {
		textui.Fprintf(os.Stdout, "%v = ", item.Key)
		dumper.Fdump(os.Stdout, item.Body)
		n++
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	textui.Fprintf(os.Stdout, "%d items\n", n)
	return nil
}

func treeSearch(ctx context.Context, fs *cowfs.FS, _ *cobra.Command, args []string) error {
	rootID, err := parseObjID(args[0])
	if err != nil {
		return fmt.Errorf("root id: %w", err)
	}
	key, err := parseKey(args[1], args[2], args[3])
	if err != nil {
		return err
	}
	tree, err := fs.OpenRoot(ctx, rootID)
	if err != nil {
		return err
	}
	body, err := tree.Get(ctx, key)
	if err != nil {
		return err
	}
	dumper := spew.NewDefaultConfig()
	dumper.DisablePointerAddresses = true
	dumper.Dump(body)
	return nil
}
