// Command cowtreectl is the operator-facing front end for the
// cowtree storage engine: format a volume, inspect its trees, and
// drive the allocator/snapshot/transaction machinery by hand.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"git.lukeshu.dev/cowtree/lib/cowfs"
	"git.lukeshu.dev/cowtree/lib/cowprim"
	"git.lukeshu.dev/cowtree/lib/diskio"
)

type logLevelFlag struct {
	logrus.Level
}

func (lvl *logLevelFlag) Type() string { return "loglevel" }
func (lvl *logLevelFlag) Set(str string) error {
	var err error
	lvl.Level, err = logrus.ParseLevel(str)
	return err
}

var _ pflag.Value = (*logLevelFlag)(nil)

// fsSubcommand is a leaf subcommand that needs an already-open
// *cowfs.FS; the root command opens it, runs RunE, and closes it
// (which commits whatever transaction RunE started), mirroring the
// teacher's own open-around-every-subcommand wiring in cmd/btrfs-rec.
// Group names the two-word command family ("tree", "extent",
// "snapshot", "bench") it nests under; cobra.Command.Use only sets a
// command's own name from its first word; actual nesting needs real
// parent/child Command objects, which registerGroups builds.
type fsSubcommand struct {
	cobra.Command
	Group string
	RunE  func(ctx context.Context, fs *cowfs.FS, cmd *cobra.Command, args []string) error
}

var fsSubcommands []fsSubcommand

var groupShort = map[string]string{
	"tree":     "Inspect a root's B+-tree",
	"extent":   "Drive the extent allocator by hand",
	"snapshot": "Create or drop a root",
	"bench":    "Benchmark tree operations",
}

func registerGroups(parent *cobra.Command) {
	groups := make(map[string]*cobra.Command)
	for _, name := range []string{"tree", "extent", "snapshot", "bench"} {
		grp := &cobra.Command{
			Use:   name,
			Short: groupShort[name],
		}
		groups[name] = grp
		parent.AddCommand(grp)
	}
	for i := range fsSubcommands {
		child := fsSubcommands[i]
		groups[child.Group].AddCommand(&child.Command)
	}
}

func main() {
	logLevel := logLevelFlag{Level: logrus.InfoLevel}
	var devicePath string
	var cacheSize int

	argparser := &cobra.Command{
		Use:           "cowtreectl {[flags]|SUBCOMMAND}",
		Short:         "Format, inspect, and drive a cowtree volume",
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.PersistentFlags().Var(&logLevel, "verbosity", "set the log level")
	argparser.PersistentFlags().StringVar(&devicePath, "device", "", "path to the volume's backing file")
	argparser.PersistentFlags().IntVar(&cacheSize, "cache-size", 256, "block cache capacity, in nodes")

	argparser.AddCommand(newMkfsCommand())

	for i := range fsSubcommands {
		runE := fsSubcommands[i].RunE
		fsSubcommands[i].Command.RunE = func(cmd *cobra.Command, args []string) error {
			if devicePath == "" {
				return fmt.Errorf("--device is required")
			}
			ctx := cmd.Context()
			logger := logrus.New()
			logger.SetLevel(logLevel.Level)
			ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
			grp.Go("main", func(ctx context.Context) (err error) {
				dev, err := diskio.OpenOS(devicePath, os.O_RDWR, 0o644)
				if err != nil {
					return err
				}
				fs, err := cowfs.Open(ctx, dev, cowprim.CRC32CSum, 0, cacheSize)
				if err != nil {
					_ = dev.Close()
					return err
				}
				defer func() {
					if cerr := fs.Close(ctx); cerr != nil && err == nil {
						err = cerr
					}
				}()
				return runE(ctx, fs, cmd, args)
			})
			return grp.Wait()
		}
	}
	registerGroups(argparser)

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
