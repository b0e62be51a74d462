package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gridxfer/pkg/config"
	"gridxfer/pkg/transfer"
	"gridxfer/pkg/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gridxfer",
		Short: "Replica transfer orchestrator for a grid file catalogue",
		Long: `Upload files to several storage elements at once, download them back
from the best available replica, and repair files that are short of replicas.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		putCmd(),
		getCmd(),
		mirrorCmd(),
		lsCmd(),
		mkdirCmd(),
		elementCmd(),
		configCmd(),
		certsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func putCmd() *cobra.Command {
	var (
		qosSpec    string
		waitForAll bool
		repair     bool
		move       bool
		noCommit   bool
	)

	cmd := &cobra.Command{
		Use:   "put <local> <lfn>",
		Short: "Upload a local file to the catalogue",
		Long: `Upload a local file to one or more storage elements.

The --qos request is a comma separated list of storage element names to
use, !names to avoid, and class:count pairs, for example "disk:2,tape:1,!SE3".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signalContext()
			defer stop()

			// Uploads that return early finish in the background; report those too
			var tracker outcomeTracker
			start := time.Now()
			rt.client.Background().OnComplete(func(out *transfer.Outcome) {
				fmt.Println(renderOutcome(out, time.Since(start)))
				tracker.record(out)
			})

			out, err := rt.client.Put(ctx, args[0], args[1], transfer.PutOptions{
				QoS:        qosSpec,
				WaitForAll: waitForAll,
				Repair:     repair,
				Move:       move,
				NoCommit:   noCommit,
				Heartbeat: func(p transfer.Progress) {
					rt.logger.Debug("Upload progress",
						zap.String("lfn", p.LFN),
						zap.Int("confirmed", p.Confirmed),
						zap.Int("outstanding", p.Outstanding))
				},
			})
			if err != nil {
				return err
			}

			fmt.Println(renderOutcome(out, time.Since(start)))
			tracker.record(out)
			if out.Pending > 0 {
				fmt.Println(mutedStyle.Render(fmt.Sprintf("Waiting for %d remaining uploads...", out.Pending)))
				rt.client.Background().Wait()
			}
			return tracker.err()
		},
	}

	cmd.Flags().StringVar(&qosSpec, "qos", "", "replica placement request (default from config)")
	cmd.Flags().BoolVar(&waitForAll, "wait-all", false, "wait for every replica before returning")
	cmd.Flags().BoolVar(&repair, "repair", false, "schedule mirrors for missing replicas on partial success")
	cmd.Flags().BoolVar(&move, "move", false, "delete the local file once every replica is committed")
	cmd.Flags().BoolVar(&noCommit, "no-commit", false, "register replicas as booked without committing them")

	return cmd
}

func getCmd() *cobra.Command {
	var (
		include  []string
		exclude  []string
		parallel int
	)

	cmd := &cobra.Command{
		Use:   "get <source> <destination>",
		Short: "Download files from the catalogue",
		Long: `Download a file, a directory, a collection or every file matching a
wildcard pattern. Files that already exist locally are skipped.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signalContext()
			defer stop()

			res, err := rt.client.Get(ctx, args[0], args[1], transfer.GetOptions{
				Include:     include,
				Exclude:     exclude,
				Parallelism: parallel,
			})
			if err != nil {
				return err
			}

			fmt.Println(renderDownload(res))
			if n := res.Failed(); n > 0 {
				return types.Errorf(firstFailure(res), "get", "%d of %d files failed", n, len(res.Files))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&include, "include", nil, "storage elements to read from first")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "storage elements never to read from")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "files to download at once (default from config)")

	return cmd
}

func mirrorCmd() *cobra.Command {
	var (
		attempts int
		wait     bool
	)

	cmd := &cobra.Command{
		Use:   "mirror <lfn> <qos>",
		Short: "Copy an existing file to more storage elements",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			results, err := rt.client.Mirror(context.Background(), args[0], args[1], attempts)
			if err != nil {
				return err
			}
			fmt.Println(renderMirrors(args[0], results))

			if wait {
				rt.waitForMirrors(results)
				fmt.Println(renderMirrorJobs(rt.catalogue, results))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&attempts, "attempts", 0, "tries per transfer (default from config)")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the transfers to finish")

	return cmd
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List a catalogue directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			dir := "/"
			if len(args) > 0 {
				dir = args[0]
			}
			entries, err := rt.catalogue.List(context.Background(), dir)
			if err != nil {
				return err
			}
			fmt.Println(renderListing(dir, entries))
			return nil
		},
	}
}

func mkdirCmd() *cobra.Command {
	var parents bool

	cmd := &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a catalogue directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			return rt.catalogue.MakeDirectory(context.Background(), args[0], parents)
		},
	}

	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parent directories")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gridxfer v%s\n", version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.LoadFromEnv(), nil
	}
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func setupLogger(verbose bool, level string) *zap.Logger {
	config := zap.NewProductionConfig()
	lvl := zapcore.InfoLevel
	if err := lvl.Set(strings.ToLower(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

// signalContext ends on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// exitCode maps condition codes onto the process exit status.
func exitCode(err error) int {
	code := types.CodeOf(err)
	if code == types.CodeOK || code == types.CodeInternal {
		return 1
	}
	return int(code)
}

func firstFailure(res *transfer.DownloadResult) types.Code {
	for _, f := range res.Files {
		if f.Code != types.CodeOK && f.Code != types.CodeAlreadyExists {
			return f.Code
		}
	}
	return types.CodeTransportFailure
}

// outcomeTracker keeps the worst outcome reported for a command.
type outcomeTracker struct {
	mu    sync.Mutex
	worst *transfer.Outcome
}

func (t *outcomeTracker) record(out *transfer.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.worst == nil || severity(out.Code) > severity(t.worst.Code) {
		t.worst = out
	}
}

func (t *outcomeTracker) err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.worst == nil {
		return nil
	}
	return t.worst.Err()
}

func severity(code types.Code) int {
	switch code {
	case types.CodeOK:
		return 0
	case types.CodePartial:
		return 1
	default:
		return 2
	}
}
