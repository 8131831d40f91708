package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/scriptorium/internal/lock"
	"github.com/ashita-ai/scriptorium/internal/service/uniqueness"
)

type simhashResult struct {
	Fingerprint string  `json:"fingerprint"`
	Other       string  `json:"other,omitempty"`
	Similarity  float64 `json:"similarity,omitempty"`
}

// cmdContext returns the command's context, or Background when the command
// was run with Execute instead of ExecuteContext.
func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// NewSimhashCommand creates the simhash command.
func NewSimhashCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "simhash <file> [other-file]",
		Short: "Print a text's fingerprint, or the similarity of two texts",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			a, err := readText(cmd, args[:1])
			if err != nil {
				return err
			}
			fa := uniqueness.Simhash(a)
			res := simhashResult{Fingerprint: uniqueness.FormatFingerprint(fa)}
			if len(args) == 2 {
				b, err := readText(cmd, args[1:])
				if err != nil {
					return err
				}
				fb := uniqueness.Simhash(b)
				res.Other = uniqueness.FormatFingerprint(fb)
				res.Similarity = uniqueness.Similarity(fa, fb)
			}
			return f.Result(true, res, func(w io.Writer) {
				if res.Other == "" {
					_, _ = fmt.Fprintln(w, res.Fingerprint)
					return
				}
				_, _ = fmt.Fprintf(w, "%s %s similarity=%.4f\n", res.Fingerprint, res.Other, res.Similarity)
			})
		},
	}
}

// NewCompactRegistryCommand creates the compact-registry command.
func NewCompactRegistryCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		registry string
		locksDir string
		keep     int
	)
	cmd := &cobra.Command{
		Use:   "compact-registry",
		Short: "Trim the uniqueness registry to its most recent records",
		Long: `Rewrite the JSONL fingerprint registry keeping only the last --keep records.
The registry lock is taken first, so this is safe while the server runs
with the file lock backend.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			locks, err := lock.NewFileManager(locksDir, logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "open locks", err)
			}
			det, err := uniqueness.NewDetector(uniqueness.Config{
				RegistryPath: registry,
				LockOptions:  lock.Options{Timeout: 10 * time.Second},
			}, locks, logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "open registry", err)
			}
			dropped, err := det.Compact(cmdContext(cmd), keep)
			if err != nil {
				return err
			}
			return f.Result(true, map[string]int{"dropped": dropped, "kept_max": keep}, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "dropped %d records\n", dropped)
			})
		},
	}
	cmd.Flags().StringVar(&registry, "registry", filepath.Join("data", "uniqueness.jsonl"), "registry path")
	cmd.Flags().StringVar(&locksDir, "locks-dir", filepath.Join("data", "locks"), "file lock directory")
	cmd.Flags().IntVar(&keep, "keep", 800, "records to keep")
	return cmd
}

// NewSweepLocksCommand creates the sweep-locks command.
func NewSweepLocksCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		locksDir  string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep-locks",
		Short: "Delete file locks older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if _, err := os.Stat(locksDir); err != nil {
				return WrapExitError(ExitCommandError, "locks dir", err)
			}
			locks, err := lock.NewFileManager(locksDir, slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil)))
			if err != nil {
				return WrapExitError(ExitCommandError, "open locks", err)
			}
			n, err := locks.Sweep(cmdContext(cmd), olderThan)
			if err != nil {
				return err
			}
			return f.Result(true, map[string]int{"removed": n}, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "removed %d stale locks\n", n)
			})
		},
	}
	cmd.Flags().StringVar(&locksDir, "locks-dir", filepath.Join("data", "locks"), "file lock directory")
	cmd.Flags().DurationVar(&olderThan, "older-than", 5*time.Minute, "age cutoff")
	return cmd
}
