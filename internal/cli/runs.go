package cli

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/storage"
)

// NewShowRunCommand creates the show-run command.
func NewShowRunCommand(rootOpts *RootOptions) *cobra.Command {
	var runsDir string
	cmd := &cobra.Command{
		Use:   "show-run <run-id>",
		Short: "Print a run's manifest and step artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if !storage.ValidRunID(args[0]) {
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid run id %q", args[0])}
			}
			runs, err := storage.NewRunStore(runsDir, slog.New(slog.DiscardHandler))
			if err != nil {
				return WrapExitError(ExitCommandError, "open runs", err)
			}
			view, err := runs.Get(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "load run", err)
			}
			return f.Result(view.Manifest.Status != model.RunStatusError, view, func(w io.Writer) {
				writeRunText(w, view)
			})
		},
	}
	cmd.Flags().StringVar(&runsDir, "runs-dir", filepath.Join("data", "runs"), "run directory root")
	return cmd
}

func writeRunText(w io.Writer, view model.RunView) {
	m := view.Manifest
	_, _ = fmt.Fprintf(w, "run %s  target=%s  status=%s  steps=%d/%d\n",
		m.RunID, m.Target, m.Status, m.CompletedSteps, m.TotalSteps)
	if m.BookID != "" {
		_, _ = fmt.Fprintf(w, "book %s\n", m.BookID)
	}
	if m.Stop != nil {
		_, _ = fmt.Fprintf(w, "stopped at step %d (%s): %s %s\n", m.Stop.Index, m.Stop.Mode, m.Stop.Decision, m.Stop.Reason)
	}
	if m.Error != "" {
		_, _ = fmt.Fprintf(w, "error: %s\n", m.Error)
	}
	for _, a := range view.Artifacts {
		marker := ""
		if a.Injected {
			marker = " (injected)"
		}
		status := "ok"
		if a.Failed() {
			status = "failed: " + a.Error
		}
		_, _ = fmt.Fprintf(w, "  %03d %-10s team=%s model=%s %s%s\n",
			a.Index, a.Mode, a.Team.ID, a.Team.Model, status, marker)
	}
}
