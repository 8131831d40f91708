package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/scriptorium/internal/catalog"
	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/service/quality"
)

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [catalog-dir]",
		Short: "Check a catalog's cross-references",
		Long: `Load modes.yaml, presets.yaml, and teams.yaml from catalog-dir and report
unknown references and modes without a team. With no argument the embedded
default catalog is checked. Exits 1 when the catalog is inconsistent.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir string
			if len(args) == 1 {
				dir = args[0]
			}
			return runValidate(newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr()), dir)
		},
	}
}

func runValidate(f *OutputFormatter, dir string) error {
	c, err := catalog.LoadDir(dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "load catalog", err)
	}
	rep := c.Validate()
	f.VerboseLog("loaded catalog from %s", rep.Source)
	if err := f.Result(rep.OK, rep, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "catalog %s: %d modes, %d presets, %d teams\n",
			rep.Source, len(rep.Modes), len(rep.Presets), len(rep.Teams))
		for _, ref := range rep.UnknownRefs {
			_, _ = fmt.Fprintf(w, "  unknown %s %q referenced from %s\n", ref.Kind, ref.ID, ref.From)
		}
		for _, m := range rep.Unmapped {
			_, _ = fmt.Fprintf(w, "  mode %q has no team\n", m)
		}
		if rep.OK {
			_, _ = fmt.Fprintln(w, "ok")
		}
	}); err != nil {
		return err
	}
	if !rep.OK {
		return &ExitError{Code: ExitFailure, Message: "catalog has inconsistent references"}
	}
	return nil
}

type qualityFlags struct {
	catalogDir   string
	minWords     int
	qualityFloor float64
	requireProse bool
	criticScore  float64
}

// NewQualityCommand creates the quality command.
func NewQualityCommand(rootOpts *RootOptions) *cobra.Command {
	qf := &qualityFlags{}
	cmd := &cobra.Command{
		Use:   "quality [file]",
		Short: "Run the quality gate on a text file or stdin",
		Long: `Evaluate text with the same gate pipelines use. Thresholds come from the
catalog's global quality settings and the default retry policy; flags
override them. Exits 1 on a REJECT verdict.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readText(cmd, args)
			if err != nil {
				return err
			}
			return runQuality(newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr()), cmd, qf, text)
		},
	}
	cmd.Flags().StringVar(&qf.catalogDir, "catalog-dir", "", "catalog directory (default: embedded)")
	cmd.Flags().IntVar(&qf.minWords, "min-words", 0, "minimum word count")
	cmd.Flags().Float64Var(&qf.qualityFloor, "quality-floor", 0, "minimum score")
	cmd.Flags().BoolVar(&qf.requireProse, "require-prose", false, "flag list-structured text")
	cmd.Flags().Float64Var(&qf.criticScore, "critic-score", 0, "critic score to blend in (0..1)")
	return cmd
}

func runQuality(f *OutputFormatter, cmd *cobra.Command, qf *qualityFlags, text string) error {
	c, err := catalog.LoadDir(qf.catalogDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "load catalog", err)
	}
	th := quality.ScopeFor(c.Quality, "", "", nil).Thresholds(quality.DefaultPolicy())
	if qf.minWords > 0 {
		th.MinWords = qf.minWords
	}
	if qf.qualityFloor > 0 {
		th.QualityFloor = qf.qualityFloor
	}
	if cmd.Flags().Changed("require-prose") {
		th.RequireProse = qf.requireProse
	}
	if cmd.Flags().Changed("critic-score") {
		th.CriticScore = &qf.criticScore
	}

	v := quality.Evaluate(text, th)
	if err := f.Result(v.Decision != model.DecisionReject, v, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "%s score=%.3f words=%d\n", v.Decision, v.Score, v.WordCount)
		for _, r := range v.Reasons {
			_, _ = fmt.Fprintf(w, "  %s %s %s\n", r.Severity, r.Code, r.Detail)
		}
	}); err != nil {
		return err
	}
	if v.Decision == model.DecisionReject {
		return &ExitError{Code: ExitFailure, Message: "text rejected"}
	}
	return nil
}

// readText reads the file named by args[0], or stdin when there is no
// argument or it is "-".
func readText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", WrapExitError(ExitCommandError, "read stdin", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", WrapExitError(ExitCommandError, "read "+args[0], err)
	}
	return string(data), nil
}
