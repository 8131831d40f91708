package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/scriptorium/internal/auth"
)

type tokenResult struct {
	Token     string    `json:"token"`
	Team      string    `json:"team"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		team     string
		subject  string
		audience string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a team",
		Long: `Sign an HS256 token with SCRIPTORIUM_JWT_SECRET. The server takes the
caller team from the token and ignores the X-Team header.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			secret := os.Getenv("SCRIPTORIUM_JWT_SECRET")
			if secret == "" {
				return &ExitError{Code: ExitCommandError, Message: "SCRIPTORIUM_JWT_SECRET is not set"}
			}
			mgr, err := auth.NewJWTManager(secret, audience, ttl)
			if err != nil {
				return WrapExitError(ExitCommandError, "jwt", err)
			}
			if subject == "" {
				subject = "cli-" + team
			}
			tok, exp, err := mgr.IssueToken(subject, team)
			if err != nil {
				return WrapExitError(ExitCommandError, "issue token", err)
			}
			res := tokenResult{Token: tok, Team: team, ExpiresAt: exp}
			return f.Result(true, res, func(w io.Writer) {
				_, _ = fmt.Fprintln(w, tok)
			})
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "team the token acts as (required)")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (default cli-<team>)")
	cmd.Flags().StringVar(&audience, "audience", "scriptorium", "token audience")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("team")
	return cmd
}
