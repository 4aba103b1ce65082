package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opentranslive/server/internal/api"
	"github.com/opentranslive/server/internal/auth"
)

func newTokenCmd(app *app) *cobra.Command {
	var (
		subject   string
		sessionID string
		viewer    bool
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a producer or viewer token offline",
		Long: "token signs a token with SECRET_KEY without contacting a server. Producer tokens " +
			"are scoped to --session when it is set; viewer tokens always need one.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if app.cfg.Server.SecretKey == "" {
				return errors.New("SECRET_KEY is required to sign tokens")
			}
			issuer, err := auth.NewIssuer(app.cfg.Server.SecretKey, app.cfg.Server.TokenTTL)
			if err != nil {
				return err
			}

			var (
				token     string
				expiresAt time.Time
				role      = auth.RoleProducer
			)
			if viewer {
				if sessionID == "" {
					return errors.New("--viewer needs --session")
				}
				role = auth.RoleViewer
				token, expiresAt, err = issuer.GenerateViewerToken(sessionID)
			} else {
				token, expiresAt, err = issuer.GenerateProducerToken(subject, sessionID)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !asJSON {
				_, err = fmt.Fprintln(out, token)
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(api.TokenResponse{Token: token, ExpiresAt: expiresAt, Role: role})
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "cli", "subject recorded in the token")
	cmd.Flags().StringVar(&sessionID, "session", "", "restrict the token to one session")
	cmd.Flags().BoolVar(&viewer, "viewer", false, "issue a read-only viewer token")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print token, expiry and role as JSON")

	return cmd
}
