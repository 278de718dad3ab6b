package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chat-relay/internal/identity"
)

type tokenOptions struct {
	secret string
	user   string
	kind   string
	claim  string
	ttl    time.Duration
}

func newTokenCmd() *cobra.Command {
	opts := tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an HS256 access token for a user",
		Long: `Print an HS256 access token the relay accepts with AUTH_MODE=jwt.

Examples:
  relayctl token --secret s3cret --user 5
  JWT_SECRET=s3cret relayctl token --user alice --kind string --ttl 10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := mintToken(opts, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.secret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret (env JWT_SECRET)")
	cmd.Flags().StringVar(&opts.user, "user", "", "user identity to embed")
	cmd.Flags().StringVar(&opts.kind, "kind", string(identity.KindInt), "identity kind: int or string")
	cmd.Flags().StringVar(&opts.claim, "claim", auth.DefaultIdentityClaim, "claim holding the identity")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func mintToken(opts tokenOptions, now time.Time) (string, error) {
	if opts.secret == "" {
		return "", errors.New("--secret (or JWT_SECRET) is required")
	}
	if opts.ttl <= 0 {
		return "", errors.New("--ttl must be > 0")
	}
	kind, err := identity.ParseKind(opts.kind)
	if err != nil {
		return "", err
	}
	id, err := kind.Parse(opts.user)
	if err != nil {
		return "", fmt.Errorf("--user: %w", err)
	}
	return auth.SignHS256(opts.secret, auth.AccessClaims(opts.claim, id, now, opts.ttl))
}
