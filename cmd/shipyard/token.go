package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/shipyard-go/internal/platform/auth"
)

func tokenCmd() *cobra.Command {
	token := &cobra.Command{Use: "token", Short: "Operator token helpers"}
	token.AddCommand(tokenMintCmd())
	return token
}

// tokenMintCmd signs a JWT with SHIPYARD_JWT_SECRET for use against a server
// running in jwt auth mode.
func tokenMintCmd() *cobra.Command {
	var subject, email string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a signed operator token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(subject) == "" {
				return errors.New("--subject required")
			}
			cfg, err := auth.ConfigFromEnv()
			if err != nil {
				return err
			}
			signed, err := auth.MintToken(cfg, auth.Identity{
				Subject: subject,
				Email:   email,
				Roles:   roles,
			}, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(stdout, signed)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringVar(&email, "email", "", "token email claim")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleEditor}, "roles (viewer, editor, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
