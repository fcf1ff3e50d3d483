package main

import (
	"fmt"
	"time"

	"coedit/api/internal/auth"

	"github.com/spf13/cobra"
)

func init() {
	var (
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Mint a session token for development",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), args[0], name, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: COEDIT_TOKEN_TTL_MS)")
	rootCmd.AddCommand(cmd)
}
