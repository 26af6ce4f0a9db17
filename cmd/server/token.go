package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	httpserver "triage-dispatcher/internal/http"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a clinician bearer token for the dashboard API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("JWT_SECRET must be set")
		}
		clinician, _ := cmd.Flags().GetString("clinician")
		supervisor, _ := cmd.Flags().GetBool("supervisor")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if clinician == "" {
			return errors.New("--clinician is required")
		}
		tok, err := httpserver.IssueToken([]byte(cfg.JWTSecret), clinician, supervisor, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("clinician", "", "Clinician id the token is issued to")
	tokenCmd.Flags().Bool("supervisor", false, "Grant supervisor rights")
	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime; 0 never expires")
}
