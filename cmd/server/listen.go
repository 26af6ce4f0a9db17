package main

import (
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"triage-dispatcher/internal/db"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print clinician assignment notifications as JSON lines",
	Long: `Subscribes to the NOTIFY channel the server publishes assignments on and
writes each one to stdout.  Useful for wiring a pager or checking delivery.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL must be set")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		conn, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer conn.Close()

		logger := newLogger(cfg)
		notes, err := db.NewNotifier(conn, cfg.NotifyChannel, logger).Listen(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		logger.Info("listening for assignments", "channel", cfg.NotifyChannel)
		enc := json.NewEncoder(cmd.OutOrStdout())
		for note := range notes {
			if err := enc.Encode(note); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)
}
