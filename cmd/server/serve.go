package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"triage-dispatcher/internal/channel"
	"triage-dispatcher/internal/config"
	"triage-dispatcher/internal/core"
	"triage-dispatcher/internal/db"
	"triage-dispatcher/internal/escalation"
	httpserver "triage-dispatcher/internal/http"
	"triage-dispatcher/internal/llm"
	"triage-dispatcher/internal/metrics"
	"triage-dispatcher/internal/session"
	"triage-dispatcher/internal/triage"
	"triage-dispatcher/pkg"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook and clinician API server",
	Long: `Starts the HTTP server that receives WhatsApp messages from Twilio and serves
the clinician dashboard API.  Without DATABASE_URL state is kept in memory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetString("port"); port != "" {
			cfg.Port = port
		}
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("port", "p", "", "Port to listen on (overrides PORT)")
}

// store is everything the service and the engine need from persistence.
type store interface {
	triage.Store
	escalation.Store
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	m := metrics.New()

	var (
		st       store
		notifier escalation.Notifier
	)
	if cfg.DatabaseURL != "" {
		conn, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := db.Migrate(ctx, conn); err != nil {
			return err
		}
		st = db.NewRepository(conn)
		notifier = db.NewNotifier(conn, cfg.NotifyChannel, logger)
	} else {
		logger.Warn("DATABASE_URL not set, keeping state in memory")
		st = db.NewMemoryStore()
	}

	lockOpts := []session.Option{session.WithLogger(logger)}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		lockOpts = append(lockOpts, session.WithLocker(session.NewRedisLocker(rdb, "triage:"), cfg.Redis.LockTTL))
		logger.Info("distributed session locks enabled", "addr", cfg.Redis.Addr)
	}
	locks := session.NewManager(lockOpts...)

	client := llm.NewOpenAIClient(llm.Config{
		APIKey:       cfg.LLM.APIKey,
		BaseURL:      cfg.LLM.BaseURL,
		Model:        cfg.LLM.Model,
		SummaryModel: cfg.LLM.SummaryModel,
		MaxTokens:    cfg.LLM.MaxTokens,
	})
	if cfg.LLM.APIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, every turn will use fallback replies")
	}
	controller := core.NewController(client, core.ControllerConfig{
		Timeout:              cfg.LLM.Timeout,
		MaxTokens:            cfg.LLM.MaxTokens,
		SummaryMaxTokens:     cfg.LLM.SummaryMaxTokens,
		MaxFollowupQuestions: cfg.Triage.MaxFollowupQuestions,
		Rules:                cfg.Triage.Rules,
	},
		core.WithControllerLogger(logger),
		core.WithFallbackHook(func(state pkg.State, err error) { m.Fallback(state) }),
	)

	engineOpts := []escalation.Option{escalation.WithMetrics(m), escalation.WithLogger(logger)}
	if notifier != nil {
		engineOpts = append(engineOpts, escalation.WithNotifier(notifier))
	}
	engine := escalation.NewEngine(st, core.NewClassifier(cfg.Triage.Rules), engineOpts...)

	var sender channel.Sender
	if cfg.Twilio.Configured() {
		sender = channel.NewTwilioSender(channel.TwilioConfig{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			From:       cfg.Twilio.FromNumber,
			Timeout:    cfg.Twilio.Timeout,
		})
	} else {
		logger.Warn("Twilio credentials not set, outbound messages are only logged")
		sender = channel.NewLogSender(logger)
	}

	svc := triage.NewService(st, controller, engine, locks, sender,
		triage.WithLogger(logger),
		triage.WithMetrics(m),
		triage.WithSendTimeout(cfg.Twilio.Timeout),
	)

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, the clinician API will reject every request")
	}
	api := &httpserver.Server{
		Service:         svc,
		Metrics:         m,
		Logger:          logger,
		JWTSecret:       []byte(cfg.JWTSecret),
		TwilioAuthToken: cfg.Twilio.AuthToken,
		ValidateWebhook: cfg.ValidateWebhook,
		PublicURL:       cfg.PublicURL,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown did not complete", "err", err)
			_ = srv.Close()
		}
	}
	// let in-flight clinician notifications finish before the pool closes
	engine.Wait()
	return nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return conn, nil
}
