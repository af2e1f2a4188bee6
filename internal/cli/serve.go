package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"beacon/api/internal/ability"
	"beacon/api/internal/analytics"
	"beacon/api/internal/app"
	"beacon/api/internal/authpw"
	"beacon/api/internal/comment"
	"beacon/api/internal/config"
	"beacon/api/internal/email"
	"beacon/api/internal/search"
	"beacon/api/internal/session"
	"beacon/api/internal/store"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg := ConfigFromContext(ctx)
	logger := LoggerFromContext(ctx)

	db, applied, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database ready", "migrations_applied", applied)

	policy, err := loadPolicy(cfg, logger)
	if err != nil {
		return err
	}

	dataStore := store.NewPostgresStore(db)

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	searchService := search.NewService(meili, search.NewPgFTS(db), logger)

	var sessions app.SessionStore
	var tracker comment.Observer
	if strings.TrimSpace(cfg.RedisURL) != "" {
		logger.Info("using redis for refresh sessions", "analytics_stream", cfg.AnalyticsStream)
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		sessions = redisStore
		tracker = analytics.NewStreamTracker(redisStore.Client(), cfg.AnalyticsStream, logger)
	} else {
		logger.Info("using postgres for refresh sessions")
		tracker = analytics.NewLogTracker(logger)
	}

	mailer := email.NewService(email.Config{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		FromName:  cfg.SMTPFromName,
		EnableTLS: cfg.SMTPTLS,
	})
	notifier := email.NewMentionNotifier(mailer, dataStore, cfg.AppURL, logger)
	defer notifier.Wait()

	deletePolicy := comment.OwnerDeleteAllowed
	if cfg.LegacyOwnerCommentDelete {
		logger.Warn("legacy owner comment delete enabled; owners without manage rights get 403 after their comment is removed")
		deletePolicy = comment.OwnerDeleteLegacy
	}
	comments := comment.NewService(dataStore, dataStore, policy, dataStore,
		comment.WithObserver(comment.Observers{tracker, notifier}),
		comment.WithLogger(logger),
		comment.WithOwnerDeletePolicy(deletePolicy),
	)

	service := app.New(cfg, app.Deps{
		Store:    dataStore,
		Sessions: sessions,
		SignIn:   authpw.NewService(dataStore),
		Auth:     policy,
		Comments: comments,
		Search:   searchService,
		Logger:   logger,
	})
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap failed, will retry on next restart", "error", err)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("beacon api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}

func loadPolicy(cfg config.Config, logger *slog.Logger) (*ability.Policy, error) {
	if strings.TrimSpace(cfg.AbilityPolicyFile) == "" {
		return ability.DefaultPolicy(), nil
	}
	policy, err := ability.LoadPolicy(cfg.AbilityPolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load ability policy: %w", err)
	}
	logger.Info("ability policy loaded", "path", cfg.AbilityPolicyFile)
	return policy, nil
}
