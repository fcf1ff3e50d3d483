package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coedit/api/internal/app"
	"coedit/api/internal/blob"
	"coedit/api/internal/collab"
	"coedit/api/internal/config"
	"coedit/api/internal/email"
	"coedit/api/internal/gitrepo"
	"coedit/api/internal/presence"
	"coedit/api/internal/search"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and live editing server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	})
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	db, dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var mirrors []collab.Mirror

	var history *gitrepo.Service
	if strings.TrimSpace(cfg.HistoryDir) != "" {
		if err := os.MkdirAll(cfg.HistoryDir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
		history = gitrepo.New(cfg.HistoryDir)
		mirrors = append(mirrors, history)
	}

	var snapshots *blob.Service
	if strings.TrimSpace(cfg.MinIOEndpoint) != "" {
		bucket, err := blob.NewMinIOBucket(ctx, blob.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return fmt.Errorf("snapshot bucket: %w", err)
		}
		snapshots = blob.New(bucket)
		mirrors = append(mirrors, snapshots)
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	var service *app.Service
	searchService := search.NewService(meiliClient, search.NewSQLSearch(dataStore), func(ctx context.Context, username, documentID string) bool {
		return service.CanSeeDocument(ctx, username, documentID)
	}, logger)
	mirrors = append(mirrors, searchService)

	deps := app.Deps{
		Store:     dataStore,
		History:   history,
		Snapshots: snapshots,
		Search:    searchService,
		JWTSecret: []byte(cfg.JWTSecret),
		SyncToken: cfg.SyncToken,
		Logger:    logger,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := presence.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		deps.Presence = redisStore
		logger.Info("publishing presence to redis")
	}

	alerter := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		To:       splitList(cfg.AlertTo),
	}, logger)

	rooms := collab.NewRegistry(dataStore, mirrors, alerter, collab.Options{
		FlushInterval: cfg.FlushInterval,
		RetryInitial:  cfg.FlushRetryInitial,
		RetryMax:      cfg.FlushRetryMax,
		AlertAfter:    cfg.FlushAlertAfter,
		QueueSize:     cfg.ClientQueue,
		HistoryLimit:  cfg.HistoryLimit,
		WriteTimeout:  cfg.WriteTimeout,
		MirrorTimeout: cfg.MirrorTimeout,
		JoinWait:      cfg.JoinWait,
	}, logger)
	deps.Rooms = rooms
	service = app.NewService(deps)

	go func() {
		reindexCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := searchService.Reindex(reindexCtx, dataStore.ListDocumentStates); err != nil {
			logger.Warn("search reindex failed", "error", err)
		}
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("coedit api listening", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-sigCtx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	// Live sockets are hijacked and outlive Shutdown; closing the rooms
	// flushes them and disconnects their clients.
	if err := rooms.Close(shutdownCtx); err != nil {
		logger.Error("rooms not flushed before shutdown", "error", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
