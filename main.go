package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"duochat/chat"
	"duochat/config"
	"duochat/database"
	"duochat/handlers"
	"duochat/logger"
	"duochat/retention"
	"duochat/storage"
)

var rootCmd = &cobra.Command{
	Use:           "duochat",
	Short:         "Two-party chat server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired login sessions once and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		store, err := database.Open(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()

		sweeper, err := retention.NewSweeper(store, cfg.SessionSweepCron, nil)
		if err != nil {
			return err
		}
		_, err = sweeper.RunOnce(cmd.Context())
		return err
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.L.Error("duochat failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.FromFlags(cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	uploader, err := storage.NewDiskUploader(cfg.UploadDir, cfg.FilesURL())
	if err != nil {
		return err
	}

	svc := chat.NewService(store, uploader, chat.Config{
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
		AttachmentPreview:  cfg.AttachmentPreview,
		FeedRetry:          cfg.FeedRetryInterval,
	})
	defer svc.Close()

	sweeper, err := retention.NewSweeper(store, cfg.SessionSweepCron, func(ids []string) {
		for _, id := range ids {
			svc.EndSession(id)
		}
	})
	if err != nil {
		return err
	}
	go sweeper.Run(ctx)

	hub := handlers.NewHub()
	go hub.Run(ctx)

	api := handlers.NewAPI(store, svc, hub, cfg)
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handlers.NewRouter(api, uploader.Dir()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("server starting", "addr", srv.Addr, "max_attachment", cfg.MaxAttachmentSize)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.L.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
