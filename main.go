package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mailscribe/cmd"
	"github.com/dhcgn/mailscribe/config"
	"github.com/dhcgn/mailscribe/imap"
	"github.com/dhcgn/mailscribe/server"
)

const (
	drainTimeout    = 2 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:          "mailscribe",
		Short:        "Forward incoming mail with transcripts of its audio and video attachments",
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			cfg, logger, cleanup, err := loadRuntime(c, config.ScopeService)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger.Info("starting mailscribe", "imap", cfg.IMAP.Host, "folder", cfg.IMAP.Folder, "forwardTo", cfg.SMTP.To, "store", cfg.Store.Driver)
			return run(c.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewReplayCommand(loadRuntime), cmd.NewRecordsCommand(loadRuntime))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func loadRuntime(c *cobra.Command, scope config.Scope) (config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.LoadConfig(c, scope)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, cleanup, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	mailbox, err := imap.NewMailbox(imap.Options{
		Host:               cfg.IMAP.Host,
		Port:               cfg.IMAP.Port,
		Username:           cfg.IMAP.Username,
		Password:           cfg.IMAP.Password,
		UseTLS:             cfg.IMAP.TLS,
		InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
		Folder:             cfg.IMAP.Folder,
	}, logger)
	if err != nil {
		return fmt.Errorf("imap.NewMailbox: %w", err)
	}

	svc, err := cmd.Build(cfg, mailbox, nil, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Pipeline.Run(gctx, svc.PurgeJob(logger))
	})

	if cfg.Ops.Listen != "" {
		srv := server.New(svc.Records, svc.Metrics.Handler(), svc.Pool, logger)
		g.Go(func() error {
			return srv.Start(cfg.Ops.Listen)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := svc.Close(drainCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}

	logger.Info("mailscribe stopped", svc.Pipeline.Summary().LogAttrs()...)
	return runErr
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.Log.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.Log.Dir != "" {
		if err := os.MkdirAll(cfg.Log.Dir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.Log.Dir, fmt.Sprintf("mailscribe-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
