// Package cmd is the fn-scheduler command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/baishicoke/fn-scheduler/internal/accounts"
	"github.com/baishicoke/fn-scheduler/internal/config"
	"github.com/baishicoke/fn-scheduler/internal/engine"
	"github.com/baishicoke/fn-scheduler/internal/httpapi"
	"github.com/baishicoke/fn-scheduler/internal/runner"
	"github.com/baishicoke/fn-scheduler/internal/store"
)

func rootCmd() *cobra.Command {
	cfg := config.FromEnv()
	cmd := &cobra.Command{
		Use:   "fn-scheduler",
		Short: "Single-node task scheduler with an HTTP control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.UnixSocket, "unix-socket", cfg.UnixSocket, "path to a unix domain socket to bind instead of TCP")
	cmd.Flags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to the sqlite database file")
	cmd.Flags().StringVar(&cfg.BasePath, "base-path", cfg.BasePath, "base URL path to mount the API under")
	cmd.Flags().BoolVar(&cfg.PreferIPv6, "ipv6", cfg.PreferIPv6, "bind an IPv6 socket (accepts IPv4 via mapped addresses)")
	return cmd
}

// Execute runs the command tree. Exit code is nonzero on any init failure.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cfg config.Config) error {
	cfg.DBPath = config.StripWrappingQuotes(cfg.DBPath)
	cfg.UnixSocket = config.StripWrappingQuotes(cfg.UnixSocket)
	cfg.BasePath = config.NormalizeBasePath(config.StripWrappingQuotes(cfg.BasePath))

	dir := accounts.NewDirectory()
	st, err := store.Open(cfg.DBPath, dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	rn := runner.New(st, runner.Config{
		TaskTimeout:      cfg.TaskTimeout,
		ConditionTimeout: cfg.ConditionTimeout,
	})
	eng := engine.New(st, rn)
	api := httpapi.New(st, eng, dir, cfg.BasePath)

	ln, err := httpapi.Listen(cfg)
	if err != nil {
		return err
	}
	if cfg.UnixSocket != "" {
		defer os.Remove(cfg.UnixSocket)
		slog.Info("starting scheduler", "socket", cfg.UnixSocket, "base_path", cfg.BasePath, "db", cfg.DBPath)
	} else {
		slog.Info("starting scheduler", "addr", ln.Addr().String(), "base_path", cfg.BasePath, "db", cfg.DBPath)
	}

	srv := &http.Server{Handler: api.Handler()}

	eng.Start()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down scheduler", "signal", sig.String())
		// Further signals are swallowed so a double Ctrl-C cannot cut the
		// shutdown hooks short.
		go func() {
			for range sigCh {
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("http shutdown failed", "error", err)
		}
	}()

	err = srv.Serve(ln)
	eng.Stop()
	signal.Stop(sigCh)
	close(sigCh)

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
