package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mx-space/authgate/internal/app"
	"github.com/mx-space/authgate/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "authgate",
		Short:         "Authentication service with a realtime gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultConfigPath, "Path to YAML config file")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newSessionsCommand(opts))
	root.AddCommand(newUsersCommand(opts))
	return root
}

func newLogger(cfg *config.AppConfig) (*zap.Logger, error) {
	if cfg.IsDev() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and realtime gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer logger.Sync()

			application, err := app.New(logger, cfg)
			if err != nil {
				return fmt.Errorf("initialize app: %w", err)
			}

			srv := &http.Server{
				Addr:              application.Addr(),
				Handler:           application.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			select {
			case err := <-serveErr:
				application.Shutdown()
				if err != nil {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			case <-quit:
			}

			logger.Info("shutting down server...")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			shutdownErr := srv.Shutdown(ctx)
			application.Shutdown()
			if shutdownErr != nil {
				return fmt.Errorf("forced shutdown: %w", shutdownErr)
			}
			logger.Info("server exited")
			return nil
		},
	}
}

// withCore loads config and opens storage without starting the HTTP side.
func withCore(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, core *app.Core) error) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx := commandContext(cmd)
	core, err := app.NewCore(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer core.Close()
	return fn(ctx, core)
}

func newSessionsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Session maintenance",
	}

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired and consumed sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, opts, func(ctx context.Context, core *app.Core) error {
				n, err := core.Auth.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d sessions\n", n)
				return nil
			})
		},
	}

	var userID string
	revokeAll := &cobra.Command{
		Use:   "revoke-all",
		Short: "Revoke every session, or every session of one user with --user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCore(cmd, opts, func(ctx context.Context, core *app.Core) error {
				var (
					n   int64
					err error
				)
				if userID != "" {
					n, err = core.Auth.RevokeSessionsForUser(ctx, userID)
				} else {
					n, err = core.Auth.RevokeAllSessions(ctx)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %d sessions\n", n)
				return nil
			})
		},
	}
	revokeAll.Flags().StringVar(&userID, "user", "", "Limit revocation to one user id")

	cmd.AddCommand(cleanup, revokeAll)
	return cmd
}

func newUsersCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "User administration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set-role <username|email> <role>",
		Short: "Change the role of a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCore(cmd, opts, func(ctx context.Context, core *app.Core) error {
				identity, err := core.Auth.SetRole(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) is now %s\n", identity.Username, identity.ID, identity.Role)
				return nil
			})
		},
	})
	return cmd
}
