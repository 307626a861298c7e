// Package app defines the mcpgate CLI commands.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/agencyhub/mcpgate/pkg/config"
	"github.com/agencyhub/mcpgate/pkg/logger"
	"github.com/agencyhub/mcpgate/pkg/registry"
	"github.com/agencyhub/mcpgate/pkg/server"
	"github.com/agencyhub/mcpgate/pkg/storage"
)

var configPath string

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mcpgate",
		Short: "Multi-tenant MCP gateway with OAuth 2.1 authorization",
		Long: `mcpgate serves Model Context Protocol endpoints for multiple tenants,
with version negotiation, queued async responses over SSE and streamable
HTTP, and an embedded OAuth 2.1 authorization server.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Fatalf("failed to bind flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Initialize()

			store, err := newStorage(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(cfg, store, registry.New())
			return srv.Run(ctx)
		},
	}
}

func newStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Database.Driver {
	case "redis":
		return storage.NewRedisStorage(ctx, storage.RedisConfig{
			Addr:      cfg.Database.RedisAddr,
			Username:  cfg.Database.RedisUsername,
			Password:  cfg.Database.RedisPassword,
			DB:        cfg.Database.RedisDB,
			KeyPrefix: cfg.Database.KeyPrefix,
		})
	case "memory":
		logger.Warn("using in-memory storage; state is lost on restart")
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Database.Driver)
	}
}
