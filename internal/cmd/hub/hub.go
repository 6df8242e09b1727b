// Package hub parses hub command flags and composes transport entrypoints.
package hub

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/gatherspace/gatherspace/internal/platform/cmd"
	server "github.com/gatherspace/gatherspace/internal/services/hub/app"
	"github.com/gatherspace/gatherspace/internal/services/hub/magiclink"
)

// Config holds hub command configuration.
type Config struct {
	HTTPAddr    string `env:"GATHERSPACE_HUB_HTTP_ADDR"    envDefault:":8090"`
	StoragePath string `env:"GATHERSPACE_HUB_STORAGE_PATH" envDefault:"hub.db"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "hub HTTP listen address")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "hub SQLite storage path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the hub app and starts the messaging transport.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceHub, func(context.Context) error {
		token, err := magiclink.LoadTokenConfigFromEnv(time.Now)
		if err != nil {
			return fmt.Errorf("load session token config: %w", err)
		}

		if err := server.Run(ctx, server.Config{
			HTTPAddr:    cfg.HTTPAddr,
			StoragePath: cfg.StoragePath,
			MagicLink:   magiclink.LoadConfigFromEnv(),
			Token:       token,
		}); err != nil {
			return fmt.Errorf("serve hub: %w", err)
		}
		return nil
	})
}
