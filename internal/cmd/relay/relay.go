// Package relay parses relay command flags and composes the server entrypoint.
package relay

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/louisbranch/chatrelay/internal/app"
	entrypoint "github.com/louisbranch/chatrelay/internal/platform/cmd"
)

// Config holds relay command configuration.
type Config struct {
	HTTPAddr      string        `env:"CHATRELAY_HTTP_ADDR"        envDefault:":8080"`
	DBPath        string        `env:"CHATRELAY_DB_PATH"          envDefault:"chatrelay.db"`
	AuthSecret    string        `env:"CHATRELAY_AUTH_HMAC_SECRET"`
	QueueSize     int           `env:"CHATRELAY_QUEUE_SIZE"       envDefault:"64"`
	ShutdownGrace time.Duration `env:"CHATRELAY_SHUTDOWN_GRACE"   envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "relay HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite database path")
	fs.StringVar(&cfg.AuthSecret, "auth-secret", cfg.AuthSecret, "HMAC secret for access token validation")
	fs.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "per-connection outbound frame queue size")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "graceful shutdown timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the relay app and serves until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRelay, func(context.Context) error {
		if err := app.Run(ctx, app.Config{
			HTTPAddr:        cfg.HTTPAddr,
			DBPath:          cfg.DBPath,
			AuthSecret:      cfg.AuthSecret,
			QueueSize:       cfg.QueueSize,
			ShutdownTimeout: cfg.ShutdownGrace,
		}); err != nil {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	})
}
