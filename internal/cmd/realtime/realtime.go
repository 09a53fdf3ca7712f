// Package realtime parses realtime command flags and composes the service
// entrypoint.
package realtime

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/guildpoint/guildpoint/internal/platform/cmd"
	server "github.com/guildpoint/guildpoint/internal/services/realtime/app"
)

// Config holds realtime command configuration.
type Config struct {
	HTTPAddr          string        `env:"GUILDPOINT_REALTIME_HTTP_ADDR"       envDefault:":8090"`
	StoragePath       string        `env:"GUILDPOINT_REALTIME_DB_PATH"         envDefault:"realtime.db"`
	SocialBaseURL     string        `env:"GUILDPOINT_SOCIAL_BASE_URL"          envDefault:"http://localhost:8091"`
	ResourceSecret    string        `env:"GUILDPOINT_RESOURCE_SECRET"`
	TokenIssuer       string        `env:"GUILDPOINT_TOKEN_ISSUER"             envDefault:"guildpoint-auth"`
	TokenAudience     string        `env:"GUILDPOINT_TOKEN_AUDIENCE"           envDefault:"guildpoint-realtime"`
	TokenPublicKey    string        `env:"GUILDPOINT_TOKEN_PUBLIC_KEY"`
	MaxContentBytes   int           `env:"GUILDPOINT_REALTIME_MAX_CONTENT_BYTES" envDefault:"8192"`
	HeartbeatInterval time.Duration `env:"GUILDPOINT_REALTIME_HEARTBEAT_INTERVAL" envDefault:"25s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "realtime HTTP listen address")
	fs.StringVar(&cfg.StoragePath, "db-path", cfg.StoragePath, "realtime SQLite database path")
	fs.StringVar(&cfg.SocialBaseURL, "social-base-url", cfg.SocialBaseURL, "social service base URL for membership checks")
	fs.StringVar(&cfg.ResourceSecret, "resource-secret", cfg.ResourceSecret, "shared secret for internal membership calls")
	fs.StringVar(&cfg.TokenIssuer, "token-issuer", cfg.TokenIssuer, "expected identity token issuer")
	fs.StringVar(&cfg.TokenAudience, "token-audience", cfg.TokenAudience, "expected identity token audience")
	fs.StringVar(&cfg.TokenPublicKey, "token-public-key", cfg.TokenPublicKey, "base64 Ed25519 public key for identity tokens")
	fs.IntVar(&cfg.MaxContentBytes, "max-content-bytes", cfg.MaxContentBytes, "maximum message content size in bytes")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "expected client heartbeat interval")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the realtime app and serves it until the context ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceRealtime, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:          cfg.HTTPAddr,
			StoragePath:       cfg.StoragePath,
			SocialBaseURL:     cfg.SocialBaseURL,
			ResourceSecret:    cfg.ResourceSecret,
			TokenIssuer:       cfg.TokenIssuer,
			TokenAudience:     cfg.TokenAudience,
			TokenPublicKey:    cfg.TokenPublicKey,
			MaxContentBytes:   cfg.MaxContentBytes,
			HeartbeatInterval: cfg.HeartbeatInterval,
		}); err != nil {
			return fmt.Errorf("serve realtime: %w", err)
		}
		return nil
	})
}
