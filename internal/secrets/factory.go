package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend specifies which backend to use: "aws", "1password", "local",
	// or "auto". "auto" (default) uses AWS if a region is configured, then
	// 1Password if configured, otherwise local.
	Backend string

	// AWS region for Secrets Manager and RDS IAM tokens.
	// Set via environment: AWS_REGION
	AWSRegion string

	// 1Password Connect configuration.
	// Set via environment: OP_CONNECT_HOST, OP_CONNECT_TOKEN, OP_VAULT_ID
	OnePassword OnePasswordConfig

	// Local credentials directory (default: ~/.replmon)
	LocalDir string

	// CacheTTL bounds how long a resolved login is reused before re-fetching.
	CacheTTL time.Duration
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	return Config{
		Backend:   getEnv("REPLMON_SECRETS_BACKEND", "auto"),
		AWSRegion: os.Getenv("AWS_REGION"),
		OnePassword: OnePasswordConfig{
			Host:    os.Getenv("OP_CONNECT_HOST"),
			Token:   os.Getenv("OP_CONNECT_TOKEN"),
			VaultID: os.Getenv("OP_VAULT_ID"),
		},
		LocalDir: os.Getenv("REPLMON_CREDENTIALS_DIR"),
		CacheTTL: 5 * time.Minute,
	}
}

// NewResolver creates a CredentialResolver based on configuration. The
// returned resolver is wrapped in a TTL cache.
func NewResolver(ctx context.Context, cfg Config, logger *slog.Logger) (*CachingResolver, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	var (
		inner CredentialResolver
		err   error
	)

	switch backend {
	case "aws":
		if cfg.AWSRegion == "" {
			return nil, fmt.Errorf("aws backend requested but AWS_REGION not set")
		}
		inner, err = NewAWSResolver(ctx, cfg.AWSRegion, logger)

	case "1password":
		inner, err = NewOnePasswordResolver(cfg.OnePassword, logger)

	case "local":
		inner, err = NewLocalResolver(cfg.LocalDir, logger)

	case "auto":
		// Prefer AWS, then 1Password, fall back to local.
		switch {
		case cfg.AWSRegion != "":
			inner, err = NewAWSResolver(ctx, cfg.AWSRegion, logger)
			if err != nil {
				logger.Warn("failed to initialize AWS resolver, falling back to local",
					"error", err)
				inner, err = NewLocalResolver(cfg.LocalDir, logger)
			}
		case cfg.OnePassword.Token != "":
			inner, err = NewOnePasswordResolver(cfg.OnePassword, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password resolver, falling back to local",
					"error", err)
				inner, err = NewLocalResolver(cfg.LocalDir, logger)
			}
		default:
			logger.Info("no secrets backend configured, using local credentials file")
			inner, err = NewLocalResolver(cfg.LocalDir, logger)
		}

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
	if err != nil {
		return nil, err
	}

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return NewCachingResolver(inner, ttl), nil
}

// NewTokenGenerator creates an IAM token generator when a region is
// configured, nil otherwise. A nil generator means IAM-auth descriptors
// cannot be registered.
func NewTokenGenerator(ctx context.Context, cfg Config, logger *slog.Logger) (TokenGenerator, error) {
	if cfg.AWSRegion == "" {
		return nil, nil
	}
	return NewRDSTokenGenerator(ctx, cfg.AWSRegion, logger)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
