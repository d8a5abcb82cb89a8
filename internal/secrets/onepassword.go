package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/1Password/connect-sdk-go/connect"

	"github.com/pilot-net/repl-mon/pkg/types"
)

// OnePasswordResolver resolves credential references as 1Password item titles
// using the Connect API.
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault holding database items
//
// Items are expected to carry fields labeled host, port, database, username,
// and password.
type OnePasswordResolver struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger
}

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID
}

// NewOnePasswordResolver creates a 1Password-backed resolver.
func NewOnePasswordResolver(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordResolver, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "repl-mon")

	return &OnePasswordResolver{
		client:  client,
		vaultID: cfg.VaultID,
		logger:  logger,
	}, nil
}

// GetDatabaseCredentials loads the item and maps its fields to a login.
func (r *OnePasswordResolver) GetDatabaseCredentials(ctx context.Context, reference string) (*types.DatabaseCredentials, error) {
	item, err := r.client.GetItemByTitle(reference, r.vaultID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, types.NewNotFoundError("1Password item %s not found", reference)
		}
		return nil, types.NewConnectionError("fetching 1Password item "+reference, err)
	}

	creds := &types.DatabaseCredentials{Port: 5432}
	for _, f := range item.Fields {
		switch strings.ToLower(f.Label) {
		case "host", "server":
			creds.Host = f.Value
		case "port":
			if n, perr := strconv.Atoi(f.Value); perr == nil {
				creds.Port = n
			}
		case "database", "dbname":
			creds.Database = f.Value
		case "username", "user":
			creds.Username = f.Value
		case "password":
			creds.Password = f.Value
		}
	}
	if creds.Host == "" || creds.Username == "" {
		return nil, types.NewConfigurationError("1Password item %s missing host or username field", reference)
	}

	r.logger.Debug("resolved database credentials",
		"reference", reference,
		"host", creds.Host,
		"username", creds.Username)

	return creds, nil
}

// Close implements CredentialResolver.
func (r *OnePasswordResolver) Close() error { return nil }
