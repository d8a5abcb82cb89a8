package secrets

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/pilot-net/repl-mon/pkg/types"
)

// LocalResolver resolves credential references from a JSON file on disk,
// mapping reference → login. Intended for development and tests, not
// production.
type LocalResolver struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	creds map[string]types.DatabaseCredentials
}

// localCredentialEntry is the on-disk shape. Unlike the runtime type the
// password has to serialize here.
type localCredentialEntry struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// NewLocalResolver creates a file-backed resolver. If dir is empty,
// ~/.replmon is used. The file is loaded lazily on first resolve.
func NewLocalResolver(dir string, logger *slog.Logger) (*LocalResolver, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, types.NewConfigurationError("resolving home directory: %v", err)
		}
		dir = filepath.Join(home, ".replmon")
	}
	return &LocalResolver{
		path:   filepath.Join(dir, "credentials.json"),
		logger: logger,
	}, nil
}

// GetDatabaseCredentials looks up the reference in the credentials file.
func (r *LocalResolver) GetDatabaseCredentials(ctx context.Context, reference string) (*types.DatabaseCredentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.creds == nil {
		if err := r.load(); err != nil {
			return nil, err
		}
	}

	creds, ok := r.creds[reference]
	if !ok {
		return nil, types.NewNotFoundError("credential reference %s not in %s", reference, r.path)
	}
	return &creds, nil
}

func (r *LocalResolver) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.NewNotFoundError("credentials file %s does not exist", r.path)
		}
		return types.NewConfigurationError("reading %s: %v", r.path, err)
	}

	var entries map[string]localCredentialEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return types.NewConfigurationError("parsing %s: %v", r.path, err)
	}

	r.creds = make(map[string]types.DatabaseCredentials, len(entries))
	for ref, e := range entries {
		port := e.Port
		if port == 0 {
			port = 5432
		}
		r.creds[ref] = types.DatabaseCredentials{
			Host:     e.Host,
			Port:     port,
			Database: e.Database,
			Username: e.Username,
			Password: e.Password,
		}
	}
	r.logger.Debug("loaded local credentials file", "path", r.path, "entries", len(r.creds))
	return nil
}

// Close implements CredentialResolver.
func (r *LocalResolver) Close() error { return nil }
