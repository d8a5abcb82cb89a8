// Package types defines the core domain types shared across the monitor.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for cache/store transport
// 3. Immutability: Prefer value types; mutations create new instances
// 4. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// DATABASE
// =============================================================================

// DatabaseRole distinguishes the replication role of an instance.
type DatabaseRole string

const (
	RolePrimary DatabaseRole = "primary"
	RoleReplica DatabaseRole = "replica"
)

// DatabaseDescriptor is the identity and connection facts for one PostgreSQL
// instance. Descriptors are registered with the pool manager and persisted in
// the store; connection credentials are resolved separately at pool-creation
// time and never stored on the descriptor itself.
type DatabaseDescriptor struct {
	ID       string       `json:"id" validate:"required"`
	Name     string       `json:"name" validate:"required"`
	Host     string       `json:"host" validate:"required,hostname|ip"`
	Port     int          `json:"port" validate:"required,min=1,max=65535"`
	Database string       `json:"database" validate:"required"`
	Role     DatabaseRole `json:"role" validate:"required,oneof=primary replica"`

	// CredentialRef points at a secret (Secrets Manager ARN, 1Password item)
	// holding the login. Empty when the descriptor is registered with inline
	// credentials instead.
	CredentialRef string `json:"credential_ref,omitempty"`

	// UseIAMAuth exchanges the resolved username for a short-lived RDS IAM
	// token instead of a static password.
	UseIAMAuth bool `json:"use_iam_auth,omitempty"`

	// Cloud/environment tags for filtering and alert context.
	CloudAccount string            `json:"cloud_account,omitempty"`
	Environment  string            `json:"environment,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the descriptor has required fields and valid values.
func (d *DatabaseDescriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return NewValidationError("invalid database descriptor", err)
	}
	return nil
}

// DatabaseCredentials is a resolved login for one instance. Derived from a
// descriptor at pool-creation time and held only by the pool entry; the
// password is replaced in place when an IAM token is refreshed.
type DatabaseCredentials struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Database   string `json:"database"`
	Username   string `json:"username"`
	Password   string `json:"-"`
	UseIAMAuth bool   `json:"use_iam_auth"`
}

// ConnectionHealth is the per-database cached health record. Exactly one
// instance exists per registered database; it is overwritten on every
// health-check tick and read concurrently by discovery and alerting.
type ConnectionHealth struct {
	DatabaseID     string    `json:"database_id"`
	Healthy        bool      `json:"healthy"`
	LastCheck      time.Time `json:"last_check"`
	ResponseTimeMs float64   `json:"response_time_ms,omitempty"`
	ServerVersion  string    `json:"server_version,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// PoolStats is a point-in-time snapshot of one connection pool.
type PoolStats struct {
	DatabaseID string `json:"database_id"`
	Size       int    `json:"size"`
	Idle       int    `json:"idle"`
	MinSize    int    `json:"min_size"`
	MaxSize    int    `json:"max_size"`
}
