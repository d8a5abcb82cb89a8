// Package secrets resolves database credentials from secret backends.
//
// This package defines a CredentialResolver interface consumed by the pool
// manager. The primary implementation reads AWS Secrets Manager, with a
// 1Password Connect backend for non-AWS deployments and a local file-based
// fallback for development. IAM token generation for RDS is a separate,
// optional concern behind TokenGenerator.
package secrets

import (
	"context"
	"sync"
	"time"

	"github.com/pilot-net/repl-mon/pkg/types"
)

// CredentialResolver turns a secret reference into a database login.
type CredentialResolver interface {
	// GetDatabaseCredentials resolves the reference (ARN, item name, file
	// key) into a full login. Returns a KindNotFound error when the secret
	// does not exist and a KindConfiguration error when it is malformed.
	GetDatabaseCredentials(ctx context.Context, reference string) (*types.DatabaseCredentials, error)

	// Close releases any resources held by the resolver.
	Close() error
}

// TokenGenerator exchanges a login for a short-lived IAM auth token. Tokens
// are used as passwords; expiry is not tracked here, the pool manager
// refreshes reactively when a connection is detected broken.
type TokenGenerator interface {
	GenerateAuthToken(ctx context.Context, host string, port int, username string) (string, error)
}

// cachedCredentials pairs a resolved login with its fetch time.
type cachedCredentials struct {
	creds     *types.DatabaseCredentials
	fetchedAt time.Time
}

// CachingResolver wraps another resolver with a bounded-TTL cache so repeated
// pool recreations do not hammer the secret backend.
type CachingResolver struct {
	inner CredentialResolver
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[string]cachedCredentials
}

// NewCachingResolver wraps inner with a TTL cache.
func NewCachingResolver(inner CredentialResolver, ttl time.Duration) *CachingResolver {
	return &CachingResolver{
		inner: inner,
		ttl:   ttl,
		cache: make(map[string]cachedCredentials),
	}
}

// GetDatabaseCredentials returns the cached login when fresh, otherwise
// resolves through the inner backend.
func (r *CachingResolver) GetDatabaseCredentials(ctx context.Context, reference string) (*types.DatabaseCredentials, error) {
	r.mu.RLock()
	entry, ok := r.cache[reference]
	r.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < r.ttl {
		return entry.creds, nil
	}

	creds, err := r.inner.GetDatabaseCredentials(ctx, reference)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[reference] = cachedCredentials{creds: creds, fetchedAt: time.Now()}
	r.mu.Unlock()
	return creds, nil
}

// Invalidate drops one cached entry, forcing the next resolve to hit the
// backend. Called after a credential-related connection failure.
func (r *CachingResolver) Invalidate(reference string) {
	r.mu.Lock()
	delete(r.cache, reference)
	r.mu.Unlock()
}

// Close closes the wrapped resolver.
func (r *CachingResolver) Close() error {
	return r.inner.Close()
}
