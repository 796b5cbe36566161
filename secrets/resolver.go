// Package secrets provides get-by-reference access to tenant source-API
// credentials (SPEC_FULL §6 "Secrets store: get-by-reference only") and the
// per-chunk credential cache that keeps a resolved secret out of any
// process-global state (§9 "Per-tenant credentials cache: scoped
// acquisition with guaranteed release at chunk end; never process-global").
package secrets

import (
	"context"
	"fmt"
	"sync"

	infisical "github.com/infisical/go-sdk"

	"pipelinecore.evalgo.org/config"
)

// Resolver fetches the opaque key/value map a secret reference points to.
// The pipeline never interprets these values itself beyond handing them to
// sourceapi.Client as request headers/params.
type Resolver interface {
	Resolve(ctx context.Context, secretRef string) (map[string]string, error)
}

// InfisicalResolver resolves secret references against one Infisical
// project/environment, grounded on the teacher's security.InfisicalSecrets
// (_examples/evalgo-org-eve/security/infisical.go), generalized from a
// one-shot CLI helper that os.Exit(1)s on failure into a reusable Resolver
// that returns errors to its caller.
type InfisicalResolver struct {
	client      *infisical.InfisicalClient
	projectID   string
	environment string
}

// NewInfisicalResolver authenticates once via universal auth and returns a
// Resolver good for the process's lifetime; individual Resolve calls only
// perform the List, not a fresh login.
func NewInfisicalResolver(ctx context.Context, cfg config.SecretsConfig) (*InfisicalResolver, error) {
	client := infisical.NewInfisicalClient(ctx, infisical.Config{
		SiteUrl:          cfg.SiteURL,
		AutoTokenRefresh: true,
	})

	if _, err := client.Auth().UniversalAuthLogin(cfg.ClientID, cfg.ClientSecret); err != nil {
		return nil, fmt.Errorf("infisical universal auth login: %w", err)
	}

	return &InfisicalResolver{
		client:      &client,
		projectID:   cfg.ProjectID,
		environment: cfg.Environment,
	}, nil
}

// Resolve fetches every secret under secretRef (treated as an Infisical
// secret path, e.g. "/acme/connectwise") and returns them as a flat
// key/value map (§6 "values returned as an opaque key/value map").
func (r *InfisicalResolver) Resolve(ctx context.Context, secretRef string) (map[string]string, error) {
	results, err := r.client.Secrets().List(infisical.ListSecretsOptions{
		AttachToProcessEnv: false,
		Environment:        r.environment,
		ProjectID:          r.projectID,
		SecretPath:         secretRef,
		IncludeImports:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve secret %s: %w", secretRef, err)
	}

	out := make(map[string]string, len(results))
	for _, secret := range results {
		out[secret.SecretKey] = secret.SecretValue
	}
	return out, nil
}

// Credentials is a resolved secret handed to a Chunk Processor for the
// lifetime of one chunk invocation.
type Credentials map[string]string

// Cache scopes credential resolution to a single chunk invocation (§9). It
// is constructed fresh per chunk and discarded at chunk end — never a
// process-wide singleton, and never shared across chunks or tenants.
type Cache struct {
	resolver Resolver
	mu       sync.Mutex
	value    Credentials
	ref      string
	resolved bool
}

// NewCache constructs a Cache bound to one secretRef, backed by resolver.
func NewCache(resolver Resolver, secretRef string) *Cache {
	return &Cache{resolver: resolver, ref: secretRef}
}

// Acquire resolves (and memoizes) the credentials for this cache's secret
// reference. Safe to call repeatedly across a chunk's page loop; the
// resolver is only hit once.
func (c *Cache) Acquire(ctx context.Context) (Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolved {
		return c.value, nil
	}
	creds, err := c.resolver.Resolve(ctx, c.ref)
	if err != nil {
		return nil, err
	}
	c.value = creds
	c.resolved = true
	return c.value, nil
}

// Release drops the cached credentials. Called unconditionally at chunk end
// (success, failure, or timeout) so no per-tenant secret outlives its chunk.
func (c *Cache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
	c.resolved = false
}
