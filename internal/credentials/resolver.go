// Package credentials resolves provider API keys from the environment and
// the llm_api_keys table, memoizing every successful lookup.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/fyrsmithlabs/rulesmith/internal/config"
	"github.com/fyrsmithlabs/rulesmith/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrMissingCredential is returned by callers that require a credential the
// resolver could not find.
var ErrMissingCredential = errors.New("credential not found")

// Source records where a credential came from.
type Source string

const (
	SourceEnv       Source = "env"
	SourceDatastore Source = "datastore"
)

// Provider names and their environment overrides.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderMemory    = "mem0"

	EnvAnthropic = "ANTHROPIC_API_KEY"
	EnvOpenAI    = "OPENAI_API_KEY"
	EnvMemory    = "MEM0_API_KEY"
)

// Credential is a resolved provider access token.
type Credential struct {
	Provider string
	Value    config.Secret
	Source   Source
}

// Store looks up the active key for a provider. Implementations return
// ("", nil) when no row exists.
type Store interface {
	ActiveKey(ctx context.Context, provider string) (string, error)
}

// LookupFunc reads an environment-style override.
type LookupFunc func(key string) (string, bool)

// Option configures a Resolver.
type Option func(*Resolver)

// WithLookup replaces os.LookupEnv.
func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) { r.lookup = fn }
}

type cacheKey struct {
	provider string
	hint     string
}

type lookupResult struct {
	cred Credential
	ok   bool
}

// Resolver resolves credentials from an env override first and the store
// second. Entries stay cached until Clear. Concurrent misses for the same
// key share one lookup, and the cache lock is never held across it.
type Resolver struct {
	store  Store
	lookup LookupFunc
	logger *logging.Logger
	group  singleflight.Group

	mu    sync.Mutex
	cache map[cacheKey]Credential
	gen   uint64 // bumped by Clear; stale lookups do not repopulate
}

// NewResolver creates a resolver. A nil store means environment only.
func NewResolver(store Store, logger *logging.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Resolver{
		store:  store,
		lookup: os.LookupEnv,
		logger: logger.Named("credentials"),
		cache:  make(map[cacheKey]Credential),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the credential for provider, consulting the env var named
// by hint before the store. Store failures are logged and treated as absence.
func (r *Resolver) Resolve(ctx context.Context, provider, hint string) (Credential, bool) {
	key := cacheKey{provider: provider, hint: hint}
	cred, ok, gen := r.cached(key)
	if ok {
		return cred, true
	}

	v, _, _ := r.group.Do(fmt.Sprintf("%d\x00%s\x00%s", gen, provider, hint), func() (any, error) {
		// A flight that just finished may have filled the cache.
		if cred, ok, _ := r.cached(key); ok {
			return lookupResult{cred: cred, ok: true}, nil
		}
		cred, ok := r.find(ctx, provider, hint)
		if ok {
			r.mu.Lock()
			if r.gen == gen {
				r.cache[key] = cred
			}
			r.mu.Unlock()
		}
		return lookupResult{cred: cred, ok: ok}, nil
	})
	res := v.(lookupResult)
	return res.cred, res.ok
}

func (r *Resolver) cached(key cacheKey) (Credential, bool, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cred, ok := r.cache[key]
	return cred, ok, r.gen
}

// find consults the env override and then the store, without the lock.
func (r *Resolver) find(ctx context.Context, provider, hint string) (Credential, bool) {
	if hint != "" {
		if v, ok := r.lookup(hint); ok && v != "" {
			r.logger.Debug(ctx, "credential resolved", zap.String("provider", provider), zap.String("source", string(SourceEnv)))
			return Credential{Provider: provider, Value: config.Secret(v), Source: SourceEnv}, true
		}
	}

	if r.store != nil {
		v, err := r.store.ActiveKey(ctx, provider)
		if err != nil {
			r.logger.Error(ctx, "credential datastore lookup failed",
				zap.String("provider", provider), zap.Error(err))
		} else if v != "" {
			r.logger.Debug(ctx, "credential resolved", zap.String("provider", provider), zap.String("source", string(SourceDatastore)))
			return Credential{Provider: provider, Value: config.Secret(v), Source: SourceDatastore}, true
		}
	}

	r.logger.Warn(ctx, "no credential found", zap.String("provider", provider), zap.String("env", hint))
	return Credential{}, false
}

// Clear drops every cached credential, for key rotation.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.cache = make(map[cacheKey]Credential)
	r.gen++
	r.mu.Unlock()
	r.logger.Info(context.Background(), "credential cache cleared")
}

// Anthropic resolves the language model credential.
func (r *Resolver) Anthropic(ctx context.Context) (Credential, bool) {
	return r.Resolve(ctx, ProviderAnthropic, EnvAnthropic)
}

// OpenAI resolves the embedding credential.
func (r *Resolver) OpenAI(ctx context.Context) (Credential, bool) {
	return r.Resolve(ctx, ProviderOpenAI, EnvOpenAI)
}

// MemoryPlatform resolves the hosted memory service credential.
func (r *Resolver) MemoryPlatform(ctx context.Context) (Credential, bool) {
	return r.Resolve(ctx, ProviderMemory, EnvMemory)
}
