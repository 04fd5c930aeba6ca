package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rulesmith/internal/config"
	"github.com/fyrsmithlabs/rulesmith/internal/credentials"
	"github.com/fyrsmithlabs/rulesmith/internal/embeddings"
	"github.com/fyrsmithlabs/rulesmith/internal/events"
	"github.com/fyrsmithlabs/rulesmith/internal/extraction"
	"github.com/fyrsmithlabs/rulesmith/internal/logging"
	"github.com/fyrsmithlabs/rulesmith/internal/memory"
	"github.com/fyrsmithlabs/rulesmith/internal/pipeline"
	"github.com/fyrsmithlabs/rulesmith/internal/rules"
	"github.com/fyrsmithlabs/rulesmith/internal/secrets"
	"github.com/fyrsmithlabs/rulesmith/internal/vectorstore"
)

// Registry provides access to the services of one process.
type Registry interface {
	Pipeline() *pipeline.Pipeline
	Memory() *memory.Gateway
	Credentials() *credentials.Resolver
	// Repository is nil when no database is configured.
	Repository() *rules.Repository
	Events() events.Publisher
	Scrubber() secrets.Scrubber
	Close() error
}

// Options overrides pieces of Build, mainly for tests.
type Options struct {
	// Lookup replaces os.LookupEnv for credential overrides.
	Lookup credentials.LookupFunc

	// MessageClient replaces the Anthropic client.
	MessageClient extraction.MessageClient

	// Embedder replaces the OpenAI embedder. When set, the memory backend
	// is built even without an OpenAI credential.
	Embedder vectorstore.Embedder

	// DB replaces the connection opened from database.url.
	DB *sqlx.DB

	// Scrubber replaces the scrubber built from the secrets section.
	Scrubber secrets.Scrubber

	// MemoryOnly stops after the memory gateway: no Anthropic credential is
	// required and Pipeline returns nil. Used by diagnostics.
	MemoryOnly bool

	Tracer trace.Tracer
}

type registry struct {
	pipeline    *pipeline.Pipeline
	memory      *memory.Gateway
	credentials *credentials.Resolver
	repository  *rules.Repository
	events      events.Publisher
	scrubber    secrets.Scrubber

	db      *sqlx.DB
	closers []func() error
}

func (r *registry) Pipeline() *pipeline.Pipeline       { return r.pipeline }
func (r *registry) Memory() *memory.Gateway            { return r.memory }
func (r *registry) Credentials() *credentials.Resolver { return r.credentials }
func (r *registry) Repository() *rules.Repository      { return r.repository }
func (r *registry) Events() events.Publisher           { return r.events }
func (r *registry) Scrubber() secrets.Scrubber         { return r.scrubber }

// Close releases services in reverse construction order.
func (r *registry) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Build constructs every service from cfg. It fails when the Anthropic
// credential is missing, or when platform memory is selected without the
// hosted memory credential. A missing OpenAI credential only disables
// memory.
func Build(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts Options) (_ Registry, err error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("services")
	r := &registry{}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	if err := r.openDatabase(ctx, cfg.Database, opts.DB); err != nil {
		return nil, err
	}

	var store credentials.Store
	if r.db != nil {
		store = credentials.NewPostgresStore(r.db)
		r.repository = rules.NewRepository(r.db, logger)
	}
	var resolverOpts []credentials.Option
	if opts.Lookup != nil {
		resolverOpts = append(resolverOpts, credentials.WithLookup(opts.Lookup))
	}
	r.credentials = credentials.NewResolver(store, logger, resolverOpts...)

	var anthropicKey credentials.Credential
	if !opts.MemoryOnly {
		var ok bool
		if anthropicKey, ok = r.credentials.Anthropic(ctx); !ok {
			return nil, fmt.Errorf("%w: %s (set %s or add an active llm_api_keys row)",
				credentials.ErrMissingCredential, credentials.ProviderAnthropic, credentials.EnvAnthropic)
		}
	}

	if r.memory, err = r.buildMemory(ctx, cfg, logger, opts.Embedder); err != nil {
		return nil, err
	}
	logger.Info(ctx, "memory gateway ready", zap.String("mode", r.memory.Mode()))
	if opts.MemoryOnly {
		r.events = events.NoopPublisher{}
		r.scrubber = secrets.NoopScrubber{}
		return r, nil
	}

	if opts.Scrubber != nil {
		r.scrubber = opts.Scrubber
	} else if r.scrubber, err = secrets.New(cfg.Secrets.Enabled, cfg.Secrets.AllowRegexes); err != nil {
		return nil, fmt.Errorf("creating secret scrubber: %w", err)
	}
	if err := secrets.Ready(r.scrubber); err != nil {
		return nil, err
	}

	temperature := cfg.Extraction.Temperature
	callerCfg := extraction.Config{
		APIKey:        anthropicKey.Value.Value(),
		BaseURL:       cfg.Extraction.BaseURL,
		Model:         cfg.Extraction.Model,
		MaxTokens:     cfg.Extraction.MaxTokens,
		Temperature:   &temperature,
		Timeout:       cfg.Extraction.Timeout.Duration(),
		MaxRetries:    cfg.Extraction.MaxRetries,
		BaseBackoff:   cfg.Extraction.BaseBackoff.Duration(),
		RatePerMinute: cfg.Extraction.RatePerMinute,
		Burst:         cfg.Extraction.Burst,
	}
	var caller *extraction.Caller
	if opts.MessageClient != nil {
		caller = extraction.NewCallerWithClient(opts.MessageClient, callerCfg, logger)
	} else if caller, err = extraction.NewCaller(callerCfg, logger); err != nil {
		return nil, fmt.Errorf("creating extraction caller: %w", err)
	}

	policy, err := pipeline.ParseFailurePolicy(cfg.Extraction.FailurePolicy)
	if err != nil {
		return nil, err
	}
	r.pipeline, err = pipeline.New(pipeline.Options{
		Extractor: caller,
		Memory:    r.memory,
		Scrubber:  r.scrubber,
		Policy:    policy,
		Logger:    logger,
		Tracer:    opts.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	if cfg.Events.NATSURL == "" {
		r.events = events.NoopPublisher{}
	} else {
		pub, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		r.events = pub
		r.closers = append(r.closers, func() error { pub.Close(); return nil })
		logger.Info(ctx, "extraction events enabled", zap.String("subject_prefix", cfg.Events.SubjectPrefix))
	}

	return r, nil
}

func (r *registry) openDatabase(ctx context.Context, cfg config.DatabaseConfig, injected *sqlx.DB) error {
	if injected != nil {
		r.db = injected
		return nil
	}
	if !cfg.URL.IsSet() {
		return nil
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.URL.Value())
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	r.db = db
	r.closers = append(r.closers, db.Close)
	return nil
}

// buildMemory selects the vector backend for cfg.Memory.Mode.
func (r *registry) buildMemory(ctx context.Context, cfg *config.Config, logger *logging.Logger, embedder vectorstore.Embedder) (*memory.Gateway, error) {
	var platformKey credentials.Credential
	if cfg.Memory.Mode == config.MemoryModePlatform {
		var ok bool
		if platformKey, ok = r.credentials.MemoryPlatform(ctx); !ok {
			return nil, fmt.Errorf("%w: %s is required in platform memory mode (set %s)",
				credentials.ErrMissingCredential, credentials.ProviderMemory, credentials.EnvMemory)
		}
	}

	if embedder == nil {
		openaiKey, ok := r.credentials.OpenAI(ctx)
		if !ok {
			logger.Warn(ctx, "no embedding credential, memory disabled", zap.String("env", credentials.EnvOpenAI))
			return memory.Disabled(logger), nil
		}
		provider, err := embeddings.NewOpenAIProvider(embeddings.Config{
			APIKey:     openaiKey.Value.Value(),
			Model:      cfg.Embeddings.Model,
			BaseURL:    cfg.Embeddings.BaseURL,
			Dimensions: cfg.Embeddings.Dimensions,
		}, logger.Underlying())
		if err != nil {
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
		r.closers = append(r.closers, provider.Close)
		embedder = provider
	}

	var store vectorstore.Store
	switch cfg.Memory.Mode {
	case config.MemoryModePlatform:
		qs, err := vectorstore.NewQdrantStore(ctx, vectorstore.QdrantConfig{
			Host:       cfg.Memory.QdrantHost,
			Port:       cfg.Memory.QdrantPort,
			UseTLS:     cfg.Memory.QdrantTLS,
			APIKey:     platformKey.Value.Value(),
			Collection: cfg.Memory.QdrantCollection,
			VectorSize: cfg.Embeddings.Dimensions,
		}, embedder, logger.Underlying())
		if err != nil {
			return nil, fmt.Errorf("creating qdrant store: %w", err)
		}
		store = qs
	default:
		cs, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
			Path:     cfg.Memory.ChromemPath,
			Compress: cfg.Memory.ChromemCompress,
		}, embedder, logger.Underlying())
		if err != nil {
			return nil, fmt.Errorf("creating chromem store: %w", err)
		}
		store = cs
	}

	gw, err := memory.New(store, cfg.Memory.Mode, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	r.closers = append(r.closers, gw.Close)
	return gw, nil
}
