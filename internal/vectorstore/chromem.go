package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("rulesmith.vectorstore.chromem")

// chromemCollectionPrefix prefixes per-user collection names.
const chromemCollectionPrefix = "memories"

// listQuery is the query text used to enumerate a collection; chromem has
// no scan API so List queries with k equal to the collection size.
const listQuery = "memory"

// ChromemConfig configures the embedded store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string

	// Compress enables gzip for persisted collections.
	Compress bool
}

// ChromemStore keeps one chromem collection per namespace.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	logger   *zap.Logger

	// chromem does not serialize concurrent writes to the same document file.
	mu sync.Mutex
}

// NewChromemStore opens (or creates) the embedded database.
func NewChromemStore(cfg ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandPath(cfg.Path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return nil, fmt.Errorf("creating chromem directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem database at %s: %w", path, err)
		}
		logger.Info("chromem store opened", zap.String("path", path), zap.Bool("compress", cfg.Compress))
	}

	return &ChromemStore{db: db, embedder: embedder, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding %s: %w", path, err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path, nil
}

func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

// CollectionName returns the collection holding namespace's documents.
func (s *ChromemStore) CollectionName(namespace string) string {
	return NamespaceCollection(chromemCollectionPrefix, namespace)
}

// Add implements Store.
func (s *ChromemStore) Add(ctx context.Context, namespace string, docs []Document) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Add")
	defer span.End()
	span.SetAttributes(attribute.Int("document_count", len(docs)))

	if namespace == "" {
		return ErrEmptyNamespace
	}
	if len(docs) == 0 {
		return ErrEmptyDocuments
	}

	name := s.CollectionName(namespace)
	if err := ValidateCollectionName(name); err != nil {
		return err
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("%w: got %d vectors for %d documents", ErrEmbeddingFailed, len(vectors), len(docs))
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		meta := make(map[string]string, len(d.Metadata)+1)
		for k, v := range d.Metadata {
			meta[k] = v
		}
		meta[MetaNamespace] = namespace
		chromemDocs[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  meta,
			Embedding: vectors[i],
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	collection, err := s.db.GetOrCreateCollection(name, nil, s.embeddingFunc())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("getting/creating collection %s: %w", name, err)
	}

	// Embeddings are precomputed, so concurrency 1 is enough.
	if err := collection.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("added documents to chromem",
		zap.String("collection", name),
		zap.Int("count", len(docs)),
	)
	return nil
}

// Search implements Store.
func (s *ChromemStore) Search(ctx context.Context, namespace, query string, k int) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k))

	if namespace == "" {
		return nil, ErrEmptyNamespace
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	results, err := s.query(ctx, s.CollectionName(namespace), query, k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// List implements Store.
func (s *ChromemStore) List(ctx context.Context, namespace string) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.List")
	defer span.End()

	if namespace == "" {
		return nil, ErrEmptyNamespace
	}

	results, err := s.query(ctx, s.CollectionName(namespace), listQuery, -1)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool { return createdAtLess(results[i], results[j]) })

	span.SetAttributes(attribute.Int("results_count", len(results)))
	return results, nil
}

// query runs a similarity query; k < 0 means the whole collection. A
// missing collection yields no results.
func (s *ChromemStore) query(ctx context.Context, name, text string, k int) ([]SearchResult, error) {
	collection := s.db.GetCollection(name, s.embeddingFunc())
	if collection == nil {
		return []SearchResult{}, nil
	}

	// chromem requires nResults <= document count
	count := collection.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	if k < 0 || k > count {
		k = count
	}

	found, err := collection.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", name, err)
	}

	results := make([]SearchResult, len(found))
	for i, r := range found {
		results[i] = SearchResult{
			ID:       r.ID,
			Content:  r.Content,
			Score:    r.Similarity,
			Metadata: r.Metadata,
		}
	}
	return results, nil
}

// Close implements Store. chromem persists on every write, so there is nothing to flush.
func (s *ChromemStore) Close() error {
	return nil
}
