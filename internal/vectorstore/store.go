// Package vectorstore stores conversation turns as embedded documents,
// partitioned by an owning namespace (the user ID).
package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Sentinel errors for vector store operations.
var (
	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrEmptyNamespace indicates a missing owner namespace.
	ErrEmptyNamespace = errors.New("namespace cannot be empty")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed indicates the backend could not be reached.
	ErrConnectionFailed = errors.New("failed to connect to vector store")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// Metadata keys written on every document.
const (
	MetaNamespace      = "user_id"
	MetaConversationID = "conversation_id"
	MetaRole           = "role"
	MetaCreatedAt      = "created_at"
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Document is one stored text with string metadata.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// SearchResult is a stored document with its similarity to a query.
type SearchResult struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]string
}

// Store is implemented by ChromemStore and QdrantStore.
type Store interface {
	// Add embeds and stores docs under namespace.
	Add(ctx context.Context, namespace string, docs []Document) error

	// Search returns up to k documents in namespace most similar to query,
	// highest score first.
	Search(ctx context.Context, namespace, query string, k int) ([]SearchResult, error)

	// List returns every document in namespace, oldest first.
	List(ctx context.Context, namespace string) ([]SearchResult, error)

	// Close releases backend resources.
	Close() error
}

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName checks a name against ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// NamespaceCollection maps an arbitrary namespace to a valid collection name.
func NamespaceCollection(prefix, namespace string) string {
	sum := sha256.Sum256([]byte(namespace))
	return prefix + "_" + hex.EncodeToString(sum[:])[:32]
}

// createdAtLess orders results by their created_at metadata (unix nanos).
func createdAtLess(a, b SearchResult) bool {
	ai, _ := strconv.ParseInt(a.Metadata[MetaCreatedAt], 10, 64)
	bi, _ := strconv.ParseInt(b.Metadata[MetaCreatedAt], 10, 64)
	if ai != bi {
		return ai < bi
	}
	return a.ID < b.ID
}
