package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

// fakeOpenAI serves /embeddings with vectors of the given size.
func fakeOpenAI(t *testing.T, dim int, requests *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if requests != nil {
			requests.Store(req)
		}

		type datum struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]datum, len(req.Input))
		for i := range req.Input {
			v := make([]float32, dim)
			v[i%dim] = 1
			data[i] = datum{Object: "embedding", Embedding: v, Index: i}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewOpenAIProvider_Validation(t *testing.T) {
	_, err := NewOpenAIProvider(Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewOpenAIProvider(Config{APIKey: "k", Dimensions: -1}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	p, err := NewOpenAIProvider(Config{APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1536, p.Dimension())
	assert.NoError(t, p.Close())
}

func TestOpenAIProvider_Embed(t *testing.T) {
	var seen atomic.Value
	srv := fakeOpenAI(t, 8, &seen)

	p, err := NewOpenAIProvider(Config{
		APIKey:     "test-key",
		Model:      "text-embedding-3-small",
		BaseURL:    srv.URL,
		Dimensions: 8,
	}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	vectors, err := p.EmbedDocuments(ctx, []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Len(t, vectors[0], 8)
	req := seen.Load().(embeddingRequest)
	assert.Equal(t, "text-embedding-3-small", req.Model)
	assert.Equal(t, []string{"one", "two"}, req.Input)

	v, err := p.EmbedQuery(ctx, "query")
	require.NoError(t, err)
	assert.Len(t, v, 8)
}

func TestOpenAIProvider_SendsConfiguredModel(t *testing.T) {
	tests := []struct {
		name           string
		model          string
		dimensions     int
		wantDimensions int
	}{
		{name: "large with known size", model: "text-embedding-3-large", wantDimensions: 3072},
		{name: "large shortened", model: "text-embedding-3-large", dimensions: 256, wantDimensions: 256},
		{name: "ada never sends dimensions", model: "text-embedding-ada-002", wantDimensions: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen atomic.Value
			size := tt.wantDimensions
			if size == 0 {
				size = 1536
			}
			srv := fakeOpenAI(t, size, &seen)

			p, err := NewOpenAIProvider(Config{
				APIKey:     "test-key",
				Model:      tt.model,
				BaseURL:    srv.URL,
				Dimensions: tt.dimensions,
			}, nil)
			require.NoError(t, err)

			v, err := p.EmbedQuery(context.Background(), "query")
			require.NoError(t, err)
			assert.Len(t, v, size)

			req := seen.Load().(embeddingRequest)
			assert.Equal(t, tt.model, req.Model)
			assert.Equal(t, tt.wantDimensions, req.Dimensions)
		})
	}
}

func TestOpenAIProvider_DimensionMismatch(t *testing.T) {
	srv := fakeOpenAI(t, 4, nil)

	p, err := NewOpenAIProvider(Config{APIKey: "k", BaseURL: srv.URL, Dimensions: 8}, nil)
	require.NoError(t, err)

	_, err = p.EmbedQuery(context.Background(), "query")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestOpenAIProvider_EmptyInput(t *testing.T) {
	p, err := NewOpenAIProvider(Config{APIKey: "k"}, nil)
	require.NoError(t, err)

	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = p.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestOpenAIProvider_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(Config{APIKey: "k", BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = p.EmbedQuery(context.Background(), "query")
	assert.ErrorIs(t, err, ErrEmbeddingFailed)
}
