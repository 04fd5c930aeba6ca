// Package embeddings turns conversation text into vectors for the memory store.
//
// The only provider is an OpenAI-compatible embeddings endpoint called with
// openai-go, wrapped in a langchaingo embedder for batching. BaseURL can
// point it at any compatible server.
package embeddings
