package embedding

import (
	"context"
	"errors"
	"fmt"

	"github.com/studiora/mentorcore/config"
	"github.com/studiora/mentorcore/internal/embedding/local"
	"github.com/studiora/mentorcore/internal/embedding/openai"
)

// ErrEmbeddingFailure wraps provider errors so callers of the chat
// pipeline can recognize them. Embedding failures surface to the caller;
// they are never defaulted to a zero vector.
var ErrEmbeddingFailure = errors.New("embedding: provider failure")

// Embedder converts text to fixed-dimension vectors. The same instance
// must be used at ingestion and query time; mixing providers between the
// two silently degrades relevance, so selection happens once at
// construction.
type Embedder interface {
	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// EmbedDocuments embeds a batch, preserving input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the constant output vector length.
	Dimensions() int
}

// New selects the configured provider. The hosted provider batches
// natively over HTTP; the local provider runs an ONNX model in-process
// and requires the onnx build tag.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case "openai":
		return openai.New(openai.Config{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout,
		}), nil
	case "local":
		emb, err := local.New(local.Config{
			ModelPath:     cfg.ModelPath,
			TokenizerPath: cfg.TokenizerPath,
			Dimensions:    cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		return emb, nil
	default:
		return nil, fmt.Errorf("embedding: unsupported provider %q", cfg.Provider)
	}
}
