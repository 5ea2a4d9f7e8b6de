package embedding

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/thought-analyzer/internal/domain"
)

// Disabled implements domain.Embedder when no provider is configured.
// Every call reports the embedding as unavailable, which the cache layer
// treats as a miss so thoughts still process, just uncached.
type Disabled struct {
	Dim int
}

// NewDisabled constructs a disabled embedder with the configured dimension.
func NewDisabled(dim int) *Disabled { return &Disabled{Dim: dim} }

func (d *Disabled) Dimension() int { return d.Dim }

func (d *Disabled) Embed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("op=embedding.Embed: %w: embeddings disabled", domain.ErrEmbeddingUnavailable)
}
