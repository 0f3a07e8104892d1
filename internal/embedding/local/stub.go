//go:build !onnx

package local

import (
	"context"
	"fmt"
)

// Embedder is unavailable without the onnx build tag; the in-process
// runtime links against the ONNX Runtime shared library.
type Embedder struct{}

// New fails: the binary was built without local embedding support.
func New(Config) (*Embedder, error) {
	return nil, fmt.Errorf("local embedder requires building with -tags onnx")
}

func (e *Embedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("local embedder not built")
}

func (e *Embedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("local embedder not built")
}

func (e *Embedder) Dimensions() int { return 0 }
