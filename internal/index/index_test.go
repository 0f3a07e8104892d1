package index

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/studiora/mentorcore/internal/embedding/mock"
	"github.com/studiora/mentorcore/models"
)

func makeTestChunks(n int) []models.DocumentChunk {
	chunks := make([]models.DocumentChunk, 0, n)
	for i := 0; i < n; i++ {
		chunks = append(chunks, models.DocumentChunk{
			ID:      fmt.Sprintf("doc-%d", i),
			Content: fmt.Sprintf("chunk %d about topic %d", i, i),
		})
	}
	return chunks
}

func TestQueryTopK(t *testing.T) {
	idx, err := New(mock.New(16), Options{}, nil)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	ctx := context.Background()
	if err := idx.Add(ctx, makeTestChunks(5)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if idx.Count() != 5 {
		t.Fatalf("count = %d, want 5", idx.Count())
	}

	out, err := idx.Query(ctx, "topic 2", 3)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("results = %d, want exactly 3", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].Score > out[i-1].Score {
			t.Errorf("scores not non-increasing at %d: %f > %f", i, out[i].Score, out[i-1].Score)
		}
	}
}

func TestQueryClampsToIndexSize(t *testing.T) {
	idx, err := New(mock.New(16), Options{}, nil)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	ctx := context.Background()
	if err := idx.Add(ctx, makeTestChunks(2)); err != nil {
		t.Fatalf("add: %v", err)
	}
	out, err := idx.Query(ctx, "anything", 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("results = %d, want all 2 stored chunks", len(out))
	}
}

func TestQueryEmptyIndex(t *testing.T) {
	idx, err := New(mock.New(16), Options{}, nil)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	out, err := idx.Query(context.Background(), "anything", 3)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if out != nil {
		t.Errorf("results = %v, want nil from an empty index", out)
	}
}

func TestAddRejectsDimensionMismatch(t *testing.T) {
	idx, err := New(mock.New(16), Options{}, nil)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	bad := []models.DocumentChunk{{ID: "bad", Content: "x", Embedding: make([]float32, 8)}}
	if err := idx.Add(context.Background(), bad); err == nil {
		t.Error("expected error for mismatched embedding dimensions")
	}
}

func TestReAddOverwrites(t *testing.T) {
	idx, err := New(mock.New(16), Options{}, nil)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	ctx := context.Background()
	chunks := makeTestChunks(3)
	if err := idx.Add(ctx, chunks); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Same IDs again: the store must not grow.
	if err := idx.Add(ctx, makeTestChunks(3)); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if idx.Count() != 3 {
		t.Errorf("count after re-add = %d, want 3", idx.Count())
	}
}

func TestQueryDeterministic(t *testing.T) {
	idx, err := New(mock.New(16), Options{}, nil)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	ctx := context.Background()
	if err := idx.Add(ctx, makeTestChunks(6)); err != nil {
		t.Fatalf("add: %v", err)
	}
	a, err := idx.Query(ctx, "topic 4", 3)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	b, err := idx.Query(ctx, "topic 4", 3)
	if err != nil {
		t.Fatalf("repeat query: %v", err)
	}
	if len(a) != len(b) {
		t.Fatalf("result sizes differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Chunk.ID != b[i].Chunk.ID {
			t.Errorf("rank %d differs across identical queries: %s vs %s", i, a[i].Chunk.ID, b[i].Chunk.ID)
		}
	}
}

func TestHybridFavorsKeywordMatch(t *testing.T) {
	idx, err := New(mock.New(16), Options{Hybrid: true}, nil)
	if err != nil {
		t.Fatalf("new index: %v", err)
	}
	ctx := context.Background()
	chunks := makeTestChunks(5)
	chunks = append(chunks, models.DocumentChunk{
		ID:      "target",
		Content: "the deployment runbook covers kubernetes rollout procedures",
	})
	if err := idx.Add(ctx, chunks); err != nil {
		t.Fatalf("add: %v", err)
	}

	out, err := idx.Query(ctx, "kubernetes rollout", 3)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	found := false
	for _, s := range out {
		if s.Chunk.ID == "target" {
			found = true
		}
	}
	if !found {
		ids := make([]string, 0, len(out))
		for _, s := range out {
			ids = append(ids, s.Chunk.ID)
		}
		t.Errorf("keyword-matching chunk absent from hybrid top-3: %s", strings.Join(ids, ", "))
	}
}
