package index

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/blevesearch/bleve"
	chromem "github.com/philippgille/chromem-go"

	"github.com/studiora/mentorcore/internal/embedding"
	"github.com/studiora/mentorcore/models"
)

// ErrQueryFailure marks retrieval errors the chat pipeline degrades on:
// the turn proceeds without retrieved context instead of failing.
var ErrQueryFailure = errors.New("index: query failure")

// Options tune retrieval behaviour.
type Options struct {
	// Hybrid enables a parallel BM25 keyword index fused with the vector
	// hits by reciprocal rank.
	Hybrid bool
	// RRFK is the reciprocal-rank-fusion constant (default 60).
	RRFK int
}

// Index is the append-only adapter over the embedded vector store. It
// embeds with the same Embedder at ingestion and query time, which keeps
// the embedding space consistent by construction.
type Index struct {
	logger   *log.Logger
	embedder embedding.Embedder
	col      *chromem.Collection
	keyword  bleve.Index // nil unless hybrid
	rrfK     int

	mu     sync.RWMutex
	chunks map[string]models.DocumentChunk
	order  map[string]int
	seq    int
}

// New creates an empty index bound to embedder.
func New(embedder embedding.Embedder, opts Options, logger *log.Logger) (*Index, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[INDEX] ", log.LstdFlags)
	}
	db := chromem.NewDB()
	col, err := db.CreateCollection("documents", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	idx := &Index{
		logger:   logger,
		embedder: embedder,
		col:      col,
		rrfK:     opts.RRFK,
		chunks:   make(map[string]models.DocumentChunk),
		order:    make(map[string]int),
	}
	if idx.rrfK <= 0 {
		idx.rrfK = 60
	}
	if opts.Hybrid {
		kw, err := bleve.NewMemOnly(bleve.NewIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create keyword index: %w", err)
		}
		idx.keyword = kw
	}
	return idx, nil
}

// Add embeds chunks that carry no embedding yet and appends everything
// to the store. Chunk IDs are content-derived, so re-adding the same
// content overwrites in place rather than duplicating.
func (x *Index) Add(ctx context.Context, chunks []models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var missing []int
	var texts []string
	for i, c := range chunks {
		if len(c.Embedding) == 0 {
			missing = append(missing, i)
			texts = append(texts, c.Content)
		}
	}
	if len(texts) > 0 {
		vecs, err := x.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return fmt.Errorf("%w: %v", embedding.ErrEmbeddingFailure, err)
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("%w: expected %d vectors, got %d", embedding.ErrEmbeddingFailure, len(texts), len(vecs))
		}
		for j, i := range missing {
			chunks[i].Embedding = vecs[j]
		}
	}

	want := x.embedder.Dimensions()
	for _, c := range chunks {
		if want > 0 && len(c.Embedding) != want {
			return fmt.Errorf("index: embedding dimensions mismatch for %s (got %d want %d)", c.ID, len(c.Embedding), want)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for _, c := range chunks {
		doc := chromem.Document{
			ID:        c.ID,
			Content:   c.Content,
			Embedding: c.Embedding,
			Metadata:  c.Metadata,
		}
		if err := x.col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document %s: %w", c.ID, err)
		}
		if x.keyword != nil {
			if err := x.keyword.Index(c.ID, struct{ Content string }{c.Content}); err != nil {
				return fmt.Errorf("keyword index %s: %w", c.ID, err)
			}
		}
		if _, seen := x.order[c.ID]; !seen {
			x.order[c.ID] = x.seq
			x.seq++
		}
		x.chunks[c.ID] = c
	}
	return nil
}

// Count returns the number of stored chunks.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.chunks)
}

type hit struct {
	id    string
	score float64
	rank  int
}

// Query embeds text and returns the top-k chunks by descending
// similarity. Ties keep insertion order. With hybrid enabled, keyword
// and vector rankings are fused by reciprocal rank.
func (x *Index) Query(ctx context.Context, text string, k int) ([]models.ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	vec, err := x.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", embedding.ErrEmbeddingFailure, err)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(x.chunks) == 0 {
		return nil, nil
	}

	n := k
	if len(x.chunks) < n {
		n = len(x.chunks)
	}
	results, err := x.col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailure, err)
	}
	vectorHits := make([]hit, 0, len(results))
	for i, r := range results {
		vectorHits = append(vectorHits, hit{id: r.ID, score: float64(r.Similarity), rank: i + 1})
	}

	hits := vectorHits
	if x.keyword != nil {
		keywordHits, err := x.keywordSearch(text, k)
		if err != nil {
			x.logger.Printf("warn: keyword search failed, vector-only: %v", err)
		} else {
			hits = x.fuseRRF(vectorHits, keywordHits, k)
		}
	}

	x.sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]models.ScoredChunk, 0, len(hits))
	for _, h := range hits {
		c, ok := x.chunks[h.id]
		if !ok {
			continue
		}
		out = append(out, models.ScoredChunk{Chunk: c, Score: h.score})
	}
	return out, nil
}

func (x *Index) keywordSearch(q string, k int) ([]hit, error) {
	query := bleve.NewMatchQuery(q)
	req := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	res, err := x.keyword.Search(req)
	if err != nil {
		return nil, err
	}
	var out []hit
	for i, h := range res.Hits {
		out = append(out, hit{id: h.ID, score: h.Score, rank: i + 1})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func (x *Index) fuseRRF(a, b []hit, k int) []hit {
	fused := map[string]*hit{}
	add := func(list []hit) {
		for _, h := range list {
			f, ok := fused[h.id]
			if !ok {
				fused[h.id] = &hit{id: h.id}
				f = fused[h.id]
			}
			f.score += 1.0 / float64(x.rrfK+h.rank)
		}
	}
	add(a)
	add(b)
	out := make([]hit, 0, len(fused))
	for _, f := range fused {
		out = append(out, *f)
	}
	x.sortHits(out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// sortHits orders by descending score; equal scores fall back to
// insertion order.
func (x *Index) sortHits(hits []hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return x.order[hits[i].id] < x.order[hits[j].id]
	})
}
