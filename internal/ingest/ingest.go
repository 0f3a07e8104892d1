package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/studiora/mentorcore/config"
	"github.com/studiora/mentorcore/models"
)

// Status classifies the outcome of one batch item.
type Status string

const (
	StatusIndexed Status = "indexed"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// ItemResult records the per-file outcome of a batch. Ingestion is
// best-effort: one bad file never aborts the batch.
type ItemResult struct {
	Path   string
	Status Status
	Chunks int
	Err    error
}

// Indexer is the sink chunks are handed to after splitting.
type Indexer interface {
	Add(ctx context.Context, chunks []models.DocumentChunk) error
}

// TextBlock is a raw text input with optional metadata, for callers that
// already hold document content in memory.
type TextBlock struct {
	Text     string
	Metadata map[string]string
}

// Pipeline loads documents, splits them into overlapping chunks and
// hands the batch to the index in one call.
type Pipeline struct {
	index   Indexer
	size    int
	overlap int
	logger  *log.Logger
	items   otelmetric.Int64Counter
}

// NewPipeline builds an ingestion pipeline writing into index.
func NewPipeline(index Indexer, cfg config.IngestConfig, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.New(log.Writer(), "[INGEST] ", log.LstdFlags)
	}
	size := cfg.ChunkSize
	if size <= 0 {
		size = 1000
	}
	overlap := cfg.ChunkOverlap
	if overlap < 0 || overlap >= size {
		overlap = size / 5
	}
	p := &Pipeline{index: index, size: size, overlap: overlap, logger: logger}
	p.items, _ = otel.Meter("ingest").Int64Counter("ingest_items_total",
		otelmetric.WithDescription("Ingested batch items by outcome"))
	return p
}

// IngestFiles loads each path, chunks accepted documents and indexes all
// resulting chunks as one batch. Unsupported extensions and unreadable
// files are reported per item, not raised.
func (p *Pipeline) IngestFiles(ctx context.Context, paths []string) ([]ItemResult, error) {
	results := make([]ItemResult, 0, len(paths))
	var batch []models.DocumentChunk
	record := func(s Status) {
		p.items.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("status", string(s))))
	}

	for _, path := range paths {
		text, err := loadFile(path)
		if err != nil {
			if err == errUnsupported {
				p.logger.Printf("warn: skipping %s: unsupported file type", path)
				results = append(results, ItemResult{Path: path, Status: StatusSkipped})
				record(StatusSkipped)
			} else {
				p.logger.Printf("warn: failed to load %s: %v", path, err)
				results = append(results, ItemResult{Path: path, Status: StatusError, Err: err})
				record(StatusError)
			}
			continue
		}
		meta := map[string]string{
			models.MetaSource:   path,
			models.MetaFilename: filepath.Base(path),
			models.MetaFileType: strings.TrimPrefix(filepath.Ext(path), "."),
		}
		chunks := p.split(text, meta)
		batch = append(batch, chunks...)
		results = append(results, ItemResult{Path: path, Status: StatusIndexed, Chunks: len(chunks)})
		record(StatusIndexed)
	}

	if len(batch) > 0 {
		if err := p.index.Add(ctx, batch); err != nil {
			return results, fmt.Errorf("index batch: %w", err)
		}
	}
	return results, nil
}

// IngestText chunks and indexes raw text blocks with caller-supplied
// metadata.
func (p *Pipeline) IngestText(ctx context.Context, blocks []TextBlock) (int, error) {
	var batch []models.DocumentChunk
	for _, b := range blocks {
		if strings.TrimSpace(b.Text) == "" {
			continue
		}
		meta := make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			meta[k] = v
		}
		batch = append(batch, p.split(b.Text, meta)...)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := p.index.Add(ctx, batch); err != nil {
		return 0, fmt.Errorf("index batch: %w", err)
	}
	return len(batch), nil
}

// split cuts text into fixed-size chunks with overlap so boundary
// information survives chunk edges. Chunk IDs derive from the content
// hash and position, making re-ingestion of identical content overwrite
// rather than duplicate.
func (p *Pipeline) split(text string, meta map[string]string) []models.DocumentChunk {
	hash := sha1Hex(text)
	parts := makeChunks(text, p.size, p.overlap)
	chunks := make([]models.DocumentChunk, 0, len(parts))
	for i, part := range parts {
		chunks = append(chunks, models.DocumentChunk{
			ID:       fmt.Sprintf("%s#%03d", hash, i),
			Content:  part,
			Metadata: meta,
		})
	}
	return chunks
}

func sha1Hex(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

func makeChunks(text string, approx, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= approx {
		return []string{text}
	}
	var chunks []string
	for start := 0; start < len(text); {
		end := start + approx
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, text[start:end])
		if end == len(text) {
			break
		}
		start = end - overlap
		if start < 0 {
			start = 0
		}
	}
	return chunks
}

var errUnsupported = fmt.Errorf("unsupported file type")

func loadFile(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	case ".pdf":
		return loadPDF(path)
	default:
		return "", errUnsupported
	}
}

func loadPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()
	reader, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return string(data), nil
}
