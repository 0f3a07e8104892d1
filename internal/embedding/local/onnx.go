//go:build onnx

package local

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/singleflight"
)

const maxSeqLen = 128

// Embedder runs a MiniLM-style sentence transformer through ONNX Runtime.
// The session is loaded once, lazily, on first use; concurrent first
// calls share a single in-flight initialization.
type Embedder struct {
	cfg Config

	mu        sync.Mutex
	sf        singleflight.Group
	session   *ort.DynamicAdvancedSession
	tokenizer *wordPieceTokenizer
}

// New creates the local embedder. The model is not loaded until the
// first embedding call.
func New(cfg Config) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("local embedder: ModelPath is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	return &Embedder{cfg: cfg}, nil
}

// ensureSession loads the model once. The mutex publishes both fields
// together; readers that observe a non-nil session are guaranteed to see
// the tokenizer as well.
func (e *Embedder) ensureSession(ctx context.Context) error {
	e.mu.Lock()
	ready := e.session != nil
	e.mu.Unlock()
	if ready {
		return nil
	}
	_, err, _ := e.sf.Do("init", func() (interface{}, error) {
		e.mu.Lock()
		if e.session != nil {
			e.mu.Unlock()
			return nil, nil
		}
		e.mu.Unlock()

		if lib := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnx runtime: %w", err)
		}
		tok, err := loadTokenizer(e.cfg.TokenizerPath)
		if err != nil {
			return nil, fmt.Errorf("load tokenizer: %w", err)
		}
		session, err := ort.NewDynamicAdvancedSession(e.cfg.ModelPath,
			[]string{"input_ids", "attention_mask", "token_type_ids"},
			[]string{"last_hidden_state"},
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("create onnx session: %w", err)
		}
		e.mu.Lock()
		e.tokenizer = tok
		e.session = session
		e.mu.Unlock()
		return nil, nil
	})
	return err
}

// EmbedQuery embeds a single query string.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := e.ensureSession(ctx); err != nil {
		return nil, err
	}
	return e.run(text)
}

// EmbedDocuments embeds texts one at a time. The runtime session is
// single-input, so there is no native batch form to exploit.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.ensureSession(ctx); err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := e.run(text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// Dimensions is the constant output vector length.
func (e *Embedder) Dimensions() int { return e.cfg.Dimensions }

func (e *Embedder) run(text string) ([]float32, error) {
	tokens := e.tokenizer.tokenize(text)

	inputIDs := make([]int64, maxSeqLen)
	attentionMask := make([]int64, maxSeqLen)
	tokenTypeIDs := make([]int64, maxSeqLen)

	inputIDs[0] = int64(e.tokenizer.cls)
	attentionMask[0] = 1
	n := len(tokens)
	if n > maxSeqLen-2 {
		n = maxSeqLen - 2
	}
	for i := 0; i < n; i++ {
		inputIDs[i+1] = tokens[i]
		attentionMask[i+1] = 1
	}
	inputIDs[n+1] = int64(e.tokenizer.sep)
	attentionMask[n+1] = 1

	shape := ort.NewShape(1, int64(maxSeqLen))
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, tokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outShape := ort.NewShape(1, int64(maxSeqLen), int64(e.cfg.Dimensions))
	outTensor, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, fmt.Errorf("output tensor: %w", err)
	}
	defer outTensor.Destroy()

	err = e.session.Run(
		[]ort.ArbitraryTensor{idsTensor, maskTensor, typeTensor},
		[]ort.ArbitraryTensor{outTensor},
	)
	if err != nil {
		return nil, fmt.Errorf("onnx run: %w", err)
	}

	return meanPool(outTensor.GetData(), attentionMask, e.cfg.Dimensions), nil
}

// meanPool averages token states over attended positions and L2
// normalizes, matching sentence-transformers pooling.
func meanPool(hidden []float32, mask []int64, dims int) []float32 {
	vec := make([]float32, dims)
	var count float32
	for pos, m := range mask {
		if m == 0 {
			continue
		}
		count++
		base := pos * dims
		for d := 0; d < dims; d++ {
			vec[d] += hidden[base+d]
		}
	}
	if count > 0 {
		for d := range vec {
			vec[d] /= count
		}
	}
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(float64(norm)))
		for d := range vec {
			vec[d] *= inv
		}
	}
	return vec
}

// wordPieceTokenizer is a minimal BERT WordPiece tokenizer backed by the
// model's tokenizer.json vocabulary.
type wordPieceTokenizer struct {
	vocab map[string]int
	cls   int
	sep   int
	unk   int
}

func loadTokenizer(path string) (*wordPieceTokenizer, error) {
	if path == "" {
		return nil, fmt.Errorf("TokenizerPath is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if len(file.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer.json has no vocabulary")
	}
	t := &wordPieceTokenizer{vocab: file.Model.Vocab}
	var ok bool
	if t.cls, ok = t.vocab["[CLS]"]; !ok {
		return nil, fmt.Errorf("vocabulary missing [CLS]")
	}
	if t.sep, ok = t.vocab["[SEP]"]; !ok {
		return nil, fmt.Errorf("vocabulary missing [SEP]")
	}
	if t.unk, ok = t.vocab["[UNK]"]; !ok {
		return nil, fmt.Errorf("vocabulary missing [UNK]")
	}
	return t, nil
}

func (t *wordPieceTokenizer) tokenize(text string) []int64 {
	var ids []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		ids = append(ids, t.tokenizeWord(word)...)
	}
	return ids
}

// tokenizeWord greedily matches the longest vocabulary piece, prefixing
// continuations with "##" per WordPiece convention.
func (t *wordPieceTokenizer) tokenizeWord(word string) []int64 {
	var ids []int64
	runes := []rune(word)
	start := 0
	for start < len(runes) {
		end := len(runes)
		id := -1
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if v, ok := t.vocab[piece]; ok {
				id = v
				break
			}
			end--
		}
		if id < 0 {
			return []int64{int64(t.unk)}
		}
		ids = append(ids, int64(id))
		start = end
	}
	return ids
}
