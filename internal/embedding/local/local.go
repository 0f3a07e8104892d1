package local

// Config configures the locally-run ONNX embedding model.
type Config struct {
	// ModelPath is the path to the ONNX model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json vocabulary.
	TokenizerPath string

	// Dimensions is the embedding vector size (default 384, matching
	// all-MiniLM-L6-v2).
	Dimensions int
}
