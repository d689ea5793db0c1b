package embed

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig configures a local sentence-transformer embedder.
type ONNXConfig struct {
	ModelDir    string // holds model.onnx and tokenizer.json
	LibraryPath string // onnxruntime shared library (empty = loader default)
	Dimensions  int    // hidden size (0 = 384, all-MiniLM-L6-v2)
	MaxTokens   int    // sequence cap (0 = 256)
}

// ONNXEmbedder runs a BERT-style model with onnxruntime and mean-pools the
// last hidden state into an L2-normalized vector.
type ONNXEmbedder struct {
	cfg     ONNXConfig
	tk      *tokenizer.Tokenizer
	session *ort.DynamicAdvancedSession

	mu sync.Mutex // onnxruntime sessions are not safe for concurrent Run
}

var ortInit sync.Once
var ortInitErr error

// NewONNX loads the tokenizer and model from cfg.ModelDir.
func NewONNX(cfg ONNXConfig) (*ONNXEmbedder, error) {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}

	modelPath := filepath.Join(cfg.ModelDir, "model.onnx")
	tokPath := filepath.Join(cfg.ModelDir, "tokenizer.json")
	for _, p := range []string{modelPath, tokPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("onnx embedder: %w", err)
		}
	}

	ortInit.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("initializing onnxruntime: %w", ortInitErr)
	}

	tk, err := pretrained.FromFile(tokPath)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"}, nil)
	if err != nil {
		return nil, fmt.Errorf("creating onnx session: %w", err)
	}

	return &ONNXEmbedder{cfg: cfg, tk: tk, session: session}, nil
}

// Close releases the onnxruntime session.
func (e *ONNXEmbedder) Close() error {
	return e.session.Destroy()
}

func (e *ONNXEmbedder) Dimensions() int { return e.cfg.Dimensions }

func (e *ONNXEmbedder) ModelID() string { return "onnx/" + filepath.Base(e.cfg.ModelDir) }

func (e *ONNXEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch pads the batch to its longest sequence and runs one inference.
func (e *ONNXEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	encs := make([]*tokenizer.Encoding, len(texts))
	seqLen := 1
	for i, t := range texts {
		enc, err := e.tk.EncodeSingle(t, true)
		if err != nil {
			return nil, fmt.Errorf("tokenizing input %d: %w", i, err)
		}
		encs[i] = enc
		if n := min(len(enc.Ids), e.cfg.MaxTokens); n > seqLen {
			seqLen = n
		}
	}

	batch := len(texts)
	ids := make([]int64, batch*seqLen)
	mask := make([]int64, batch*seqLen)
	types := make([]int64, batch*seqLen)
	for b, enc := range encs {
		n := min(len(enc.Ids), seqLen)
		for j := 0; j < n; j++ {
			src := j
			// Keep the trailing [SEP] when truncating.
			if j == n-1 && len(enc.Ids) > seqLen {
				src = len(enc.Ids) - 1
			}
			ids[b*seqLen+j] = int64(enc.Ids[src])
			mask[b*seqLen+j] = int64(enc.AttentionMask[src])
			if src < len(enc.TypeIds) {
				types[b*seqLen+j] = int64(enc.TypeIds[src])
			}
		}
	}

	shape := ort.NewShape(int64(batch), int64(seqLen))
	idsT, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, err
	}
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, err
	}
	defer maskT.Destroy()
	typesT, err := ort.NewTensor(shape, types)
	if err != nil {
		return nil, err
	}
	defer typesT.Destroy()

	dims := e.cfg.Dimensions
	out, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batch), int64(seqLen), int64(dims)))
	if err != nil {
		return nil, err
	}
	defer out.Destroy()

	e.mu.Lock()
	err = e.session.Run([]ort.Value{idsT, maskT, typesT}, []ort.Value{out})
	e.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("onnx inference: %w", err)
	}

	return meanPool(out.GetData(), mask, batch, seqLen, dims), nil
}

// meanPool averages token states under the attention mask and L2-normalizes.
func meanPool(hidden []float32, mask []int64, batch, seqLen, dims int) [][]float32 {
	vecs := make([][]float32, batch)
	for b := 0; b < batch; b++ {
		v := make([]float32, dims)
		var count float32
		for j := 0; j < seqLen; j++ {
			if mask[b*seqLen+j] == 0 {
				continue
			}
			count++
			row := hidden[(b*seqLen+j)*dims : (b*seqLen+j+1)*dims]
			for d := range v {
				v[d] += row[d]
			}
		}
		if count > 0 {
			for d := range v {
				v[d] /= count
			}
		}
		normalize(v)
		vecs[b] = v
	}
	return vecs
}

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
