//go:build llama

package inference

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"

	"ftpipe/internal/adaptation"
	"ftpipe/internal/artifact"
	"ftpipe/internal/common/fsutil"
)

// LlamaBuilt reports whether this binary links llama.cpp.
const LlamaBuilt = true

// LlamaBackend runs GGUF models in process through go-llama.cpp.
type LlamaBackend struct {
	opts LlamaOptions
}

func NewLlamaBackend(opts LlamaOptions) *LlamaBackend { return &LlamaBackend{opts: opts} }

func (*LlamaBackend) Name() string { return "llama" }

func (*LlamaBackend) Release(context.Context) error { return nil }

func (b *LlamaBackend) load(path string, extra ...llama.ModelOption) (*llama.LLama, error) {
	mo := []llama.ModelOption{llama.SetContext(b.opts.CtxSize)}
	if b.opts.GPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(b.opts.GPULayers))
	}
	return llama.New(path, append(mo, extra...)...)
}

func (b *LlamaBackend) Compose(ctx context.Context, h *adaptation.ModelHandle, a artifact.Adapter) (AdapterRuntime, error) {
	base, err := findGGUF(h.Model.Path)
	if err != nil {
		return nil, err
	}
	adapter, err := findGGUF(a.Dir)
	if err != nil {
		return nil, err
	}
	m, err := b.load(base, llama.SetLoraAdapter(adapter), llama.SetLoraBase(base))
	if err != nil {
		return nil, err
	}
	return &llamaRuntime{b: b, model: m, base: base, adapter: adapter, scale: h.Lora.Scale()}, ctx.Err()
}

func (b *LlamaBackend) OpenMerged(ctx context.Context, dir string) (MergedRuntime, error) {
	p, err := findGGUF(dir)
	if err != nil {
		return nil, err
	}
	m, err := b.load(p)
	if err != nil {
		return nil, err
	}
	return &llamaRuntime{b: b, model: m, base: p}, ctx.Err()
}

type llamaRuntime struct {
	b       *LlamaBackend
	model   *llama.LLama
	base    string
	adapter string
	scale   float64
}

func (r *llamaRuntime) Complete(ctx context.Context, prompt string, opts GenerateOptions) (Completion, error) {
	if r.model == nil {
		return Completion{}, ErrHandleDisposed
	}
	var pieces []string
	r.model.SetTokenCallback(func(tok string) bool {
		if ctx.Err() != nil {
			return false
		}
		pieces = append(pieces, tok)
		return len(pieces) < opts.MaxNewTokens
	})
	po := []llama.PredictOption{
		llama.SetTokens(opts.MaxNewTokens),
		llama.SetThreads(max(1, r.b.opts.Threads)),
		llama.SetTemperature(float32(opts.Temperature)),
	}
	if opts.TopP > 0 {
		po = append(po, llama.SetTopP(float32(opts.TopP)))
	}
	if opts.TopK > 0 {
		po = append(po, llama.SetTopK(opts.TopK))
	}
	if opts.Seed != 0 {
		po = append(po, llama.SetSeed(int(opts.Seed)))
	}
	if len(opts.Stop) > 0 {
		po = append(po, llama.SetStopWords(opts.Stop...))
	}
	text, err := r.model.Predict(prompt, po...)
	if err != nil {
		if ctx.Err() != nil {
			return Completion{}, ctx.Err()
		}
		return Completion{}, err
	}
	return Completion{Text: text, Pieces: pieces, Tokens: len(pieces)}, nil
}

// Merge writes base+adapter to a new GGUF with llama-export-lora and
// reloads it without the adapter.
func (r *llamaRuntime) Merge(ctx context.Context) (MergedRuntime, error) {
	if r.model == nil {
		return nil, ErrHandleDisposed
	}
	r.model.Free()
	r.model = nil
	out := filepath.Join(r.b.opts.WorkDir, "merged", fmt.Sprintf("%d", time.Now().UnixNano()), "model.gguf")
	if err := exportLoRA(ctx, r.b.opts.ExportLoraBin, r.base, r.adapter, r.scale, out); err != nil {
		return nil, err
	}
	m, err := r.b.load(out)
	if err != nil {
		return nil, err
	}
	return &llamaRuntime{b: r.b, model: m, base: out}, nil
}

func (r *llamaRuntime) Save(ctx context.Context, dir string) error {
	if r.model == nil {
		return ErrHandleDisposed
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := fsutil.CopyDir(filepath.Dir(r.base), dir); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *llamaRuntime) Close() error {
	if r.model != nil {
		r.model.Free()
		r.model = nil
	}
	return nil
}
