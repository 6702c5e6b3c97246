package inference

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"ftpipe/internal/adaptation"
	"ftpipe/internal/artifact"
	"ftpipe/internal/common/fsutil"
	"ftpipe/internal/inference/refmodel"
	"ftpipe/internal/tokenize"
)

// printable are the ids the reference model may emit: newline and ASCII
// 0x20 to 0x7e.
var printable = func() []int {
	ids := []int{'\n'}
	for c := 0x20; c <= 0x7e; c++ {
		ids = append(ids, c)
	}
	return ids
}()

// ReferenceBackend runs refmodel in process.
type ReferenceBackend struct {
	tok tokenize.Bytes
}

func NewReferenceBackend() *ReferenceBackend { return &ReferenceBackend{} }

func (*ReferenceBackend) Name() string { return "reference" }

func (*ReferenceBackend) Release(context.Context) error { return nil }

// Compose derives base weights from the model id and reads the adapter
// from reference_lora.json, or seeds one from adapter_config.json.
func (b *ReferenceBackend) Compose(ctx context.Context, h *adaptation.ModelHandle, a artifact.Adapter) (AdapterRuntime, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lora, err := refmodel.LoadLoRA(a.Dir)
	if errors.Is(err, os.ErrNotExist) {
		lora, err = seededLoRA(h, a)
	}
	if err != nil {
		return nil, fmt.Errorf("load adapter %s: %w", a.Dir, err)
	}
	return &referenceRuntime{m: refmodel.NewBase(h.Model.ID).WithLoRA(lora), tok: b.tok}, nil
}

func seededLoRA(h *adaptation.ModelHandle, a artifact.Adapter) (*refmodel.LoRA, error) {
	rank, alpha := h.Lora.Rank, h.Lora.Alpha
	if ac, err := a.Config(); err == nil && ac.Rank > 0 {
		rank, alpha = ac.Rank, ac.Alpha
	} else if !fsutil.IsDir(a.Dir) {
		return nil, fmt.Errorf("adapter dir %s: %w", a.Dir, os.ErrNotExist)
	}
	hs := fnv.New64a()
	_, _ = hs.Write([]byte(a.RunName + "|" + a.Dir))
	return refmodel.NewLoRA(rank, adaptation.ResolveAlpha(rank, alpha), hs.Sum64())
}

func (b *ReferenceBackend) OpenMerged(ctx context.Context, dir string) (MergedRuntime, error) {
	m, err := refmodel.Load(dir)
	if err != nil {
		return nil, err
	}
	if m.LoRA != nil {
		return nil, fmt.Errorf("%s holds an unmerged adapter", dir)
	}
	return &referenceRuntime{m: m, tok: b.tok}, ctx.Err()
}

type referenceRuntime struct {
	m   *refmodel.Model
	tok tokenize.Bytes
}

func (r *referenceRuntime) Complete(ctx context.Context, prompt string, opts GenerateOptions) (Completion, error) {
	if r.m == nil {
		return Completion{}, ErrHandleDisposed
	}
	ids := r.tok.Encode(prompt, true)
	prev := ids[len(ids)-1]
	var rng *rand.Rand
	if opts.Temperature > 0 {
		seed := uint64(opts.Seed)
		rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	so := refmodel.SampleOptions{Temperature: opts.Temperature, TopK: opts.TopK, Allowed: printable}
	var pieces []string
	var text strings.Builder
	for len(pieces) < opts.MaxNewTokens {
		if err := ctx.Err(); err != nil {
			return Completion{}, err
		}
		next := r.m.Next(prev, so, rng)
		piece := r.tok.Decode([]int{next})
		pieces = append(pieces, piece)
		text.WriteString(piece)
		prev = next
		if hitStop(text.String(), opts.Stop) {
			break
		}
	}
	out := text.String()
	for _, s := range opts.Stop {
		if i := strings.Index(out, s); s != "" && i >= 0 {
			out = out[:i]
		}
	}
	if out != text.String() {
		return Completion{Text: out, Tokens: len(pieces)}, nil
	}
	return Completion{Text: out, Pieces: pieces, Tokens: len(pieces)}, nil
}

func hitStop(s string, stop []string) bool {
	for _, st := range stop {
		if st != "" && strings.Contains(s, st) {
			return true
		}
	}
	return false
}

func (r *referenceRuntime) Merge(ctx context.Context) (MergedRuntime, error) {
	if r.m == nil {
		return nil, ErrHandleDisposed
	}
	merged := r.m.Merge()
	r.m = nil
	return &referenceRuntime{m: merged, tok: r.tok}, ctx.Err()
}

func (r *referenceRuntime) Save(ctx context.Context, dir string) error {
	if r.m == nil {
		return ErrHandleDisposed
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := r.m.Save(dir); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, "config.json"), []byte(`{"model_type":"reference","architectures":["ReferenceForCausalLM"]}`), 0o644)
}

func (r *referenceRuntime) Close() error {
	r.m = nil
	return nil
}
