//go:build !llama

package inference

import (
	"context"

	"ftpipe/internal/adaptation"
	"ftpipe/internal/artifact"
	"ftpipe/internal/faults"
)

// LlamaBuilt reports whether this binary links llama.cpp.
const LlamaBuilt = false

// LlamaBackend refuses to load models in builds without the llama tag.
type LlamaBackend struct {
	opts LlamaOptions
}

func NewLlamaBackend(opts LlamaOptions) *LlamaBackend { return &LlamaBackend{opts: opts} }

func (*LlamaBackend) Name() string { return "llama" }

func (*LlamaBackend) Release(context.Context) error { return nil }

func errLlamaNotBuilt() error {
	return faults.DependencyUnavailable("llama support not built (missing 'llama' build tag)")
}

func (*LlamaBackend) Compose(context.Context, *adaptation.ModelHandle, artifact.Adapter) (AdapterRuntime, error) {
	return nil, errLlamaNotBuilt()
}

func (*LlamaBackend) OpenMerged(context.Context, string) (MergedRuntime, error) {
	return nil, errLlamaNotBuilt()
}
