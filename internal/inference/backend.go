package inference

import (
	"path/filepath"

	"ftpipe/internal/config"
	"ftpipe/internal/faults"
)

// NewBackend builds the backend named by rt.Backend.
func NewBackend(rt config.RuntimeConfig) (Backend, error) {
	switch rt.Backend {
	case "reference":
		return NewReferenceBackend(), nil
	case "sidecar":
		if rt.TrainerURL == "" {
			return nil, faults.Config("runtime.trainer_url", "required for the sidecar backend")
		}
		return NewSidecarBackend(rt.TrainerURL), nil
	case "llama":
		return NewLlamaBackend(LlamaOptions{
			CtxSize:       rt.LlamaCtxSize,
			Threads:       rt.LlamaThreads,
			GPULayers:     rt.LlamaGPULayers,
			ExportLoraBin: rt.ExportLoraBin,
			WorkDir:       filepath.Join(rt.WorkDir, "llama"),
		}), nil
	default:
		return nil, faults.Configf("runtime.backend", "unknown backend %q", rt.Backend)
	}
}
