package inference

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"ftpipe/internal/faults"
	"ftpipe/internal/logging"
)

// LlamaOptions configure the in-process llama.cpp backend.
type LlamaOptions struct {
	CtxSize   int
	Threads   int
	GPULayers int
	// ExportLoraBin is llama.cpp's llama-export-lora tool, used to merge.
	ExportLoraBin string
	// WorkDir receives merged GGUF files.
	WorkDir string
}

// findGGUF returns the single *.gguf file at p, or inside p if it is a dir.
func findGGUF(p string) (string, error) {
	st, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		if !strings.EqualFold(filepath.Ext(p), ".gguf") {
			return "", faults.Configf("model", "%s is not a GGUF file", p)
		}
		return p, nil
	}
	matches, err := filepath.Glob(filepath.Join(p, "*.gguf"))
	if err != nil {
		return "", err
	}
	sort.Strings(matches)
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no .gguf file in %s: %w", p, os.ErrNotExist)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("more than one .gguf file in %s", p)
	}
}

// exportLoRA writes base+adapter as one GGUF at out using llama-export-lora.
func exportLoRA(ctx context.Context, bin, base, adapter string, scale float64, out string) error {
	if strings.TrimSpace(bin) == "" {
		return faults.Config("runtime.export_lora_bin", "required to merge with the llama backend")
	}
	if _, err := exec.LookPath(bin); err != nil {
		return faults.DependencyUnavailable(fmt.Sprintf("llama-export-lora not found (%s): %v", bin, err))
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	args := []string{"-m", base, "-o", out}
	if scale > 0 && scale != 1 {
		args = append(args, "--lora-scaled", adapter, fmt.Sprintf("%g", scale))
	} else {
		args = append(args, "--lora", adapter)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	b, err := cmd.CombinedOutput()
	logging.FromContext(ctx).Debug().Str("proc", "export-lora").Strs("args", args).Msg("merge adapter")
	if err != nil {
		tail := strings.TrimSpace(string(b))
		if len(tail) > 4096 {
			tail = tail[len(tail)-4096:]
		}
		return fmt.Errorf("llama-export-lora: %w: %s", err, tail)
	}
	if _, err := os.Stat(out); err != nil {
		return fmt.Errorf("llama-export-lora produced no output at %s: %w", out, err)
	}
	return nil
}
