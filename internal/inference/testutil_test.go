package inference

import (
	"context"
	"os"
)

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, opts GenerateOptions) (Completion, error)

func (f GeneratorFunc) Complete(ctx context.Context, prompt string, opts GenerateOptions) (Completion, error) {
	return f(ctx, prompt, opts)
}

func writeFile(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o644)
}
