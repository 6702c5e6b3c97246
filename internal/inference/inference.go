// Package inference composes a base model with a trained adapter, generates
// from it, and consolidates the adapter into standalone weights.
package inference

import (
	"context"
	"errors"
	"strings"
	"sync"

	"ftpipe/internal/adaptation"
	"ftpipe/internal/artifact"
	"ftpipe/internal/events"
	"ftpipe/internal/faults"
)

// ErrHandleDisposed is returned by any use of an AdaptedModel after
// MergeAndUnload or Close.
var ErrHandleDisposed = errors.New("model handle already disposed")

// GenerateOptions bound one generation.
type GenerateOptions struct {
	MaxNewTokens int
	// Temperature zero is greedy decoding.
	Temperature float64
	TopP        float64
	TopK        int
	Seed        int64
	Stop        []string
}

// Completion is raw backend output for one prompt.
type Completion struct {
	Text string
	// Pieces, when set, are the decoded new tokens in order.
	Pieces []string
	Tokens int
}

// Runtime is a model loaded in a backend.
type Runtime interface {
	Complete(ctx context.Context, prompt string, opts GenerateOptions) (Completion, error)
	Close() error
}

// AdapterRuntime is a runtime holding an unmerged adapter.
type AdapterRuntime interface {
	Runtime
	// Merge returns standalone weights. The receiver must not be used after.
	Merge(ctx context.Context) (MergedRuntime, error)
}

// MergedRuntime holds weights with no adapter dependency.
type MergedRuntime interface {
	Runtime
	Save(ctx context.Context, dir string) error
}

// Backend loads models into a runtime.
type Backend interface {
	Name() string
	Compose(ctx context.Context, h *adaptation.ModelHandle, a artifact.Adapter) (AdapterRuntime, error)
	OpenMerged(ctx context.Context, dir string) (MergedRuntime, error)
	Releaser
}

// Generator is anything Generate can drive.
type Generator interface {
	Complete(ctx context.Context, prompt string, opts GenerateOptions) (Completion, error)
}

// Generate runs g on prompt and returns only newly generated text, capped
// at MaxNewTokens and never starting with the prompt.
func Generate(ctx context.Context, g Generator, prompt string, opts GenerateOptions) (string, error) {
	text, _, err := GenerateCounted(ctx, g, prompt, opts)
	return text, err
}

// GenerateCounted is Generate that also reports the number of new tokens.
func GenerateCounted(ctx context.Context, g Generator, prompt string, opts GenerateOptions) (string, int, error) {
	if opts.MaxNewTokens <= 0 {
		return "", 0, faults.Configf("generation.max_new_tokens", "must be positive (got %d)", opts.MaxNewTokens)
	}
	if opts.Temperature < 0 {
		return "", 0, faults.Configf("generation.temperature", "must not be negative (got %g)", opts.Temperature)
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	c, err := g.Complete(ctx, prompt, opts)
	if err != nil {
		return "", 0, err
	}
	text, n := c.Text, c.Tokens
	if len(c.Pieces) > 0 {
		if len(c.Pieces) > opts.MaxNewTokens {
			c.Pieces = c.Pieces[:opts.MaxNewTokens]
		}
		text, n = strings.Join(c.Pieces, ""), len(c.Pieces)
	}
	if prompt != "" {
		text = strings.TrimPrefix(text, prompt)
	}
	if n > opts.MaxNewTokens {
		n = opts.MaxNewTokens
	}
	return text, n, nil
}

// Engine composes models on one backend.
type Engine struct {
	backend Backend
	pub     events.Publisher
}

func NewEngine(b Backend, pub events.Publisher) *Engine {
	return &Engine{backend: b, pub: events.OrNop(pub)}
}

// Backend returns the engine's backend.
func (e *Engine) Backend() Backend { return e.backend }

// Compose loads base plus adapter.
func (e *Engine) Compose(ctx context.Context, h *adaptation.ModelHandle, a artifact.Adapter) (*AdaptedModel, error) {
	if h == nil {
		return nil, faults.Config("model", "no model handle")
	}
	rt, err := e.backend.Compose(ctx, h, a)
	if err != nil {
		return nil, err
	}
	e.pub.Publish(events.Event{Name: "compose", Fields: map[string]any{"backend": e.backend.Name(), "model": h.Model.ID, "adapter": a.Dir}})
	return &AdaptedModel{rt: rt, modelID: h.Model.ID, adapter: a, pub: e.pub}, nil
}

// OpenMerged loads previously saved merged weights.
func (e *Engine) OpenMerged(ctx context.Context, dir string) (*MergedModel, error) {
	rt, err := e.backend.OpenMerged(ctx, dir)
	if err != nil {
		return nil, err
	}
	return &MergedModel{rt: rt, modelID: dir}, nil
}

// AdaptedModel is base plus adapter inside a runtime.
type AdaptedModel struct {
	mu      sync.Mutex
	rt      AdapterRuntime
	modelID string
	adapter artifact.Adapter
	pub     events.Publisher
}

func (m *AdaptedModel) ModelID() string { return m.modelID }

func (m *AdaptedModel) Adapter() artifact.Adapter { return m.adapter }

// Complete implements Generator.
func (m *AdaptedModel) Complete(ctx context.Context, prompt string, opts GenerateOptions) (Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rt == nil {
		return Completion{}, ErrHandleDisposed
	}
	return m.rt.Complete(ctx, prompt, opts)
}

// MergeAndUnload folds the adapter into the base weights and disposes m.
// The handle is disposed even when the merge fails.
func (m *AdaptedModel) MergeAndUnload(ctx context.Context) (*MergedModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rt == nil {
		return nil, ErrHandleDisposed
	}
	rt := m.rt
	m.rt = nil
	merged, err := rt.Merge(ctx)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	m.pub.Publish(events.Event{Name: "merge", Fields: map[string]any{"model": m.modelID, "adapter": m.adapter.Dir}})
	return &MergedModel{rt: merged, modelID: m.modelID}, nil
}

// Close releases the runtime. A disposed handle returns ErrHandleDisposed.
func (m *AdaptedModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rt == nil {
		return ErrHandleDisposed
	}
	rt := m.rt
	m.rt = nil
	return rt.Close()
}

// MergedModel is standalone weights.
type MergedModel struct {
	mu      sync.Mutex
	rt      MergedRuntime
	modelID string
}

func (m *MergedModel) ModelID() string { return m.modelID }

func (m *MergedModel) Complete(ctx context.Context, prompt string, opts GenerateOptions) (Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rt == nil {
		return Completion{}, ErrHandleDisposed
	}
	return m.rt.Complete(ctx, prompt, opts)
}

// Save writes standalone weights to dir.
func (m *MergedModel) Save(ctx context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rt == nil {
		return ErrHandleDisposed
	}
	return m.rt.Save(ctx, dir)
}

// Close releases the runtime; repeated calls are no-ops.
func (m *MergedModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rt == nil {
		return nil
	}
	rt := m.rt
	m.rt = nil
	return rt.Close()
}
