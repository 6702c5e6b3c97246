package pipeline

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"ftpipe/internal/common/fsutil"
	"ftpipe/internal/dataset"
	"ftpipe/internal/faults"
	"ftpipe/internal/inference"
	"ftpipe/internal/logging"
	"ftpipe/internal/prompt"
	"ftpipe/pkg/types"
)

// servedModel is a composed or merged model held by a Service.
type servedModel interface {
	inference.Generator
	Close() error
}

// busyError is returned when too many generations are already waiting.
type busyError struct{ waiting int }

func (e busyError) Error() string {
	return "generation queue full: " + strconv.Itoa(e.waiting) + " requests waiting"
}

func (busyError) StatusCode() int { return http.StatusTooManyRequests }

// ServiceOptions configure OpenService.
type ServiceOptions struct {
	// Run names the trained adapter to load.
	Run string
	// Merged loads the run's merged weights instead of composing.
	Merged bool
	// MaxQueue bounds requests waiting for the model; zero means 8.
	MaxQueue int
}

// Service serves generations from one loaded model. Generations on the
// model are serialized; callers beyond MaxQueue are rejected.
type Service struct {
	p        *Pipeline
	model    servedModel
	name     string
	merged   bool
	started  time.Time
	slot     chan struct{}
	waiting  atomic.Int32
	maxQueue int32
	gens     atomic.Uint64
	closed   atomic.Bool
}

// OpenService loads the adapter of o.Run, composed with its base model or
// as merged weights, and returns a Service over it.
func (p *Pipeline) OpenService(ctx context.Context, o ServiceOptions) (*Service, error) {
	if strings.TrimSpace(o.Run) == "" {
		return nil, faults.Config("training.run_name", "required to serve a trained adapter")
	}
	if o.MaxQueue <= 0 {
		o.MaxQueue = 8
	}
	s := &Service{
		p:        p,
		merged:   o.Merged,
		started:  time.Now(),
		slot:     make(chan struct{}, 1),
		maxQueue: int32(o.MaxQueue),
	}
	if o.Merged {
		dir := filepath.Join(p.RunDir(o.Run), "merged")
		if !fsutil.IsDir(dir) {
			return nil, faults.Configf("runtime.merge", "run %q has no merged model at %s", o.Run, dir)
		}
		m, err := p.engine.OpenMerged(ctx, dir)
		if err != nil {
			return nil, err
		}
		s.model, s.name = m, o.Run+"/merged"
	} else {
		h, err := p.Setup(ctx)
		if err != nil {
			return nil, err
		}
		a, err := p.LoadAdapter(ctx, o.Run)
		if err != nil {
			return nil, err
		}
		m, err := p.engine.Compose(ctx, h, a)
		if err != nil {
			return nil, err
		}
		s.model, s.name = m, h.Model.ID+"+"+o.Run
	}
	logging.FromContext(ctx).Info().Str("model", s.name).Bool("merged", s.merged).Str("backend", p.d.Backend.Name()).Msg("model loaded for serving")
	return s, nil
}

// Close unloads the model and releases the backend's device memory.
func (s *Service) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.model.Close()
	if errors.Is(err, inference.ErrHandleDisposed) {
		err = nil
	}
	return errors.Join(err, s.p.d.Backend.Release(ctx))
}

func (s *Service) Ready() bool { return !s.closed.Load() }

func (s *Service) ListModels() []types.Model {
	if l, ok := s.p.d.Resolver.(interface{ List() []types.Model }); ok {
		return l.List()
	}
	return nil
}

func (s *Service) Status() types.StatusResponse {
	return types.StatusResponse{
		Model:         s.name,
		Backend:       s.p.d.Backend.Name(),
		Merged:        s.merged,
		Template:      s.p.tpl.Kind(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Generations:   s.gens.Load(),
	}
}

// Runs lists the ledger, newest first. Without a ledger it is empty.
func (s *Service) Runs(ctx context.Context, limit int) ([]types.RunSummary, error) {
	if s.p.d.Ledger == nil {
		return nil, nil
	}
	return s.p.d.Ledger.List(ctx, limit)
}

// Generate formats req, waits for the model and generates. Request fields
// left unset fall back to the generation section of the config.
func (s *Service) Generate(ctx context.Context, req types.GenerateRequest) (types.GenerateResponse, error) {
	if s.closed.Load() {
		return types.GenerateResponse{}, inference.ErrHandleDisposed
	}
	text := req.Prompt
	if strings.TrimSpace(text) == "" {
		if strings.TrimSpace(req.Instruction) == "" {
			return types.GenerateResponse{}, faults.Config("prompt", "prompt or instruction is required")
		}
		text = prompt.Prompt(s.p.tpl, dataset.Example{Instruction: req.Instruction, Input: req.Input})
	}
	opts := s.options(req)

	if n := s.waiting.Add(1); n > s.maxQueue {
		s.waiting.Add(-1)
		return types.GenerateResponse{}, busyError{waiting: int(n - 1)}
	}
	select {
	case s.slot <- struct{}{}:
		s.waiting.Add(-1)
	case <-ctx.Done():
		s.waiting.Add(-1)
		return types.GenerateResponse{}, ctx.Err()
	}
	defer func() { <-s.slot }()

	start := time.Now()
	out, tokens, err := inference.GenerateCounted(ctx, s.model, text, opts)
	if err != nil {
		return types.GenerateResponse{}, faults.Classify(StageInfer, s.name, err)
	}
	s.gens.Add(1)
	s.p.d.Metrics.AddTokens(tokens)
	return types.GenerateResponse{
		Text:       out,
		Model:      s.name,
		Tokens:     tokens,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

func (s *Service) options(req types.GenerateRequest) inference.GenerateOptions {
	opts := GenerateOptions(s.p.cfg.Generation)
	if req.MaxNewTokens != 0 {
		opts.MaxNewTokens = req.MaxNewTokens
	}
	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
	}
	if req.TopP != 0 {
		opts.TopP = req.TopP
	}
	if req.TopK != 0 {
		opts.TopK = req.TopK
	}
	if req.Seed != 0 {
		opts.Seed = req.Seed
	}
	return opts
}
