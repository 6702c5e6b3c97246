package trainer

import (
	"context"
	"strconv"
	"time"

	"ftpipe/internal/events"
	"ftpipe/internal/supervisor"
)

// SpawnOptions launch a trainer sidecar for the duration of one job.
type SpawnOptions struct {
	Bin          string
	Args         []string
	Host         string
	ReadyTimeout time.Duration
	Publisher    events.Publisher
	ClientOpts   []Option
}

// Spawned starts the sidecar binary, trains through it, and stops it.
type Spawned struct {
	opts SpawnOptions
}

func NewSpawned(opts SpawnOptions) *Spawned { return &Spawned{opts: opts} }

// Train launches the sidecar on a free port, waits for /health, runs req,
// and always stops the process before returning.
func (s *Spawned) Train(ctx context.Context, req Request) (Result, error) {
	timeout := s.opts.ReadyTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	p, err := supervisor.Start(ctx, supervisor.Spec{
		Name: "trainer",
		Bin:  s.opts.Bin,
		Host: s.opts.Host,
		Args: func(host string, port int) []string {
			return append([]string{"--host", host, "--port", strconv.Itoa(port)}, s.opts.Args...)
		},
		ReadyPath:    "/health",
		ReadyTimeout: timeout,
		StopGrace:    10 * time.Second,
		Publisher:    s.opts.Publisher,
	})
	if err != nil {
		return Result{}, err
	}
	defer p.Stop()
	res, err := NewClient(p.BaseURL(), s.opts.ClientOpts...).Train(ctx, req)
	if err != nil && p.Exited() {
		if tail := p.StderrTail(); tail != "" {
			return res, &exitError{err: err, tail: tail}
		}
	}
	return res, err
}

// exitError keeps the sidecar's stderr next to the failure it caused so
// out-of-memory messages reach error classification.
type exitError struct {
	err  error
	tail string
}

func (e *exitError) Error() string { return e.err.Error() + "; stderr tail: " + e.tail }

func (e *exitError) Unwrap() error { return e.err }
