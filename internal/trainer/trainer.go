// Package trainer delegates the optimization loop to an external trainer
// sidecar and waits for the adapter it produces.
package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/schollz/progressbar/v3"

	"ftpipe/internal/faults"
	"ftpipe/internal/logging"
)

// Sidecar job states reported by GET /status.
const (
	StatusReady    = "READY"
	StatusRunning  = "RUNNING"
	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"
)

// Trainer runs one training job to completion.
type Trainer interface {
	Train(ctx context.Context, req Request) (Result, error)
}

// Result describes a finished training job.
type Result struct {
	AdapterDir string
	Steps      int
	Metrics    map[string]any
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status     string  `json:"status"`
	Message    string  `json:"message,omitempty"`
	Step       int     `json:"step,omitempty"`
	TotalSteps int     `json:"total_steps,omitempty"`
	Loss       float64 `json:"loss,omitempty"`
}

// Client talks to a running trainer sidecar.
type Client struct {
	http     *resty.Client
	poll     time.Duration
	progress io.Writer
}

// Option configures a Client.
type Option func(*Client)

// WithPollInterval sets the delay between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithProgress renders a progress bar to w while polling.
func WithProgress(w io.Writer) Option { return func(c *Client) { c.progress = w } }

// NewClient returns a client for the sidecar at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
		poll: 2 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Train posts req to /finetune and polls /status until the job finishes.
// Cancelling ctx asks the sidecar to terminate the job.
func (c *Client) Train(ctx context.Context, req Request) (Result, error) {
	log := logging.FromContext(ctx)
	if err := c.submit(ctx, req); err != nil {
		return Result{}, err
	}
	log.Info().Str("run", req.RunName).Str("event", "submitted").Msg("training job submitted")

	var bar *progressbar.ProgressBar
	defer func() {
		if bar != nil {
			_ = bar.Finish()
		}
	}()
	tick := time.NewTicker(c.poll)
	defer tick.Stop()
	last := StatusResponse{}
	for {
		st, err := c.Status(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.terminate(ctx, req.RunName)
				return Result{}, ctx.Err()
			}
			return Result{}, err
		}
		if st.Step != last.Step || st.Status != last.Status {
			log.Debug().Str("run", req.RunName).Str("status", st.Status).Int("step", st.Step).Int("total", st.TotalSteps).Float64("loss", st.Loss).Msg("training status")
		}
		last = st
		if c.progress != nil && st.TotalSteps > 0 {
			if bar == nil {
				bar = progressbar.NewOptions(st.TotalSteps,
					progressbar.OptionSetWriter(c.progress),
					progressbar.OptionSetDescription("training "+req.RunName),
					progressbar.OptionSetWidth(30),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
			}
			_ = bar.Set(st.Step)
		}

		switch st.Status {
		case StatusFinished:
			metrics, err := c.Metrics(ctx)
			if err != nil {
				log.Warn().Err(err).Str("run", req.RunName).Msg("fetch training metrics")
			}
			log.Info().Str("run", req.RunName).Str("event", "finished").Int("steps", st.Step).Msg("training finished")
			return Result{AdapterDir: req.AdapterDir(), Steps: st.Step, Metrics: metrics}, nil
		case StatusRunning, StatusReady:
		case StatusFailed:
			return Result{}, fmt.Errorf("trainer job %s failed: %s", req.RunName, st.Message)
		default:
			return Result{}, fmt.Errorf("trainer job %s: unexpected status %q: %s", req.RunName, st.Status, st.Message)
		}

		select {
		case <-ctx.Done():
			c.terminate(ctx, req.RunName)
			return Result{}, ctx.Err()
		case <-tick.C:
		}
	}
}

func (c *Client) submit(ctx context.Context, req Request) error {
	var apiErr StatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetError(&apiErr).
		Post("/finetune")
	if err != nil {
		return fmt.Errorf("post /finetune: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusOK || resp.StatusCode() == http.StatusAccepted:
		return nil
	case resp.StatusCode() == http.StatusUnprocessableEntity:
		// The sidecar validates the dataset synchronously.
		return faults.Configf("dataset", "rejected by trainer: %s", errorMessage(resp, apiErr))
	default:
		return fmt.Errorf("post /finetune: %s: %s", resp.Status(), errorMessage(resp, apiErr))
	}
}

// Status returns the sidecar's current job state.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var st StatusResponse
	resp, err := c.http.R().SetContext(ctx).SetResult(&st).Get("/status")
	if err != nil {
		return st, fmt.Errorf("get /status: %w", err)
	}
	if !resp.IsSuccess() {
		return st, fmt.Errorf("get /status: %s: %s", resp.Status(), resp.String())
	}
	return st, nil
}

// Metrics returns the final training metrics.
func (c *Client) Metrics(ctx context.Context) (map[string]any, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/metrics")
	if err != nil {
		return nil, fmt.Errorf("get /metrics: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("get /metrics: %s", resp.Status())
	}
	var m map[string]any
	if err := json.Unmarshal(resp.Body(), &m); err != nil {
		return nil, fmt.Errorf("decode /metrics: %w", err)
	}
	return m, nil
}

// terminate is best effort; ctx is usually already cancelled.
func (c *Client) terminate(ctx context.Context, run string) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	resp, err := c.http.R().SetContext(tctx).Post("/terminate")
	log := logging.FromContext(ctx)
	if err != nil {
		log.Warn().Err(err).Str("run", run).Msg("terminate training job")
		return
	}
	log.Info().Str("run", run).Int("code", resp.StatusCode()).Str("event", "terminated").Msg("training job terminated")
}

func errorMessage(resp *resty.Response, apiErr StatusResponse) string {
	if apiErr.Message != "" {
		return apiErr.Message
	}
	return strings.TrimSpace(resp.String())
}
