// Package serving hands a merged model to an OpenAI-compatible serving
// engine (vLLM or similar) and queries it.
package serving

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"ftpipe/internal/config"
	"ftpipe/internal/events"
	"ftpipe/internal/faults"
	"ftpipe/internal/logging"
	"ftpipe/internal/supervisor"
)

// Options are translated one to one into server flags.
type Options struct {
	Bin                  string
	Host                 string
	Port                 int
	ServedModelName      string
	GPUMemoryUtilization float64
	MaxModelLen          int
	TensorParallelSize   int
	ReadyTimeout         time.Duration
	APIKey               string
	ExtraArgs            []string
	Publisher            events.Publisher
}

// OptionsFromConfig maps the serving section of the config.
func OptionsFromConfig(c config.ServingConfig) Options {
	return Options{
		Bin:                  c.Bin,
		Host:                 c.Host,
		Port:                 c.Port,
		GPUMemoryUtilization: c.GPUMemoryUtilization,
		MaxModelLen:          c.MaxModelLen,
		TensorParallelSize:   c.TensorParallelSize,
		ReadyTimeout:         time.Duration(c.ReadyTimeoutSec) * time.Second,
		APIKey:               c.APIKey,
		ExtraArgs:            c.ExtraArgs,
	}
}

// Sampling controls one chat completion.
type Sampling struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
	Seed        int64
}

// Instance is a reachable serving endpoint, optionally owned by us.
type Instance struct {
	client  openai.Client
	model   string
	baseURL string
	proc    *supervisor.Process
}

// Args builds the server command line for mergedPath.
func Args(mergedPath string, o Options, host string, port int) []string {
	args := []string{"serve", mergedPath,
		"--host", host,
		"--port", strconv.Itoa(port),
		"--served-model-name", servedName(mergedPath, o),
	}
	if o.GPUMemoryUtilization > 0 {
		args = append(args, "--gpu-memory-utilization", strconv.FormatFloat(o.GPUMemoryUtilization, 'f', -1, 64))
	}
	if o.MaxModelLen > 0 {
		args = append(args, "--max-model-len", strconv.Itoa(o.MaxModelLen))
	}
	if o.TensorParallelSize > 1 {
		args = append(args, "--tensor-parallel-size", strconv.Itoa(o.TensorParallelSize))
	}
	if o.APIKey != "" {
		args = append(args, "--api-key", o.APIKey)
	}
	return append(args, o.ExtraArgs...)
}

func servedName(mergedPath string, o Options) string {
	if o.ServedModelName != "" {
		return o.ServedModelName
	}
	return mergedPath
}

func checkOptions(o Options) error {
	switch {
	case o.GPUMemoryUtilization < 0 || o.GPUMemoryUtilization > 1:
		return faults.Configf("serving.gpu_memory_utilization", "must be in (0,1] (got %g)", o.GPUMemoryUtilization)
	case o.MaxModelLen < 0:
		return faults.Configf("serving.max_model_len", "must not be negative (got %d)", o.MaxModelLen)
	case o.TensorParallelSize < 0:
		return faults.Configf("serving.tensor_parallel_size", "must not be negative (got %d)", o.TensorParallelSize)
	}
	return nil
}

// Launch starts the serving engine on mergedPath and waits for /v1/models.
func Launch(ctx context.Context, mergedPath string, o Options) (*Instance, error) {
	if strings.TrimSpace(mergedPath) == "" {
		return nil, faults.Config("serving.model", "merged model path required")
	}
	if err := checkOptions(o); err != nil {
		return nil, err
	}
	bin := o.Bin
	if bin == "" {
		bin = "vllm"
	}
	timeout := o.ReadyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	p, err := supervisor.Start(ctx, supervisor.Spec{
		Name: "serving",
		Bin:  bin,
		Host: o.Host,
		Port: o.Port,
		Args: func(host string, port int) []string {
			return Args(mergedPath, o, host, port)
		},
		ReadyPath:    "/v1/models",
		ReadyTimeout: timeout,
		StopGrace:    15 * time.Second,
		Publisher:    o.Publisher,
	})
	if err != nil {
		return nil, err
	}
	inst := newInstance(p.BaseURL(), servedName(mergedPath, o), o.APIKey)
	inst.proc = p
	logging.FromContext(ctx).Info().Str("event", "serving_ready").Str("url", p.BaseURL()).Str("model", inst.model).Msg("serving engine ready")
	return inst, nil
}

// Attach reuses a server that is already running at baseURL.
func Attach(baseURL, model, apiKey string) (*Instance, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, faults.Config("serving.base_url", "required")
	}
	if model == "" {
		return nil, faults.Config("serving.model", "served model name required")
	}
	return newInstance(strings.TrimRight(baseURL, "/"), model, apiKey), nil
}

func newInstance(baseURL, model, apiKey string) *Instance {
	if apiKey == "" {
		// OpenAI-compatible servers started without --api-key accept any token.
		apiKey = "EMPTY"
	}
	return &Instance{
		client: openai.NewClient(
			option.WithBaseURL(baseURL+"/v1/"),
			option.WithAPIKey(apiKey),
			option.WithMaxRetries(1),
		),
		model:   model,
		baseURL: baseURL,
	}
}

func (i *Instance) BaseURL() string { return i.baseURL }

func (i *Instance) Model() string { return i.model }

// Generate sends prompt as one user message and returns the reply text.
func (i *Instance) Generate(ctx context.Context, prompt string, s Sampling) (string, error) {
	if s.MaxTokens <= 0 {
		return "", faults.Configf("generation.max_new_tokens", "must be positive (got %d)", s.MaxTokens)
	}
	req := openai.ChatCompletionNewParams{
		Model:       i.model,
		Messages:    []openai.ChatCompletionMessageParamUnion{openai.UserMessage(prompt)},
		MaxTokens:   openai.Int(int64(s.MaxTokens)),
		Temperature: openai.Float(s.Temperature),
	}
	if s.TopP > 0 {
		req.TopP = openai.Float(s.TopP)
	}
	if s.Seed != 0 {
		req.Seed = openai.Int(s.Seed)
	}
	res, err := i.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return "", fmt.Errorf("serving chat completion: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", fmt.Errorf("serving chat completion: no choices returned")
	}
	return res.Choices[0].Message.Content, nil
}

// Stop terminates a launched server; attached instances are left running.
func (i *Instance) Stop() error {
	if i.proc == nil {
		return nil
	}
	return i.proc.Stop()
}
