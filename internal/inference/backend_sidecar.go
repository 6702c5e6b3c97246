package inference

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"ftpipe/internal/adaptation"
	"ftpipe/internal/artifact"
	"ftpipe/internal/faults"
)

// SidecarBackend drives the trainer sidecar's inference endpoints, so the
// model stays on the device the sidecar owns.
type SidecarBackend struct {
	http *resty.Client
}

func NewSidecarBackend(baseURL string) *SidecarBackend {
	return &SidecarBackend{http: resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(10 * time.Minute)}
}

func (*SidecarBackend) Name() string { return "sidecar" }

type sidecarLoadRequest struct {
	BaseModel    string                   `json:"base_model"`
	AdapterDir   string                   `json:"adapter_dir,omitempty"`
	MergedDir    string                   `json:"merged_dir,omitempty"`
	Quantization *adaptation.QuantOptions `json:"quantization,omitempty"`
}

type sidecarHandle struct {
	ModelID string `json:"model_id"`
}

type sidecarGenerateRequest struct {
	ModelID      string   `json:"model_id"`
	Prompt       string   `json:"prompt"`
	MaxNewTokens int      `json:"max_new_tokens"`
	Temperature  float64  `json:"temperature"`
	TopP         float64  `json:"top_p,omitempty"`
	TopK         int      `json:"top_k,omitempty"`
	Seed         int64    `json:"seed,omitempty"`
	Stop         []string `json:"stop,omitempty"`
}

type sidecarGenerateResponse struct {
	Text   string `json:"text"`
	Tokens int    `json:"tokens"`
}

type sidecarError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (b *SidecarBackend) post(ctx context.Context, path string, body, out any) error {
	var apiErr sidecarError
	req := b.http.R().SetContext(ctx).SetBody(body).SetError(&apiErr)
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Post(path)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	if resp.IsSuccess() {
		return nil
	}
	msg := apiErr.Error
	if msg == "" {
		msg = apiErr.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(resp.String())
	}
	if resp.StatusCode() == http.StatusServiceUnavailable {
		return faults.DependencyUnavailable(fmt.Sprintf("sidecar %s: %s", path, msg))
	}
	return fmt.Errorf("post %s: %s: %s", path, resp.Status(), msg)
}

func (b *SidecarBackend) Compose(ctx context.Context, h *adaptation.ModelHandle, a artifact.Adapter) (AdapterRuntime, error) {
	base := h.Model.Path
	if base == "" {
		base = h.Model.ID
	}
	req := sidecarLoadRequest{BaseModel: base, AdapterDir: a.Dir}
	if h.Quant.Enabled() {
		q := h.Quant
		req.Quantization = &q
	}
	var out sidecarHandle
	if err := b.post(ctx, "/load", req, &out); err != nil {
		return nil, err
	}
	return &sidecarRuntime{b: b, id: out.ModelID}, nil
}

func (b *SidecarBackend) OpenMerged(ctx context.Context, dir string) (MergedRuntime, error) {
	var out sidecarHandle
	if err := b.post(ctx, "/load", sidecarLoadRequest{BaseModel: dir, MergedDir: dir}, &out); err != nil {
		return nil, err
	}
	return &sidecarRuntime{b: b, id: out.ModelID}, nil
}

// Release asks the sidecar to empty its device cache.
func (b *SidecarBackend) Release(ctx context.Context) error {
	return b.post(ctx, "/empty_cache", struct{}{}, nil)
}

type sidecarRuntime struct {
	b  *SidecarBackend
	id string
}

func (r *sidecarRuntime) Complete(ctx context.Context, prompt string, opts GenerateOptions) (Completion, error) {
	if r.id == "" {
		return Completion{}, ErrHandleDisposed
	}
	var out sidecarGenerateResponse
	err := r.b.post(ctx, "/generate", sidecarGenerateRequest{
		ModelID:      r.id,
		Prompt:       prompt,
		MaxNewTokens: opts.MaxNewTokens,
		Temperature:  opts.Temperature,
		TopP:         opts.TopP,
		TopK:         opts.TopK,
		Seed:         opts.Seed,
		Stop:         opts.Stop,
	}, &out)
	if err != nil {
		return Completion{}, err
	}
	return Completion{Text: out.Text, Tokens: out.Tokens}, nil
}

func (r *sidecarRuntime) Merge(ctx context.Context) (MergedRuntime, error) {
	if r.id == "" {
		return nil, ErrHandleDisposed
	}
	var out sidecarHandle
	err := r.b.post(ctx, "/merge", sidecarHandle{ModelID: r.id}, &out)
	r.id = ""
	if err != nil {
		return nil, err
	}
	return &sidecarRuntime{b: r.b, id: out.ModelID}, nil
}

func (r *sidecarRuntime) Save(ctx context.Context, dir string) error {
	if r.id == "" {
		return ErrHandleDisposed
	}
	return r.b.post(ctx, "/save", map[string]string{"model_id": r.id, "output_dir": dir}, nil)
}

func (r *sidecarRuntime) Close() error {
	if r.id == "" {
		return nil
	}
	id := r.id
	r.id = ""
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return r.b.post(ctx, "/unload", sidecarHandle{ModelID: id}, nil)
}
