package serving

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ftpipe/internal/config"
	"ftpipe/internal/faults"
)

func TestArgs(t *testing.T) {
	o := OptionsFromConfig(config.Default().Serving)
	o.GPUMemoryUtilization = 0.85
	o.MaxModelLen = 2048
	o.TensorParallelSize = 2
	o.ServedModelName = "tuned"
	o.ExtraArgs = []string{"--dtype", "bfloat16"}
	got := Args("/work/merged", o, "127.0.0.1", 8000)
	assert.Equal(t, []string{
		"serve", "/work/merged",
		"--host", "127.0.0.1",
		"--port", "8000",
		"--served-model-name", "tuned",
		"--gpu-memory-utilization", "0.85",
		"--max-model-len", "2048",
		"--tensor-parallel-size", "2",
		"--dtype", "bfloat16",
	}, got)
}

func TestLaunchValidatesBeforeSpawning(t *testing.T) {
	_, err := Launch(context.Background(), "", Options{})
	assert.True(t, faults.IsConfig(err))

	_, err = Launch(context.Background(), "/work/merged", Options{GPUMemoryUtilization: 1.5})
	assert.True(t, faults.IsConfig(err))
	assert.Equal(t, "serving.gpu_memory_utilization", faults.ConfigField(err))

	_, err = Launch(context.Background(), "/work/merged", Options{Bin: "ftpipe-no-such-vllm"})
	assert.True(t, faults.IsDependencyUnavailable(err))
}

type chatRequest struct {
	Model     string  `json:"model"`
	MaxTokens int     `json:"max_tokens"`
	TopP      float64 `json:"top_p"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func TestAttachGenerate(t *testing.T) {
	var mu sync.Mutex
	var got chatRequest
	var auth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"tuned",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"4"}}],
			"usage":{"prompt_tokens":5,"completion_tokens":1,"total_tokens":6}}`))
	}))
	defer ts.Close()

	inst, err := Attach(ts.URL, "tuned", "")
	require.NoError(t, err)
	text, err := inst.Generate(context.Background(), "What is 2+2?", Sampling{MaxTokens: 8, TopP: 0.9})
	require.NoError(t, err)
	assert.Equal(t, "4", text)
	require.NoError(t, inst.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "tuned", got.Model)
	assert.Equal(t, 8, got.MaxTokens)
	assert.InDelta(t, 0.9, got.TopP, 1e-9)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
	assert.Equal(t, "What is 2+2?", got.Messages[0].Content)
	assert.Equal(t, "Bearer EMPTY", auth)
}

func TestAttachRequiresURLAndModel(t *testing.T) {
	_, err := Attach("", "m", "")
	assert.True(t, faults.IsConfig(err))
	_, err = Attach("http://localhost:8000", "", "")
	assert.True(t, faults.IsConfig(err))

	inst, err := Attach("http://localhost:8000/", "m", "")
	require.NoError(t, err)
	_, err = inst.Generate(context.Background(), "x", Sampling{})
	assert.True(t, faults.IsConfig(err))
}
