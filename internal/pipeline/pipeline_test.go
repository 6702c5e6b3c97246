package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ftpipe/internal/config"
	"ftpipe/internal/dataset"
	"ftpipe/internal/events"
	"ftpipe/internal/faults"
	"ftpipe/internal/inference"
	"ftpipe/internal/inference/refmodel"
	"ftpipe/internal/ledger"
	"ftpipe/internal/logging"
	"ftpipe/internal/tokenize"
	"ftpipe/internal/trainer"
)

func writeDataset(t *testing.T, n int) string {
	t.Helper()
	exs := make([]dataset.Example, n)
	for i := range exs {
		exs[i] = dataset.Example{Instruction: fmt.Sprintf("What is %d+%d?", i, i), Output: fmt.Sprint(2 * i)}
	}
	p := filepath.Join(t.TempDir(), "qa.jsonl")
	require.NoError(t, dataset.WriteJSONL(p, exs))
	return p
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Model.ID = "openai-community/gpt2"
	cfg.Dataset.ID = writeDataset(t, 20)
	cfg.Runtime.Backend = "reference"
	cfg.Runtime.ModelsDir = ""
	cfg.Runtime.WorkDir = t.TempDir()
	cfg.Artifacts.Dir = t.TempDir()
	cfg.Generation.MaxNewTokens = 8
	return cfg
}

type countingTrainer struct {
	calls atomic.Int32
	inner trainer.Trainer
	err   error
}

func (c *countingTrainer) Train(ctx context.Context, req trainer.Request) (trainer.Result, error) {
	c.calls.Add(1)
	if c.err != nil {
		return trainer.Result{}, c.err
	}
	return c.inner.Train(ctx, req)
}

func openLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRunEndToEndReference(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.MetricsTextfile = filepath.Join(t.TempDir(), "ftpipe.prom")
	tr := &countingTrainer{inner: trainer.Reference{}}
	pub := events.NewMemory()
	led := openLedger(t)
	p, err := New(cfg, Deps{Trainer: tr, Publisher: pub, Ledger: led})
	require.NoError(t, err)

	rep, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 19, rep.TrainSize)
	assert.Equal(t, 1, rep.EvalSize)
	assert.EqualValues(t, 1, tr.calls.Load())
	assert.Equal(t, "gpt2", rep.Handle.Family())
	assert.Equal(t, []string{"c_attn", "c_fc", "c_proj"}, rep.Handle.Lora.TargetModules)
	assert.True(t, strings.HasPrefix(rep.Adapter.URI, "file://"))
	assert.LessOrEqual(t, len(rep.Sample), 8)
	require.NotEmpty(t, rep.MergedPath)
	assert.FileExists(t, filepath.Join(rep.MergedPath, refmodel.ModelFile))
	assert.Equal(t, rep.Sample, rep.MergedSample)

	// Formatted training text ends with the marker and answer.
	b, err := os.ReadFile(filepath.Join(p.RunDir(rep.RunName), "train.jsonl"))
	require.NoError(t, err)
	var first struct{ Text string }
	require.NoError(t, json.Unmarshal([]byte(strings.SplitN(string(b), "\n", 2)[0]), &first))
	assert.True(t, strings.HasPrefix(first.Text, "### Question: What is "))
	assert.Contains(t, first.Text, "\n ### Answer: ")

	runs, err := led.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.RunSucceeded, runs[0].Status)
	require.Len(t, runs[0].Stages, 4)
	assert.Equal(t, StageInfer, runs[0].Stages[3].Name)
	assert.Equal(t, rep.Sample, runs[0].Sample)

	prom, err := os.ReadFile(cfg.Runtime.MetricsTextfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "ftpipe_stage_duration_seconds")
	assert.Contains(t, string(prom), `ftpipe_runs_total{status="succeeded"} 1`)

	names := pub.Names()
	assert.Equal(t, "stage_start", names[0])
	assert.Contains(t, names, "merge")
	assert.Equal(t, "run_succeeded", names[len(names)-1])
}

func TestMergedOutputMatchesComposed(t *testing.T) {
	cfg := testConfig(t)
	p, err := New(cfg, Deps{})
	require.NoError(t, err)
	rep, err := p.Run(context.Background())
	require.NoError(t, err)

	merged, err := p.Engine().OpenMerged(context.Background(), rep.MergedPath)
	require.NoError(t, err)
	defer merged.Close()
	samplePrompt := "### Question: What is 0+0?\n ### Answer:"
	fromMerged, err := inference.Generate(context.Background(), merged, samplePrompt, GenerateOptions(cfg.Generation))
	require.NoError(t, err)

	a, err := p.LoadAdapter(context.Background(), rep.RunName)
	require.NoError(t, err)
	composed, err := p.Engine().Compose(context.Background(), rep.Handle, a)
	require.NoError(t, err)
	defer composed.Close()
	fromComposed, err := inference.Generate(context.Background(), composed, samplePrompt, GenerateOptions(cfg.Generation))
	require.NoError(t, err)
	assert.Equal(t, fromComposed, fromMerged)
}

func TestConfigErrorBeforeTrainerCall(t *testing.T) {
	cases := map[string]func(*config.Config){
		"training.epochs":    func(c *config.Config) { c.Training.Epochs = 0 },
		"training.scheduler": func(c *config.Config) { c.Training.Scheduler = "step" },
		"dataset.fraction":   func(c *config.Config) { c.Dataset.Fraction = 1 },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			cfg := testConfig(t)
			mutate(&cfg)
			tr := &countingTrainer{inner: trainer.Reference{}}
			p, err := New(cfg, Deps{Trainer: tr})
			require.NoError(t, err)
			_, err = p.Run(context.Background())
			require.Error(t, err)
			assert.True(t, faults.IsConfig(err))
			assert.Equal(t, field, faults.ConfigField(err))
			assert.Zero(t, tr.calls.Load())
		})
	}
}

// silentTokenizer encodes everything to nothing.
type silentTokenizer struct{}

func (silentTokenizer) Encode(string, bool) []int { return nil }
func (silentTokenizer) Decode([]int) string       { return "" }
func (silentTokenizer) VocabSize() int            { return 0 }
func (silentTokenizer) Close() error              { return nil }

func TestMarkerWithoutTokensFailsBeforeTraining(t *testing.T) {
	cfg := testConfig(t)
	tr := &countingTrainer{inner: trainer.Reference{}}
	led := openLedger(t)
	p, err := New(cfg, Deps{Trainer: tr, Tokenizer: silentTokenizer{}, Ledger: led})
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, "template.response_marker", faults.ConfigField(err))
	assert.Zero(t, tr.calls.Load())

	runs, err := led.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.RunFailed, runs[0].Status)
	last := runs[0].Stages[len(runs[0].Stages)-1]
	assert.Equal(t, StageTrain, last.Name)
	assert.Equal(t, ledger.OutcomeError, last.Outcome)
}

func TestTrainerOOMIsResourceError(t *testing.T) {
	cfg := testConfig(t)
	tr := &countingTrainer{err: errors.New("trainer job x failed: CUDA out of memory. Tried to allocate 1.00 GiB")}
	p, err := New(cfg, Deps{Trainer: tr})
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, faults.IsResource(err))
	assert.Equal(t, StageTrain, faults.StageOf(err))
	var re *faults.ResourceError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "openai-community/gpt2", re.ModelID)
}

func TestEmptyDatasetIsConfigError(t *testing.T) {
	cfg := testConfig(t)
	empty := filepath.Join(t.TempDir(), "empty.jsonl")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	cfg.Dataset.ID = empty
	p, err := New(cfg, Deps{})
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	assert.True(t, faults.IsConfig(err))
	assert.ErrorIs(t, err, dataset.ErrEmptyDataset)
}

func TestRunHandsOffToServing(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"0"}}]}`))
	}))
	defer ts.Close()

	cfg := testConfig(t)
	cfg.Serving.Enabled = true
	cfg.Serving.BaseURL = ts.URL
	p, err := New(cfg, Deps{})
	require.NoError(t, err)
	rep, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0", rep.ServedSample)
	assert.EqualValues(t, 1, calls.Load())
}

func TestLoadAdapterUnknownRun(t *testing.T) {
	p, err := New(testConfig(t), Deps{})
	require.NoError(t, err)
	_, err = p.LoadAdapter(context.Background(), "never-ran")
	assert.True(t, faults.IsConfig(err))
}

func TestNewTrainerSelection(t *testing.T) {
	cfg := config.Default()
	cfg.Runtime.Backend = "reference"
	assert.IsType(t, trainer.Reference{}, NewTrainer(cfg, nil, nil))
	cfg.Runtime.Backend = "sidecar"
	assert.IsType(t, &trainer.Client{}, NewTrainer(cfg, nil, nil))
	cfg.Runtime.TrainerBin = "ftpipe-trainer"
	assert.IsType(t, &trainer.Spawned{}, NewTrainer(cfg, nil, nil))
}

func TestStopAfterTrain(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.RunName = "partial"
	led := openLedger(t)
	p, err := New(cfg, Deps{Ledger: led}, WithStopAfter(StageTrain))
	require.NoError(t, err)
	rep, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, rep.Adapter.URI)
	assert.Empty(t, rep.Sample)
	assert.Empty(t, rep.MergedPath)

	runs, err := led.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Len(t, runs[0].Stages, 3)

	out, err := p.Merge(context.Background(), "partial")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(out, refmodel.ModelFile))
}

func TestPrepareHubLimitStopsPaging(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		length, _ := strconv.Atoi(r.URL.Query().Get("length"))
		rows := []map[string]any{}
		for i := offset; i < offset+length; i++ {
			rows = append(rows, map[string]any{"row_idx": i, "row": map[string]any{"question": fmt.Sprintf("q%d", i), "answer": "a"}})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": rows, "num_rows_total": 15000})
	}))
	defer ts.Close()

	cfg := testConfig(t)
	cfg.Dataset.ID = "org/big"
	cfg.Dataset.HubURL = ts.URL
	cfg.Dataset.Limit = 120
	p, err := New(cfg, Deps{})
	require.NoError(t, err)
	prep, err := p.Prepare(context.Background(), "hub-limit")
	require.NoError(t, err)
	assert.Equal(t, 120, len(prep.Split.Train)+len(prep.Split.Eval))
	assert.EqualValues(t, 2, calls.Load())
}

func TestCheckMaskingCollatesBatches(t *testing.T) {
	cfg := testConfig(t)
	cfg.Training.BatchSize = 3
	p, err := New(cfg, Deps{Tokenizer: tokenize.Bytes{}})
	require.NoError(t, err)
	exs := []dataset.Example{{Instruction: "a", Output: "1"}, {Instruction: "b", Output: "2"}, {Instruction: "c", Output: "3"}, {Instruction: "d", Output: "4"}}

	var buf strings.Builder
	ctx := logging.WithContext(context.Background(), zerolog.New(&buf).Level(zerolog.DebugLevel))
	require.NoError(t, p.checkMasking(ctx, exs, tokenize.Bytes{}.Encode(" ### Answer:", false)))
	assert.NotContains(t, buf.String(), "response marker not found")
	// Each example supervises exactly " N".
	assert.Contains(t, buf.String(), `"supervised_tokens":8`)

	buf.Reset()
	require.NoError(t, p.checkMasking(ctx, exs, tokenize.Bytes{}.Encode("@@@", false)))
	assert.Contains(t, buf.String(), `"examples":4`)
	assert.Contains(t, buf.String(), `"supervised_tokens":0`)
}

func TestCommonPrefix(t *testing.T) {
	assert.Equal(t, 3, commonPrefix("abcd", "abcx"))
	assert.Equal(t, 2, commonPrefix("ab", "abc"))
	assert.Equal(t, 0, commonPrefix("", "a"))
}
