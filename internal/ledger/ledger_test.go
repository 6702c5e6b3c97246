package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	l := openTest(t)

	require.NoError(t, l.Begin(ctx, "run-a", "dolly-r8", "meta-llama/Llama-2-7b-hf", "databricks/databricks-dolly-15k"))
	require.NoError(t, l.RecordStage(ctx, "run-a", "prepare", 120*time.Millisecond, nil))
	require.NoError(t, l.RecordStage(ctx, "run-a", "train", 2*time.Second, errors.New("CUDA out of memory")))
	require.NoError(t, l.Finish(ctx, "run-a", Outputs{}, errors.New("train: CUDA out of memory")))

	s, err := l.Get(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, RunFailed, s.Status)
	assert.Equal(t, "dolly-r8", s.Name)
	assert.NotZero(t, s.FinishedAt)
	require.Len(t, s.Stages, 2)
	assert.Equal(t, "prepare", s.Stages[0].Name)
	assert.Equal(t, OutcomeOK, s.Stages[0].Outcome)
	assert.EqualValues(t, 120, s.Stages[0].DurationMS)
	assert.Equal(t, OutcomeError, s.Stages[1].Outcome)
	assert.Contains(t, s.Stages[1].Error, "out of memory")
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := openTest(t)
	require.NoError(t, l.Begin(ctx, "run-1", "first", "gpt2", "local.jsonl"))
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, l.Begin(ctx, "run-2", "second", "gpt2", "local.jsonl"))
	require.NoError(t, l.Finish(ctx, "run-2", Outputs{AdapterURI: "file:///a", MergedPath: "/m", Sample: "4"}, nil))

	runs, err := l.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, RunSucceeded, runs[0].Status)
	assert.Equal(t, "file:///a", runs[0].AdapterURI)
	assert.Equal(t, RunRunning, runs[1].Status)

	runs, err = l.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestFinishUnknownRun(t *testing.T) {
	l := openTest(t)
	assert.Error(t, l.Finish(context.Background(), "missing", Outputs{}, nil))
}

func TestReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Begin(ctx, "run-1", "n", "gpt2", "d"))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	runs, err := l.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
