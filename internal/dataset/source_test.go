package dataset

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRecordDropsUnknownColumns(t *testing.T) {
	ex := FromRecord(map[string]any{
		"instruction": "Name a color",
		"context":     "",
		"response":    "Blue",
		"category":    "open_qa",
		"id":          42,
	})
	assert.Equal(t, Example{Instruction: "Name a color", Output: "Blue"}, ex)

	ex = FromRecord(map[string]any{"question": "Q", "instruction": "I", "answer": "A"})
	assert.Equal(t, "I", ex.Instruction, "canonical column wins over alias")
	assert.Equal(t, "A", ex.Output)
}

func TestLocalSourceJSONL(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "train.jsonl")
	body := `{"instruction":"Q1","input":"ctx","output":"A1","extra":true}

{"instruction":"Q2","output":"A2"}
`
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))

	src, err := Open(p, HubOptions{})
	require.NoError(t, err)
	exs, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, exs, 2)
	assert.Equal(t, Example{Instruction: "Q1", Input: "ctx", Output: "A1"}, exs[0])
	assert.Equal(t, Example{Instruction: "Q2", Output: "A2"}, exs[1])
}

func TestLocalSourceJSONArray(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(p, []byte(`[{"prompt":"P","completion":"C"}]`), 0o644))
	exs, err := (&LocalSource{Path: p}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Example{{Instruction: "P", Output: "C"}}, exs)
}

func TestLocalSourceMissingFile(t *testing.T) {
	_, err := (&LocalSource{Path: filepath.Join(t.TempDir(), "nope.jsonl")}).Load(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteJSONLRoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "out", "eval.jsonl")
	in := numbered(4)
	require.NoError(t, WriteJSONL(p, in))
	out, err := (&LocalSource{Path: p}).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestOpen(t *testing.T) {
	src, err := Open("databricks/databricks-dolly-15k", HubOptions{Split: "train"})
	require.NoError(t, err)
	hs, ok := src.(*HubSource)
	require.True(t, ok)
	assert.Equal(t, "default", hs.Config)

	src, err = Open("org/name:subset", HubOptions{})
	require.NoError(t, err)
	assert.Equal(t, "subset", src.(*HubSource).Config)

	_, err = Open("", HubOptions{})
	assert.Error(t, err)
	_, err = Open("justaname", HubOptions{})
	assert.Error(t, err)
}

func TestHubSourcePaginates(t *testing.T) {
	const total = 230
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/rows", r.URL.Path)
		assert.Equal(t, "org/ds", r.URL.Query().Get("dataset"))
		assert.Equal(t, "test", r.URL.Query().Get("split"))
		assert.Equal(t, "Bearer hf_secret", r.Header.Get("Authorization"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		length, _ := strconv.Atoi(r.URL.Query().Get("length"))
		rows := []map[string]any{}
		for i := offset; i < offset+length && i < total; i++ {
			rows = append(rows, map[string]any{
				"row_idx": i,
				"row":     map[string]any{"instruction": "q" + strconv.Itoa(i), "output": "a", "noise": i},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"rows": rows, "num_rows_total": total})
	}))
	defer srv.Close()

	src := NewHubSource("org/ds", HubOptions{BaseURL: srv.URL, Split: "test", Token: "hf_secret"})
	exs, err := src.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, exs, total)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "q229", exs[229].Instruction)

	calls.Store(0)
	limited, err := Open("org/ds", HubOptions{BaseURL: srv.URL, Split: "test", Token: "hf_secret", Limit: 150})
	require.NoError(t, err)
	exs, err = limited.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, exs, 150)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "q149", exs[149].Instruction)
}

func TestHubSourceUnknownDataset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"The dataset does not exist."}`))
	}))
	defer srv.Close()

	_, err := NewHubSource("org/missing", HubOptions{BaseURL: srv.URL}).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "does not exist")
}
