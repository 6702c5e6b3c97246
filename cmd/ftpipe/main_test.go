package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ftpipe/internal/faults"
	"ftpipe/pkg/types"
)

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b , c ", []string{"a", "b", "c"}},
		{"a,,c", []string{"a", "c"}},
		{"", nil},
	}
	for _, c := range cases {
		got := splitCSV(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
			}
		}
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(faults.Config("lora.rank", "must be positive")); got != 2 {
		t.Fatalf("config exit=%d", got)
	}
	if got := exitCode(faults.Resource("train", "m", errors.New("oom"))); got != 3 {
		t.Fatalf("resource exit=%d", got)
	}
	if got := exitCode(errors.New("boom")); got != 1 {
		t.Fatalf("generic exit=%d", got)
	}
}

// execute runs the CLI with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "ftpipe ") {
		t.Fatalf("out=%q", out)
	}
}

// writeConfig writes a reference-backend config over a small local dataset.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	var data bytes.Buffer
	for i := 0; i < 12; i++ {
		fmt.Fprintf(&data, "{\"instruction\":\"What is %d+%d?\",\"output\":\"%d\"}\n", i, i, 2*i)
	}
	dataPath := filepath.Join(dir, "qa.jsonl")
	if err := os.WriteFile(dataPath, data.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := fmt.Sprintf(`model:
  id: openai-community/gpt2
dataset:
  id: %s
training:
  run_name: cli-run
generation:
  max_new_tokens: 6
runtime:
  backend: reference
  models_dir: ""
  work_dir: %s
artifacts:
  dir: %s
`, dataPath, filepath.Join(dir, "runs"), filepath.Join(dir, "adapters"))
	p := filepath.Join(dir, "ftpipe.yaml")
	if err := os.WriteFile(p, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunThenInspect(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "-c", cfg, "run")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "cli-run") || !strings.Contains(out, "merged") {
		t.Fatalf("report=%q", out)
	}

	out, err = execute(t, "-c", cfg, "runs", "--json")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	var runs []types.RunSummary
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("json: %v (%q)", err, out)
	}
	if len(runs) != 1 || runs[0].Status != "succeeded" || len(runs[0].Stages) != 4 {
		t.Fatalf("runs=%+v", runs)
	}

	composed, err := execute(t, "-c", cfg, "generate", "--instruction", "What is 3+3?")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	merged, err := execute(t, "-c", cfg, "generate", "--merged", "--instruction", "What is 3+3?")
	if err != nil {
		t.Fatalf("generate merged: %v", err)
	}
	if composed != merged {
		t.Fatalf("composed %q != merged %q", composed, merged)
	}

	out, err = execute(t, "-c", cfg, "merge")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), filepath.Join("cli-run", "merged")) {
		t.Fatalf("merge out=%q", out)
	}
}

func TestPrepareOnly(t *testing.T) {
	cfg := writeConfig(t)
	out, err := execute(t, "-c", cfg, "prepare")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "11 train / 1 eval") {
		t.Fatalf("out=%q", out)
	}
	if strings.Contains(out, "adapter") {
		t.Fatalf("prepare should not train: %q", out)
	}
}

func TestConfigErrorFromFlags(t *testing.T) {
	cfg := writeConfig(t)
	_, err := execute(t, "-c", cfg, "--backend", "onnx", "run")
	if !faults.IsConfig(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}
