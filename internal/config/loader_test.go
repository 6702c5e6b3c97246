package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", `
model:
  id: meta-llama/Llama-2-7b-hf
dataset:
  id: ./data/alpaca.jsonl
  fraction: 0.9
  shuffle: false
lora:
  rank: 16
  target_modules: [q_proj, v_proj]
template:
  kind: normal
  chat_format: llama3
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.ID != "meta-llama/Llama-2-7b-hf" || cfg.Dataset.ID != "./data/alpaca.jsonl" {
		t.Fatalf("unexpected ids: %+v %+v", cfg.Model, cfg.Dataset)
	}
	if cfg.Dataset.Fraction != 0.9 || cfg.Dataset.Shuffle {
		t.Fatalf("unexpected dataset: %+v", cfg.Dataset)
	}
	if cfg.Lora.Rank != 16 || len(cfg.Lora.TargetModules) != 2 || cfg.Lora.TargetModules[1] != "v_proj" {
		t.Fatalf("unexpected lora: %+v", cfg.Lora)
	}
	if cfg.Template.Kind != "normal" || cfg.Template.ChatFormat != "llama3" {
		t.Fatalf("unexpected template: %+v", cfg.Template)
	}
	// untouched sections keep defaults
	if cfg.Dataset.Seed != 19 || cfg.Training.LearningRate != 2e-4 || cfg.Template.ResponseMarker != " ### Answer:" {
		t.Fatalf("defaults lost: seed=%d lr=%v marker=%q", cfg.Dataset.Seed, cfg.Training.LearningRate, cfg.Template.ResponseMarker)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"model":{"id":"m2"},"dataset":{"id":"org/ds","seed":7},"training":{"epochs":3,"batch_size":8}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.ID != "m2" || cfg.Dataset.ID != "org/ds" || cfg.Dataset.Seed != 7 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Training.Epochs != 3 || cfg.Training.BatchSize != 8 {
		t.Fatalf("unexpected training: %+v", cfg.Training)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "[model]\nid=\"m3\"\n[quantization]\nbits=8\n[generation]\nmax_new_tokens=5\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Model.ID != "m3" || cfg.Quant.Bits != 8 || cfg.Generation.MaxNewTokens != 5 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("FTPIPE_LORA_RANK", "32")
	t.Setenv("FTPIPE_DATASET_SHUFFLE", "false")
	t.Setenv("FTPIPE_LORA_TARGET_MODULES", "q_proj,k_proj")
	t.Setenv("FTPIPE_TEMPLATE_RESPONSE_MARKER", " ### Response:")

	cfg, err := ApplyEnv(Default())
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Lora.Rank != 32 || cfg.Dataset.Shuffle {
		t.Fatalf("env not applied: %+v %+v", cfg.Lora, cfg.Dataset)
	}
	if len(cfg.Lora.TargetModules) != 2 || cfg.Lora.TargetModules[0] != "q_proj" {
		t.Fatalf("list env not applied: %v", cfg.Lora.TargetModules)
	}
	if cfg.Template.ResponseMarker != " ### Response:" {
		t.Fatalf("marker=%q", cfg.Template.ResponseMarker)
	}
	// unrelated fields keep their value
	if cfg.Training.Epochs != 1 {
		t.Fatalf("epochs=%d", cfg.Training.Epochs)
	}
}

func TestResolveFileThenEnv(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "model:\n  id: from-file\nlora:\n  rank: 4\n")
	t.Setenv("FTPIPE_LORA_RANK", "12")
	cfg, err := Resolve(p)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Model.ID != "from-file" || cfg.Lora.Rank != 12 {
		t.Fatalf("unexpected cfg: model=%q rank=%d", cfg.Model.ID, cfg.Lora.Rank)
	}
}

func TestLoadEnvFile(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "test.env", "FTPIPE_TEST_ONLY_KEY=hello\n")
	t.Cleanup(func() { os.Unsetenv("FTPIPE_TEST_ONLY_KEY") })
	if err := LoadEnvFile(p, filepath.Join(d, "missing.env")); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := os.Getenv("FTPIPE_TEST_ONLY_KEY"); got != "hello" {
		t.Fatalf("got %q", got)
	}
}
