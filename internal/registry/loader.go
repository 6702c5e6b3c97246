package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"ftpipe/internal/common/fsutil"
	"ftpipe/pkg/types"
)

const (
	FormatHF   = "hf"
	FormatGGUF = "gguf"
	FormatHub  = "hub"
)

// ModelConfig is the subset of a Hugging Face config.json we read.
type ModelConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`
	NumLayers     int      `json:"num_hidden_layers"`
	HiddenSize    int      `json:"hidden_size"`
	VocabSize     int      `json:"vocab_size"`
}

// ReadModelConfig parses dir/config.json.
func ReadModelConfig(dir string) (ModelConfig, error) {
	var mc ModelConfig
	b, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return mc, err
	}
	if err := json.Unmarshal(b, &mc); err != nil {
		return mc, fmt.Errorf("parse %s/config.json: %w", dir, err)
	}
	return mc, nil
}

// LoadDir scans dir for base models: subdirectories holding a config.json
// (HF layout) and *.gguf files. IDs are the directory or file names.
func LoadDir(dir string) ([]types.Model, error) {
	abs, err := fsutil.AbsPath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		name := e.Name()
		p := filepath.Join(abs, name)
		if e.IsDir() {
			m, err := hfModel(name, p)
			if err != nil {
				continue
			}
			models = append(models, m)
			continue
		}
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		models = append(models, types.Model{
			ID:     name,
			Path:   p,
			Format: FormatGGUF,
			Family: familyFromName(name, "llama"),
			Quant:  quantFromName(name),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// hfModel describes the HF layout in dir. Unreadable weight indexes leave
// Modules empty rather than hiding the model.
func hfModel(name, dir string) (types.Model, error) {
	mc, err := ReadModelConfig(dir)
	if err != nil {
		return types.Model{}, err
	}
	modules, _ := ModuleNames(dir)
	return types.Model{
		ID:            name,
		Path:          dir,
		Format:        FormatHF,
		Family:        FamilyOf(mc.ModelType, mc.Architectures),
		Architectures: mc.Architectures,
		Modules:       modules,
	}, nil
}

// FamilyOf normalizes a config.json model_type (falling back to the
// architecture class name) into an architecture family.
func FamilyOf(modelType string, architectures []string) string {
	if f := normalizeFamily(modelType); f != "" {
		return f
	}
	for _, a := range architectures {
		if f := familyFromName(a, ""); f != "" {
			return f
		}
	}
	return strings.ToLower(modelType)
}

var modelTypeFamilies = map[string]string{
	"llama":           "llama",
	"mistral":         "mistral",
	"mixtral":         "mixtral",
	"gemma":           "gemma",
	"gemma2":          "gemma",
	"qwen2":           "qwen2",
	"gpt2":            "gpt2",
	"phi":             "phi",
	"phi3":            "phi3",
	"gpt_neox":        "gpt_neox",
	"falcon":          "falcon",
	"refinedweb":      "falcon",
	"refinedwebmodel": "falcon",
}

func normalizeFamily(modelType string) string {
	return modelTypeFamilies[strings.ToLower(modelType)]
}

var familyHints = []struct{ hint, family string }{
	{"codellama", "llama"},
	{"llama", "llama"},
	{"mixtral", "mixtral"},
	{"mistral", "mistral"},
	{"falcon", "falcon"},
	{"refinedweb", "falcon"},
	{"gemma", "gemma"},
	{"qwen", "qwen2"},
	{"phi-3", "phi3"},
	{"phi3", "phi3"},
	{"phi", "phi"},
	{"gpt2", "gpt2"},
	{"neox", "gpt_neox"},
}

func familyFromName(name, def string) string {
	n := strings.ToLower(name)
	for _, h := range familyHints {
		if strings.Contains(n, h.hint) {
			return h.family
		}
	}
	return def
}

var quantRe = regexp.MustCompile(`(?i)(q[0-9]_[a-z0-9_]+|q[0-9]_[0-9]|f16|f32|bf16)`)

func quantFromName(name string) string {
	return strings.ToUpper(quantRe.FindString(strings.TrimSuffix(name, filepath.Ext(name))))
}

// modelNotFoundError is returned when an id matches no local model and is
// not a hub id.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound constructs a model-not-found error for id.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether err indicates a missing model id.
func IsModelNotFound(err error) bool {
	var mnf modelNotFoundError
	return errors.As(err, &mnf)
}
