package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"ftpipe/internal/common/fsutil"
	"ftpipe/pkg/types"
)

// Resolver maps a base model id to a concrete model.
type Resolver struct {
	dir    string
	models map[string]types.Model
	list   []types.Model
}

// NewResolver scans modelsDir. A missing directory yields an empty registry;
// hub ids still resolve.
func NewResolver(modelsDir string) (*Resolver, error) {
	r := &Resolver{dir: modelsDir, models: map[string]types.Model{}}
	if modelsDir == "" {
		return r, nil
	}
	list, err := LoadDir(modelsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, nil
		}
		return nil, err
	}
	r.list = list
	for _, m := range list {
		r.models[m.ID] = m
	}
	return r, nil
}

// List returns the locally available models, sorted by id.
func (r *Resolver) List() []types.Model {
	return append([]types.Model(nil), r.list...)
}

// Resolve looks id up as a local model id, then as a filesystem path, then
// treats an "org/name" id as a hub model to be fetched by the trainer.
func (r *Resolver) Resolve(id string) (types.Model, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return types.Model{}, ErrModelNotFound(id)
	}
	if m, ok := r.models[id]; ok {
		return m, nil
	}
	if m, ok := resolvePath(id); ok {
		return m, nil
	}
	if isHubID(id) {
		return types.Model{ID: id, Format: FormatHub, Family: familyFromName(id, "")}, nil
	}
	return types.Model{}, ErrModelNotFound(id)
}

func resolvePath(id string) (types.Model, bool) {
	p, err := fsutil.AbsPath(id)
	if err != nil {
		return types.Model{}, false
	}
	st, err := os.Stat(p)
	if err != nil {
		return types.Model{}, false
	}
	name := filepath.Base(p)
	if st.IsDir() {
		m, err := hfModel(name, p)
		if err != nil {
			return types.Model{}, false
		}
		return m, true
	}
	if strings.EqualFold(filepath.Ext(p), ".gguf") {
		return types.Model{ID: name, Path: p, Format: FormatGGUF, Family: familyFromName(name, "llama"), Quant: quantFromName(name)}, true
	}
	return types.Model{}, false
}

func isHubID(id string) bool {
	if strings.HasPrefix(id, "/") || strings.HasPrefix(id, ".") || strings.HasPrefix(id, "~") {
		return false
	}
	parts := strings.Split(id, "/")
	return len(parts) == 2 && parts[0] != "" && parts[1] != ""
}
