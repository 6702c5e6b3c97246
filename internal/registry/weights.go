package registry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxHeaderBytes bounds the safetensors JSON header we are willing to read.
const maxHeaderBytes = 64 << 20

// ModuleNames lists the module paths of the HF model in dir, read from the
// weight_map of model.safetensors.index.json or from the header of a single
// model.safetensors. Layer indices are collapsed to "*". It returns nil when
// neither file is present.
func ModuleNames(dir string) ([]string, error) {
	var tensors []string
	if b, err := os.ReadFile(filepath.Join(dir, "model.safetensors.index.json")); err == nil {
		var idx struct {
			WeightMap map[string]string `json:"weight_map"`
		}
		if err := json.Unmarshal(b, &idx); err != nil {
			return nil, fmt.Errorf("parse %s/model.safetensors.index.json: %w", dir, err)
		}
		for name := range idx.WeightMap {
			tensors = append(tensors, name)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	} else {
		tensors, err = safetensorsNames(filepath.Join(dir, "model.safetensors"))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
	}
	return modulePaths(tensors), nil
}

// safetensorsNames reads the tensor names from the length-prefixed JSON
// header of a safetensors file.
func safetensorsNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var n uint64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("read %s header length: %w", path, err)
	}
	if n == 0 || n > maxHeaderBytes {
		return nil, fmt.Errorf("%s: header length %d out of range", path, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("read %s header: %w", path, err)
	}
	var hdr map[string]json.RawMessage
	if err := json.Unmarshal(buf, &hdr); err != nil {
		return nil, fmt.Errorf("parse %s header: %w", path, err)
	}
	names := make([]string, 0, len(hdr))
	for k := range hdr {
		if k != "__metadata__" {
			names = append(names, k)
		}
	}
	return names, nil
}

// modulePaths strips the parameter suffix from tensor names and collapses
// numeric path segments, returning the sorted unique module paths.
func modulePaths(tensors []string) []string {
	seen := map[string]bool{}
	for _, t := range tensors {
		parts := strings.Split(t, ".")
		if len(parts) < 2 {
			continue
		}
		parts = parts[:len(parts)-1]
		for i, p := range parts {
			if isDigits(p) {
				parts[i] = "*"
			}
		}
		seen[strings.Join(parts, ".")] = true
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
