package dataset

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ftpipe/internal/common/fsutil"
)

// LocalSource reads a JSON array or JSON Lines file.
type LocalSource struct {
	Path string
}

func (s *LocalSource) Name() string { return s.Path }

func (s *LocalSource) Load(ctx context.Context) ([]Example, error) {
	p, err := fsutil.ExpandHome(s.Path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(p), ".json") {
		var recs []map[string]any
		if err := json.Unmarshal(b, &recs); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.Path, err)
		}
		out := make([]Example, 0, len(recs))
		for _, r := range recs {
			out = append(out, FromRecord(r))
		}
		return out, nil
	}
	return decodeJSONL(ctx, bytes.NewReader(b), s.Path)
}

func decodeJSONL(ctx context.Context, r *bytes.Reader, name string) ([]Example, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	var out []Example
	line := 0
	for sc.Scan() {
		line++
		if line%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("parse %s line %d: %w", name, line, err)
		}
		out = append(out, FromRecord(rec))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return out, nil
}

// WriteJSONL writes examples one JSON object per line, atomically.
func WriteJSONL(path string, examples []Example) error {
	b, err := EncodeJSONL(examples)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, b, 0o644)
}

// EncodeJSONL renders examples as JSON Lines.
func EncodeJSONL(examples []Example) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i := range examples {
		if err := enc.Encode(examples[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
