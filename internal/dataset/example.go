// Package dataset loads labeled instruction datasets and splits them into
// train and evaluation partitions.
package dataset

import (
	"fmt"
	"strings"
)

// Example is one labeled instruction record. Input is optional context for
// the instruction and is often empty.
type Example struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input,omitempty"`
	Output      string `json:"output"`
}

// Allowed columns, in priority order per field. The first present key wins;
// every other key in a record is dropped.
var columnAliases = []struct {
	field string
	keys  []string
}{
	{"instruction", []string{"instruction", "question", "prompt"}},
	{"input", []string{"input", "context"}},
	{"output", []string{"output", "response", "answer", "completion"}},
}

// FromRecord projects a raw record onto the allow-listed columns.
func FromRecord(rec map[string]any) Example {
	var ex Example
	for _, c := range columnAliases {
		s, ok := firstPresent(rec, c.keys)
		if !ok {
			continue
		}
		switch c.field {
		case "instruction":
			ex.Instruction = s
		case "input":
			ex.Input = s
		case "output":
			ex.Output = s
		}
	}
	return ex
}

func firstPresent(rec map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := rec[k]; ok && v != nil {
			return stringify(v), true
		}
	}
	return "", false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, stringify(p))
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprint(t)
	}
}
