package tokenize

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/daulet/tokenizers"

	"ftpipe/internal/common/fsutil"
)

// HF is a Hugging Face tokenizer.json tokenizer.
type HF struct {
	tk *tokenizers.Tokenizer
}

// LoadHF loads a tokenizer from a tokenizer.json file, a model directory
// containing one, or a hub model id.
func LoadHF(ref string) (*HF, error) {
	p, err := fsutil.ExpandHome(ref)
	if err != nil {
		return nil, err
	}
	if st, err := os.Stat(p); err == nil {
		if st.IsDir() {
			p = filepath.Join(p, "tokenizer.json")
		}
		tk, err := tokenizers.FromFile(p)
		if err != nil {
			return nil, fmt.Errorf("tokenizer load %s: %w", p, err)
		}
		return &HF{tk: tk}, nil
	}
	tk, err := tokenizers.FromPretrained(ref)
	if err != nil {
		return nil, fmt.Errorf("tokenizer load %s: %w", ref, err)
	}
	return &HF{tk: tk}, nil
}

func (h *HF) Encode(text string, addSpecial bool) []int {
	raw, _ := h.tk.Encode(text, addSpecial)
	ids := make([]int, len(raw))
	for i, v := range raw {
		ids[i] = int(v)
	}
	return ids
}

func (h *HF) Decode(ids []int) string {
	raw := make([]uint32, len(ids))
	for i, v := range ids {
		raw[i] = uint32(v)
	}
	return h.tk.Decode(raw, true)
}

func (h *HF) VocabSize() int { return int(h.tk.VocabSize()) }

func (h *HF) Close() error { return h.tk.Close() }
