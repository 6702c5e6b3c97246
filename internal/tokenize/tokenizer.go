// Package tokenize wraps the tokenizers used for label masking and the
// reference inference backend.
package tokenize

import (
	"fmt"
	"strings"
)

// Tokenizer maps text to token ids and back.
type Tokenizer interface {
	Encode(text string, addSpecial bool) []int
	Decode(ids []int) string
	VocabSize() int
	Close() error
}

// SentencePiece tokenizers of the llama lineage encode a marker differently
// at the start of a string than after other text. Encoding it behind a
// newline and dropping the first two ids ("▁", "\n") yields the in-context
// ids the collator will actually see.
const (
	llamaContextPrefix = "\n"
	llamaStripTokens   = 2
)

var llamaLikeFamilies = map[string]bool{
	"llama":     true,
	"codellama": true,
	"mistral":   true,
	"mixtral":   true,
	"gemma":     true,
	"yi":        true,
}

// LlamaLike reports whether family uses a llama-style SentencePiece tokenizer.
func LlamaLike(family string) bool {
	return llamaLikeFamilies[strings.ToLower(family)]
}

// MarkerIDs returns the token ids of marker as they appear mid-sequence.
func MarkerIDs(tok Tokenizer, marker string, family string) ([]int, error) {
	if marker == "" {
		return nil, fmt.Errorf("empty response marker")
	}
	if LlamaLike(family) {
		ids := tok.Encode(llamaContextPrefix+marker, false)
		if len(ids) <= llamaStripTokens {
			return nil, fmt.Errorf("marker %q tokenized to %d ids; need more than %d", marker, len(ids), llamaStripTokens)
		}
		return ids[llamaStripTokens:], nil
	}
	ids := tok.Encode(marker, false)
	if len(ids) == 0 {
		return nil, fmt.Errorf("marker %q tokenized to no ids", marker)
	}
	return ids, nil
}
