package tokenize

// Bytes is a byte-level tokenizer: every byte is its own token and id 256
// is the beginning-of-sequence marker. The reference backend and tests use it.
type Bytes struct{}

const BytesBOS = 256

func (Bytes) Encode(text string, addSpecial bool) []int {
	ids := make([]int, 0, len(text)+1)
	if addSpecial {
		ids = append(ids, BytesBOS)
	}
	for i := 0; i < len(text); i++ {
		ids = append(ids, int(text[i]))
	}
	return ids
}

func (Bytes) Decode(ids []int) string {
	b := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < 256 {
			b = append(b, byte(id))
		}
	}
	return string(b)
}

func (Bytes) VocabSize() int { return 257 }

func (Bytes) Close() error { return nil }
