// Package collator builds training batches whose loss covers only the
// completion that follows a response marker.
package collator

import "fmt"

// IgnoreIndex marks a label position excluded from the loss.
const IgnoreIndex = -100

// CompletionOnly masks every label up to and including the last occurrence
// of MarkerIDs in a sequence.
type CompletionOnly struct {
	MarkerIDs []int
}

// NewCompletionOnly returns a collator for the given marker token ids.
func NewCompletionOnly(markerIDs []int) (*CompletionOnly, error) {
	if len(markerIDs) == 0 {
		return nil, fmt.Errorf("collator: empty marker ids")
	}
	return &CompletionOnly{MarkerIDs: append([]int(nil), markerIDs...)}, nil
}

// Boundary returns the index just past the last occurrence of the marker in
// ids, and whether the marker was found.
func (c *CompletionOnly) Boundary(ids []int) (int, bool) {
	m := len(c.MarkerIDs)
	for start := len(ids) - m; start >= 0; start-- {
		if matchAt(ids, start, c.MarkerIDs) {
			return start + m, true
		}
	}
	return 0, false
}

func matchAt(ids []int, at int, pattern []int) bool {
	for i, p := range pattern {
		if ids[at+i] != p {
			return false
		}
	}
	return true
}

// Labels returns the per-token labels for ids. When the marker is missing
// every position is ignored and found is false, so the example contributes
// no loss rather than training on the prompt.
func (c *CompletionOnly) Labels(ids []int) (labels []int, found bool) {
	labels = make([]int, len(ids))
	b, found := c.Boundary(ids)
	if !found {
		b = len(ids)
	}
	for i := range ids {
		if i < b {
			labels[i] = IgnoreIndex
		} else {
			labels[i] = ids[i]
		}
	}
	return labels, found
}

// Batch is a right-padded batch of sequences.
type Batch struct {
	InputIDs      [][]int
	Labels        [][]int
	AttentionMask [][]int
	// Unmasked counts sequences whose marker was not found.
	Unmasked int
}

// Collate pads seqs to the longest length with padID and computes labels.
// Padding positions get IgnoreIndex and a zero attention mask.
func (c *CompletionOnly) Collate(seqs [][]int, padID int) Batch {
	maxLen := 0
	for _, s := range seqs {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	b := Batch{
		InputIDs:      make([][]int, len(seqs)),
		Labels:        make([][]int, len(seqs)),
		AttentionMask: make([][]int, len(seqs)),
	}
	for i, s := range seqs {
		labels, found := c.Labels(s)
		if !found {
			b.Unmasked++
		}
		in := make([]int, maxLen)
		lb := make([]int, maxLen)
		am := make([]int, maxLen)
		copy(in, s)
		copy(lb, labels)
		for j := range am {
			if j < len(s) {
				am[j] = 1
			} else {
				in[j] = padID
				lb[j] = IgnoreIndex
			}
		}
		b.InputIDs[i], b.Labels[i], b.AttentionMask[i] = in, lb, am
	}
	return b
}
