package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"math/rand/v2"

	"ftpipe/internal/faults"
)

// ErrEmptyDataset is returned when a dataset yields no examples.
var ErrEmptyDataset = errors.New("dataset is empty")

// SplitOptions controls partitioning. Fraction is the share kept for
// training and must lie strictly between 0 and 1.
type SplitOptions struct {
	Fraction float64
	Seed     uint64
	Shuffle  bool
	// Limit truncates the loaded dataset before splitting; zero keeps all.
	Limit int
}

// Split holds two disjoint partitions whose union is the source dataset.
type Split struct {
	Train []Example
	Eval  []Example
}

// TrainSize returns round(n*f).
func TrainSize(n int, f float64) int {
	return int(math.Round(float64(n) * f))
}

// Partition splits examples into train and eval. With Shuffle set the order
// is a seeded permutation, so equal inputs always give equal partitions;
// otherwise the first TrainSize examples go to train.
func Partition(examples []Example, opts SplitOptions) (Split, error) {
	if !(opts.Fraction > 0 && opts.Fraction < 1) {
		return Split{}, faults.Configf("dataset.fraction", "must be in (0,1), got %v", opts.Fraction)
	}
	n := len(examples)
	if n == 0 {
		return Split{}, ErrEmptyDataset
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if opts.Shuffle {
		r := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))
		r.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	k := TrainSize(n, opts.Fraction)
	s := Split{
		Train: make([]Example, 0, k),
		Eval:  make([]Example, 0, n-k),
	}
	for i, idx := range order {
		if i < k {
			s.Train = append(s.Train, examples[idx])
		} else {
			s.Eval = append(s.Eval, examples[idx])
		}
	}
	return s, nil
}

// Prepare loads src, applies the limit and partitions the result.
func Prepare(ctx context.Context, src Source, opts SplitOptions) (Split, error) {
	examples, err := src.Load(ctx)
	if err != nil {
		return Split{}, err
	}
	if opts.Limit > 0 && len(examples) > opts.Limit {
		examples = examples[:opts.Limit]
	}
	return Partition(examples, opts)
}

// Fingerprint returns a stable digest of a partition's JSONL encoding.
func Fingerprint(examples []Example) string {
	b, err := EncodeJSONL(examples)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
