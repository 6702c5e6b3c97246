package dataset

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ftpipe/internal/faults"
)

func numbered(n int) []Example {
	out := make([]Example, n)
	for i := range out {
		out[i] = Example{Instruction: fmt.Sprintf("q%03d", i), Output: fmt.Sprintf("a%03d", i)}
	}
	return out
}

func TestPartitionSizesAndDisjointness(t *testing.T) {
	fractions := []float64{0.01, 0.1, 0.33, 0.5, 0.8, 0.95, 0.99}
	for _, n := range []int{1, 2, 3, 7, 10, 99, 100, 257} {
		for _, f := range fractions {
			for _, shuffle := range []bool{true, false} {
				src := numbered(n)
				s, err := Partition(src, SplitOptions{Fraction: f, Seed: 19, Shuffle: shuffle})
				require.NoError(t, err)

				assert.Equal(t, n, len(s.Train)+len(s.Eval), "n=%d f=%v", n, f)
				assert.Equal(t, TrainSize(n, f), len(s.Train), "n=%d f=%v", n, f)

				seen := map[string]int{}
				for _, ex := range s.Train {
					seen[ex.Instruction]++
				}
				for _, ex := range s.Eval {
					seen[ex.Instruction]++
				}
				require.Len(t, seen, n, "union must equal the source")
				for k, c := range seen {
					require.Equal(t, 1, c, "%s appears in both partitions", k)
				}
			}
		}
	}
}

func TestPartitionHundredAtNinetyFive(t *testing.T) {
	opts := SplitOptions{Fraction: 0.95, Seed: 19, Shuffle: true}
	a, err := Partition(numbered(100), opts)
	require.NoError(t, err)
	require.Len(t, a.Train, 95)
	require.Len(t, a.Eval, 5)

	b, err := Partition(numbered(100), opts)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	ea, _ := EncodeJSONL(a.Eval)
	eb, _ := EncodeJSONL(b.Eval)
	assert.Equal(t, ea, eb, "eval partitions must be byte-identical")
	assert.Equal(t, Fingerprint(a.Train), Fingerprint(b.Train))

	c, err := Partition(numbered(100), SplitOptions{Fraction: 0.95, Seed: 20, Shuffle: true})
	require.NoError(t, err)
	assert.NotEqual(t, a.Eval, c.Eval, "a different seed should change membership")
}

func TestPartitionWithoutShufflePreservesOrder(t *testing.T) {
	src := numbered(10)
	s, err := Partition(src, SplitOptions{Fraction: 0.7, Seed: 19})
	require.NoError(t, err)
	assert.Equal(t, src[:7], s.Train)
	assert.Equal(t, src[7:], s.Eval)
}

func TestPartitionDoesNotMutateInput(t *testing.T) {
	src := numbered(20)
	orig := append([]Example(nil), src...)
	_, err := Partition(src, SplitOptions{Fraction: 0.5, Seed: 3, Shuffle: true})
	require.NoError(t, err)
	assert.Equal(t, orig, src)
}

func TestPartitionErrors(t *testing.T) {
	_, err := Partition(nil, SplitOptions{Fraction: 0.5})
	assert.ErrorIs(t, err, ErrEmptyDataset)

	for _, f := range []float64{0, 1, -0.2, 1.5} {
		_, err := Partition(numbered(3), SplitOptions{Fraction: f})
		require.Error(t, err)
		assert.True(t, faults.IsConfig(err), "fraction %v", f)
	}
}

type stubSource struct {
	examples []Example
	err      error
}

func (s stubSource) Name() string { return "stub" }
func (s stubSource) Load(context.Context) ([]Example, error) {
	return s.examples, s.err
}

func TestPrepare(t *testing.T) {
	s, err := Prepare(context.Background(), stubSource{examples: numbered(50)}, SplitOptions{Fraction: 0.8, Seed: 1, Shuffle: true, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, s.Train, 8)
	assert.Len(t, s.Eval, 2)

	boom := errors.New("hub unavailable")
	_, err = Prepare(context.Background(), stubSource{err: boom}, SplitOptions{Fraction: 0.8})
	assert.ErrorIs(t, err, boom, "collaborator errors pass through unchanged")
}
