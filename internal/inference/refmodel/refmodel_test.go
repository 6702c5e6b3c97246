package refmodel

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeMatchesComposedLogits(t *testing.T) {
	base := NewBase("tiny")
	l, err := NewLoRA(4, 8, 7)
	require.NoError(t, err)
	composed := base.WithLoRA(l)
	merged := composed.Merge()
	assert.Nil(t, merged.LoRA)

	a := make([]float64, Vocab)
	b := make([]float64, Vocab)
	for _, prev := range []int{0, 65, 200, 256} {
		composed.Logits(prev, a)
		merged.Logits(prev, b)
		for i := range a {
			require.InDelta(t, a[i], b[i], 1e-9)
		}
	}
}

func TestNewBaseDeterministic(t *testing.T) {
	assert.Equal(t, NewBase("m").W.Data[:16], NewBase("m").W.Data[:16])
	assert.NotEqual(t, NewBase("m").W.Data[:16], NewBase("n").W.Data[:16])
}

func TestNextGreedyAndSampled(t *testing.T) {
	m := NewBase("tiny")
	allowed := []int{'a', 'b', 'c'}
	g1 := m.Next('x', SampleOptions{Allowed: allowed}, nil)
	g2 := m.Next('x', SampleOptions{Allowed: allowed}, nil)
	assert.Equal(t, g1, g2)
	assert.Contains(t, allowed, g1)

	r1 := rand.New(rand.NewPCG(1, 2))
	r2 := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 10; i++ {
		assert.Equal(t,
			m.Next(i, SampleOptions{Temperature: 0.8, TopK: 5}, r1),
			m.Next(i, SampleOptions{Temperature: 0.8, TopK: 5}, r2))
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLoRA(2, 4, 3)
	require.NoError(t, err)
	require.NoError(t, SaveLoRA(dir, l))
	got, err := LoadLoRA(dir)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Scale())
	assert.Equal(t, l.A.Data, got.A.Data)

	m := NewBase("tiny").WithLoRA(l).Merge()
	require.NoError(t, m.Save(dir))
	back, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, math.Abs(back.W.At(10, 20)-m.W.At(10, 20)) < 1e-12)

	_, err = NewLoRA(0, 1, 1)
	assert.Error(t, err)
}
