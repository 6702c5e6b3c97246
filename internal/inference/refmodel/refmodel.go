// Package refmodel is a tiny deterministic byte-level language model with a
// LoRA adapter on its single weight matrix. It exists so the compose, merge
// and generate paths can run without a GPU or an external runtime.
//
// The next-token logits for previous token p are column p of
//
//	W + (alpha/r)·B·A
//
// where W is Vocab×Vocab, B is Vocab×r and A is r×Vocab.
package refmodel

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"ftpipe/internal/common/fsutil"
)

// Vocab covers the 256 byte values plus BOS.
const Vocab = 257

const (
	ModelFile   = "reference_model.json"
	AdapterFile = "reference_lora.json"
)

// Matrix is a dense row-major matrix.
type Matrix struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

func (m Matrix) At(i, j int) float64 { return m.Data[i*m.Cols+j] }

func (m Matrix) Set(i, j int, v float64) { m.Data[i*m.Cols+j] = v }

func (m Matrix) valid() bool { return m.Rows > 0 && m.Cols > 0 && len(m.Data) == m.Rows*m.Cols }

func randomMatrix(rows, cols int, scale float64, r *rand.Rand) Matrix {
	m := NewMatrix(rows, cols)
	for i := range m.Data {
		m.Data[i] = (r.Float64()*2 - 1) * scale
	}
	return m
}

// LoRA is a rank-r update of the weight matrix.
type LoRA struct {
	Rank  int     `json:"rank"`
	Alpha float64 `json:"alpha"`
	A     Matrix  `json:"a"`
	B     Matrix  `json:"b"`
}

// Scale is alpha/r.
func (l *LoRA) Scale() float64 { return l.Alpha / float64(l.Rank) }

// NewLoRA returns a seeded random adapter.
func NewLoRA(rank int, alpha float64, seed uint64) (*LoRA, error) {
	if rank <= 0 {
		return nil, fmt.Errorf("lora rank must be positive (got %d)", rank)
	}
	r := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))
	return &LoRA{
		Rank:  rank,
		Alpha: alpha,
		A:     randomMatrix(rank, Vocab, 1, r),
		B:     randomMatrix(Vocab, rank, 1, r),
	}, nil
}

func (l *LoRA) check() error {
	if l.Rank <= 0 || !l.A.valid() || !l.B.valid() {
		return fmt.Errorf("malformed lora weights")
	}
	if l.A.Rows != l.Rank || l.A.Cols != Vocab || l.B.Rows != Vocab || l.B.Cols != l.Rank {
		return fmt.Errorf("lora shape mismatch: A %dx%d B %dx%d rank %d", l.A.Rows, l.A.Cols, l.B.Rows, l.B.Cols, l.Rank)
	}
	return nil
}

// Model is the weight matrix plus an optional unmerged adapter.
type Model struct {
	W    Matrix `json:"w"`
	LoRA *LoRA  `json:"lora,omitempty"`
}

// NewBase returns base weights derived from name, so the same base model id
// always yields the same weights.
func NewBase(name string) *Model {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	seed := h.Sum64()
	r := rand.New(rand.NewPCG(seed, ^seed))
	return &Model{W: randomMatrix(Vocab, Vocab, 4, r)}
}

// WithLoRA returns a model sharing m's base weights with l attached.
func (m *Model) WithLoRA(l *LoRA) *Model { return &Model{W: m.W, LoRA: l} }

// Merge folds the adapter into a new weight matrix: W' = W + scale·B·A.
func (m *Model) Merge() *Model {
	if m.LoRA == nil {
		return &Model{W: m.W}
	}
	l := m.LoRA
	s := l.Scale()
	w := NewMatrix(Vocab, Vocab)
	for i := 0; i < Vocab; i++ {
		for j := 0; j < Vocab; j++ {
			var d float64
			for k := 0; k < l.Rank; k++ {
				d += l.B.At(i, k) * l.A.At(k, j)
			}
			w.Set(i, j, m.W.At(i, j)+s*d)
		}
	}
	return &Model{W: w}
}

// Logits writes the next-token scores after prev into out.
func (m *Model) Logits(prev int, out []float64) {
	for i := 0; i < Vocab; i++ {
		out[i] = m.W.At(i, prev)
	}
	if m.LoRA == nil {
		return
	}
	l := m.LoRA
	h := make([]float64, l.Rank)
	for k := 0; k < l.Rank; k++ {
		h[k] = l.A.At(k, prev)
	}
	s := l.Scale()
	for i := 0; i < Vocab; i++ {
		var d float64
		for k := 0; k < l.Rank; k++ {
			d += l.B.At(i, k) * h[k]
		}
		out[i] += s * d
	}
}

// SampleOptions control Next.
type SampleOptions struct {
	Temperature float64
	TopK        int
	// Allowed restricts the candidate ids; nil allows all byte values.
	Allowed []int
}

// Next picks the token after prev. Temperature zero is greedy.
func (m *Model) Next(prev int, opts SampleOptions, r *rand.Rand) int {
	logits := make([]float64, Vocab)
	m.Logits(prev, logits)
	cands := opts.Allowed
	if cands == nil {
		cands = make([]int, 256)
		for i := range cands {
			cands[i] = i
		}
	}
	if opts.Temperature <= 0 || r == nil {
		best := cands[0]
		for _, c := range cands[1:] {
			if logits[c] > logits[best] {
				best = c
			}
		}
		return best
	}
	if opts.TopK > 0 && opts.TopK < len(cands) {
		cands = topK(cands, logits, opts.TopK)
	}
	maxL := math.Inf(-1)
	for _, c := range cands {
		maxL = math.Max(maxL, logits[c])
	}
	weights := make([]float64, len(cands))
	var sum float64
	for i, c := range cands {
		weights[i] = math.Exp((logits[c] - maxL) / opts.Temperature)
		sum += weights[i]
	}
	x := r.Float64() * sum
	for i, w := range weights {
		x -= w
		if x <= 0 {
			return cands[i]
		}
	}
	return cands[len(cands)-1]
}

func topK(cands []int, logits []float64, k int) []int {
	out := append([]int(nil), cands...)
	// Partial selection sort; k is small.
	for i := 0; i < k; i++ {
		best := i
		for j := i + 1; j < len(out); j++ {
			if logits[out[j]] > logits[out[best]] {
				best = j
			}
		}
		out[i], out[best] = out[best], out[i]
	}
	return out[:k]
}

// Save writes the model to dir/ModelFile.
func (m *Model) Save(dir string) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, ModelFile), b, 0o644)
}

// Load reads dir/ModelFile.
func Load(dir string) (*Model, error) {
	b, err := os.ReadFile(filepath.Join(dir, ModelFile))
	if err != nil {
		return nil, err
	}
	var m Model
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ModelFile, err)
	}
	if m.W.Rows != Vocab || m.W.Cols != Vocab || !m.W.valid() {
		return nil, fmt.Errorf("%s: weight shape %dx%d, want %dx%d", ModelFile, m.W.Rows, m.W.Cols, Vocab, Vocab)
	}
	if m.LoRA != nil {
		if err := m.LoRA.check(); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// SaveLoRA writes l to dir/AdapterFile.
func SaveLoRA(dir string, l *LoRA) error {
	b, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(dir, AdapterFile), b, 0o644)
}

// LoadLoRA reads dir/AdapterFile.
func LoadLoRA(dir string) (*LoRA, error) {
	b, err := os.ReadFile(filepath.Join(dir, AdapterFile))
	if err != nil {
		return nil, err
	}
	var l LoRA
	if err := json.Unmarshal(b, &l); err != nil {
		return nil, fmt.Errorf("parse %s: %w", AdapterFile, err)
	}
	if err := l.check(); err != nil {
		return nil, err
	}
	return &l, nil
}
