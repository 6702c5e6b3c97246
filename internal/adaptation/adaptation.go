// Package adaptation resolves the base model and the LoRA and quantization
// settings into a ModelHandle shared by training and inference.
package adaptation

import (
	"context"
	"strings"

	"ftpipe/internal/config"
	"ftpipe/internal/faults"
	"ftpipe/pkg/types"
)

// LoraOptions are the requested adapter settings.
type LoraOptions struct {
	Rank          int
	Alpha         float64
	Dropout       float64
	TargetModules []string
	Bias          string
}

// QuantOptions describe optional weight quantization of the base model.
type QuantOptions struct {
	Bits         int    `json:"bits"`
	ComputeDtype string `json:"compute_dtype,omitempty"`
	QuantType    string `json:"quant_type,omitempty"`
	DoubleQuant  bool   `json:"double_quant,omitempty"`
}

// Enabled reports whether the base weights are loaded quantized.
func (q QuantOptions) Enabled() bool { return q.Bits != 0 }

// LoraSpec is the fully resolved adapter configuration.
type LoraSpec struct {
	Rank          int      `json:"r"`
	Alpha         float64  `json:"lora_alpha"`
	Dropout       float64  `json:"lora_dropout"`
	TargetModules []string `json:"target_modules"`
	Bias          string   `json:"bias"`
	TaskType      string   `json:"task_type"`
}

// Scale is alpha/r, the factor applied to B·A.
func (l LoraSpec) Scale() float64 { return l.Alpha / float64(l.Rank) }

// ModelHandle is the read-only result of Setup.
type ModelHandle struct {
	Model types.Model
	Lora  LoraSpec
	Quant QuantOptions
}

// Family is shorthand for the base model's architecture family.
func (h *ModelHandle) Family() string { return h.Model.Family }

// Resolver finds a base model by id.
type Resolver interface {
	Resolve(id string) (types.Model, error)
}

// LoraFromConfig translates the lora config section.
func LoraFromConfig(c config.LoraConfig) LoraOptions {
	return LoraOptions{Rank: c.Rank, Alpha: c.Alpha, Dropout: c.Dropout, TargetModules: c.TargetModules, Bias: c.Bias}
}

// QuantFromConfig translates the quantization config section.
func QuantFromConfig(c config.QuantConfig) QuantOptions {
	return QuantOptions{Bits: c.Bits, ComputeDtype: c.ComputeDtype, QuantType: c.QuantType, DoubleQuant: c.DoubleQuant}
}

// WithFamily wraps r so resolved models report family instead of the
// detected one. An empty family returns r unchanged.
func WithFamily(r Resolver, family string) Resolver {
	if family == "" {
		return r
	}
	return familyResolver{r: r, family: strings.ToLower(family)}
}

type familyResolver struct {
	r      Resolver
	family string
}

func (f familyResolver) Resolve(id string) (types.Model, error) {
	m, err := f.r.Resolve(id)
	if err != nil {
		return m, err
	}
	m.Family = f.family
	return m, nil
}

// Setup resolves baseModelID and validates the adapter and quantization
// options against it.
func Setup(ctx context.Context, r Resolver, baseModelID string, lora LoraOptions, quant QuantOptions) (*ModelHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateQuant(quant); err != nil {
		return nil, err
	}
	if lora.Rank <= 0 {
		return nil, faults.Configf("lora.rank", "must be positive (got %d)", lora.Rank)
	}
	if lora.Dropout < 0 || lora.Dropout >= 1 {
		return nil, faults.Configf("lora.dropout", "must be in [0,1) (got %g)", lora.Dropout)
	}
	m, err := r.Resolve(baseModelID)
	if err != nil {
		return nil, err
	}
	targets, err := SelectTargetModules(m.Family, lora.TargetModules, m.Modules)
	if err != nil {
		return nil, err
	}
	bias := lora.Bias
	if bias == "" {
		bias = "none"
	}
	return &ModelHandle{
		Model: m,
		Lora: LoraSpec{
			Rank:          lora.Rank,
			Alpha:         ResolveAlpha(lora.Rank, lora.Alpha),
			Dropout:       lora.Dropout,
			TargetModules: targets,
			Bias:          bias,
			TaskType:      "CAUSAL_LM",
		},
		Quant: quant,
	}, nil
}

// ResolveAlpha returns alpha, or 2×rank when alpha is unset.
func ResolveAlpha(rank int, alpha float64) float64 {
	if alpha <= 0 {
		return float64(2 * rank)
	}
	return alpha
}

// ValidateQuant rejects unsupported quantization settings.
func ValidateQuant(q QuantOptions) error {
	return config.QuantConfig{
		Bits:         q.Bits,
		ComputeDtype: q.ComputeDtype,
		QuantType:    q.QuantType,
		DoubleQuant:  q.DoubleQuant,
	}.Check()
}
