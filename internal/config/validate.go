package config

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"ftpipe/internal/faults"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// Report fields by their yaml names so messages match config files.
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// checkSection validates one config section and reports the first failure
// as a configuration error named section.field.
func checkSection(section string, v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return faults.Config(section, err.Error())
	}
	fe := verrs[0]
	field := section + "." + fe.Field()
	if fe.Param() != "" {
		return faults.Configf(field, "failed %s=%s (got %v)", fe.Tag(), fe.Param(), fe.Value())
	}
	return faults.Configf(field, "failed %s", fe.Tag())
}

type section struct {
	name string
	v    any
}

func (c Config) inferenceSections() []section {
	return []section{
		{"model", c.Model},
		{"template", c.Template},
		{"generation", c.Generation},
		{"serving", c.Serving},
		{"artifacts", c.Artifacts},
		{"runtime", c.Runtime},
		{"http", c.HTTP},
	}
}

// Validate checks every section plus the cross-field rules. Each failure is
// a configuration error, reported before any expensive work starts.
func (c Config) Validate() error {
	sections := append([]section{
		{"dataset", c.Dataset},
		{"lora", c.Lora},
		{"quantization", c.Quant},
		{"training", c.Training},
	}, c.inferenceSections()...)
	for _, s := range sections {
		if err := checkSection(s.name, s.v); err != nil {
			return err
		}
	}
	if err := c.Quant.Check(); err != nil {
		return err
	}
	if c.Runtime.Backend != "reference" && c.Runtime.TrainerURL == "" && c.Runtime.TrainerBin == "" {
		return faults.Config("runtime.trainer_url", "trainer_url or trainer_bin is required to train")
	}
	return c.crossChecks()
}

// ValidateInference checks only what generate, merge and serve need; the
// dataset and training sections are ignored.
func (c Config) ValidateInference() error {
	for _, s := range c.inferenceSections() {
		if err := checkSection(s.name, s.v); err != nil {
			return err
		}
	}
	return c.crossChecks()
}

// Check applies the rules that depend on Bits: nothing but double_quant is
// looked at when quantization is off, a compute dtype is required when it is
// on, and the quant type only matters at 4 bits.
func (q QuantConfig) Check() error {
	switch q.Bits {
	case 0:
		if q.DoubleQuant {
			return faults.Config("quantization.double_quant", "only valid with 4-bit quantization")
		}
		return nil
	case 4, 8:
	default:
		return faults.Configf("quantization.bits", "must be 0, 4 or 8 (got %d)", q.Bits)
	}
	switch q.ComputeDtype {
	case "float16", "bfloat16", "float32":
	default:
		return faults.Configf("quantization.compute_dtype", "unsupported dtype %q", q.ComputeDtype)
	}
	if q.Bits == 4 {
		switch q.QuantType {
		case "nf4", "fp4":
		default:
			return faults.Configf("quantization.quant_type", "unsupported 4-bit type %q", q.QuantType)
		}
	}
	if q.DoubleQuant && q.Bits != 4 {
		return faults.Config("quantization.double_quant", "only valid with 4-bit quantization")
	}
	return nil
}

func (c Config) crossChecks() error {
	// Spawning a trainer binary only covers training; sidecar inference
	// talks to an already running sidecar.
	if c.Runtime.Backend == "sidecar" && c.Runtime.TrainerURL == "" {
		return faults.Config("runtime.trainer_url", "required by the sidecar inference backend")
	}
	if c.Template.Kind == "special" && strings.TrimSpace(c.Template.ResponseMarker) == "" {
		return faults.Config("template.response_marker", "required when template kind is special")
	}
	if c.Artifacts.Store == "s3" && c.Artifacts.Bucket == "" {
		return faults.Config("artifacts.bucket", "required when store is s3")
	}
	if c.Serving.Enabled && c.Serving.Bin == "" && c.Serving.BaseURL == "" {
		return faults.Config("serving", "either bin or base_url is required when serving is enabled")
	}
	if c.Serving.Enabled && !c.Runtime.Merge {
		return faults.Config("serving.enabled", "serving hands off the merged model; runtime.merge must be true")
	}
	return nil
}
