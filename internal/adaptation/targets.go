package adaptation

import (
	"sort"
	"strings"

	"ftpipe/internal/faults"
)

// AllLinear requests every linear projection of the family.
const AllLinear = "all-linear"

var (
	llamaProjections = []string{"q_proj", "k_proj", "v_proj", "o_proj", "gate_proj", "up_proj", "down_proj"}

	familyTargets = map[string][]string{
		"llama":     llamaProjections,
		"codellama": llamaProjections,
		"mistral":   llamaProjections,
		"mixtral":   {"q_proj", "k_proj", "v_proj", "o_proj"},
		"qwen2":     llamaProjections,
		"gemma":     llamaProjections,
		"falcon":    {"query_key_value", "dense", "dense_h_to_4h", "dense_4h_to_h"},
		"gpt2":      {"c_attn", "c_proj", "c_fc"},
		"phi":       {"q_proj", "k_proj", "v_proj", "dense"},
		"phi3":      {"qkv_proj", "o_proj", "gate_up_proj", "down_proj"},
		"gpt_neox":  {"query_key_value", "dense", "dense_h_to_4h", "dense_4h_to_h"},
	}

	// Extra projections included by all-linear beyond the defaults.
	familyExtraLinear = map[string][]string{
		"mixtral": {"w1", "w2", "w3"},
		"phi":     {"fc1", "fc2"},
	}
)

// DefaultTargets returns the default module names for family, or nil.
func DefaultTargets(family string) []string {
	t := familyTargets[strings.ToLower(family)]
	return append([]string(nil), t...)
}

// SelectTargetModules picks the adapter target modules. An empty request
// takes the family defaults. "all-linear" expands to every known linear
// projection of the family. Explicit names are checked by suffix against
// available when the model's module names are known.
func SelectTargetModules(family string, requested, available []string) ([]string, error) {
	family = strings.ToLower(family)
	req := normalize(requested)
	if len(req) == 1 && req[0] == AllLinear {
		all := append(DefaultTargets(family), familyExtraLinear[family]...)
		if len(all) == 0 {
			return nil, faults.Configf("lora.target_modules", "all-linear is not known for family %q; list modules explicitly", family)
		}
		return all, nil
	}
	if len(req) == 0 {
		d := DefaultTargets(family)
		if len(d) == 0 {
			return nil, faults.Configf("lora.target_modules", "no default target modules for family %q; list modules explicitly", family)
		}
		return d, nil
	}
	for _, name := range req {
		if name == AllLinear {
			return nil, faults.Config("lora.target_modules", "all-linear cannot be combined with explicit names")
		}
	}
	if len(available) > 0 {
		for _, name := range req {
			if !matchesAny(name, available) {
				return nil, faults.Configf("lora.target_modules", "module %q not found in model", name)
			}
		}
	}
	return req, nil
}

func normalize(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// matchesAny reports whether some module path ends with "."+name or is name.
func matchesAny(name string, modules []string) bool {
	for _, m := range modules {
		if m == name || strings.HasSuffix(m, "."+name) {
			return true
		}
	}
	return false
}
