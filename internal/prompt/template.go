// Package prompt formats labeled examples into training text.
//
// A Template is a closed set of two variants. Special is the delimiter
// format whose response marker drives loss masking; Normal renders a
// role-based chat transcript.
package prompt

import (
	"fmt"
	"strings"

	"ftpipe/internal/config"
	"ftpipe/internal/dataset"
	"ftpipe/internal/faults"
)

// Template is implemented only by Special and Normal.
type Template interface {
	isTemplate()
	Kind() string
}

// Special is the delimiter-based format:
//
//	<InstructionPrefix><instruction>[\n<input>]\n<ResponseMarker> <output>
type Special struct {
	InstructionPrefix string
	ResponseMarker    string
}

// Normal is the role-based chat format.
type Normal struct {
	System string
	Format ChatFormat
}

func (Special) isTemplate() {}
func (Normal) isTemplate()  {}

func (Special) Kind() string { return "special" }
func (Normal) Kind() string  { return "normal" }

// New selects the active template. Selection is static per run.
func New(kind, instructionPrefix, responseMarker, system, chatFormat string) (Template, error) {
	switch kind {
	case "special":
		if strings.TrimSpace(responseMarker) == "" {
			return nil, faults.Config("template.response_marker", "required when template kind is special")
		}
		return Special{InstructionPrefix: instructionPrefix, ResponseMarker: responseMarker}, nil
	case "normal":
		f, err := ParseChatFormat(chatFormat)
		if err != nil {
			return nil, err
		}
		return Normal{System: system, Format: f}, nil
	default:
		return nil, faults.Configf("template.kind", "unknown template kind %q", kind)
	}
}

// FromConfig builds the template named by c.
func FromConfig(c config.TemplateConfig) (Template, error) {
	return New(c.Kind, c.InstructionPrefix, c.ResponseMarker, c.System, c.ChatFormat)
}

// Format renders a full training example, answer included.
func Format(t Template, ex dataset.Example) string {
	switch v := t.(type) {
	case Special:
		return Prompt(v, ex) + " " + ex.Output
	case Normal:
		msgs := append(Messages(v.System, ex), Message{Role: RoleAssistant, Content: ex.Output})
		return Render(v.Format, msgs, false)
	default:
		panic(fmt.Sprintf("prompt: unhandled template %T", t))
	}
}

// Prompt renders an example up to where the model should start answering.
func Prompt(t Template, ex dataset.Example) string {
	switch v := t.(type) {
	case Special:
		var b strings.Builder
		b.WriteString(v.InstructionPrefix)
		b.WriteString(ex.Instruction)
		if ex.Input != "" {
			b.WriteString("\n")
			b.WriteString(ex.Input)
		}
		b.WriteString("\n")
		b.WriteString(v.ResponseMarker)
		return b.String()
	case Normal:
		return Render(v.Format, Messages(v.System, ex), true)
	default:
		panic(fmt.Sprintf("prompt: unhandled template %T", t))
	}
}

// ResponseMarker returns the marker used for completion-only masking. Only
// the special template masks.
func ResponseMarker(t Template) (string, bool) {
	switch v := t.(type) {
	case Special:
		return v.ResponseMarker, true
	case Normal:
		return "", false
	default:
		panic(fmt.Sprintf("prompt: unhandled template %T", t))
	}
}

// MaskBoundary returns the byte offset just past the last occurrence of
// marker in text. Everything before it is excluded from the loss.
func MaskBoundary(text, marker string) (int, bool) {
	if marker == "" {
		return 0, false
	}
	i := strings.LastIndex(text, marker)
	if i < 0 {
		return 0, false
	}
	return i + len(marker), true
}

// FormatAll renders each example with t.
func FormatAll(t Template, exs []dataset.Example) []string {
	out := make([]string, len(exs))
	for i := range exs {
		out[i] = Format(t, exs[i])
	}
	return out
}
