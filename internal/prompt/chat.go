package prompt

import (
	"strings"

	"ftpipe/internal/dataset"
	"ftpipe/internal/faults"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatFormat names a chat transcript layout.
type ChatFormat string

const (
	ChatML ChatFormat = "chatml"
	Llama3 ChatFormat = "llama3"
	Zephyr ChatFormat = "zephyr"
)

func ParseChatFormat(s string) (ChatFormat, error) {
	switch f := ChatFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case ChatML, Llama3, Zephyr:
		return f, nil
	case "":
		return ChatML, nil
	default:
		return "", faults.Configf("template.chat_format", "unknown chat format %q", s)
	}
}

// Messages builds the conversation for ex, without the answer. The input
// column is appended to the instruction as plain text.
func Messages(system string, ex dataset.Example) []Message {
	var msgs []Message
	if system != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: system})
	}
	user := ex.Instruction
	if ex.Input != "" {
		user += "\n\n" + ex.Input
	}
	return append(msgs, Message{Role: RoleUser, Content: user})
}

// Render lays out msgs in format f. With addGenerationPrompt the result
// ends with an open assistant turn.
func Render(f ChatFormat, msgs []Message, addGenerationPrompt bool) string {
	var b strings.Builder
	switch f {
	case Llama3:
		b.WriteString("<|begin_of_text|>")
		for _, m := range msgs {
			b.WriteString("<|start_header_id|>" + string(m.Role) + "<|end_header_id|>\n\n")
			b.WriteString(strings.TrimSpace(m.Content))
			b.WriteString("<|eot_id|>")
		}
		if addGenerationPrompt {
			b.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
		}
	case Zephyr:
		for _, m := range msgs {
			b.WriteString("<|" + string(m.Role) + "|>\n")
			b.WriteString(m.Content)
			b.WriteString("</s>\n")
		}
		if addGenerationPrompt {
			b.WriteString("<|assistant|>\n")
		}
	default:
		for _, m := range msgs {
			b.WriteString("<|im_start|>" + string(m.Role) + "\n")
			b.WriteString(m.Content)
			b.WriteString("<|im_end|>\n")
		}
		if addGenerationPrompt {
			b.WriteString("<|im_start|>assistant\n")
		}
	}
	return b.String()
}
