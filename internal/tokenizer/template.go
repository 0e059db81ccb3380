package tokenizer

import (
	"fmt"
	"strings"
)

type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Templates lists the chat renderings understood by Render.
var Templates = []string{"llama3", "human-ai", "qa"}

// ApplyChatTemplate renders msgs with the tokenizer's template.
func (t *Tokenizer) ApplyChatTemplate(msgs []Message, addGenerationPrompt bool) (string, error) {
	return Render(t.Template, msgs, addGenerationPrompt)
}

// Render formats a conversation. addGenerationPrompt leaves the transcript
// open at the assistant turn.
func Render(template string, msgs []Message, addGenerationPrompt bool) (string, error) {
	var sb strings.Builder
	switch template {
	case "llama3":
		sb.WriteString(TokBOS)
		for _, m := range msgs {
			if err := checkRole(m.Role); err != nil {
				return "", err
			}
			sb.WriteString(TokStartHeader + m.Role + TokEndHeader + "\n\n")
			sb.WriteString(strings.TrimSpace(m.Content))
			sb.WriteString(TokEOT)
		}
		if addGenerationPrompt {
			sb.WriteString(TokStartHeader + "assistant" + TokEndHeader + "\n\n")
		}
	case "human-ai":
		if err := renderPlain(&sb, msgs, "Human:", "AI:"); err != nil {
			return "", err
		}
		if addGenerationPrompt {
			sb.WriteString("AI:")
		}
	case "qa":
		if err := renderPlain(&sb, msgs, "Q:", "A:"); err != nil {
			return "", err
		}
		if addGenerationPrompt {
			sb.WriteString("A:")
		}
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, template)
	}
	return sb.String(), nil
}

func renderPlain(sb *strings.Builder, msgs []Message, user, assistant string) error {
	for _, m := range msgs {
		switch m.Role {
		case "system":
			sb.WriteString(m.Content + "\n\n")
		case "user":
			sb.WriteString(user + " " + m.Content + "\n")
		case "assistant":
			sb.WriteString(assistant + " " + m.Content + "\n")
		default:
			return fmt.Errorf("%w: %q", ErrUnknownRole, m.Role)
		}
	}
	return nil
}

func checkRole(role string) error {
	switch role {
	case "system", "user", "assistant":
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownRole, role)
}

// Prompt renders a single user turn with the generation prompt appended.
func Prompt(template, text string) (string, error) {
	return Render(template, []Message{{Role: "user", Content: text}}, true)
}
