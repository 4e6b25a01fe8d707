package prompt

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"modelcall/internal/services/llm"
)

// Prompt describes how requests are built and answers validated.
type Prompt struct {
	SystemPrompt string   `yaml:"system_prompt"`
	UserTemplate string   `yaml:"user_template"`
	InputKey     string   `yaml:"input_key"`
	Output       Contract `yaml:"output"`

	tmpl *template.Template
}

// Load reads and compiles a prompt file. A blank inputKey keeps the file's
// value; a non-blank one is used when the file does not set its own.
func Load(path, inputKey string) (*Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}
	var p Prompt
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse prompt file %s: %w", path, err)
	}
	if strings.TrimSpace(p.InputKey) == "" {
		p.InputKey = inputKey
	}
	if err := p.compile(); err != nil {
		return nil, fmt.Errorf("prompt file %s: %w", path, err)
	}
	return &p, nil
}

// Default returns a prompt that forwards each item's messages or input field
// unchanged and accepts any non-empty answer.
func Default(inputKey string) *Prompt {
	p := &Prompt{InputKey: inputKey}
	_ = p.compile()
	return p
}

func (p *Prompt) compile() error {
	p.SystemPrompt = strings.TrimSpace(p.SystemPrompt)
	p.InputKey = strings.TrimSpace(p.InputKey)
	if p.InputKey == "" {
		p.InputKey = "text"
	}
	if strings.TrimSpace(p.UserTemplate) != "" {
		tmpl, err := template.New("user").Option("missingkey=error").Parse(p.UserTemplate)
		if err != nil {
			return fmt.Errorf("user_template: %w", err)
		}
		p.tmpl = tmpl
	}
	return p.Output.validate()
}

// ErrNoInput reports an item the prompt cannot build a request from.
var ErrNoInput = errors.New("item has no usable input")

// Messages builds the request for one item. A non-empty hint is appended to
// the final user message.
func (p *Prompt) Messages(fields map[string]any, hint string) ([]llm.Message, error) {
	var messages []llm.Message
	switch {
	case p.tmpl != nil:
		var buf bytes.Buffer
		if err := p.tmpl.Execute(&buf, fields); err != nil {
			return nil, fmt.Errorf("render user_template: %w", err)
		}
		messages = append(messages, llm.Message{Role: "user", Content: buf.String()})
	default:
		if existing, ok := itemMessages(fields); ok {
			messages = existing
		} else if text, ok := fields[p.InputKey].(string); ok && strings.TrimSpace(text) != "" {
			messages = append(messages, llm.Message{Role: "user", Content: text})
		} else {
			return nil, fmt.Errorf("%w: expected a messages array or a %q string", ErrNoInput, p.InputKey)
		}
	}

	if p.SystemPrompt != "" && (len(messages) == 0 || messages[0].Role != "system") {
		messages = append([]llm.Message{{Role: "system", Content: p.SystemPrompt}}, messages...)
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		last := len(messages) - 1
		if messages[last].Role == "user" {
			messages[last].Content += "\n\n" + hint
		} else {
			messages = append(messages, llm.Message{Role: "user", Content: hint})
		}
	}
	return messages, nil
}

func itemMessages(fields map[string]any) ([]llm.Message, bool) {
	raw, ok := fields["messages"].([]any)
	if !ok || len(raw) == 0 {
		return nil, false
	}
	messages := make([]llm.Message, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, false
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role == "" {
			role = "user"
		}
		messages = append(messages, llm.Message{Role: role, Content: content})
	}
	return messages, true
}
