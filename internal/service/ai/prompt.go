package ai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/goccy/go-yaml"
)

// DefaultSystemPrompt primes every session unless configuration overrides it.
const DefaultSystemPrompt = "You are a helpful assistant. Keep responses concise and clear."

// DefaultUserFormat frames a user message so the model continues as the assistant.
const DefaultUserFormat = "\nUser: {message}\nAssistant:"

// DefaultStop ends a completion at the first line break or section marker.
var DefaultStop = []string{"\n", "###"}

// TemplateSpec is the YAML-serialisable form of a Template.
type TemplateSpec struct {
	Name       string   `yaml:"name"`
	System     string   `yaml:"system"`
	UserFormat string   `yaml:"user_format"`
	Stop       []string `yaml:"stop"`
}

// Template renders the text evaluated into an execution state: the system
// priming text once per session and one framed user turn per message.
type Template struct {
	spec TemplateSpec
	user prompt.ChatTemplate
}

var ErrUserFormat = errors.New("user format must contain the {message} placeholder")

// NewTemplate validates spec and compiles its user turn format.
func NewTemplate(spec TemplateSpec) (*Template, error) {
	if strings.TrimSpace(spec.System) == "" {
		spec.System = DefaultSystemPrompt
	}
	if spec.UserFormat == "" {
		spec.UserFormat = DefaultUserFormat
	}
	if !strings.Contains(spec.UserFormat, "{message}") {
		return nil, ErrUserFormat
	}
	if spec.Stop == nil {
		spec.Stop = append([]string(nil), DefaultStop...)
	}

	return &Template{
		spec: spec,
		user: prompt.FromMessages(schema.FString, schema.UserMessage(spec.UserFormat)),
	}, nil
}

// MustTemplate is NewTemplate for specs known to be valid.
func MustTemplate(spec TemplateSpec) *Template {
	t, err := NewTemplate(spec)
	if err != nil {
		panic(err)
	}
	return t
}

// Name returns the preset name, if any.
func (t *Template) Name() string { return t.spec.Name }

// SystemPrompt returns the system turn content stored at the head of every history.
func (t *Template) SystemPrompt() string { return t.spec.System }

// Stop returns the stop sequences that end a reply.
func (t *Template) Stop() []string { return append([]string(nil), t.spec.Stop...) }

// WithSystemPrompt returns a copy of t with a different system prompt.
func (t *Template) WithSystemPrompt(system string) (*Template, error) {
	spec := t.spec
	spec.System = system
	spec.Stop = t.Stop()
	return NewTemplate(spec)
}

// RenderUserTurn returns the text evaluated for one user message.
func (t *Template) RenderUserTurn(ctx context.Context, message string) (string, error) {
	msgs, err := t.user.Format(ctx, map[string]any{"message": message})
	if err != nil {
		return "", fmt.Errorf("failed to render user turn: %w", err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("failed to render user turn: empty template output")
	}
	return msgs[0].Content, nil
}

// LoadTemplateFile reads a TemplateSpec from a YAML file.
func LoadTemplateFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file: %w", err)
	}

	var spec TemplateSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", path, err)
	}
	return NewTemplate(spec)
}

// presets are the built-in system prompts selectable at startup.
var presets = map[string]TemplateSpec{
	"assistant": {
		Name:   "assistant",
		System: DefaultSystemPrompt,
	},
	"socrates": {
		Name: "socrates",
		System: "You are Socrates, the philosopher of Athens. Answer with short guiding questions, " +
			"admit what you do not know and help the user reach conclusions on their own.",
	},
	"tavern-keeper": {
		Name: "tavern-keeper",
		System: "You are the keeper of a warm, lively tavern. Greet guests kindly, keep replies to one " +
			"or two sentences and stay in character.",
		UserFormat: "\nGuest: {message}\nKeeper:",
		Stop:       []string{"\n", "Guest:", "###"},
	},
}

// Preset returns a built-in template by name.
func Preset(name string) (*Template, error) {
	spec, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("prompt preset not found: %s", name)
	}
	return NewTemplate(spec)
}

// PresetNames lists the built-in template names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
