package openai

import (
	"fmt"
	"math"
	"strings"

	"github.com/23skdu/longbow-tllama/internal/sampler"
	"github.com/23skdu/longbow-tllama/internal/template"
)

// Sampling holds the optional sampling fields shared by the chat and text
// completion requests.
type Sampling struct {
	MaxTokens        *int
	Seed             *int64
	Stop             any
	Temperature      *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	TopP             *float64
	TopK             *int
}

func (r ChatCompletionRequest) Sampling() Sampling {
	return Sampling{r.MaxTokens, r.Seed, r.Stop, r.Temperature, r.FrequencyPenalty, r.PresencePenalty, r.TopP, r.TopK}
}

func (r CompletionRequest) Sampling() Sampling {
	return Sampling{r.MaxTokens, r.Seed, r.Stop, r.Temperature, r.FrequencyPenalty, r.PresencePenalty, r.TopP, r.TopK}
}

// Config turns the request fields into a sampler configuration on top of
// base. frequency_penalty p > 0 becomes the multiplicative repeat penalty
// 1+p; presence_penalty is accepted and folded in the same way when larger.
func (s Sampling) Config(base sampler.Config) (sampler.Config, error) {
	cfg := base

	if s.Temperature != nil {
		t := *s.Temperature
		if math.IsNaN(t) || t < 0 || t > 2 {
			return cfg, Invalid("temperature", "temperature must be between 0 and 2, got %g", t)
		}
		cfg.Temperature = t
	}
	if s.TopP != nil {
		p := *s.TopP
		if math.IsNaN(p) || p <= 0 || p > 1 {
			return cfg, Invalid("top_p", "top_p must be in (0, 1], got %g", p)
		}
		cfg.TopP = p
	}
	if s.TopK != nil {
		if *s.TopK < 0 {
			return cfg, Invalid("top_k", "top_k must be >= 0, got %d", *s.TopK)
		}
		cfg.TopK = *s.TopK
	}
	if s.MaxTokens != nil {
		if *s.MaxTokens < 1 {
			return cfg, Invalid("max_tokens", "max_tokens must be >= 1, got %d", *s.MaxTokens)
		}
		cfg.MaxTokens = *s.MaxTokens
	}
	if s.Seed != nil {
		seed := uint64(*s.Seed)
		cfg.Seed = &seed
	}

	penalty := 0.0
	for _, f := range []struct {
		name string
		v    *float64
	}{{"frequency_penalty", s.FrequencyPenalty}, {"presence_penalty", s.PresencePenalty}} {
		if f.v == nil {
			continue
		}
		if math.IsNaN(*f.v) || *f.v < -2 || *f.v > 2 {
			return cfg, Invalid(f.name, "%s must be between -2 and 2, got %g", f.name, *f.v)
		}
		penalty = max(penalty, *f.v)
	}
	if s.FrequencyPenalty != nil || s.PresencePenalty != nil {
		cfg.RepeatPenalty = 1 + penalty
	}

	stops, err := parseStop(s.Stop)
	if err != nil {
		return cfg, err
	}
	if stops != nil {
		cfg.Stop = stops
	}
	return cfg, nil
}

func parseStop(v any) ([]string, error) {
	switch stop := v.(type) {
	case nil:
		return nil, nil
	case string:
		if stop == "" {
			return nil, nil
		}
		return []string{stop}, nil
	case []any:
		if len(stop) > 4 {
			return nil, Invalid("stop", "at most 4 stop sequences are allowed, got %d", len(stop))
		}
		stops := make([]string, 0, len(stop))
		for _, s := range stop {
			str, ok := s.(string)
			if !ok {
				return nil, Invalid("stop", "invalid type for 'stop' field: %T", s)
			}
			if str != "" {
				stops = append(stops, str)
			}
		}
		return stops, nil
	default:
		return nil, Invalid("stop", "invalid type for 'stop' field: %T", v)
	}
}

// Validate checks the conversation and converts it for the template.
func (r ChatCompletionRequest) Validate() ([]template.Message, error) {
	if strings.TrimSpace(r.Model) == "" {
		return nil, Invalid("model", "model is required")
	}
	if len(r.Messages) == 0 {
		return nil, Invalid("messages", "messages must contain at least one message")
	}
	if r.N != nil && *r.N != 1 {
		return nil, Invalid("n", "only n=1 is supported")
	}

	msgs := make([]template.Message, 0, len(r.Messages))
	for i, m := range r.Messages {
		param := fmt.Sprintf("messages[%d]", i)
		role := strings.ToLower(m.Role)
		switch role {
		case "system", "developer":
			role = "system"
		case "user", "assistant", "tool":
		case "":
			return nil, Invalid(param+".role", "role is required")
		default:
			return nil, Invalid(param+".role", "unknown role %q", m.Role)
		}

		text, err := content(m.Content)
		if err != nil {
			return nil, Invalid(param+".content", "%v", err)
		}
		msgs = append(msgs, template.Message{Role: role, Content: text})
	}
	return msgs, nil
}

// content flattens a message body: a string or a list of text parts.
func content(v any) (string, error) {
	switch c := v.(type) {
	case string:
		return c, nil
	case nil:
		return "", fmt.Errorf("content is required")
	case []any:
		var b strings.Builder
		for _, p := range c {
			part, ok := p.(map[string]any)
			if !ok {
				return "", fmt.Errorf("invalid message format")
			}
			if part["type"] != "text" {
				return "", fmt.Errorf("unsupported content part type %v", part["type"])
			}
			text, ok := part["text"].(string)
			if !ok {
				return "", fmt.Errorf("invalid message format")
			}
			b.WriteString(text)
		}
		return b.String(), nil
	default:
		return "", fmt.Errorf("invalid message content type: %T", v)
	}
}

func (r CompletionRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return Invalid("model", "model is required")
	}
	if r.Prompt == "" {
		return Invalid("prompt", "prompt is required")
	}
	return nil
}

// Inputs returns the texts to embed.
func (r EmbedRequest) Inputs() ([]string, error) {
	if strings.TrimSpace(r.Model) == "" {
		return nil, Invalid("model", "model is required")
	}
	if r.EncodingFormat != "" && !strings.EqualFold(r.EncodingFormat, "float") {
		return nil, Invalid("encoding_format", "only float encoding is supported")
	}
	var inputs []string
	switch in := r.Input.(type) {
	case string:
		inputs = []string{in}
	case []any:
		for _, v := range in {
			s, ok := v.(string)
			if !ok {
				return nil, Invalid("input", "invalid input type %T", v)
			}
			inputs = append(inputs, s)
		}
	default:
		return nil, Invalid("input", "invalid input type %T", r.Input)
	}
	if len(inputs) == 0 {
		return nil, Invalid("input", "input must not be empty")
	}
	for _, s := range inputs {
		if s == "" {
			return nil, Invalid("input", "input must not contain empty strings")
		}
	}
	return inputs, nil
}
