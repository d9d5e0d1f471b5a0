// Package openai holds the wire types of the OpenAI compatible API and the
// conversions between them and the decode loop.
package openai

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-tllama/internal/session"
)

const fingerprint = "fp_tllama"

type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
	Name    string `json:"name,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type ChatCompletionRequest struct {
	Model            string         `json:"model"`
	Messages         []Message      `json:"messages"`
	Stream           bool           `json:"stream"`
	StreamOptions    *StreamOptions `json:"stream_options"`
	MaxTokens        *int           `json:"max_tokens"`
	Seed             *int64         `json:"seed"`
	Stop             any            `json:"stop"`
	Temperature      *float64       `json:"temperature"`
	FrequencyPenalty *float64       `json:"frequency_penalty"`
	PresencePenalty  *float64       `json:"presence_penalty"`
	TopP             *float64       `json:"top_p"`
	// TopK is not part of the OpenAI API but most local clients send it.
	TopK *int `json:"top_k"`
	N    *int `json:"n"`
}

type CompletionRequest struct {
	Model            string         `json:"model"`
	Prompt           string         `json:"prompt"`
	Stream           bool           `json:"stream"`
	StreamOptions    *StreamOptions `json:"stream_options"`
	MaxTokens        *int           `json:"max_tokens"`
	Seed             *int64         `json:"seed"`
	Stop             any            `json:"stop"`
	Temperature      *float64       `json:"temperature"`
	FrequencyPenalty *float64       `json:"frequency_penalty"`
	PresencePenalty  *float64       `json:"presence_penalty"`
	TopP             *float64       `json:"top_p"`
	TopK             *int           `json:"top_k"`
}

type EmbedRequest struct {
	Input          any    `json:"input"`
	Model          string `json:"model"`
	EncodingFormat string `json:"encoding_format,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason *string `json:"finish_reason"`
}

type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Message `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type CompleteChunkChoice struct {
	Text         string  `json:"text"`
	Index        int     `json:"index"`
	FinishReason *string `json:"finish_reason"`
}

type ChatCompletion struct {
	Id                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	SystemFingerprint string   `json:"system_fingerprint"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`
}

type ChatCompletionChunk struct {
	Id                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	SystemFingerprint string        `json:"system_fingerprint"`
	Choices           []ChunkChoice `json:"choices"`
	Usage             *Usage        `json:"usage,omitempty"`
}

type Completion struct {
	Id                string                `json:"id"`
	Object            string                `json:"object"`
	Created           int64                 `json:"created"`
	Model             string                `json:"model"`
	SystemFingerprint string                `json:"system_fingerprint"`
	Choices           []CompleteChunkChoice `json:"choices"`
	Usage             *Usage                `json:"usage,omitempty"`
}

type Model struct {
	Id      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ListCompletion struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

type Embedding struct {
	Object    string    `json:"object"`
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type EmbeddingList struct {
	Object string         `json:"object"`
	Data   []Embedding    `json:"data"`
	Model  string         `json:"model"`
	Usage  EmbeddingUsage `json:"usage"`
}

// NewID returns a response id such as chatcmpl-<uuid>.
func NewID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func ToUsage(r session.Result) Usage {
	return Usage{
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		TotalTokens:      r.PromptTokens + r.CompletionTokens,
	}
}

// ToPartialError reports re together with the text generated before it.
func ToPartialError(re *RequestError, r session.Result) ErrorResponse {
	return ErrorResponse{Error: re, Partial: &Partial{Content: r.Text, Usage: ToUsage(r)}}
}

func finish(reason string) *string {
	if reason == "" {
		return nil
	}
	return &reason
}

func ToChatCompletion(id, model string, r session.Result) ChatCompletion {
	return ChatCompletion{
		Id:                id,
		Object:            "chat.completion",
		Created:           time.Now().Unix(),
		Model:             model,
		SystemFingerprint: fingerprint,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: r.Text},
			FinishReason: finish(r.FinishReason),
		}},
		Usage: ToUsage(r),
	}
}

// ToChunk builds one streamed delta. The final chunk carries the finish
// reason and an empty delta.
func ToChunk(id, model, content, reason string) ChatCompletionChunk {
	delta := Message{Role: "assistant", Content: content}
	if reason != "" && content == "" {
		delta = Message{}
	}
	return ChatCompletionChunk{
		Id:                id,
		Object:            "chat.completion.chunk",
		Created:           time.Now().Unix(),
		Model:             model,
		SystemFingerprint: fingerprint,
		Choices:           []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish(reason)}},
	}
}

// ToUsageChunk is the trailing chunk sent when stream_options.include_usage
// is set.
func ToUsageChunk(id, model string, r session.Result) ChatCompletionChunk {
	u := ToUsage(r)
	return ChatCompletionChunk{
		Id:                id,
		Object:            "chat.completion.chunk",
		Created:           time.Now().Unix(),
		Model:             model,
		SystemFingerprint: fingerprint,
		Choices:           []ChunkChoice{},
		Usage:             &u,
	}
}

func ToCompletion(id, model string, r session.Result) Completion {
	u := ToUsage(r)
	return Completion{
		Id:                id,
		Object:            "text_completion",
		Created:           time.Now().Unix(),
		Model:             model,
		SystemFingerprint: fingerprint,
		Choices:           []CompleteChunkChoice{{Text: r.Text, FinishReason: finish(r.FinishReason)}},
		Usage:             &u,
	}
}

func ToCompleteChunk(id, model, text, reason string) Completion {
	return Completion{
		Id:                id,
		Object:            "text_completion",
		Created:           time.Now().Unix(),
		Model:             model,
		SystemFingerprint: fingerprint,
		Choices:           []CompleteChunkChoice{{Text: text, FinishReason: finish(reason)}},
	}
}

func ToListCompletion(names []string, created time.Time) ListCompletion {
	data := make([]Model, 0, len(names))
	for _, n := range names {
		owner := "library"
		if i := strings.LastIndex(n, "/"); i > 0 {
			owner = n[:i]
		}
		data = append(data, Model{Id: n, Object: "model", Created: created.Unix(), OwnedBy: owner})
	}
	return ListCompletion{Object: "list", Data: data}
}

func ToEmbeddingList(model string, vecs [][]float32, promptTokens int) EmbeddingList {
	data := make([]Embedding, len(vecs))
	for i, v := range vecs {
		data[i] = Embedding{Object: "embedding", Embedding: v, Index: i}
	}
	return EmbeddingList{
		Object: "list",
		Data:   data,
		Model:  model,
		Usage:  EmbeddingUsage{PromptTokens: promptTokens, TotalTokens: promptTokens},
	}
}

// Frame encodes v as one server-sent event.
func Frame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+8)
	out = append(out, "data: "...)
	out = append(out, data...)
	return append(out, '\n', '\n'), nil
}

// Done terminates an event stream.
var Done = []byte("data: [DONE]\n\n")
