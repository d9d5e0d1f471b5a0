package server

import (
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/23skdu/longbow-tllama/internal/discover"
	"github.com/23skdu/longbow-tllama/internal/modelpool"
	"github.com/23skdu/longbow-tllama/internal/openai"
	"github.com/23skdu/longbow-tllama/internal/sampler"
	"github.com/23skdu/longbow-tllama/internal/session"
	"github.com/23skdu/longbow-tllama/internal/template"
)

// The /tlama routes are the server's own API. Errors are {"error": text}
// and streams are StreamChunk events without a [DONE] marker.

type NativeError struct {
	Error string `json:"error"`
}

func nativeError(re *openai.RequestError) any { return NativeError{Error: re.Error()} }

type NativeModel struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	Size          int64  `json:"size"`
	Source        string `json:"source,omitempty"`
	Loaded        bool   `json:"loaded"`
	Architecture  string `json:"architecture,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
	Template      string `json:"template,omitempty"`
	KVCacheType   string `json:"kv_cache_type,omitempty"`
}

type NativeModelList struct {
	Models []NativeModel `json:"models"`
}

func toNativeModel(e *modelpool.Entry) NativeModel {
	return NativeModel{
		Name:          e.Name,
		Path:          e.Info.Path,
		Size:          e.Info.Size,
		Source:        e.Info.Source,
		Loaded:        true,
		Architecture:  e.Model.Config.Architecture,
		ContextLength: e.Model.Config.SeqLen,
		Template:      e.Template.Name(),
		KVCacheType:   strings.ToLower(e.Engine.CacheKind().String()),
	}
}

// NativeArgs are the generation options shared by infer and chat. Unset
// fields take the server defaults.
type NativeArgs struct {
	Model         string   `json:"model"`
	NLen          *int     `json:"n_len"`
	Temperature   *float64 `json:"temperature"`
	TopK          *int     `json:"top_k"`
	TopP          *float64 `json:"top_p"`
	RepeatPenalty *float64 `json:"repeat_penalty"`
	RepeatLastN   *int     `json:"repeat_last_n"`
	Seed          *uint64  `json:"seed"`
	Stop          []string `json:"stop"`
	// NCtx is the session context, 0 for the server setting.
	NCtx   *int `json:"n_ctx"`
	Stream bool `json:"stream"`
}

type InferRequest struct {
	NativeArgs
	Prompt string `json:"prompt"`
}

type NativeChatRequest struct {
	NativeArgs
	Messages []template.Message `json:"messages"`
	System   string             `json:"system"`
}

func (a NativeArgs) config(base sampler.Config) (sampler.Config, session.Options, error) {
	var opts session.Options
	if a.Model == "" {
		return base, opts, openai.Invalid("model", "model is required")
	}
	if a.NCtx != nil {
		if *a.NCtx < 0 {
			return base, opts, openai.Invalid("n_ctx", "must be >= 0, got %d", *a.NCtx)
		}
		opts.Context = *a.NCtx
	}
	cfg := base
	if a.NLen != nil {
		if *a.NLen < 0 {
			return base, opts, openai.Invalid("n_len", "must be >= 0, got %d", *a.NLen)
		}
		cfg.MaxTokens = *a.NLen
	}
	if a.Temperature != nil {
		cfg.Temperature = *a.Temperature
	}
	if a.TopK != nil {
		cfg.TopK = *a.TopK
	}
	if a.TopP != nil {
		cfg.TopP = *a.TopP
	}
	if a.RepeatPenalty != nil {
		cfg.RepeatPenalty = *a.RepeatPenalty
	}
	if a.RepeatLastN != nil {
		cfg.RepeatLastN = *a.RepeatLastN
	}
	if a.Seed != nil {
		seed := *a.Seed
		cfg.Seed = &seed
	}
	if a.Stop != nil {
		cfg.Stop = a.Stop
	}
	return cfg, opts, cfg.Validate()
}

type NativeResponse struct {
	Response         string `json:"response"`
	FinishReason     string `json:"finish_reason,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	// Error is set when generation failed after producing Response.
	Error string `json:"error,omitempty"`
}

type StreamChunk struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	Created      int64  `json:"created"`
	Model        string `json:"model"`
	Finished     bool   `json:"finished"`
	FinishReason string `json:"finish_reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

func nativeFormat(model string) format {
	id := openai.NewID("tlama")
	created := time.Now().Unix()
	toResponse := func(res session.Result) NativeResponse {
		return NativeResponse{
			Response:         res.Text,
			FinishReason:     res.FinishReason,
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
		}
	}
	return format{
		final: func(res session.Result) any { return toResponse(res) },
		chunk: func(text, reason string) any {
			return StreamChunk{ID: id, Content: text, Created: created, Model: model, Finished: reason != "", FinishReason: reason}
		},
		failed: func(re *openai.RequestError, res session.Result) any {
			r := toResponse(res)
			r.Error = re.Error()
			return r
		},
		errBody: nativeError,
		broken: func(re *openai.RequestError) any {
			return StreamChunk{ID: id, Created: created, Model: model, Finished: true, Error: re.Error()}
		},
	}
}

func (s *Server) InferHandler(c *gin.Context) {
	const route = "tlama_infer"
	var req InferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.report(c, route, openai.NewError(http.StatusBadRequest, "invalid request body: "+err.Error()), nativeError)
		return
	}
	cfg, opts, err := req.config(s.opts.Sampling)
	if err != nil {
		s.report(c, route, err, nativeError)
		return
	}
	if req.Prompt == "" {
		s.report(c, route, openai.Invalid("prompt", "prompt is required"), nativeError)
		return
	}
	e, err := s.pool.Get(c.Request.Context(), req.Model)
	if err != nil {
		s.report(c, route, err, nativeError)
		return
	}
	defer e.Release()
	s.generate(c, route, e, req.Prompt, opts, cfg, req.Stream, nativeFormat(req.Model))
}

func (s *Server) NativeChatHandler(c *gin.Context) {
	const route = "tlama_chat"
	var req NativeChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.report(c, route, openai.NewError(http.StatusBadRequest, "invalid request body: "+err.Error()), nativeError)
		return
	}
	cfg, opts, err := req.config(s.opts.Sampling)
	if err != nil {
		s.report(c, route, err, nativeError)
		return
	}
	if len(req.Messages) == 0 {
		s.report(c, route, openai.Invalid("messages", "at least one message is required"), nativeError)
		return
	}
	for i, m := range req.Messages {
		if !slices.Contains([]string{"system", "user", "assistant"}, m.Role) {
			s.report(c, route, openai.Invalid("messages", "message %d has unknown role %q", i, m.Role), nativeError)
			return
		}
	}
	e, err := s.pool.Get(c.Request.Context(), req.Model)
	if err != nil {
		s.report(c, route, err, nativeError)
		return
	}
	defer e.Release()

	values := template.Values{Messages: req.Messages, System: req.System}
	if values.System == "" && !hasSystem(req.Messages) {
		values.System = e.System
	}
	prompt, err := e.Template.Render(values)
	if err != nil {
		s.report(c, route, err, nativeError)
		return
	}
	s.generate(c, route, e, prompt, opts, cfg, req.Stream, nativeFormat(req.Model))
}

func (s *Server) LoadHandler(c *gin.Context) {
	const route = "tlama_load"
	name := strings.TrimPrefix(c.Param("model"), "/")
	if name == "" {
		s.report(c, route, openai.Invalid("model", "model is required"), nativeError)
		return
	}
	e, err := s.pool.Get(c.Request.Context(), name)
	if err != nil {
		s.report(c, route, err, nativeError)
		return
	}
	defer e.Release()
	c.JSON(http.StatusOK, toNativeModel(e))
}

func (s *Server) UnloadHandler(c *gin.Context) {
	const route = "tlama_unload"
	name := strings.TrimPrefix(c.Param("model"), "/")
	if err := s.pool.Unload(name); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, modelpool.ErrNotLoaded) {
			status = http.StatusNotFound
		}
		s.report(c, route, openai.NewError(status, err.Error()), nativeError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Model unloaded."})
}

// LoadedHandler lists the models in memory.
func (s *Server) LoadedHandler(c *gin.Context) {
	entries := s.pool.Entries()
	list := NativeModelList{Models: make([]NativeModel, 0, len(entries))}
	for _, e := range entries {
		list.Models = append(list.Models, toNativeModel(e))
	}
	c.JSON(http.StatusOK, list)
}

// DiscoverHandler lists the model files on disk, marking loaded ones.
func (s *Server) DiscoverHandler(c *gin.Context) {
	found, err := s.opts.Discover(c.Request.Context())
	if err != nil {
		s.report(c, "tlama_discover", err, nativeError)
		return
	}
	loaded := s.pool.Loaded()
	list := NativeModelList{Models: make([]NativeModel, 0, len(found))}
	for _, m := range found {
		list.Models = append(list.Models, fromDiscovered(m, slices.Contains(loaded, m.Name)))
	}
	c.JSON(http.StatusOK, list)
}

func fromDiscovered(m discover.Model, loaded bool) NativeModel {
	return NativeModel{Name: m.Name, Path: m.Path, Size: m.Size, Source: m.Source, Loaded: loaded}
}
