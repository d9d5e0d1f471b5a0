package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/23skdu/longbow-tllama/internal/cpu"
	"github.com/23skdu/longbow-tllama/internal/kvcache"
	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/metrics"
	"github.com/23skdu/longbow-tllama/internal/modelpool"
	"github.com/23skdu/longbow-tllama/internal/monitoring"
	"github.com/23skdu/longbow-tllama/internal/openai"
	"github.com/23skdu/longbow-tllama/internal/sampler"
	"github.com/23skdu/longbow-tllama/internal/session"
	"github.com/23skdu/longbow-tllama/internal/template"
)

// StatusClientClosed is logged when the client went away mid-request.
const StatusClientClosed = 499

// format shapes generation output for one endpoint.
type format struct {
	final func(res session.Result) any
	chunk func(text, reason string) any
	// usage is sent after the last chunk when the client asked for it.
	usage func(res session.Result) any
	// failed is the error body once some output exists; the client gets
	// the text and usage produced so far.
	failed func(re *openai.RequestError, res session.Result) any
	// errBody wraps every other error.
	errBody func(re *openai.RequestError) any
	// broken is the event for an error after streaming began, errBody
	// when nil.
	broken func(re *openai.RequestError) any
	// trailer ends a successful stream.
	trailer []byte
}

// envelope is the OpenAI error body.
func envelope(re *openai.RequestError) any { return openai.ErrorResponse{Error: re} }

// openaiFormat fills the parts shared by the /v1 generation endpoints.
func openaiFormat(f format) format {
	f.failed = func(re *openai.RequestError, res session.Result) any { return openai.ToPartialError(re, res) }
	f.errBody = envelope
	f.trailer = openai.Done
	return f
}

func (s *Server) ChatHandler(c *gin.Context) {
	const route = "chat"
	var req openai.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, route, openai.NewError(http.StatusBadRequest, "invalid request body: "+err.Error()))
		return
	}
	msgs, err := req.Validate()
	if err != nil {
		s.fail(c, route, err)
		return
	}
	cfg, err := req.Sampling().Config(s.opts.Sampling)
	if err != nil {
		s.fail(c, route, err)
		return
	}

	e, err := s.pool.Get(c.Request.Context(), req.Model)
	if err != nil {
		s.fail(c, route, err)
		return
	}
	defer e.Release()

	values := template.Values{Messages: msgs}
	if e.System != "" && !hasSystem(msgs) {
		values.System = e.System
	}
	prompt, err := e.Template.Render(values)
	if err != nil {
		s.fail(c, route, err)
		return
	}
	logger.Log.Debug("chat prompt", "model", req.Model, "template", e.Template.Name(), "prompt", prompt)

	id := openai.NewID("chatcmpl")
	f := openaiFormat(format{
		final: func(res session.Result) any { return openai.ToChatCompletion(id, req.Model, res) },
		chunk: func(text, reason string) any { return openai.ToChunk(id, req.Model, text, reason) },
	})
	if req.StreamOptions != nil && req.StreamOptions.IncludeUsage {
		f.usage = func(res session.Result) any { return openai.ToUsageChunk(id, req.Model, res) }
	}
	s.generate(c, route, e, prompt, session.Options{}, cfg, req.Stream, f)
}

func (s *Server) CompletionHandler(c *gin.Context) {
	const route = "completions"
	var req openai.CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, route, openai.NewError(http.StatusBadRequest, "invalid request body: "+err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(c, route, err)
		return
	}
	cfg, err := req.Sampling().Config(s.opts.Sampling)
	if err != nil {
		s.fail(c, route, err)
		return
	}
	e, err := s.pool.Get(c.Request.Context(), req.Model)
	if err != nil {
		s.fail(c, route, err)
		return
	}
	defer e.Release()

	id := openai.NewID("cmpl")
	f := openaiFormat(format{
		final: func(res session.Result) any { return openai.ToCompletion(id, req.Model, res) },
		chunk: func(text, reason string) any { return openai.ToCompleteChunk(id, req.Model, text, reason) },
	})
	if req.StreamOptions != nil && req.StreamOptions.IncludeUsage {
		f.usage = func(res session.Result) any {
			chunk := openai.ToCompletion(id, req.Model, res)
			chunk.Choices = []openai.CompleteChunkChoice{}
			return chunk
		}
	}
	s.generate(c, route, e, req.Prompt, session.Options{}, cfg, req.Stream, f)
}

// generate runs one session over prompt and writes the reply, either as a
// single JSON document or as server-sent events. Zero fields of opts take
// the server settings.
func (s *Server) generate(c *gin.Context, route string, e *modelpool.Entry, prompt string, opts session.Options, cfg sampler.Config, stream bool, f format) {
	ctx := c.Request.Context()
	tokens, err := e.Model.Tokenizer.Encode(prompt, true)
	if err != nil {
		s.report(c, route, err, f.errBody)
		return
	}
	if len(tokens) == 0 {
		s.report(c, route, openai.Invalid("messages", "prompt is empty after tokenization"), f.errBody)
		return
	}

	release, err := s.admit(ctx)
	if err != nil {
		s.report(c, route, err, f.errBody)
		return
	}
	defer release()

	st := s.opts.Settings
	if opts.Context == 0 {
		opts.Context = st.ContextLength
	}
	if opts.Overflow == "" {
		opts.Overflow = st.Overflow
	}
	opts.NumKeep = min(st.NumKeep, len(tokens))
	sess, err := session.New(e.Engine, opts)
	if err != nil {
		s.report(c, route, err, f.errBody)
		return
	}
	defer sess.Close()

	done := s.health.Begin()

	if !stream {
		res, err := sess.Generate(ctx, tokens, cfg, nil)
		done(res.CompletionTokens, err)
		if err != nil {
			s.partial(route, res, err)
			body := f.errBody
			if len(res.Tokens) > 0 {
				body = func(re *openai.RequestError) any { return f.failed(re, res) }
			}
			s.report(c, route, err, body)
			return
		}
		c.JSON(http.StatusOK, f.final(res))
		return
	}

	started := false
	send := func(v any) error {
		frame, err := openai.Frame(v)
		if err != nil {
			return err
		}
		if !started {
			started = true
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Status(http.StatusOK)
		}
		if _, err := c.Writer.Write(frame); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	res, err := sess.Generate(ctx, tokens, cfg, func(ev session.Event) error {
		if ev.Text == "" {
			return nil
		}
		return send(f.chunk(ev.Text, ""))
	})
	done(res.CompletionTokens, err)
	if err != nil {
		s.partial(route, res, err)
		if !started {
			s.report(c, route, err, f.errBody)
			return
		}
		if ctx.Err() == nil {
			re := openai.FromError(err)
			metrics.RecordRequestError(route, re.Type)
			body := f.broken
			if body == nil {
				body = f.errBody
			}
			_ = send(body(re))
		}
		return
	}

	if err := send(f.chunk("", res.FinishReason)); err != nil {
		return
	}
	if f.usage != nil {
		if err := send(f.usage(res)); err != nil {
			return
		}
	}
	if f.trailer != nil {
		_, _ = c.Writer.Write(f.trailer)
		c.Writer.Flush()
	}
}

// partial logs what a failed generation had already produced.
func (s *Server) partial(route string, res session.Result, err error) {
	if len(res.Tokens) == 0 {
		return
	}
	logger.Log.Warn("generation stopped early",
		"route", route,
		"tokens", len(res.Tokens),
		"text", res.Text,
		"error", err)
}

func (s *Server) EmbeddingsHandler(c *gin.Context) {
	const route = "embeddings"
	var req openai.EmbedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, route, openai.NewError(http.StatusBadRequest, "invalid request body: "+err.Error()))
		return
	}
	inputs, err := req.Inputs()
	if err != nil {
		s.fail(c, route, err)
		return
	}
	ctx := c.Request.Context()
	e, err := s.pool.Get(ctx, req.Model)
	if err != nil {
		s.fail(c, route, err)
		return
	}
	defer e.Release()

	batch := make([][]int32, len(inputs))
	total := 0
	for i, in := range inputs {
		if batch[i], err = e.Model.Tokenizer.Encode(in, true); err != nil {
			s.fail(c, route, err)
			return
		}
		total += len(batch[i])
	}

	release, err := s.admit(ctx)
	if err != nil {
		s.fail(c, route, err)
		return
	}
	defer release()

	vecs, err := Embed(ctx, e, s.opts.Settings.ContextLength, batch)
	if err != nil {
		s.fail(c, route, err)
		return
	}
	metrics.RecordEmbeddingsExported("http", len(vecs))
	c.JSON(http.StatusOK, openai.ToEmbeddingList(req.Model, vecs, total))
}

// Embed returns one unit-length embedding per token sequence. The cache is
// reset between inputs.
func Embed(ctx context.Context, e *modelpool.Entry, ctxLen int, batch [][]int32) ([][]float32, error) {
	cache, err := e.Engine.NewCache(ctxLen)
	if err != nil {
		return nil, err
	}
	defer cache.Release()
	st := e.Engine.NewState(0)

	vecs := make([][]float32, 0, len(batch))
	for _, tokens := range batch {
		if len(tokens) > cache.Cap() {
			return nil, &kvcache.CapacityError{Len: len(tokens), Cap: cache.Cap()}
		}
		cache.Reset()
		v, err := e.Engine.Embed(ctx, st, cache, tokens)
		if err != nil {
			return nil, err
		}
		cpu.Normalize(v)
		vecs = append(vecs, v)
	}
	return vecs, nil
}

func (s *Server) ListHandler(c *gin.Context) {
	names, err := s.opts.List(c.Request.Context())
	if err != nil {
		s.fail(c, "models", err)
		return
	}
	c.JSON(http.StatusOK, openai.ToListCompletion(names, s.started))
}

func (s *Server) HealthHandler(c *gin.Context) {
	st := s.health.Status()
	code := http.StatusOK
	if st.Status == monitoring.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, st)
}

// fail reports err to the client unless the client already left.
func (s *Server) fail(c *gin.Context, route string, err error) {
	s.report(c, route, err, envelope)
}

// report is fail with the error body built by body.
func (s *Server) report(c *gin.Context, route string, err error, body func(*openai.RequestError) any) {
	if errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil {
		_ = c.Error(err)
		c.AbortWithStatus(StatusClientClosed)
		return
	}
	re := openai.FromError(err)
	if re.Status >= http.StatusInternalServerError {
		logger.Log.Error("request failed", "route", route, "error", err)
		if re.Status == http.StatusInternalServerError {
			s.health.AddAlert("error", route, err.Error())
		}
	}
	metrics.RecordRequestError(route, re.Type)
	_ = c.Error(re)
	c.AbortWithStatusJSON(re.Status, body(re))
}

func hasSystem(msgs []template.Message) bool {
	for _, m := range msgs {
		if m.Role == "system" {
			return true
		}
	}
	return false
}
