package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/session"
	"github.com/23skdu/longbow-tllama/internal/template"
)

func (a *app) inferCmd() *cobra.Command {
	var (
		sf     samplingFlags
		ctxLen int
		raw    bool
		system string
		tmpl   string
	)
	cmd := &cobra.Command{
		Use:   "infer MODEL PROMPT...",
		Short: "Generate a completion for one prompt",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := sf.config(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			defer a.close()

			e, t, err := a.load(ctx, args[0], tmpl)
			if err != nil {
				return err
			}
			defer e.Release()
			prompt := strings.Join(args[1:], " ")
			if !raw {
				if system == "" {
					system = e.System
				}
				prompt, err = t.Render(template.Values{
					Messages: []template.Message{{Role: "user", Content: prompt}},
					System:   system,
				})
				if err != nil {
					return err
				}
			}
			tokens, err := e.Model.Tokenizer.Encode(prompt, true)
			if err != nil {
				return err
			}
			logger.Log.Debug("prompt", "template", t.Name(), "tokens", len(tokens))

			sess, err := session.New(e.Engine, session.Options{
				Context:  ctxLen,
				Overflow: a.settings.Overflow,
				NumKeep:  min(a.settings.NumKeep, len(tokens)),
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			out := cmd.OutOrStdout()
			res, err := sess.Generate(ctx, tokens, cfg, func(ev session.Event) error {
				_, err := io.WriteString(out, ev.Text)
				return err
			})
			fmt.Fprintln(out)
			if err != nil {
				return err
			}
			logger.Log.Info("generation finished",
				"finish_reason", res.FinishReason,
				"prompt_tokens", res.PromptTokens,
				"completion_tokens", res.CompletionTokens,
				"prompt_ms", res.PromptDuration.Milliseconds(),
				"decode_ms", res.DecodeDuration.Milliseconds(),
				"tokens_per_sec", tokensPerSecond(res))
			return nil
		},
	}
	sf.register(cmd)
	cmd.Flags().IntVar(&ctxLen, "ctx", 2048, "Context size in tokens, capped at the model's context")
	cmd.Flags().BoolVar(&raw, "raw", false, "Send the prompt as is, without the chat template")
	cmd.Flags().StringVar(&system, "system", "", "System prompt (default: the model's)")
	cmd.Flags().StringVar(&tmpl, "template", "", "Go template overriding the model's prompt template")
	return cmd
}

func tokensPerSecond(res session.Result) float64 {
	if res.DecodeDuration <= 0 {
		return 0
	}
	return float64(res.CompletionTokens) / res.DecodeDuration.Seconds()
}
