package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/23skdu/longbow-tllama/internal/kvcache"
	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/modelpool"
	"github.com/23skdu/longbow-tllama/internal/sampler"
	"github.com/23skdu/longbow-tllama/internal/session"
	"github.com/23skdu/longbow-tllama/internal/template"
)

const chatHelp = `Available Commands:
  .system <text>   Set the system message
  .clear           Clear the conversation
  .history         Show the conversation
  .exit            Exit (also .quit, .q, .bye)
  .help            Show this help
`

func (a *app) chatCmd() *cobra.Command {
	var (
		sf     samplingFlags
		ctxLen int
		system string
		tmpl   string
	)
	cmd := &cobra.Command{
		Use:   "chat MODEL",
		Short: "Talk to a model in the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := sf.config(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			e, t, err := a.load(ctx, args[0], tmpl)
			if err != nil {
				return err
			}
			defer e.Release()
			sess, err := session.New(e.Engine, session.Options{
				Context:  ctxLen,
				Overflow: a.settings.Overflow,
				NumKeep:  a.settings.NumKeep,
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			if !cmd.Flags().Changed("system") {
				system = e.System
				if system == "" {
					system = template.DefaultSystem
				}
			}
			c := &chat{
				entry:       e,
				tmpl:        t,
				sess:        sess,
				cfg:         cfg,
				system:      system,
				in:          cmd.InOrStdin(),
				out:         cmd.OutOrStdout(),
				interactive: isTerminal(cmd.InOrStdin()),
			}
			return c.run(ctx)
		},
	}
	sf.register(cmd)
	cmd.Flags().IntVar(&ctxLen, "ctx", 2048, "Context size in tokens, capped at the model's context")
	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	cmd.Flags().StringVar(&tmpl, "template", "", "Go template overriding the model's prompt template")
	return cmd
}

// chat is one REPL conversation. The whole transcript is rendered every
// turn; the session reuses the cached prefix.
type chat struct {
	entry *modelpool.Entry
	tmpl  *template.Template
	sess  *session.Session
	cfg   sampler.Config

	system   string
	messages []template.Message

	in          io.Reader
	out         io.Writer
	interactive bool
}

func (c *chat) run(ctx context.Context) error {
	if c.interactive {
		fmt.Fprintf(c.out, "Chatting with %s. Type .help for commands.\n", c.entry.Name)
	}
	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if c.interactive {
			fmt.Fprint(c.out, ">>> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "."):
			if done := c.command(line); done {
				return nil
			}
		default:
			if err := c.turn(ctx, line); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// command handles a dot-command and reports whether the chat should end.
func (c *chat) command(line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case ".exit", ".quit", ".q", ".bye":
		return true
	case ".help", ".?":
		fmt.Fprint(c.out, chatHelp)
	case ".system":
		if arg == "" {
			fmt.Fprintln(c.out, c.system)
			break
		}
		c.system = arg
		fmt.Fprintln(c.out, "Set system message.")
	case ".clear":
		c.messages = nil
		c.sess.Reset()
		fmt.Fprintln(c.out, "Cleared session context.")
	case ".history":
		if len(c.messages) == 0 {
			fmt.Fprintln(c.out, "No messages yet.")
		}
		for _, m := range c.messages {
			fmt.Fprintf(c.out, "%s: %s\n", m.Role, m.Content)
		}
	default:
		fmt.Fprintf(c.out, "Unknown command '%s'. Type .help for help.\n", name)
	}
	return false
}

// turn answers one user message. Errors that only affect this turn are
// printed and the message is dropped; the conversation continues.
func (c *chat) turn(ctx context.Context, text string) error {
	msgs := append(slices.Clone(c.messages), template.Message{Role: "user", Content: text})
	prompt, err := c.tmpl.Render(template.Values{Messages: msgs, System: c.system})
	if err != nil {
		return err
	}
	tokens, err := c.entry.Model.Tokenizer.Encode(prompt, true)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return nil
	}

	genCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	res, err := c.sess.Generate(genCtx, tokens, c.cfg, func(ev session.Event) error {
		_, err := io.WriteString(c.out, ev.Text)
		return err
	})
	fmt.Fprintln(c.out)

	switch {
	case err == nil:
	case errors.Is(err, kvcache.ErrCapacity):
		fmt.Fprintln(c.out, "error: the conversation no longer fits in the context; use .clear to start over")
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		// Interrupted generation; keep what was produced.
	default:
		return err
	}

	logger.Log.Debug("turn finished",
		"finish_reason", res.FinishReason,
		"prompt_tokens", res.PromptTokens,
		"cached_tokens", res.CachedTokens,
		"completion_tokens", res.CompletionTokens)
	c.messages = append(msgs, template.Message{Role: "assistant", Content: res.Text})
	return nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
