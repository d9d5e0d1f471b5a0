package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tllama/internal/config"
	"github.com/23skdu/longbow-tllama/internal/cpu"
	"github.com/23skdu/longbow-tllama/internal/discover"
	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/modelpool"
	"github.com/23skdu/longbow-tllama/internal/quant"
	"github.com/23skdu/longbow-tllama/internal/sampler"
	"github.com/23skdu/longbow-tllama/internal/template"
)

var version = "dev"

// app carries what every subcommand shares: the resolved settings and,
// once a model is needed, the worker pool and model pool.
type app struct {
	settings config.Settings
	workers  *cpu.Pool
	pool     *modelpool.Pool
}

func NewCLI() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:          "tllama",
		Short:        "Run GGUF language models on the CPU",
		Version:      version,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: a.setup,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("log-level", "", "Log level: debug, info, warn or error (env TLLAMA_LOG_LEVEL)")
	flags.String("log-format", "", "Log format: console or json (env TLLAMA_LOG_FORMAT)")
	flags.Int("threads", 0, "Worker threads, default physical cores (env TLLAMA_THREADS)")
	flags.String("overflow", "", "Context overflow policy: stop or shift (env TLLAMA_OVERFLOW)")
	flags.String("kv-cache-type", "", "Key/value cache storage: f32, f16 or q8_0 (env TLLAMA_KV_CACHE_TYPE, default f16)")

	cobra.EnableCommandSorting = false
	rootCmd.AddCommand(
		a.discoverCmd(),
		a.inferCmd(),
		a.chatCmd(),
		a.serveCmd(),
		a.inspectCmd(),
		a.embedCmd(),
	)
	return rootCmd
}

// setup layers command line flags over the TLLAMA_* environment.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	s, err := config.LoadSettings()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		s.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		s.LogFormat, _ = flags.GetString("log-format")
	}
	if flags.Changed("threads") {
		s.Threads, _ = flags.GetInt("threads")
	}
	if flags.Changed("overflow") {
		v, _ := flags.GetString("overflow")
		if s.Overflow, err = config.ParseOverflowPolicy(v); err != nil {
			return err
		}
	}
	if flags.Changed("kv-cache-type") {
		v, _ := flags.GetString("kv-cache-type")
		if s.KVCacheType, err = quant.ParseKind(v); err != nil {
			return fmt.Errorf("--kv-cache-type: %w", err)
		}
	}
	if err := s.Validate(); err != nil {
		return err
	}

	logger.Setup(s.LogLevel, s.LogFormat)
	logger.SetOutput(cmd.ErrOrStderr(), s.LogFormat)
	a.settings = s
	logger.Log.Debug("settings", "threads", s.Threads, "overflow", s.Overflow, "kv_cache", s.KVCacheType, "model_paths", s.ModelPaths)
	return nil
}

// models returns the model pool, creating it on first use.
func (a *app) models() *modelpool.Pool {
	if a.pool == nil {
		a.workers = cpu.NewPool(a.settings.Threads)
		opts := discover.DefaultOptions(a.settings)
		a.pool = modelpool.New(func(ctx context.Context, name string) (discover.Model, error) {
			return discover.Resolve(ctx, name, opts)
		}, a.workers, modelpool.WithCacheKind(a.settings.KVCacheType))
	}
	return a.pool
}

func (a *app) close() error {
	if a.pool == nil {
		return nil
	}
	err := a.pool.Close()
	a.workers.Close()
	a.pool, a.workers = nil, nil
	return err
}

// load fetches one model, applying a template override if given. The
// caller releases the entry.
func (a *app) load(ctx context.Context, name, tmpl string) (*modelpool.Entry, *template.Template, error) {
	e, err := a.models().Get(ctx, name)
	if err != nil {
		var nf *discover.NotFoundError
		if errors.As(err, &nf) {
			return nil, nil, fmt.Errorf("%w (run 'tllama discover' to list models)", err)
		}
		return nil, nil, err
	}
	if tmpl == "" {
		return e, e.Template, nil
	}
	t, err := template.Parse(tmpl)
	if err != nil {
		e.Release()
		return nil, nil, fmt.Errorf("--template: %w", err)
	}
	return e, t, nil
}

// samplingFlags are the generation options shared by infer and chat.
type samplingFlags struct {
	nLen          int
	temperature   float64
	topK          int
	topP          float64
	repeatPenalty float64
	repeatLastN   int
	seed          uint64
	stop          []string
}

func (f *samplingFlags) register(cmd *cobra.Command) {
	d := sampler.Defaults()
	flags := cmd.Flags()
	flags.IntVarP(&f.nLen, "n-len", "n", d.MaxTokens, "Maximum tokens to generate, 0 for no limit")
	flags.Float64Var(&f.temperature, "temperature", d.Temperature, "Sampling temperature, 0 for greedy")
	flags.IntVar(&f.topK, "top-k", d.TopK, "Keep the K most likely tokens, 0 to disable")
	flags.Float64Var(&f.topP, "top-p", d.TopP, "Nucleus sampling mass")
	flags.Float64Var(&f.repeatPenalty, "repeat-penalty", d.RepeatPenalty, "Penalty for repeated tokens, 1 to disable")
	flags.IntVar(&f.repeatLastN, "repeat-last-n", d.RepeatLastN, "Repeat penalty window, 0 for the whole history")
	flags.Uint64Var(&f.seed, "seed", 0, "Random seed (default: from the clock)")
	flags.StringArrayVar(&f.stop, "stop", nil, "Stop generation at this string (repeatable)")
}

func (f *samplingFlags) config(cmd *cobra.Command) (sampler.Config, error) {
	cfg := sampler.Config{
		Temperature:   f.temperature,
		TopK:          f.topK,
		TopP:          f.topP,
		RepeatPenalty: f.repeatPenalty,
		RepeatLastN:   f.repeatLastN,
		MaxTokens:     f.nLen,
		Stop:          f.stop,
	}
	if cmd.Flags().Changed("seed") {
		seed := f.seed
		cfg.Seed = &seed
	}
	return cfg, cfg.Validate()
}

func formatBytes(n int64) string {
	const unit = 1000
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
