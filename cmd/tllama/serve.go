package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-tllama/internal/config"
	"github.com/23skdu/longbow-tllama/internal/discover"
	"github.com/23skdu/longbow-tllama/internal/logger"
	"github.com/23skdu/longbow-tllama/internal/sampler"
	"github.com/23skdu/longbow-tllama/internal/server"
)

func (a *app) serveCmd() *cobra.Command {
	var (
		host        string
		port        int
		maxSessions int
		ctxLen      int
		queue       time.Duration
		grace       time.Duration
	)
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Serve the OpenAI compatible HTTP API",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			flags := cmd.Flags()
			if flags.Changed("host") {
				a.settings.Host = host
			}
			if flags.Changed("port") {
				a.settings.Port = port
			}
			if flags.Changed("max-sessions") {
				a.settings.MaxSessions = maxSessions
			}
			if flags.Changed("ctx") {
				a.settings.ContextLength = ctxLen
			}
			if err := a.settings.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer func() {
				// generations that ignored cancellation still read the
				// mapped weights; leave them to process exit
				if errors.Is(err, server.ErrSessionsRunning) {
					logger.Log.Warn("leaving models mapped for sessions still running")
					return
				}
				_ = a.close()
			}()

			ln, err := net.Listen("tcp", a.settings.Addr())
			if err != nil {
				return err
			}
			srv := server.New(a.models(), server.Options{
				Settings:         a.settings,
				Version:          version,
				Sampling:         sampler.Defaults(),
				AdmissionTimeout: queue,
				ShutdownTimeout:  grace,
				List:             a.lister(a.settings),
				Discover:         a.discoverer(a.settings),
			})
			logger.Log.Info("starting server",
				"version", version,
				"threads", a.settings.Threads,
				"overflow", a.settings.Overflow,
				"context", a.settings.ContextLength,
				"kv_cache", a.settings.KVCacheType)
			return srv.Serve(ctx, ln)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&host, "host", "", "Listen address (env TLLAMA_HOST, default 127.0.0.1)")
	flags.IntVar(&port, "port", 0, "Listen port (default 11435)")
	flags.IntVar(&maxSessions, "max-sessions", 0, "Concurrent generations, default half the threads (env TLLAMA_MAX_SESSIONS)")
	flags.IntVar(&ctxLen, "ctx", 0, "Context size per session, 0 for the model's (env TLLAMA_CONTEXT)")
	flags.DurationVar(&queue, "queue-timeout", 0, "How long a request waits for a free session, 0 to wait for the client")
	flags.DurationVar(&grace, "shutdown-timeout", 30*time.Second, "How long shutdown waits for running requests before cancelling them")
	return cmd
}

func (a *app) discoverer(s config.Settings) server.Discoverer {
	opts := discover.DefaultOptions(s)
	return func(ctx context.Context) ([]discover.Model, error) {
		return discover.Scan(ctx, opts)
	}
}

// lister names the loaded models plus every model discovery can find.
func (a *app) lister(s config.Settings) server.Lister {
	opts := discover.DefaultOptions(s)
	return func(ctx context.Context) ([]string, error) {
		names := a.models().Loaded()
		models, err := discover.Scan(ctx, opts)
		if err != nil {
			return nil, err
		}
		for _, m := range models {
			if !slices.Contains(names, m.Name) {
				names = append(names, m.Name)
			}
		}
		slices.Sort(names)
		return names, nil
	}
}
