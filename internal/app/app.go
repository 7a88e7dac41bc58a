package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/mattscamp/neovim-serenade/internal/config"
	"github.com/mattscamp/neovim-serenade/internal/control"
	"github.com/mattscamp/neovim-serenade/internal/dispatch"
	"github.com/mattscamp/neovim-serenade/internal/editor"
	"github.com/mattscamp/neovim-serenade/internal/events"
	"github.com/mattscamp/neovim-serenade/internal/logger"
	"github.com/mattscamp/neovim-serenade/internal/nvim"
	"github.com/mattscamp/neovim-serenade/internal/transport"
)

// Options are command line overrides. Zero values keep the config file value.
type Options struct {
	ConfigPath string
	Endpoint   string
	LogFile    string
	Debug      bool
}

// App is the top-level runtime for the bridge. The editor talks to it over
// stdin and stdout.
type App struct {
	opts Options
	in   io.Reader
	out  io.WriteCloser
}

func New(opts Options) *App {
	return &App{opts: opts, in: os.Stdin, out: os.Stdout}
}

func (a *App) config() (config.Config, error) {
	cfg, err := config.Load(a.opts.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if a.opts.Endpoint != "" {
		cfg.Server.Endpoint = a.opts.Endpoint
	}
	if a.opts.LogFile != "" {
		cfg.LogFile = a.opts.LogFile
	}
	if a.opts.Debug {
		cfg.Debug = true
	}
	return cfg, cfg.Validate()
}

// Run starts both workers and blocks until one of them stops. The editor
// closing its end is a clean exit; any other worker failure is returned.
func (a *App) Run(ctx context.Context) (err error) {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogFile, cfg.Debug); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { err = multierr.Append(err, logger.Close()) }()

	sessionID := uuid.NewString()
	logger.Info("starting", "session", sessionID, "endpoint", cfg.Server.Endpoint)

	client := nvim.New(a.in, a.out, a.out, cfg.Editor.RequestTimeout)
	handle := editor.NewHandle(client, cfg.Editor.LockTimeout)
	signals := control.NewChannel()

	d := dispatch.New(handle, cfg.Editor.Namespace, cfg.Editor.HighlightGroup)
	tw := transport.NewWorker(cfg.Server, cfg.Identity, sessionID, d, signals)
	ew := events.NewWorker(client, handle, signals)

	// Serve blocks on the editor stream, which cannot be interrupted, so it
	// stays outside the group.
	served := make(chan error, 1)
	go func() { served <- client.Serve() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-served:
			if err != nil {
				return fmt.Errorf("editor rpc: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error { return tw.Run(gctx) })
	g.Go(func() error { return ew.Run(gctx) })

	err = g.Wait()
	err = multierr.Append(err, client.Close())
	switch {
	case errors.Is(err, nvim.ErrClosed):
		logger.Info("editor closed the connection", "session", sessionID)
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		logger.Info("stopped", "session", sessionID)
		return nil
	case err != nil:
		logger.Error("bridge stopped", "session", sessionID, "err", err)
	}
	return err
}
