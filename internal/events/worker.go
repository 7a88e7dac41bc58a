// Package events turns editor notifications into pause/resume signals.
package events

import (
	"context"
	"fmt"

	"github.com/mattscamp/neovim-serenade/internal/control"
	"github.com/mattscamp/neovim-serenade/internal/logger"
	"github.com/mattscamp/neovim-serenade/internal/nvim"
)

const (
	startNotification = "serenade_start"
	stopNotification  = "serenade_stop"
)

// Source yields editor notifications in arrival order. *nvim.Client
// implements it.
type Source interface {
	Notification(ctx context.Context) (nvim.Notification, error)
}

// Reporter shows an error in the editor. *editor.Handle implements it.
type Reporter interface {
	ShowError(ctx context.Context, msg string) error
}

type Worker struct {
	source  Source
	editor  Reporter
	control *control.Channel
}

func NewWorker(source Source, ed Reporter, ctl *control.Channel) *Worker {
	return &Worker{source: source, editor: ed, control: ctl}
}

// Run handles notifications until the stream ends or ctx is done. The end of
// the stream is returned as an error so the process can exit.
func (w *Worker) Run(ctx context.Context) error {
	for {
		n, err := w.source.Notification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("editor notifications: %w", err)
		}
		w.handle(ctx, n.Method)
	}
}

func (w *Worker) handle(ctx context.Context, method string) {
	switch method {
	case startNotification:
		logger.Info("resume requested")
		w.control.Send(control.Resume)
	case stopNotification:
		logger.Info("pause requested")
		w.control.Send(control.Pause)
	default:
		logger.Warn("unknown notification", "method", method)
		if err := w.editor.ShowError(ctx, method+" Unknown command"); err != nil {
			logger.Error("report unknown notification failed", "method", method, "err", err)
		}
	}
}
