// Package editor exposes the shared handle to the editor connection.
//
// There is one Handle per process. Every method takes the handle's lock,
// performs exactly one editor call and releases it, so the transport worker
// and the notification worker never interleave requests. The lock is never
// held across anything but that single call.
package editor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mattscamp/neovim-serenade/internal/nvim"
)

// ErrLockUnavailable is returned when the lock could not be taken within the
// lock timeout.
var ErrLockUnavailable = errors.New("editor: lock unavailable")

// Cursor is a location as the editor reports it: 1-based row, 0-based byte
// column.
type Cursor = nvim.Cursor

// Client is the editor RPC surface the handle serializes.
type Client interface {
	BufferName(ctx context.Context) (string, error)
	BufferLines(ctx context.Context) ([]string, error)
	SetBufferLines(ctx context.Context, lines []string) error
	WindowCursor(ctx context.Context) (nvim.Cursor, error)
	SetWindowCursor(ctx context.Context, cur nvim.Cursor) error
	BufferMark(ctx context.Context, name string) (nvim.Cursor, error)
	SetBufferMark(ctx context.Context, name string, cur nvim.Cursor) error
	Command(ctx context.Context, cmd string) error
	ErrWriteln(ctx context.Context, msg string) error
	CreateNamespace(ctx context.Context, name string) (int, error)
	ClearNamespace(ctx context.Context, ns int) error
	SetExtmark(ctx context.Context, ns int, start, end nvim.Cursor, group string) (int, error)
}

type Handle struct {
	client      Client
	sem         *semaphore.Weighted
	lockTimeout time.Duration
}

// NewHandle wraps client. A zero lockTimeout waits for the lock until the
// caller's context is done.
func NewHandle(client Client, lockTimeout time.Duration) *Handle {
	return &Handle{
		client:      client,
		sem:         semaphore.NewWeighted(1),
		lockTimeout: lockTimeout,
	}
}

func (h *Handle) acquire(ctx context.Context, op string) (func(), error) {
	lockCtx := ctx
	if h.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, h.lockTimeout)
		defer cancel()
	}
	if err := h.sem.Acquire(lockCtx, 1); err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrLockUnavailable)
	}
	return func() { h.sem.Release(1) }, nil
}

func (h *Handle) BufferName(ctx context.Context) (string, error) {
	release, err := h.acquire(ctx, "buffer name")
	if err != nil {
		return "", err
	}
	defer release()
	return h.client.BufferName(ctx)
}

func (h *Handle) BufferLines(ctx context.Context) ([]string, error) {
	release, err := h.acquire(ctx, "get lines")
	if err != nil {
		return nil, err
	}
	defer release()
	return h.client.BufferLines(ctx)
}

func (h *Handle) SetBufferLines(ctx context.Context, lines []string) error {
	release, err := h.acquire(ctx, "set lines")
	if err != nil {
		return err
	}
	defer release()
	return h.client.SetBufferLines(ctx, lines)
}

func (h *Handle) Cursor(ctx context.Context) (Cursor, error) {
	release, err := h.acquire(ctx, "get cursor")
	if err != nil {
		return Cursor{}, err
	}
	defer release()
	return h.client.WindowCursor(ctx)
}

func (h *Handle) SetCursor(ctx context.Context, cur Cursor) error {
	release, err := h.acquire(ctx, "set cursor")
	if err != nil {
		return err
	}
	defer release()
	return h.client.SetWindowCursor(ctx, cur)
}

func (h *Handle) Mark(ctx context.Context, name string) (Cursor, error) {
	release, err := h.acquire(ctx, "get mark")
	if err != nil {
		return Cursor{}, err
	}
	defer release()
	return h.client.BufferMark(ctx, name)
}

func (h *Handle) SetMark(ctx context.Context, name string, cur Cursor) error {
	release, err := h.acquire(ctx, "set mark")
	if err != nil {
		return err
	}
	defer release()
	return h.client.SetBufferMark(ctx, name, cur)
}

func (h *Handle) Command(ctx context.Context, cmd string) error {
	release, err := h.acquire(ctx, "command")
	if err != nil {
		return err
	}
	defer release()
	return h.client.Command(ctx, cmd)
}

// ShowError displays msg to the user as an editor error.
func (h *Handle) ShowError(ctx context.Context, msg string) error {
	release, err := h.acquire(ctx, "show error")
	if err != nil {
		return err
	}
	defer release()
	return h.client.ErrWriteln(ctx, msg)
}

func (h *Handle) CreateNamespace(ctx context.Context, name string) (int, error) {
	release, err := h.acquire(ctx, "create namespace")
	if err != nil {
		return 0, err
	}
	defer release()
	return h.client.CreateNamespace(ctx, name)
}

func (h *Handle) ClearNamespace(ctx context.Context, ns int) error {
	release, err := h.acquire(ctx, "clear namespace")
	if err != nil {
		return err
	}
	defer release()
	return h.client.ClearNamespace(ctx, ns)
}

// Highlight marks start..end (0-based rows, byte columns) with group in ns.
func (h *Handle) Highlight(ctx context.Context, ns int, start, end Cursor, group string) error {
	release, err := h.acquire(ctx, "highlight")
	if err != nil {
		return err
	}
	defer release()
	_, err = h.client.SetExtmark(ctx, ns, start, end, group)
	return err
}
