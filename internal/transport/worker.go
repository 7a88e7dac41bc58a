// Package transport owns the websocket connection to the voice assistant
// service.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mattscamp/neovim-serenade/internal/config"
	"github.com/mattscamp/neovim-serenade/internal/control"
	"github.com/mattscamp/neovim-serenade/internal/logger"
	"github.com/mattscamp/neovim-serenade/internal/protocol"
)

// Dispatcher applies one envelope and returns the reply to send, if any.
type Dispatcher interface {
	Dispatch(ctx context.Context, env protocol.Envelope, paused bool) *protocol.Reply
}

type frame struct {
	kind int
	data []byte
	err  error
}

// Worker connects, announces itself, and feeds inbound frames to the
// dispatcher one at a time. The pause flag and session id survive
// reconnects.
type Worker struct {
	server     config.Server
	identity   config.Identity
	sessionID  string
	dispatcher Dispatcher
	control    *control.Channel
	dialer     *websocket.Dialer

	paused bool
}

func NewWorker(server config.Server, identity config.Identity, sessionID string, d Dispatcher, ctl *control.Channel) *Worker {
	return &Worker{
		server:     server,
		identity:   identity,
		sessionID:  sessionID,
		dispatcher: d,
		control:    ctl,
		dialer:     &websocket.Dialer{HandshakeTimeout: server.HandshakeTimeout},
	}
}

// Run connects and serves until ctx is done. Connection failures are
// retried at a fixed interval forever.
func (w *Worker) Run(ctx context.Context) error {
	for {
		conn, err := w.connect(ctx)
		if err != nil {
			return err
		}
		logger.Info("connected", "endpoint", w.server.Endpoint, "session", w.sessionID)

		err = w.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("connection lost", "endpoint", w.server.Endpoint, "err", err)
	}
}

func (w *Worker) connect(ctx context.Context) (*websocket.Conn, error) {
	for attempt := 1; ; attempt++ {
		logger.Info("connecting", "endpoint", w.server.Endpoint, "attempt", attempt)
		conn, _, err := w.dialer.DialContext(ctx, w.server.Endpoint, nil)
		if err == nil {
			return conn, nil
		}
		logger.Debug("connect failed", "endpoint", w.server.Endpoint, "err", err)

		timer := time.NewTimer(w.server.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (w *Worker) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	frames := make(chan frame)
	go readLoop(conn, frames, done)

	if err := w.heartbeat(conn, true); err != nil {
		return err
	}
	lastBeat := time.Now()

	ticker := time.NewTicker(w.tick())
	defer ticker.Stop()

	for {
		if time.Since(lastBeat) >= w.server.HeartbeatInterval {
			if err := w.heartbeat(conn, false); err != nil {
				return err
			}
			lastBeat = time.Now()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-w.control.Ready():
			w.applyControl()
		case f := <-frames:
			if f.err != nil {
				return fmt.Errorf("read: %w", f.err)
			}
			w.applyControl()
			if err := w.handleFrame(ctx, conn, f); err != nil {
				return err
			}
			if !sleep(ctx, w.server.FrameDelay) {
				return ctx.Err()
			}
		}
	}
}

// tick bounds how late a periodic heartbeat can be while no frames arrive.
func (w *Worker) tick() time.Duration {
	t := w.server.HeartbeatInterval / 10
	if t < 10*time.Millisecond {
		t = 10 * time.Millisecond
	}
	return t
}

func readLoop(conn *websocket.Conn, frames chan<- frame, done <-chan struct{}) {
	for {
		kind, data, err := conn.ReadMessage()
		select {
		case frames <- frame{kind: kind, data: data, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (w *Worker) applyControl() {
	paused, signals := w.control.Apply(w.paused)
	if len(signals) == 0 {
		return
	}
	if paused != w.paused {
		logger.Info("pause state changed", "paused", paused, "signals", len(signals))
	}
	w.paused = paused
}

func (w *Worker) handleFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	if f.kind != websocket.TextMessage {
		logger.Debug("ignoring non-text frame", "type", f.kind)
		return nil
	}
	logger.Debug("received frame", "bytes", len(f.data))

	env, err := protocol.ParseEnvelope(f.data)
	if err != nil {
		if errors.Is(err, protocol.ErrNotCommand) {
			logger.Debug("ignoring frame", "err", err)
			return nil
		}
		logger.Error("dropping frame", "err", err)
		return nil
	}

	reply := w.dispatcher.Dispatch(ctx, env, w.paused)
	if reply == nil {
		logger.Debug("no reply", "callback", env.Callback)
		return nil
	}
	if err := conn.WriteJSON(reply); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	logger.Debug("sent reply", "callback", env.Callback, "message", reply.Data.Data.Message)
	return nil
}

func (w *Worker) heartbeat(conn *websocket.Conn, initial bool) error {
	hb := protocol.NewHeartbeat(w.sessionID, "", "")
	if initial {
		hb = protocol.NewHeartbeat(w.sessionID, w.identity.App, w.identity.Match)
	}
	if err := conn.WriteJSON(hb); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	logger.Debug("sent heartbeat", "session", w.sessionID, "initial", initial)
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
