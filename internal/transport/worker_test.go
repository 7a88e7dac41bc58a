package transport

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mattscamp/neovim-serenade/internal/config"
	"github.com/mattscamp/neovim-serenade/internal/control"
	"github.com/mattscamp/neovim-serenade/internal/logger"
	"github.com/mattscamp/neovim-serenade/internal/protocol"
)

type dispatched struct {
	callback string
	paused   bool
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
}

func (d *recordingDispatcher) Dispatch(_ context.Context, env protocol.Envelope, paused bool) *protocol.Reply {
	d.mu.Lock()
	d.calls = append(d.calls, dispatched{callback: env.Callback, paused: paused})
	d.mu.Unlock()
	if paused {
		return nil
	}
	reply := protocol.Completed(env.Callback)
	return &reply
}

func (d *recordingDispatcher) snapshot() []dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatched(nil), d.calls...)
}

// service is a fake voice assistant endpoint handing each accepted
// connection to the test.
type service struct {
	conns chan *websocket.Conn
}

func newService(t *testing.T) (*service, *httptest.Server) {
	t.Helper()
	s := &service{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		s.conns <- conn
	}))
	return s, srv
}

func (s *service) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatalf("no connection")
		return nil
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testServer(endpoint string) config.Server {
	return config.Server{
		Endpoint:          endpoint,
		ReconnectInterval: 10 * time.Millisecond,
		HeartbeatInterval: time.Hour,
		HandshakeTimeout:  time.Second,
	}
}

func startWorker(t *testing.T, server config.Server, d Dispatcher, ctl *control.Channel) {
	t.Helper()
	w := NewWorker(server, config.Identity{App: "nvim", Match: "term"}, "session-1", d, ctl)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("worker did not stop")
		}
	})
}

func readHeartbeat(t *testing.T, conn *websocket.Conn) protocol.Heartbeat {
	t.Helper()
	var hb protocol.Heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&hb); err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if hb.Message != "active" {
		t.Fatalf("message = %q, want active", hb.Message)
	}
	return hb
}

func readReply(t *testing.T, conn *websocket.Conn) protocol.Reply {
	t.Helper()
	var r protocol.Reply
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&r); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return r
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, callback string) {
	t.Helper()
	frame := `{"message":"response","data":{"callback":"` + callback + `","response":{"execute":{"commandsList":[{"type":"COMMAND_TYPE_UNDO"}]}}}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestIdentityHeartbeatThenReply(t *testing.T) {
	svc, srv := newService(t)
	srv.Start()
	defer srv.Close()
	d := &recordingDispatcher{}
	startWorker(t, testServer(wsURL(srv)), d, control.NewChannel())

	conn := svc.accept(t)
	hb := readHeartbeat(t, conn)
	if hb.Data != (protocol.HeartbeatData{ID: "session-1", App: "nvim", Match: "term"}) {
		t.Fatalf("heartbeat = %+v", hb.Data)
	}

	sendEnvelope(t, conn, "cb-1")
	r := readReply(t, conn)
	if r.Data.Callback != "cb-1" || r.Data.Data.Message != "completed" {
		t.Fatalf("reply = %+v", r)
	}
}

func TestMalformedAndBinaryFramesAreDropped(t *testing.T) {
	prevL, prevS := logger.L, logger.S
	t.Cleanup(func() {
		logger.L, logger.S = prevL, prevS
	})
	core, logs := observer.New(zapcore.DebugLevel)
	logger.Set(zap.New(core))

	svc, srv := newService(t)
	srv.Start()
	defer srv.Close()
	d := &recordingDispatcher{}
	startWorker(t, testServer(wsURL(srv)), d, control.NewChannel())

	conn := svc.accept(t)
	readHeartbeat(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"data":`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"message":"ping","data":{}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write: %v", err)
	}
	sendEnvelope(t, conn, "after")

	r := readReply(t, conn)
	if r.Data.Callback != "after" {
		t.Fatalf("first reply callback = %q, want after", r.Data.Callback)
	}
	if calls := d.snapshot(); len(calls) != 1 {
		t.Fatalf("dispatch calls = %+v, want one", calls)
	}

	dropped := logs.FilterMessage("dropping frame").All()
	if len(dropped) != 1 || dropped[0].Level != zapcore.ErrorLevel {
		t.Fatalf("dropping frame entries = %+v, want one at error", dropped)
	}
	ignored := logs.FilterMessage("ignoring frame").All()
	if len(ignored) != 1 || ignored[0].Level != zapcore.DebugLevel {
		t.Fatalf("ignoring frame entries = %+v, want one at debug", ignored)
	}
	if n := logs.FilterMessage("ignoring non-text frame").Len(); n != 1 {
		t.Fatalf("non-text frame entries = %d, want 1", n)
	}
}

func TestPeriodicHeartbeatCarriesOnlyID(t *testing.T) {
	svc, srv := newService(t)
	srv.Start()
	defer srv.Close()
	server := testServer(wsURL(srv))
	server.HeartbeatInterval = 50 * time.Millisecond
	startWorker(t, server, &recordingDispatcher{}, control.NewChannel())

	conn := svc.accept(t)
	first := readHeartbeat(t, conn)
	if first.Data.App == "" {
		t.Fatalf("initial heartbeat missing identity: %+v", first.Data)
	}
	for i := 0; i < 2; i++ {
		hb := readHeartbeat(t, conn)
		if hb.Data != (protocol.HeartbeatData{ID: "session-1"}) {
			t.Fatalf("periodic heartbeat = %+v, want id only", hb.Data)
		}
	}
}

func TestPauseSignalGatesDispatch(t *testing.T) {
	svc, srv := newService(t)
	srv.Start()
	defer srv.Close()
	d := &recordingDispatcher{}
	ctl := control.NewChannel()
	startWorker(t, testServer(wsURL(srv)), d, ctl)

	conn := svc.accept(t)
	readHeartbeat(t, conn)

	ctl.Send(control.Pause)
	sendEnvelope(t, conn, "paused")
	waitCalls(t, d, 1)
	ctl.Send(control.Pause)
	ctl.Send(control.Resume)
	time.Sleep(50 * time.Millisecond)
	sendEnvelope(t, conn, "resumed")

	r := readReply(t, conn)
	if r.Data.Callback != "resumed" {
		t.Fatalf("reply callback = %q, want resumed", r.Data.Callback)
	}
	calls := d.snapshot()
	want := []dispatched{{callback: "paused", paused: true}, {callback: "resumed", paused: false}}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("calls = %+v, want %+v", calls, want)
	}
}

func TestReconnectKeepsSessionAndPause(t *testing.T) {
	svc, srv := newService(t)
	srv.Start()
	defer srv.Close()
	d := &recordingDispatcher{}
	ctl := control.NewChannel()
	startWorker(t, testServer(wsURL(srv)), d, ctl)

	first := svc.accept(t)
	readHeartbeat(t, first)
	ctl.Send(control.Pause)
	sendEnvelope(t, first, "one")
	waitCalls(t, d, 1)
	_ = first.Close()

	second := svc.accept(t)
	hb := readHeartbeat(t, second)
	if hb.Data != (protocol.HeartbeatData{ID: "session-1", App: "nvim", Match: "term"}) {
		t.Fatalf("heartbeat after reconnect = %+v", hb.Data)
	}
	sendEnvelope(t, second, "two")
	calls := waitCalls(t, d, 2)
	if !calls[1].paused {
		t.Fatalf("pause flag lost across reconnect: %+v", calls)
	}
}

func TestConnectRetriesUntilServiceUp(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	d := &recordingDispatcher{}
	startWorker(t, testServer("ws://"+addr), d, control.NewChannel())
	time.Sleep(50 * time.Millisecond)

	svc, srv := newService(t)
	l, err = net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("port %s taken again: %v", addr, err)
	}
	_ = srv.Listener.Close()
	srv.Listener = l
	srv.Start()
	defer srv.Close()

	conn := svc.accept(t)
	hb := readHeartbeat(t, conn)
	if hb.Data.ID != "session-1" {
		t.Fatalf("heartbeat id = %q", hb.Data.ID)
	}
}

func waitCalls(t *testing.T, d *recordingDispatcher, n int) []dispatched {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if calls := d.snapshot(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("dispatch calls = %d, want %d", len(d.snapshot()), n)
	return nil
}
