// Package nvim is a msgpack-RPC client for the editor that spawned this
// process. Requests go out on the writer, responses and notifications come
// back on the reader.
package nvim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/mattscamp/neovim-serenade/internal/logger"
	"github.com/mattscamp/neovim-serenade/internal/queue"
)

const (
	requestType      = 0
	responseType     = 1
	notificationType = 2
)

var (
	ErrClosed  = errors.New("nvim: connection closed")
	ErrTimeout = errors.New("nvim: request timeout")
)

// Error is an error reported by the editor for a request.
type Error struct {
	Method  string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("nvim: %s: %s", e.Method, e.Message)
}

// Notification is an unsolicited message from the editor.
type Notification struct {
	Method string
	Args   []interface{}
}

type response struct {
	result msgpack.RawMessage
	err    error
}

type Client struct {
	dec     *msgpack.Decoder
	w       io.Writer
	closer  io.Closer
	timeout time.Duration

	wmu sync.Mutex // serializes writes

	mu       sync.Mutex
	nextID   uint32
	closed   bool
	handlers map[uint32]chan response
	methods  map[uint32]string

	notifications *queue.Queue[Notification]
}

// New creates a client. A zero timeout waits for responses until ctx is done.
// Serve must be running for calls to complete.
func New(r io.Reader, w io.Writer, c io.Closer, timeout time.Duration) *Client {
	return &Client{
		dec:           msgpack.NewDecoder(r),
		w:             w,
		closer:        c,
		timeout:       timeout,
		handlers:      make(map[uint32]chan response),
		methods:       make(map[uint32]string),
		notifications: queue.New[Notification](),
	}
}

// Serve reads messages until the stream ends. Pending calls then fail with
// ErrClosed and the notification stream is closed. A clean EOF returns nil.
func (c *Client) Serve() error {
	err := c.readLoop()
	c.shutdown()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

func (c *Client) readLoop() error {
	for {
		n, err := c.dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		kind, err := c.dec.DecodeInt()
		if err != nil {
			return err
		}
		switch {
		case kind == responseType && n == 4:
			if err := c.readResponse(); err != nil {
				return err
			}
		case kind == notificationType && n == 3:
			if err := c.readNotification(); err != nil {
				return err
			}
		case kind == requestType && n == 4:
			if err := c.rejectRequest(); err != nil {
				return err
			}
		default:
			for i := 1; i < n; i++ {
				if err := c.dec.Skip(); err != nil {
					return err
				}
			}
		}
	}
}

func (c *Client) readResponse() error {
	id, err := c.dec.DecodeUint32()
	if err != nil {
		return err
	}
	errRaw, err := c.dec.DecodeRaw()
	if err != nil {
		return err
	}
	result, err := c.dec.DecodeRaw()
	if err != nil {
		return err
	}

	c.mu.Lock()
	ch, ok := c.handlers[id]
	method := c.methods[id]
	delete(c.handlers, id)
	delete(c.methods, id)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	ch <- response{result: result, err: decodeError(method, errRaw)}
	return nil
}

func (c *Client) readNotification() error {
	method, err := c.dec.DecodeString()
	if err != nil {
		return err
	}
	raw, err := c.dec.DecodeRaw()
	if err != nil {
		return err
	}
	// Args carrying ext types (buffer or window handles) are left undecoded.
	var args []interface{}
	if err := msgpack.Unmarshal(raw, &args); err != nil {
		logger.Debug("notification args not decoded", "method", method, "err", err)
	}
	c.notifications.Push(Notification{Method: method, Args: args})
	return nil
}

// rejectRequest answers editor-initiated requests; the bridge serves none.
func (c *Client) rejectRequest() error {
	id, err := c.dec.DecodeUint32()
	if err != nil {
		return err
	}
	method, err := c.dec.DecodeString()
	if err != nil {
		return err
	}
	if err := c.dec.Skip(); err != nil {
		return err
	}
	return c.send([]interface{}{responseType, id, "unsupported method: " + method, nil})
}

func decodeError(method string, raw msgpack.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		return &Error{Method: method, Message: err.Error()}
	}
	switch e := v.(type) {
	case nil:
		return nil
	case string:
		return &Error{Method: method, Message: e}
	case []interface{}:
		if len(e) >= 2 {
			if msg, ok := e[1].(string); ok {
				return &Error{Method: method, Message: msg}
			}
		}
	}
	return &Error{Method: method, Message: fmt.Sprint(v)}
}

// Call invokes method with args and decodes the result into result, which
// may be nil.
func (c *Client) Call(ctx context.Context, method string, result interface{}, args ...interface{}) error {
	if args == nil {
		args = []interface{}{}
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.handlers[id] = ch
	c.methods[id] = method
	c.mu.Unlock()

	if err := c.send([]interface{}{requestType, id, method, args}); err != nil {
		c.forget(id)
		return fmt.Errorf("%s: %w", method, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return resp.err
		}
		if result == nil || len(resp.result) == 0 {
			return nil
		}
		if err := msgpack.Unmarshal(resp.result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return ctx.Err()
	}
}

// Notification blocks until the editor sends a notification. It returns
// ErrClosed once the stream has ended and all notifications were consumed.
func (c *Client) Notification(ctx context.Context) (Notification, error) {
	n, err := c.notifications.Pop(ctx)
	if errors.Is(err, queue.ErrClosed) {
		return Notification{}, ErrClosed
	}
	return n, err
}

// Close closes the underlying stream.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *Client) send(v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(payload)
	return err
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.handlers, id)
	delete(c.methods, id)
	c.mu.Unlock()
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	pending := c.handlers
	c.handlers = make(map[uint32]chan response)
	c.methods = make(map[uint32]string)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- response{err: ErrClosed}
	}
	c.notifications.Close()
}
