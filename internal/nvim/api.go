package nvim

import (
	"context"
	"fmt"
)

// The editor accepts 0 for "current" wherever a buffer or window handle is
// expected, so these helpers never need to decode handle ext types.
const current = 0

// Cursor is a (row, col) pair as the editor reports it: 1-based row,
// 0-based byte column.
type Cursor struct {
	Row int
	Col int
}

func (c *Client) BufferName(ctx context.Context) (string, error) {
	var name string
	err := c.Call(ctx, "nvim_buf_get_name", &name, current)
	return name, err
}

func (c *Client) BufferLines(ctx context.Context) ([]string, error) {
	var lines []string
	err := c.Call(ctx, "nvim_buf_get_lines", &lines, current, 0, -1, false)
	return lines, err
}

func (c *Client) SetBufferLines(ctx context.Context, lines []string) error {
	if lines == nil {
		lines = []string{}
	}
	return c.Call(ctx, "nvim_buf_set_lines", nil, current, 0, -1, false, lines)
}

func (c *Client) WindowCursor(ctx context.Context) (Cursor, error) {
	var pos []int
	if err := c.Call(ctx, "nvim_win_get_cursor", &pos, current); err != nil {
		return Cursor{}, err
	}
	return toCursor("nvim_win_get_cursor", pos)
}

func (c *Client) SetWindowCursor(ctx context.Context, cur Cursor) error {
	return c.Call(ctx, "nvim_win_set_cursor", nil, current, []int{cur.Row, cur.Col})
}

// BufferMark returns mark name; unset marks come back as (0, 0).
func (c *Client) BufferMark(ctx context.Context, name string) (Cursor, error) {
	var pos []int
	if err := c.Call(ctx, "nvim_buf_get_mark", &pos, current, name); err != nil {
		return Cursor{}, err
	}
	return toCursor("nvim_buf_get_mark", pos)
}

func (c *Client) SetBufferMark(ctx context.Context, name string, cur Cursor) error {
	var ok bool
	if err := c.Call(ctx, "nvim_buf_set_mark", &ok, current, name, cur.Row, cur.Col, map[string]interface{}{}); err != nil {
		return err
	}
	if !ok {
		return &Error{Method: "nvim_buf_set_mark", Message: "mark " + name + " not set"}
	}
	return nil
}

// Command runs an Ex command.
func (c *Client) Command(ctx context.Context, cmd string) error {
	return c.Call(ctx, "nvim_command", nil, cmd)
}

// ErrWriteln shows msg in the editor's message area as an error.
func (c *Client) ErrWriteln(ctx context.Context, msg string) error {
	return c.Call(ctx, "nvim_err_writeln", nil, msg)
}

func (c *Client) CreateNamespace(ctx context.Context, name string) (int, error) {
	var ns int
	err := c.Call(ctx, "nvim_create_namespace", &ns, name)
	return ns, err
}

func (c *Client) ClearNamespace(ctx context.Context, ns int) error {
	return c.Call(ctx, "nvim_buf_clear_namespace", nil, current, ns, 0, -1)
}

// SetExtmark highlights start..end with group. Rows and columns are 0-based;
// columns are bytes.
func (c *Client) SetExtmark(ctx context.Context, ns int, start, end Cursor, group string) (int, error) {
	var id int
	opts := map[string]interface{}{
		"end_row":  end.Row,
		"end_col":  end.Col,
		"hl_group": group,
	}
	err := c.Call(ctx, "nvim_buf_set_extmark", &id, current, ns, start.Row, start.Col, opts)
	return id, err
}

func toCursor(method string, pos []int) (Cursor, error) {
	if len(pos) != 2 {
		return Cursor{}, fmt.Errorf("%s: unexpected result %v", method, pos)
	}
	return Cursor{Row: pos[0], Col: pos[1]}, nil
}
