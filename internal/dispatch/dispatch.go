// Package dispatch applies inbound command envelopes to the editor and
// builds the reply for each one.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mattscamp/neovim-serenade/internal/editor"
	"github.com/mattscamp/neovim-serenade/internal/logger"
	"github.com/mattscamp/neovim-serenade/internal/position"
	"github.com/mattscamp/neovim-serenade/internal/protocol"
)

// ErrMissingField is returned when a command lacks a field its kind needs.
var ErrMissingField = errors.New("missing field")

// Editor is the editor surface the dispatcher drives. *editor.Handle
// implements it.
type Editor interface {
	BufferName(ctx context.Context) (string, error)
	BufferLines(ctx context.Context) ([]string, error)
	SetBufferLines(ctx context.Context, lines []string) error
	Cursor(ctx context.Context) (editor.Cursor, error)
	SetCursor(ctx context.Context, cur editor.Cursor) error
	Mark(ctx context.Context, name string) (editor.Cursor, error)
	SetMark(ctx context.Context, name string, cur editor.Cursor) error
	Command(ctx context.Context, cmd string) error
	CreateNamespace(ctx context.Context, name string) (int, error)
	ClearNamespace(ctx context.Context, ns int) error
	Highlight(ctx context.Context, ns int, start, end editor.Cursor, group string) error
}

var exCommands = map[protocol.Kind]string{
	protocol.KindUndo:     ":undo",
	protocol.KindRedo:     ":redo",
	protocol.KindSave:     ":w",
	protocol.KindNewTab:   ":enew",
	protocol.KindCloseTab: ":bd",
	protocol.KindNextTab:  ":bnext",
	protocol.KindPrevTab:  ":bprevious",
}

const (
	selectionStartMark = "<"
	selectionEndMark   = ">"
)

// Dispatcher is owned by the transport worker and is not safe for
// concurrent use.
type Dispatcher struct {
	editor    Editor
	namespace string
	group     string

	ns      int
	nsReady bool
}

// New returns a dispatcher highlighting selections with group in the
// namespace of the given name.
func New(ed Editor, namespace, group string) *Dispatcher {
	return &Dispatcher{
		editor:    ed,
		namespace: namespace,
		group:     group,
	}
}

// Dispatch applies env and returns the reply to send, or nil when nothing
// should be sent.
//
// GetEditorState runs even while paused and its snapshot is the reply. Other
// commands are skipped while paused. Without a snapshot, a completion reply is
// returned only if at least one command was applied and none failed.
func (d *Dispatcher) Dispatch(ctx context.Context, env protocol.Envelope, paused bool) *protocol.Reply {
	var snapshot *protocol.Reply
	attempted, failed := 0, 0

	for _, cmd := range env.Commands {
		kind := cmd.Kind()
		switch {
		case kind == protocol.KindGetEditorState:
			attempted++
			limited := cmd.Limited == nil || *cmd.Limited
			snap, err := d.snapshot(ctx, limited)
			if err != nil {
				failed++
				logger.Error("get editor state failed", "callback", env.Callback, "err", err)
				continue
			}
			reply := protocol.EditorState(env.Callback, snap)
			snapshot = &reply
		case kind == protocol.KindUnknown:
			logger.Info("unsupported command", "type", cmd.Type)
		case paused:
			logger.Debug("command skipped while paused", "kind", kind.String())
		default:
			attempted++
			if err := d.apply(ctx, kind, cmd); err != nil {
				failed++
				logger.Error("command failed", "kind", kind.String(), "callback", env.Callback, "err", err)
				continue
			}
			logger.Debug("command applied", "kind", kind.String())
		}
	}

	if snapshot != nil {
		return snapshot
	}
	if attempted == 0 || failed > 0 {
		return nil
	}
	reply := protocol.Completed(env.Callback)
	return &reply
}

func (d *Dispatcher) apply(ctx context.Context, kind protocol.Kind, cmd protocol.Command) error {
	if ex, ok := exCommands[kind]; ok {
		return d.editor.Command(ctx, ex)
	}
	switch kind {
	case protocol.KindDiff:
		return d.diff(ctx, cmd)
	case protocol.KindSelect:
		return d.selectRange(ctx, cmd)
	case protocol.KindSwitchTab:
		if cmd.Index == nil {
			return fmt.Errorf("switch tab: %w: index", ErrMissingField)
		}
		return d.editor.Command(ctx, fmt.Sprintf(":b %d", *cmd.Index))
	}
	return fmt.Errorf("no action for %s", kind)
}

func (d *Dispatcher) snapshot(ctx context.Context, limited bool) (protocol.Snapshot, error) {
	name, err := d.editor.BufferName(ctx)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	snap := protocol.Snapshot{Filename: name[strings.LastIndex(name, "/")+1:]}
	if limited {
		return snap, nil
	}

	lines, err := d.editor.BufferLines(ctx)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	cur, err := d.editor.Cursor(ctx)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	start, err := d.editor.Mark(ctx, selectionStartMark)
	if err != nil {
		return protocol.Snapshot{}, err
	}
	end, err := d.editor.Mark(ctx, selectionEndMark)
	if err != nil {
		return protocol.Snapshot{}, err
	}

	source := strings.Join(lines, "\n")
	snap.Source = source
	snap.Cursor = offsetOf(source, lines, cur)
	snap.SelectionStart = offsetOf(source, lines, start)
	snap.SelectionEnd = offsetOf(source, lines, end)
	return snap, nil
}

func (d *Dispatcher) diff(ctx context.Context, cmd protocol.Command) error {
	if cmd.Source == nil {
		return fmt.Errorf("diff: %w: source", ErrMissingField)
	}
	lines := splitLines(*cmd.Source)
	if err := d.editor.SetBufferLines(ctx, lines); err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	if cmd.Cursor == nil {
		return nil
	}
	// The offset indexes the text as sent, before line splitting.
	cur := cursorAt(lines, position.ToPosition(*cmd.Source, *cmd.Cursor))
	if err := d.editor.SetCursor(ctx, cur); err != nil {
		return fmt.Errorf("diff: %w", err)
	}
	return nil
}

func (d *Dispatcher) selectRange(ctx context.Context, cmd protocol.Command) error {
	if cmd.Cursor == nil {
		return fmt.Errorf("select: %w: cursor", ErrMissingField)
	}
	from, to := *cmd.Cursor, *cmd.Cursor
	if cmd.CursorEnd != nil {
		to = *cmd.CursorEnd
	}
	if to < from {
		from, to = to, from
	}

	lines, err := d.editor.BufferLines(ctx)
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}
	source := strings.Join(lines, "\n")
	start := cursorAt(lines, position.ToPosition(source, from))
	end := cursorAt(lines, position.ToPosition(source, to))

	// cursor() takes a 1-based byte column.
	if err := d.editor.Command(ctx, fmt.Sprintf(":cal cursor(%d,%d)", start.Row, start.Col+1)); err != nil {
		return fmt.Errorf("select: %w", err)
	}
	if err := d.editor.SetMark(ctx, selectionStartMark, start); err != nil {
		return fmt.Errorf("select: %w", err)
	}
	if err := d.editor.SetMark(ctx, selectionEndMark, end); err != nil {
		return fmt.Errorf("select: %w", err)
	}

	ns, err := d.highlightNamespace(ctx)
	if err != nil {
		return fmt.Errorf("select: %w", err)
	}
	if err := d.editor.ClearNamespace(ctx, ns); err != nil {
		return fmt.Errorf("select: %w", err)
	}
	// Extmark rows are 0-based.
	hlStart := editor.Cursor{Row: start.Row - 1, Col: start.Col}
	hlEnd := editor.Cursor{Row: end.Row - 1, Col: end.Col}
	if err := d.editor.Highlight(ctx, ns, hlStart, hlEnd, d.group); err != nil {
		return fmt.Errorf("select: %w", err)
	}
	return nil
}

func (d *Dispatcher) highlightNamespace(ctx context.Context) (int, error) {
	if d.nsReady {
		return d.ns, nil
	}
	ns, err := d.editor.CreateNamespace(ctx, d.namespace)
	if err != nil {
		return 0, err
	}
	d.ns, d.nsReady = ns, true
	return ns, nil
}

// splitLines turns replacement text into buffer lines. A single trailing
// newline does not produce an extra empty line.
func splitLines(source string) []string {
	lines := strings.Split(source, "\n")
	if len(lines) > 1 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// cursorAt converts a character position into an editor cursor over lines.
// Positions past the last line land at the end of it; columns past the end of
// a line land at its end.
func cursorAt(lines []string, pos position.Position) editor.Cursor {
	if len(lines) == 0 {
		return editor.Cursor{Row: 1}
	}
	if pos.Line > len(lines) {
		last := lines[len(lines)-1]
		return editor.Cursor{Row: len(lines), Col: len(last)}
	}
	return editor.Cursor{Row: pos.Line, Col: position.ByteColumn(lines[pos.Line-1], pos.Column)}
}

// offsetOf converts an editor cursor into a character offset in source.
// An unset mark (row 0) maps to offset 0.
func offsetOf(source string, lines []string, cur editor.Cursor) int {
	col := 0
	if cur.Row >= 1 && cur.Row <= len(lines) {
		col = position.CharColumn(lines[cur.Row-1], cur.Col)
	}
	return position.ToOffset(source, position.Position{Line: cur.Row, Column: col})
}
