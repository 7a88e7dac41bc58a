// Package protocol defines the messages exchanged with the voice assistant
// service over the websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

var (
	// ErrMalformed marks a frame that is not valid JSON or lacks the
	// envelope structure.
	ErrMalformed = errors.New("malformed frame")
	// ErrNotCommand marks a well-formed frame that carries no commands.
	ErrNotCommand = errors.New("frame carries no commands")
)

// Kind is the closed set of commands the bridge understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindGetEditorState
	KindDiff
	KindUndo
	KindRedo
	KindSave
	KindSelect
	KindNewTab
	KindCloseTab
	KindNextTab
	KindPrevTab
	KindSwitchTab
)

var kindNames = map[string]Kind{
	"COMMAND_TYPE_GET_EDITOR_STATE": KindGetEditorState,
	"COMMAND_TYPE_DIFF":             KindDiff,
	"COMMAND_TYPE_UNDO":             KindUndo,
	"COMMAND_TYPE_REDO":             KindRedo,
	"COMMAND_TYPE_SELECT":           KindSelect,
	"COMMAND_TYPE_SAVE":             KindSave,
	"COMMAND_TYPE_CREATE_TAB":       KindNewTab,
	"COMMAND_TYPE_CLOSE_TAB":        KindCloseTab,
	"COMMAND_TYPE_NEXT_TAB":         KindNextTab,
	"COMMAND_TYPE_PREVIOUS_TAB":     KindPrevTab,
	"COMMAND_TYPE_SWITCH_TAB":       KindSwitchTab,
}

// ParseKind maps a wire type to its Kind. Unrecognized types are KindUnknown;
// the raw string stays on Command.Type.
func ParseKind(s string) Kind {
	if k, ok := kindNames[s]; ok {
		return k
	}
	return KindUnknown
}

func (k Kind) String() string {
	switch k {
	case KindGetEditorState:
		return "get editor state"
	case KindDiff:
		return "diff"
	case KindUndo:
		return "undo"
	case KindRedo:
		return "redo"
	case KindSave:
		return "save"
	case KindSelect:
		return "select"
	case KindNewTab:
		return "create tab"
	case KindCloseTab:
		return "close tab"
	case KindNextTab:
		return "next tab"
	case KindPrevTab:
		return "previous tab"
	case KindSwitchTab:
		return "switch tab"
	default:
		return "unknown"
	}
}

// Command is one instruction inside an envelope. Optional fields are nil
// when the sender omitted them.
type Command struct {
	Type      string  `json:"type"`
	Source    *string `json:"source,omitempty"`
	Cursor    *int    `json:"cursor,omitempty"`
	CursorEnd *int    `json:"cursorEnd,omitempty"`
	Limited   *bool   `json:"limited,omitempty"`
	Index     *int    `json:"index,omitempty"`
	Direction *string `json:"direction,omitempty"`
}

func (c Command) Kind() Kind {
	return ParseKind(c.Type)
}

// Envelope is one inbound request.
type Envelope struct {
	Message  string
	Callback string
	Commands []Command
}

type inboundFrame struct {
	Message string      `json:"message"`
	Data    inboundData `json:"data"`
}

type inboundData struct {
	Callback string          `json:"callback"`
	Response inboundResponse `json:"response"`
}

type inboundResponse struct {
	Execute *inboundExecute `json:"execute"`
}

type inboundExecute struct {
	CommandsList []Command `json:"commandsList"`
	Commands     []Command `json:"commands"`
}

// ParseEnvelope decodes a text frame. Frames that are valid JSON but carry
// no execute block return ErrNotCommand; anything else that fails returns
// ErrMalformed.
func ParseEnvelope(frame []byte) (Envelope, error) {
	if !gjson.ValidBytes(frame) {
		return Envelope{}, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	if !gjson.GetBytes(frame, "data.response.execute").Exists() {
		return Envelope{}, fmt.Errorf("%w: message %q", ErrNotCommand, gjson.GetBytes(frame, "message").String())
	}

	var in inboundFrame
	if err := json.Unmarshal(frame, &in); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if in.Data.Response.Execute == nil {
		return Envelope{}, fmt.Errorf("%w: empty execute", ErrMalformed)
	}
	commands := in.Data.Response.Execute.CommandsList
	if len(commands) == 0 {
		commands = in.Data.Response.Execute.Commands
	}
	return Envelope{
		Message:  in.Message,
		Callback: in.Data.Callback,
		Commands: commands,
	}, nil
}

// Snapshot is the editor state reported back for GetEditorState.
type Snapshot struct {
	Source         string `json:"source"`
	Cursor         int    `json:"cursor"`
	SelectionStart int    `json:"selectionStart"`
	SelectionEnd   int    `json:"selectionEnd"`
	Filename       string `json:"filename"`
}

// Reply is an outbound callback frame.
type Reply struct {
	Message string    `json:"message"`
	Data    ReplyData `json:"data"`
}

type ReplyData struct {
	Callback string    `json:"callback"`
	Data     ReplyBody `json:"data"`
}

type ReplyBody struct {
	Message string    `json:"message"`
	Data    *Snapshot `json:"data,omitempty"`
}

// Completed acknowledges that every command in the envelope was applied.
func Completed(callback string) Reply {
	return Reply{
		Message: "callback",
		Data: ReplyData{
			Callback: callback,
			Data:     ReplyBody{Message: "completed"},
		},
	}
}

// EditorState answers GetEditorState.
func EditorState(callback string, s Snapshot) Reply {
	return Reply{
		Message: "callback",
		Data: ReplyData{
			Callback: callback,
			Data:     ReplyBody{Message: "editorState", Data: &s},
		},
	}
}

// Heartbeat announces this bridge. App and Match are set on the first
// heartbeat after a connect only.
type Heartbeat struct {
	Message string        `json:"message"`
	Data    HeartbeatData `json:"data"`
}

type HeartbeatData struct {
	ID    string `json:"id"`
	App   string `json:"app,omitempty"`
	Match string `json:"match,omitempty"`
}

func NewHeartbeat(id, app, match string) Heartbeat {
	return Heartbeat{
		Message: "active",
		Data:    HeartbeatData{ID: id, App: app, Match: match},
	}
}
