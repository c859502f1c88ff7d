package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Events consumed from the remote side.
const (
	EventStartDialog       = "front:start_dialog"
	EventSendMessage       = "front:send_message"
	EventStopDialog        = "front:stop_dialog"
	EventPeerIsOnline      = "front:peer_is_online"
	EventShowPeerTyping    = "front:show_peer_typing"
	EventHidePeerTyping    = "front:hide_peer_typing"
	EventUpdateSearchLimit = "front:update_search_limit"
	EventStopSearchRemote  = "front:stop_search"
	EventRefreshPage       = "front:refresh_page"
)

// Events emitted to the remote side.
const (
	EmitInit                     = "back:init"
	EmitStartSearch              = "back:start_search"
	EmitStopSearch               = "back:stop_search"
	EmitStopDialog               = "back:stop_dialog"
	EmitSendMessage              = "back:send_message"
	EmitStartTyping              = "back:start_typing"
	EmitStopTyping               = "back:stop_typing"
	EmitRestoreDialogWithMessage = "back:restore_dialog_with_messages"
)

// SystemRemoveAfterMessage is the id of the system notice the remote sends
// when it expects a single greeting before the dialog is torn down.
const SystemRemoveAfterMessage = "remove_after_message"

// StartDialog is the first argument of front:start_dialog.
type StartDialog struct {
	Nickname string `json:"nickname"`
}

// InboundMessage is the first argument of front:send_message.
type InboundMessage struct {
	Text    string `json:"text"`
	IsImage bool   `json:"isImage"`
	System  bool   `json:"system"`
	ID      string `json:"id"`
}

// OutboundMessage is the argument of back:send_message.
type OutboundMessage struct {
	Text        string `json:"text"`
	IsImage     bool   `json:"isImage"`
	PeerOffline bool   `json:"peerOffline"`
}

// SearchLimit is the argument of front:update_search_limit.
type SearchLimit struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// Reached reports whether the remote search quota is used up.
func (l SearchLimit) Reached() bool {
	return l.Max > 0 && l.Current >= l.Max
}

// UserConfig is returned as the ack of back:init.
type UserConfig struct {
	UserSex           json.RawMessage `json:"userSex"`
	NeedRestoreDialog bool            `json:"needRestoreDialog"`
}

// AckNoPeer is the ack payload telling the client that no peer is available.
const AckNoPeer = "no_peer"

// Arg decodes the i-th argument of an event or ack packet into out. A missing
// argument or JSON null is reported as ok=false without error.
func (p Packet) Arg(i int, out any) (bool, error) {
	if i < 0 || i >= len(p.Args) {
		return false, nil
	}
	raw := bytes.TrimSpace(p.Args[i])
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("%w: argument %d: %v", ErrMalformedFrame, i, err)
	}
	return true, nil
}

// StringArg returns the i-th argument when it is a JSON string.
func (p Packet) StringArg(i int) (string, bool) {
	var s string
	ok, err := p.Arg(i, &s)
	if err != nil || !ok {
		return "", false
	}
	return s, true
}

// UserConfigArg extracts a user config from an ack packet. Only objects that
// carry a userSex key qualify.
func (p Packet) UserConfigArg() (UserConfig, bool) {
	if len(p.Args) == 0 {
		return UserConfig{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(p.Args[0], &fields); err != nil {
		return UserConfig{}, false
	}
	if _, ok := fields["userSex"]; !ok {
		return UserConfig{}, false
	}
	var cfg UserConfig
	if err := json.Unmarshal(p.Args[0], &cfg); err != nil {
		return UserConfig{}, false
	}
	return cfg, true
}
