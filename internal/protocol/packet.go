package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies a decoded wire packet.
type Kind string

const (
	KindOpen       Kind = "open"
	KindPing       Kind = "ping"
	KindPong       Kind = "pong"
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
	KindError      Kind = "error"
	KindEvent      Kind = "event"
	KindAck        Kind = "ack"
)

// Literal frame prefixes of the Engine.IO v4 / Socket.IO wire format.
const (
	FrameOpen       = "0"
	FramePing       = "2"
	FramePong       = "3"
	FrameConnect    = "40"
	FrameDisconnect = "41"
	FrameEvent      = "42"
	FrameAck        = "43"
	FrameError      = "44"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnsupported    = errors.New("unsupported packet kind")
)

// FatalMarkers are substrings of an error frame that mean the remote wants a
// fresh session. Any other error frame is treated as recoverable.
var FatalMarkers = []string{"need refresh"}

// Packet is one decoded frame.
type Packet struct {
	Kind Kind

	// SID is set on connect packets that carry a session payload.
	SID string
	// Payload holds the raw JSON after the type prefix for open, connect and
	// error packets.
	Payload string

	// Reason and Fatal are set on error packets.
	Reason string
	Fatal  bool

	// Name and Args are set on event packets; Args also on ack packets.
	Name string
	Args []json.RawMessage

	AckID  int64
	HasAck bool
}

// Decode parses one raw frame. Every failure wraps ErrMalformedFrame.
func Decode(raw string) (Packet, error) {
	if raw == "" {
		return Packet{}, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}

	switch raw[0] {
	case '0':
		return Packet{Kind: KindOpen, Payload: raw[1:]}, nil
	case '2':
		if raw != FramePing {
			return Packet{Kind: KindPing, Payload: raw[1:]}, nil
		}
		return Packet{Kind: KindPing}, nil
	case '3':
		return Packet{Kind: KindPong, Payload: raw[1:]}, nil
	case '4':
		return decodeMessage(raw)
	default:
		return Packet{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, clip(raw, 16))
	}
}

func decodeMessage(raw string) (Packet, error) {
	if len(raw) < 2 {
		return Packet{}, fmt.Errorf("%w: truncated message %q", ErrMalformedFrame, raw)
	}
	body := raw[2:]
	switch raw[:2] {
	case FrameConnect:
		p := Packet{Kind: KindConnect, Payload: body}
		if strings.TrimSpace(body) == "" {
			return p, nil
		}
		var sess struct {
			SID string `json:"sid"`
		}
		if err := json.Unmarshal([]byte(body), &sess); err != nil {
			return Packet{}, fmt.Errorf("%w: connect payload: %v", ErrMalformedFrame, err)
		}
		p.SID = sess.SID
		return p, nil
	case FrameDisconnect:
		return Packet{Kind: KindDisconnect, Payload: body}, nil
	case FrameError:
		return Packet{
			Kind:    KindError,
			Payload: body,
			Reason:  errorReason(body),
			Fatal:   IsFatal(body),
		}, nil
	case FrameEvent:
		ackID, hasAck, args, err := splitAck(body)
		if err != nil {
			return Packet{}, err
		}
		if len(args) == 0 {
			return Packet{}, fmt.Errorf("%w: event without name", ErrMalformedFrame)
		}
		var name string
		if err := json.Unmarshal(args[0], &name); err != nil || name == "" {
			return Packet{}, fmt.Errorf("%w: event name is not a string", ErrMalformedFrame)
		}
		return Packet{Kind: KindEvent, Name: name, Args: args[1:], AckID: ackID, HasAck: hasAck}, nil
	case FrameAck:
		ackID, hasAck, args, err := splitAck(body)
		if err != nil {
			return Packet{}, err
		}
		return Packet{Kind: KindAck, Args: args, AckID: ackID, HasAck: hasAck}, nil
	default:
		return Packet{}, fmt.Errorf("%w: unknown message type %q", ErrMalformedFrame, raw[:2])
	}
}

// splitAck separates the optional numeric ack id from the JSON array.
func splitAck(body string) (int64, bool, []json.RawMessage, error) {
	i := 0
	for i < len(body) && body[i] >= '0' && body[i] <= '9' {
		i++
	}
	var (
		ackID  int64
		hasAck bool
	)
	if i > 0 {
		n, err := strconv.ParseInt(body[:i], 10, 64)
		if err != nil {
			return 0, false, nil, fmt.Errorf("%w: ack id: %v", ErrMalformedFrame, err)
		}
		ackID, hasAck = n, true
	}
	rest := body[i:]
	if !strings.HasPrefix(rest, "[") {
		return 0, false, nil, fmt.Errorf("%w: expected JSON array, got %q", ErrMalformedFrame, clip(rest, 32))
	}
	var args []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &args); err != nil {
		return 0, false, nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return ackID, hasAck, args, nil
}

// IsFatal reports whether an error frame payload carries a fatal marker.
func IsFatal(payload string) bool {
	lower := strings.ToLower(payload)
	for _, m := range FatalMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func errorReason(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return "unspecified error"
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(body), &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var s string
	if err := json.Unmarshal([]byte(body), &s); err == nil && s != "" {
		return s
	}
	return body
}

// Pong answers a ping, echoing any payload it carried.
func Pong(ping Packet) Packet {
	return Packet{Kind: KindPong, Payload: ping.Payload}
}

// Encode renders an outgoing packet. Only the kinds a client sends are
// supported: connect, pong, event and ack.
func Encode(p Packet) (string, error) {
	switch p.Kind {
	case KindConnect:
		return FrameConnect + p.Payload, nil
	case KindPong:
		return FramePong + p.Payload, nil
	case KindPing:
		return FramePing + p.Payload, nil
	case KindEvent:
		if p.Name == "" {
			return "", errors.New("event name is required")
		}
		name, err := json.Marshal(p.Name)
		if err != nil {
			return "", fmt.Errorf("marshal event name: %w", err)
		}
		arr := make([]json.RawMessage, 0, len(p.Args)+1)
		arr = append(arr, name)
		arr = append(arr, p.Args...)
		return frameWithAck(FrameEvent, p.AckID, p.HasAck, arr)
	case KindAck:
		if !p.HasAck {
			return "", errors.New("ack packet requires an ack id")
		}
		return frameWithAck(FrameAck, p.AckID, true, p.Args)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupported, p.Kind)
	}
}

func frameWithAck(prefix string, ackID int64, hasAck bool, arr []json.RawMessage) (string, error) {
	if arr == nil {
		arr = []json.RawMessage{}
	}
	body, err := json.Marshal(arr)
	if err != nil {
		return "", fmt.Errorf("marshal packet args: %w", err)
	}
	var sb strings.Builder
	sb.Grow(len(prefix) + 20 + len(body))
	sb.WriteString(prefix)
	if hasAck {
		sb.WriteString(strconv.FormatInt(ackID, 10))
	}
	sb.Write(body)
	return sb.String(), nil
}

// NewEvent builds an event packet, marshalling each argument. A nil argument
// is encoded as JSON null.
func NewEvent(name string, ackID int64, args ...any) (Packet, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return Packet{}, fmt.Errorf("event %s: %w", name, err)
	}
	return Packet{Kind: KindEvent, Name: name, Args: raw, AckID: ackID, HasAck: true}, nil
}

// NewAck builds the response to a received ack id.
func NewAck(ackID int64, args ...any) (Packet, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return Packet{}, fmt.Errorf("ack %d: %w", ackID, err)
	}
	return Packet{Kind: KindAck, Args: raw, AckID: ackID, HasAck: true}, nil
}

func marshalArgs(args []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
