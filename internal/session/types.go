package session

import (
	"errors"
	"strings"
	"time"

	"github.com/ent0n29/autochat/internal/dialog"
	"github.com/ent0n29/autochat/internal/gateway"
	"github.com/ent0n29/autochat/internal/protocol"
	"github.com/ent0n29/autochat/internal/schedule"
	"github.com/ent0n29/autochat/internal/transport"
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
)

var allStatuses = []string{string(StatusStarting), string(StatusRunning), string(StatusStopped)}

var (
	ErrFatalSession       = errors.New("fatal session signal")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	errRunFinished  = errors.New("run finished")
	errNotConnected = errors.New("transport not connected")
)

// Dialog end reasons. Only ReasonFinalMessage counts as a successful dialog.
const (
	ReasonDuplicatePeer   = "duplicate peer"
	ReasonSearchTimeout   = "search timed out"
	ReasonInactivity      = "inactivity timeout"
	ReasonBlocklist       = "blocklist match"
	ReasonFinalMessage    = "final message"
	ReasonSystemMessage   = "system message"
	ReasonPeerEnded       = "peer ended chat"
	ReasonTransportClosed = "transport closed"
	ReasonRunStopped      = "run stopped"
	ReasonReplaced        = "replaced by new dialog"
)

// reasonLabel strips the free-form detail after a colon so metric labels stay
// bounded.
func reasonLabel(reason string) string {
	head, _, _ := strings.Cut(reason, ":")
	return strings.TrimSpace(head)
}

// Outcome is how a run ended.
type Outcome struct {
	Reason     string `json:"reason"`
	Error      string `json:"error,omitempty"`
	Dialogs    int    `json:"dialogs"`
	Successful int    `json:"successful"`

	Err error `json:"-"`
}

// Snapshot is a point-in-time view of the run, taken on the loop goroutine.
type Snapshot struct {
	Status            Status               `json:"status"`
	Connected         bool                 `json:"connected"`
	Endpoint          string               `json:"endpoint,omitempty"`
	SessionID         string               `json:"session_id,omitempty"`
	ReconnectAttempts int                  `json:"reconnect_attempts"`
	Dialogs           int                  `json:"dialogs"`
	Successful        int                  `json:"successful"`
	MaxDialogs        int                  `json:"max_dialogs"`
	SearchLimit       protocol.SearchLimit `json:"search_limit"`
	Searching         bool                 `json:"searching"`
	Typing            bool                 `json:"typing"`
	QueuedReplies     int                  `json:"queued_replies"`
	Dialog            *dialog.Dialog       `json:"dialog,omitempty"`
	PeersSeen         int                  `json:"peers_seen"`
	PeersInactive     int                  `json:"peers_inactive"`
	NextAckID         int64                `json:"next_ack_id"`
	LastError         string               `json:"last_error,omitempty"`
	Outcome           *Outcome             `json:"outcome,omitempty"`
	StartedAt         time.Time            `json:"started_at"`
}

// Loop inputs. Every external stimulus reaches the controller as one of these.
type event any

type frameEvent struct {
	conn transport.Conn
	raw  string
}

type closedEvent struct {
	conn    transport.Conn
	closure transport.Closure
}

type dialedEvent struct {
	conn     transport.Conn
	endpoint string
	err      error
}

type timerEvent struct {
	slot *schedule.Slot
	gen  uint64
}

type replyEvent struct {
	chatID string
	reply  gateway.Reply
	err    error
	took   time.Duration
}

type queryEvent struct {
	reply chan Snapshot
}
