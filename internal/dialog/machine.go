// Package dialog tracks the lifecycle of the single conversation a run may
// hold at any time.
package dialog

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/autochat/internal/schedule"
)

type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
	StateEnding State = "ending"
)

var (
	ErrNotIdle   = errors.New("dialog already in progress")
	ErrNoDialog  = errors.New("no dialog in progress")
	ErrNotActive = errors.New("dialog is not active")
)

// Dialog is one conversation with one peer.
type Dialog struct {
	PeerID        string    `json:"peer_id"`
	ChatID        string    `json:"chat_id"`
	MessageCount  int       `json:"message_count"`
	StartedAt     time.Time `json:"started_at"`
	LastMessageAt time.Time `json:"last_message_at"`
	State         State     `json:"state"`
	EndReason     string    `json:"end_reason,omitempty"`
}

// Duration is the time between start and the given instant.
func (d Dialog) Duration(now time.Time) time.Duration {
	if d.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(d.StartedAt)
}

// Machine holds at most one dialog. Every timer that can act on a dialog is a
// slot owned by the machine, so leaving a dialog stops all of them at once.
// It is driven only by the session loop.
type Machine struct {
	clock   schedule.Clock
	current *Dialog

	inactivity *schedule.Slot
	ending     *schedule.Slot
	owned      schedule.Group

	newChatID func(now time.Time) string
}

func NewMachine(clock schedule.Clock) *Machine {
	if clock == nil {
		clock = schedule.RealClock{}
	}
	m := &Machine{
		clock:     clock,
		newChatID: defaultChatID,
	}
	m.inactivity = m.Own("inactivity")
	m.ending = m.Own("ending")
	return m
}

// Own creates a dialog-scoped slot that is stopped whenever the dialog is
// released.
func (m *Machine) Own(name string) *schedule.Slot {
	s := schedule.NewSlot(m.clock, name)
	m.owned = append(m.owned, s)
	return s
}

func (m *Machine) State() State {
	if m.current == nil {
		return StateIdle
	}
	return m.current.State
}

// Active reports whether a live conversation is in progress. A dialog that is
// ending is no longer active.
func (m *Machine) Active() bool {
	return m.current != nil && m.current.State == StateActive
}

// Current returns a copy of the dialog in progress.
func (m *Machine) Current() (Dialog, bool) {
	if m.current == nil {
		return Dialog{}, false
	}
	return *m.current, true
}

// ChatID of the dialog in progress, or "".
func (m *Machine) ChatID() string {
	if m.current == nil {
		return ""
	}
	return m.current.ChatID
}

// Start moves Idle to Active for peerID.
func (m *Machine) Start(peerID string) (Dialog, error) {
	if m.current != nil {
		return Dialog{}, fmt.Errorf("%w: %s with %s", ErrNotIdle, m.current.State, m.current.PeerID)
	}
	now := m.clock.Now()
	m.current = &Dialog{
		PeerID:        peerID,
		ChatID:        m.newChatID(now),
		StartedAt:     now,
		LastMessageAt: now,
		State:         StateActive,
	}
	return *m.current, nil
}

// Received counts an inbound user message.
func (m *Machine) Received() (Dialog, error) {
	if !m.Active() {
		return Dialog{}, ErrNotActive
	}
	m.current.MessageCount++
	m.current.LastMessageAt = m.clock.Now()
	return *m.current, nil
}

// ArmInactivity cancels the previous inactivity timer and starts a new one.
func (m *Machine) ArmInactivity(d time.Duration, fire func(gen uint64)) error {
	if !m.Active() {
		return ErrNotActive
	}
	m.inactivity.Arm(d, fire)
	return nil
}

func (m *Machine) InactivitySlot() *schedule.Slot { return m.inactivity }
func (m *Machine) EndingSlot() *schedule.Slot     { return m.ending }

// BeginEnding moves Active to Ending and schedules the final release after
// d. The inactivity timer is cancelled since the end is already decided.
func (m *Machine) BeginEnding(reason string, d time.Duration, fire func(gen uint64)) error {
	if !m.Active() {
		return ErrNotActive
	}
	m.inactivity.Stop()
	m.current.State = StateEnding
	m.current.EndReason = reason
	m.ending.Arm(d, fire)
	return nil
}

// PendingReason is the reason recorded by BeginEnding.
func (m *Machine) PendingReason() string {
	if m.current == nil {
		return ""
	}
	return m.current.EndReason
}

// Release stops every dialog-owned timer and returns to Idle. It returns the
// dialog that was released.
func (m *Machine) Release(reason string) (Dialog, error) {
	m.owned.StopAll()
	if m.current == nil {
		return Dialog{}, ErrNoDialog
	}
	d := *m.current
	if strings.TrimSpace(reason) != "" {
		d.EndReason = reason
	}
	d.State = StateIdle
	m.current = nil
	return d, nil
}

// ArmedTimers counts the dialog-owned timers currently pending.
func (m *Machine) ArmedTimers() int { return m.owned.ArmedCount() }

func defaultChatID(now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("chat_%d_%s", now.UnixMilli(), id[:6])
}
