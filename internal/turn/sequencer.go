// Package turn paces outgoing replies like a person typing them.
package turn

import (
	"fmt"
	"time"

	"github.com/ent0n29/autochat/internal/protocol"
	"github.com/ent0n29/autochat/internal/reliability"
	"github.com/ent0n29/autochat/internal/schedule"
)

// Emitter sends one named event to the remote side.
type Emitter interface {
	Emit(name string, args ...any) error
}

// Window is an inclusive delay range.
type Window struct {
	Min time.Duration
	Max time.Duration
}

// Reply is a gateway answer waiting to be typed out.
type Reply struct {
	PeerID string
	Text   string
	// Last is set when the gateway flagged the conversation as concluded.
	Last bool
	// Greeting marks the single reply sent in answer to a system notice.
	Greeting bool
}

type phase int

const (
	phaseIdle phase = iota
	phaseTyping
	phasePause
)

// Sent describes a reply that reached the wire.
type Sent struct {
	Reply Reply
	Err   error
}

// Sequencer serializes replies: typing-start, typing delay, typing-stop,
// send. Replies that arrive while a turn is in flight wait in order, with a
// response pause between turns. It is driven only by the session loop.
type Sequencer struct {
	out      Emitter
	slot     *schedule.Slot
	jitter   *reliability.Jitter
	typing   Window
	response Window
	fire     func(gen uint64)

	queue    []Reply
	current  *Reply
	phase    phase
	isTyping bool
}

// New builds a sequencer around slot. fire is handed to the slot on every
// arm and must route the firing back into the loop, which then calls Fire.
func New(out Emitter, slot *schedule.Slot, jitter *reliability.Jitter, typing, response Window, fire func(gen uint64)) *Sequencer {
	return &Sequencer{
		out:      out,
		slot:     slot,
		jitter:   jitter,
		typing:   typing,
		response: response,
		fire:     fire,
	}
}

func (s *Sequencer) Slot() *schedule.Slot { return s.slot }

// Busy reports whether a turn is typing or pausing.
func (s *Sequencer) Busy() bool { return s.phase != phaseIdle }

// Pending is the number of replies waiting behind the current turn.
func (s *Sequencer) Pending() int { return len(s.queue) }

func (s *Sequencer) Typing() bool { return s.isTyping }

// Enqueue schedules r. The typing indicator goes out immediately when no
// other turn is in flight.
func (s *Sequencer) Enqueue(r Reply) error {
	s.queue = append(s.queue, r)
	if s.phase != phaseIdle {
		return nil
	}
	return s.begin()
}

func (s *Sequencer) begin() error {
	if len(s.queue) == 0 {
		s.phase = phaseIdle
		return nil
	}
	r := s.queue[0]
	s.queue = s.queue[1:]
	s.current = &r
	s.phase = phaseTyping
	s.slot.Arm(s.jitter.Between(s.typing.Min, s.typing.Max), s.fire)
	if _, err := s.StartTyping(); err != nil {
		return err
	}
	return nil
}

// Fire advances the sequencer after its slot fired. It returns the reply that
// was sent, if any.
func (s *Sequencer) Fire() (*Sent, error) {
	switch s.phase {
	case phaseTyping:
		r := *s.current
		s.current = nil
		s.phase = phaseIdle
		_, stopErr := s.StopTyping()
		sendErr := s.out.Emit(protocol.EmitSendMessage, protocol.OutboundMessage{Text: r.Text})
		if sendErr != nil {
			sendErr = fmt.Errorf("send reply: %w", sendErr)
		}
		if r.Last || r.Greeting {
			s.queue = nil
		} else if len(s.queue) > 0 {
			s.phase = phasePause
			s.slot.Arm(s.jitter.Between(s.response.Min, s.response.Max), s.fire)
		}
		return &Sent{Reply: r, Err: sendErr}, stopErr
	case phasePause:
		return nil, s.begin()
	default:
		return nil, nil
	}
}

// StartTyping emits typing-start unless already typing.
func (s *Sequencer) StartTyping() (bool, error) {
	if s.isTyping {
		return false, nil
	}
	s.isTyping = true
	if err := s.out.Emit(protocol.EmitStartTyping); err != nil {
		return true, fmt.Errorf("start typing: %w", err)
	}
	return true, nil
}

// StopTyping emits typing-stop only while typing.
func (s *Sequencer) StopTyping() (bool, error) {
	if !s.isTyping {
		return false, nil
	}
	s.isTyping = false
	if err := s.out.Emit(protocol.EmitStopTyping); err != nil {
		return true, fmt.Errorf("stop typing: %w", err)
	}
	return true, nil
}

// Reset drops queued replies and forgets the typing state without emitting
// anything. The slot itself is owned by the dialog and stopped there.
func (s *Sequencer) Reset() {
	s.slot.Stop()
	s.queue = nil
	s.current = nil
	s.phase = phaseIdle
	s.isTyping = false
}
