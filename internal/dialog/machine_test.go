package dialog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/autochat/internal/schedule"
)

func TestMachineStartAndRelease(t *testing.T) {
	clock := schedule.NewManualClock(time.Time{})
	m := NewMachine(clock)
	assert.Equal(t, StateIdle, m.State())

	d, err := m.Start("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", d.PeerID)
	assert.True(t, strings.HasPrefix(d.ChatID, "chat_"))
	assert.Equal(t, StateActive, m.State())
	assert.True(t, m.Active())

	_, err = m.Start("bob")
	assert.ErrorIs(t, err, ErrNotIdle)

	clock.Advance(3 * time.Second)
	released, err := m.Release("peer ended chat")
	require.NoError(t, err)
	assert.Equal(t, "peer ended chat", released.EndReason)
	assert.Equal(t, 3*time.Second, released.Duration(clock.Now()))
	assert.Equal(t, StateIdle, m.State())

	_, err = m.Release("again")
	assert.ErrorIs(t, err, ErrNoDialog)
}

func TestMachineReceivedRearmsSingleInactivityTimer(t *testing.T) {
	clock := schedule.NewManualClock(time.Time{})
	m := NewMachine(clock)
	_, err := m.Start("alice")
	require.NoError(t, err)

	var fired []uint64
	fire := func(gen uint64) { fired = append(fired, gen) }

	require.NoError(t, m.ArmInactivity(15*time.Second, fire))
	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Second)
		_, err := m.Received()
		require.NoError(t, err)
		require.NoError(t, m.ArmInactivity(15*time.Second, fire))
		assert.Equal(t, 1, clock.Pending(), "exactly one inactivity timer may be pending")
	}
	assert.Empty(t, fired)

	d, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, 3, d.MessageCount)

	clock.Advance(15 * time.Second)
	require.Len(t, fired, 1)
	assert.True(t, m.InactivitySlot().Claim(fired[0]))
}

func TestMachineBeginEndingStopsInactivity(t *testing.T) {
	clock := schedule.NewManualClock(time.Time{})
	m := NewMachine(clock)
	_, err := m.Start("alice")
	require.NoError(t, err)
	require.NoError(t, m.ArmInactivity(15*time.Second, func(uint64) {}))

	require.NoError(t, m.BeginEnding("blocklist match", 2*time.Second, func(uint64) {}))
	assert.Equal(t, StateEnding, m.State())
	assert.False(t, m.Active())
	assert.False(t, m.InactivitySlot().Armed())
	assert.True(t, m.EndingSlot().Armed())
	assert.Equal(t, "blocklist match", m.PendingReason())

	_, err = m.Received()
	assert.ErrorIs(t, err, ErrNotActive)
	assert.ErrorIs(t, m.BeginEnding("again", time.Second, func(uint64) {}), ErrNotActive)

	released, err := m.Release("")
	require.NoError(t, err)
	assert.Equal(t, "blocklist match", released.EndReason)
	assert.Zero(t, m.ArmedTimers())
	assert.Zero(t, clock.Pending())
}

func TestMachineReleaseStopsOwnedSlots(t *testing.T) {
	clock := schedule.NewManualClock(time.Time{})
	m := NewMachine(clock)
	turn := m.Own("turn")
	_, err := m.Start("alice")
	require.NoError(t, err)

	turn.Arm(4*time.Second, func(uint64) {})
	require.NoError(t, m.ArmInactivity(15*time.Second, func(uint64) {}))
	assert.Equal(t, 2, m.ArmedTimers())

	_, err = m.Release("inactivity timeout")
	require.NoError(t, err)
	assert.False(t, turn.Armed())
	assert.Zero(t, clock.Pending())
}
