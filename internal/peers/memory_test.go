package peers

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRememberAndDuplicate(t *testing.T) {
	m := NewMemory(nil)
	assert.False(t, m.IsDuplicate("alice"))
	m.Remember("alice")
	assert.True(t, m.IsDuplicate("alice"))
	assert.False(t, m.IsDuplicate("bob"))
}

func TestMemoryTrimKeepsMostRecent(t *testing.T) {
	m := NewMemory(nil)
	for i := 0; i < HistoryLimit; i++ {
		m.Remember(fmt.Sprintf("peer-%d", i))
	}
	require.Equal(t, HistoryLimit, m.Len())
	assert.True(t, m.IsDuplicate("peer-0"))

	m.Remember("peer-new")
	require.Equal(t, HistoryKeep, m.Len())
	assert.False(t, m.IsDuplicate("peer-0"))
	assert.False(t, m.IsDuplicate("peer-500"))
	assert.True(t, m.IsDuplicate("peer-501"))
	assert.True(t, m.IsDuplicate("peer-999"))
	assert.True(t, m.IsDuplicate("peer-new"))
}

func TestMemoryTrimKeepsRepeatedPeerSeenInKeptWindow(t *testing.T) {
	m := NewMemory(nil)
	m.Remember("repeat")
	for i := 0; i < HistoryLimit-1; i++ {
		m.Remember(fmt.Sprintf("p%d", i))
	}
	m.Remember("repeat")
	assert.True(t, m.IsDuplicate("repeat"))
	assert.LessOrEqual(t, m.Len(), HistoryLimit)
}

func TestMemoryNeverGrowsUnbounded(t *testing.T) {
	m := NewMemory(nil)
	for i := 0; i < 5*HistoryLimit; i++ {
		m.Remember(fmt.Sprintf("x%d", i))
		require.LessOrEqual(t, m.Len(), HistoryLimit)
	}
}

func TestMemoryRestoreAttemptsAndInactive(t *testing.T) {
	m := NewMemory(nil)
	assert.Equal(t, 1, m.RestoreAttempt("alice"))
	assert.Equal(t, 2, m.RestoreAttempt("alice"))
	assert.Equal(t, 1, m.RestoreAttempt("bob"))

	assert.False(t, m.IsInactive("alice"))
	m.MarkInactive("alice")
	assert.True(t, m.IsInactive("alice"))
	assert.Equal(t, 1, m.InactiveCount())
}

func TestBlocklistMatch(t *testing.T) {
	b := NewBlocklist(DefaultBlocklist)
	cases := []struct {
		name  string
		text  string
		match string
	}{
		{"plain", "ты бот?", "ты бот"},
		{"case and punctuation", "ЭЙ, ТЫ!!!", "эй ты"},
		{"split by other word", "эй, а ты кто", ""},
		{"phrase with stripped symbols", "то самое 18+ ищи в ТГ: snaroga", "то самое 18 ищи в тг snaroga"},
		{"embedded", "это спамище", "спам"},
		{"clean", "привет, как дела?", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := b.Match(tc.text)
			if tc.match == "" {
				assert.False(t, ok, "unexpected match %q", got)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tc.match, got)
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "hello world", Normalize("Hello, World!"))
	assert.Equal(t, "mail@site.com/путь", Normalize("Mail@Site.com/Путь?"))
}

func TestMemoryIsBlockedUsesConfiguredList(t *testing.T) {
	m := NewMemory(NewBlocklist([]string{"Forbidden!"}))
	phrase, ok := m.IsBlocked("this is FORBIDDEN text")
	require.True(t, ok)
	assert.Equal(t, "forbidden", phrase)
	_, ok = m.IsBlocked("ты бот")
	assert.False(t, ok)
}
