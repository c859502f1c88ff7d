// Package peers remembers which peers the run has already talked to and
// filters inbound text against a blocklist.
package peers

const (
	// HistoryLimit is the size at which the history is trimmed.
	HistoryLimit = 1000
	// HistoryKeep is how many of the most recent peers survive a trim.
	HistoryKeep = 500
)

// Memory is the per-run peer history. It is owned by the session loop and is
// not safe for concurrent use.
type Memory struct {
	history  []string
	seen     map[string]int
	inactive map[string]struct{}
	restores map[string]int
	blocked  *Blocklist
}

func NewMemory(blocklist *Blocklist) *Memory {
	if blocklist == nil {
		blocklist = NewBlocklist(DefaultBlocklist)
	}
	return &Memory{
		seen:     make(map[string]int),
		inactive: make(map[string]struct{}),
		restores: make(map[string]int),
		blocked:  blocklist,
	}
}

// IsDuplicate reports whether peerID is in the history.
func (m *Memory) IsDuplicate(peerID string) bool {
	return m.seen[peerID] > 0
}

// Remember appends peerID to the history, trimming to the most recent
// HistoryKeep entries once HistoryLimit is exceeded.
func (m *Memory) Remember(peerID string) {
	m.history = append(m.history, peerID)
	m.seen[peerID]++
	if len(m.history) <= HistoryLimit {
		return
	}
	drop := len(m.history) - HistoryKeep
	for _, id := range m.history[:drop] {
		if m.seen[id]--; m.seen[id] <= 0 {
			delete(m.seen, id)
		}
	}
	kept := make([]string, HistoryKeep)
	copy(kept, m.history[drop:])
	m.history = kept
}

// RestoreAttempt increments and returns the restore counter of a peer that
// reappeared during the run.
func (m *Memory) RestoreAttempt(peerID string) int {
	m.restores[peerID]++
	return m.restores[peerID]
}

func (m *Memory) MarkInactive(peerID string) {
	m.inactive[peerID] = struct{}{}
}

func (m *Memory) IsInactive(peerID string) bool {
	_, ok := m.inactive[peerID]
	return ok
}

// IsBlocked returns the first blocked phrase found in text.
func (m *Memory) IsBlocked(text string) (string, bool) {
	return m.blocked.Match(text)
}

// Len is the current history length.
func (m *Memory) Len() int { return len(m.history) }

// InactiveCount is the number of peers marked permanently inactive.
func (m *Memory) InactiveCount() int { return len(m.inactive) }
