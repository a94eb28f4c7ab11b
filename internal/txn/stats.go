package txn

import (
	"sync"
	"time"
)

// Statistics summarizes finished transactions. A commit failure followed by
// its rollback counts as two finished attempts.
type Statistics struct {
	Total           int64         `json:"total"`
	Successful      int64         `json:"successful"`
	Failed          int64         `json:"failed"`
	RolledBack      int64         `json:"rolled_back"`
	TimedOut        int64         `json:"timed_out"`
	AverageDuration time.Duration `json:"average_duration"`
	LongestDuration time.Duration `json:"longest_duration"`
}

type stats struct {
	mu    sync.Mutex
	s     Statistics
	total time.Duration
}

func (st *stats) add(outcome Outcome, d time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.s.Total++
	switch outcome {
	case OutcomeCommitted:
		st.s.Successful++
	case OutcomeCommitFailed:
		st.s.Failed++
	case OutcomeRolledBack:
		st.s.RolledBack++
	case OutcomeTimedOut:
		st.s.RolledBack++
		st.s.TimedOut++
	}
	st.total += d
	st.s.AverageDuration = st.total / time.Duration(st.s.Total)
	if d > st.s.LongestDuration {
		st.s.LongestDuration = d
	}
}

// Statistics returns a snapshot of the transaction counters.
func (m *Manager) Statistics() Statistics {
	m.stats.mu.Lock()
	defer m.stats.mu.Unlock()
	return m.stats.s
}

// ResetStatistics clears the transaction counters.
func (m *Manager) ResetStatistics() {
	m.stats.mu.Lock()
	defer m.stats.mu.Unlock()
	m.stats.s = Statistics{}
	m.stats.total = 0
}
