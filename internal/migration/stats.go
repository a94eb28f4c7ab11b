package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mmynk/splitkeeper/internal/errs"
)

// Statistics is the persisted record of migration runs.
type Statistics struct {
	TotalRuns      int       `json:"total_runs"`
	Successful     int       `json:"successful"`
	Failed         int       `json:"failed"`
	RollbackFailed int       `json:"rollback_failed"`
	UpToDate       int       `json:"up_to_date"`
	LastRunAt      time.Time `json:"last_run_at"`
	LastFrom       int       `json:"last_from"`
	LastTo         int       `json:"last_to"`
	LastVersion    int       `json:"last_version"` // version after the last run
	LastOutcome    Outcome   `json:"last_outcome"`
	LastDurationMs int64     `json:"last_duration_ms"`
	LastError      string    `json:"last_error,omitempty"`
}

// Statistics returns the persisted statistics, zero-valued before the first
// run.
func (m *Manager) Statistics(ctx context.Context) (*Statistics, error) {
	raw, err := m.settings.Get(ctx, StatisticsKey)
	if errs.IsNotFound(err) {
		return &Statistics{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read migration statistics: %w", err)
	}
	var st Statistics
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("failed to decode migration statistics: %w", err)
	}
	return &st, nil
}

// finish records the outcome of a run, including runs with nothing to apply.
// Statistics failures are logged, never returned, so they cannot mask the
// migration result.
func (m *Manager) finish(ctx context.Context, from, to, version int, outcome Outcome, start time.Time, runErr error) {
	ctx = context.WithoutCancel(ctx)
	elapsed := m.now().Sub(start)
	if m.observer != nil {
		m.observer.ObserveMigration(outcome, elapsed)
	}

	st, err := m.Statistics(ctx)
	if err != nil {
		m.logger.Warn("Resetting unreadable migration statistics", "error", err)
		st = &Statistics{}
	}
	st.TotalRuns++
	switch outcome {
	case OutcomeSucceeded:
		st.Successful++
	case OutcomeUpToDate:
		st.UpToDate++
	case OutcomeRollbackFailed:
		st.Failed++
		st.RollbackFailed++
	default:
		st.Failed++
	}
	st.LastRunAt = start.UTC()
	st.LastFrom = from
	st.LastTo = to
	st.LastVersion = version
	st.LastOutcome = outcome
	st.LastDurationMs = elapsed.Milliseconds()
	st.LastError = ""
	if runErr != nil {
		st.LastError = runErr.Error()
	}

	data, err := json.Marshal(st)
	if err != nil {
		m.logger.Error("Failed to encode migration statistics", "error", err)
		return
	}
	if err := m.settings.Put(ctx, StatisticsKey, data); err != nil {
		m.logger.Error("Failed to persist migration statistics", "error", err)
	}
}
