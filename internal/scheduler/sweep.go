package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/splitkeeper/internal/cycles"
	"github.com/mmynk/splitkeeper/internal/integrity"
)

// SweepTaskName is the task name the integrity sweep is registered under.
const SweepTaskName = "integrity-sweep"

// OrphanDetector finds unresolved references.
type OrphanDetector interface {
	DetectAllOrphans(ctx context.Context) (*integrity.OrphanReport, error)
}

// ChainDetector finds circular debt chains.
type ChainDetector interface {
	DetectCircularTransactionChains(ctx context.Context) (*cycles.ChainReport, error)
}

// SweepObserver receives sweep results.
type SweepObserver interface {
	ObserveSweep(orphans, cycles int, duration time.Duration, err error)
}

// SweepResult is the outcome of one sweep.
type SweepResult struct {
	Orphans  *integrity.OrphanReport
	Chains   *cycles.ChainReport
	Duration time.Duration
}

// Sweeper runs the read-only integrity sweep: orphan detection followed by
// debt cycle detection. It reports findings and never repairs them.
type Sweeper struct {
	orphans  OrphanDetector
	chains   ChainDetector
	observer SweepObserver
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. observer may be nil.
func NewSweeper(orphans OrphanDetector, chains ChainDetector, observer SweepObserver, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		orphans:  orphans,
		chains:   chains,
		observer: observer,
		logger:   logger.With("component", "sweep"),
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	result, err := s.sweep(ctx)
	elapsed := time.Since(start)

	if s.observer != nil {
		var nOrphans, nCycles int
		if result != nil {
			nOrphans = result.Orphans.Total
			nCycles = len(result.Chains.Components)
		}
		s.observer.ObserveSweep(nOrphans, nCycles, elapsed, err)
	}
	if err != nil {
		return nil, err
	}
	result.Duration = elapsed

	if result.Orphans.Total > 0 || result.Chains.HasCycles() {
		s.logger.Warn("Integrity sweep found problems",
			"orphans", result.Orphans.Total,
			"debt_cycles", len(result.Chains.Components),
			"self_payments", len(result.Chains.SelfPayments),
			"duration_ms", elapsed.Milliseconds(),
		)
		for _, o := range result.Orphans.Orphans {
			s.logger.Debug("Orphaned reference",
				"entity_kind", o.EntityKind,
				"entity_id", o.EntityID,
				"field", o.Field,
				"referenced_id", o.ReferencedID,
			)
		}
	} else {
		s.logger.Info("Integrity sweep clean", "duration_ms", elapsed.Milliseconds())
	}
	return result, nil
}

func (s *Sweeper) sweep(ctx context.Context) (*SweepResult, error) {
	orphans, err := s.orphans.DetectAllOrphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to detect orphans: %w", err)
	}
	chains, err := s.chains.DetectCircularTransactionChains(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to detect debt cycles: %w", err)
	}
	return &SweepResult{Orphans: orphans, Chains: chains}, nil
}

// Task adapts Sweep to a TaskFunc.
func (s *Sweeper) Task() TaskFunc {
	return func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	}
}
