package migration

import (
	"context"
	"fmt"

	"github.com/mmynk/splitkeeper/internal/storage"
)

// Transform changes the data shape of the store. It runs inside one
// transaction and must stage every mutation through the store it is given.
type Transform func(ctx context.Context, store storage.Store) error

// Step migrates the store from Version-1 to Version.
type Step struct {
	Version     int
	Description string
	Up          Transform
	Down        Transform // optional inverse; nil makes the step irreversible
}

// Reversible reports whether the step has an inverse.
func (s Step) Reversible() bool {
	return s.Down != nil
}

// Plan is the preview of a migration produced by DryRun.
type Plan struct {
	From  int           `json:"from"`
	To    int           `json:"to"`
	Steps []PlannedStep `json:"steps"`
}

// PlannedStep describes one step of a Plan.
type PlannedStep struct {
	Version     int    `json:"version"`
	Description string `json:"description"`
	Reversible  bool   `json:"reversible"`
}

// Register adds steps. Versions must be positive and unique.
func (m *Manager) Register(steps ...Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range steps {
		if s.Version <= 0 {
			return fmt.Errorf("step version must be positive, got %d", s.Version)
		}
		if s.Up == nil {
			return fmt.Errorf("step %d has no forward transform", s.Version)
		}
		if _, dup := m.steps[s.Version]; dup {
			return fmt.Errorf("step %d is already registered", s.Version)
		}
		m.steps[s.Version] = s
		if s.Version > m.current {
			m.current = s.Version
		}
	}
	return nil
}

// MigrationPath returns the versions to apply to go from from to to:
// exactly from+1 through to, ascending. It is empty when from >= to.
func MigrationPath(from, to int) []int {
	if from >= to {
		return []int{}
	}
	path := make([]int, 0, to-from)
	for v := from + 1; v <= to; v++ {
		path = append(path, v)
	}
	return path
}
