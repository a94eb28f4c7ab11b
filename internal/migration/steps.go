package migration

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmynk/splitkeeper/internal/storage"
)

// DefaultSteps returns the data migrations of this build, oldest first.
func DefaultSteps() []Step {
	return []Step{
		{
			Version:     1,
			Description: "baseline",
			Up:          noop,
			Down:        noop,
		},
		{
			Version:     2,
			Description: "trim whitespace from person and group names",
			Up:          trimNames,
		},
		{
			Version:     3,
			Description: "remove duplicate group members",
			Up:          dedupeGroupMembers,
		},
	}
}

func noop(context.Context, storage.Store) error { return nil }

func trimNames(ctx context.Context, s storage.Store) error {
	persons, err := storage.Persons(ctx, s, storage.All)
	if err != nil {
		return fmt.Errorf("failed to fetch persons: %w", err)
	}
	for _, p := range persons {
		if trimmed := strings.TrimSpace(p.Name); trimmed != p.Name {
			p.Name = trimmed
			if err := s.Insert(ctx, p); err != nil {
				return fmt.Errorf("failed to update person %q: %w", p.ID, err)
			}
		}
	}

	groups, err := storage.Groups(ctx, s, storage.All)
	if err != nil {
		return fmt.Errorf("failed to fetch groups: %w", err)
	}
	for _, g := range groups {
		if trimmed := strings.TrimSpace(g.Name); trimmed != g.Name {
			g.Name = trimmed
			if err := s.Insert(ctx, g); err != nil {
				return fmt.Errorf("failed to update group %q: %w", g.ID, err)
			}
		}
	}
	return nil
}

func dedupeGroupMembers(ctx context.Context, s storage.Store) error {
	groups, err := storage.Groups(ctx, s, storage.All)
	if err != nil {
		return fmt.Errorf("failed to fetch groups: %w", err)
	}
	for _, g := range groups {
		seen := make(map[string]struct{}, len(g.Members))
		members := make([]string, 0, len(g.Members))
		for _, id := range g.Members {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			members = append(members, id)
		}
		if len(members) == len(g.Members) {
			continue
		}
		g.Members = members
		if err := s.Insert(ctx, g); err != nil {
			return fmt.Errorf("failed to update group %q: %w", g.ID, err)
		}
	}
	return nil
}
