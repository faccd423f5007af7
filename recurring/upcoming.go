package recurring

import (
	"context"
	"fmt"
	"sort"
)

const (
	// DefaultHorizonDays is used when the caller doesn't supply a horizon.
	DefaultHorizonDays = 30
	// MaxHorizonDays bounds the horizon to roughly ten years.
	MaxHorizonDays = 3660
)

// UpcomingItem is a rule annotated with how far away its cursor is.
type UpcomingItem struct {
	Rule      Rule
	DaysUntil int // 0 means due today (or overdue)
}

// Upcoming lists the user's active rules whose cursor falls within
// horizonDays of today, soonest first. Read-only.
func (s *Service) Upcoming(ctx context.Context, userID UserID, horizonDays int, today Date) ([]UpcomingItem, error) {
	if horizonDays < 0 || horizonDays > MaxHorizonDays {
		return nil, &ValidationError{Field: "days", Message: fmt.Sprintf("must be between 0 and %d", MaxHorizonDays)}
	}
	rules, err := s.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return UpcomingFrom(rules, horizonDays, today), nil
}

// UpcomingFrom is the pure projection behind Upcoming. The horizon is
// clamped to [0, MaxHorizonDays].
func UpcomingFrom(rules []Rule, horizonDays int, today Date) []UpcomingItem {
	limit := today.AddDays(min(max(horizonDays, 0), MaxHorizonDays))
	items := []UpcomingItem{}
	for _, r := range rules {
		if !r.IsActive || r.NextOccurrence.After(limit) {
			continue
		}
		items = append(items, UpcomingItem{
			Rule:      r,
			DaysUntil: max(today.DaysUntil(r.NextOccurrence), 0),
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Rule.NextOccurrence.Before(items[j].Rule.NextOccurrence)
	})
	return items
}
