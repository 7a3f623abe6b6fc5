package domain

import "time"

// AutoApprovalRules decide which new items may be approved without a human
type AutoApprovalRules struct {
	MaxComplexity      int
	MinImpact          int
	ExcludedCategories []string
}

// Excludes returns true if the category is on the exclusion list
func (r AutoApprovalRules) Excludes(category string) bool {
	for _, c := range r.ExcludedCategories {
		if c == category {
			return true
		}
	}
	return false
}

// Accepts returns true if an item passes all acceptance rules
func (r AutoApprovalRules) Accepts(item *BacklogItem) bool {
	return item.Complexity <= r.MaxComplexity &&
		item.Impact >= r.MinImpact &&
		!r.Excludes(item.Category)
}

// GuardianRails are the configured safety limits on autonomous behavior
type GuardianRails struct {
	MaxItemsPerDay               int
	PauseOnFailure               bool
	RequireHumanReviewComplexity int
}

// ExecutionWindow is the range of local hours during which scheduled
// execution may run. StartHour > EndHour means the window wraps midnight.
type ExecutionWindow struct {
	StartHour int // 0-23
	EndHour   int // 0-23
}

// Contains reports whether the given hour falls inside the window
func (w ExecutionWindow) Contains(hour int) bool {
	if w.StartHour > w.EndHour {
		return hour >= w.StartHour || hour < w.EndHour
	}
	return hour >= w.StartHour && hour < w.EndHour
}

// AutopilotConfig is the per-repository autopilot configuration
type AutopilotConfig struct {
	RepositoryID   string
	RepositoryName string
	UserID         string
	Enabled        bool
	Cron           string // empty means never scheduled
	Rules          AutoApprovalRules
	Rails          GuardianRails
	Window         ExecutionWindow
	LastHeartbeat  *time.Time
}
