package domain

import "time"

// ItemStatus represents the lifecycle state of a backlog item
type ItemStatus string

const (
	ItemNew        ItemStatus = "new"
	ItemApproved   ItemStatus = "approved"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemRejected   ItemStatus = "rejected"
	ItemDeferred   ItemStatus = "deferred"
)

// ItemSource records who created a backlog item
type ItemSource string

const (
	SourceManual    ItemSource = "manual"
	SourceAutopilot ItemSource = "autopilot"
)

// BacklogItem represents a proposed unit of work
type BacklogItem struct {
	ID           string
	RepositoryID string
	Title        string
	Status       ItemStatus
	Complexity   int
	Impact       int
	Category     string
	Source       ItemSource
	RunID        string // Autopilot run that created or consumed this item
	BranchName   string
	PRURL        string
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// itemTransitions lists the allowed status moves. Statuses advance forward
// only, except for the explicit restore of rejected/deferred back to new.
var itemTransitions = map[ItemStatus][]ItemStatus{
	ItemNew:        {ItemApproved, ItemRejected, ItemDeferred},
	ItemApproved:   {ItemInProgress, ItemRejected, ItemDeferred},
	ItemInProgress: {ItemCompleted, ItemRejected, ItemDeferred},
	ItemRejected:   {ItemNew},
	ItemDeferred:   {ItemNew},
	ItemCompleted:  nil,
}

// CanTransition reports whether an item may move from one status to another
func CanTransition(from, to ItemStatus) bool {
	for _, next := range itemTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsPending returns true for statuses that count against backlog capacity
func (s ItemStatus) IsPending() bool {
	return s == ItemNew || s == ItemApproved
}
