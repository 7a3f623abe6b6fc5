package domain

import "time"

// EventType identifies the kind of notification event
type EventType string

const (
	EventAnalysisCompleted   EventType = "analysis_completed"
	EventHighPriorityFinding EventType = "high_priority_finding"
	EventExecutionCompleted  EventType = "execution_completed"
	EventExecutionFailed     EventType = "execution_failed"
	EventDailyDigest         EventType = "daily_digest"
)

// EventData is the closed union of per-kind event payloads. Each variant
// corresponds to exactly one EventType.
type EventData interface {
	eventData()
}

// AnalysisCompletedData is the payload for analysis_completed events
type AnalysisCompletedData struct {
	ItemsCreated  int `json:"items_created"`
	ItemsApproved int `json:"items_approved"`
}

// HighPriorityFindingData is the payload for high_priority_finding events
type HighPriorityFindingData struct {
	ItemID   string `json:"item_id"`
	Title    string `json:"title"`
	Impact   int    `json:"impact"`
	Category string `json:"category"`
}

// ExecutionCompletedData is the payload for execution_completed events
type ExecutionCompletedData struct {
	ItemID   string        `json:"item_id"`
	Title    string        `json:"title"`
	PRURL    string        `json:"pr_url,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// ExecutionFailedData is the payload for execution_failed events
type ExecutionFailedData struct {
	ItemID    string `json:"item_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}

// DailyDigestData is the payload for daily_digest events
type DailyDigestData struct {
	ItemsCompleted int `json:"items_completed"`
	ItemsFailed    int `json:"items_failed"`
	ItemsPending   int `json:"items_pending"`
}

func (AnalysisCompletedData) eventData()   {}
func (HighPriorityFindingData) eventData() {}
func (ExecutionCompletedData) eventData()  {}
func (ExecutionFailedData) eventData()     {}
func (DailyDigestData) eventData()         {}

// NotificationEvent is an immutable record of something that happened.
// Data holds the variant matching Type.
type NotificationEvent struct {
	Type           EventType
	UserID         string
	RepositoryID   string
	RepositoryName string
	OccurredAt     time.Time
	Data           EventData
}
