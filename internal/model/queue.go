package model

import "time"

// QueueStatus represents the lifecycle state of a queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueComplete   QueueStatus = "complete"
	QueueFailed     QueueStatus = "failed"
	QueueSkipped    QueueStatus = "skipped"
)

// Terminal reports whether the status is only left via an explicit requeue.
func (s QueueStatus) Terminal() bool {
	return s == QueueComplete || s == QueueFailed || s == QueueSkipped
}

// QueueItem is one listing URL waiting to be ingested.
type QueueItem struct {
	ID             string            `json:"id"`
	SourceURL      string            `json:"source_url"`
	Source         string            `json:"source,omitempty"`
	Status         QueueStatus       `json:"status"`
	Attempts       int               `json:"attempts"`
	MaxAttempts    int               `json:"max_attempts"`
	LockedBy       string            `json:"locked_by,omitempty"`
	LockedUntil    *time.Time        `json:"locked_until,omitempty"`
	NextAttemptAt  time.Time         `json:"next_attempt_at"`
	RawHints       map[string]string `json:"raw_hint_fields,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	ResultEntityID string            `json:"result_entity_id,omitempty"`
}

// ClaimRequest parameterizes one atomic batch claim.
type ClaimRequest struct {
	BatchSize   int
	MaxAttempts int
	Source      string
	WorkerID    string
	LeaseTTL    time.Duration
}

// EnqueueRequest describes a URL to add to the queue.
type EnqueueRequest struct {
	SourceURL   string            `json:"source_url"`
	Source      string            `json:"source,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	RawHints    map[string]string `json:"raw_hint_fields,omitempty"`
}

// QueueFilter narrows queue listings.
type QueueFilter struct {
	Status QueueStatus
	Source string
	Limit  int
	Offset int
}

// QueueStats summarizes queue depth per status.
type QueueStats struct {
	Pending       int        `json:"pending"`
	Processing    int        `json:"processing"`
	Complete      int        `json:"complete"`
	Failed        int        `json:"failed"`
	Skipped       int        `json:"skipped"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// Total returns the number of items across all statuses.
func (s QueueStats) Total() int {
	return s.Pending + s.Processing + s.Complete + s.Failed + s.Skipped
}
