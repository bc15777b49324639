package models

import "time"

type TaskStatus string

const (
	TaskQueued TaskStatus = "queued"
	// TaskFailed marks a task that exhausted its retries or hit a permanent
	// send error. Failed rows are kept for inspection and never claimed again;
	// successful tasks are deleted outright, so absence of a row means done.
	TaskFailed TaskStatus = "failed"
)

// DeliveryTask is one pending send of one issue to one subscriber. Identity is
// the (issue, subscriber) pair; fan-out inserts exactly one row per confirmed
// subscriber.
type DeliveryTask struct {
	IssueID      string     `json:"issue_id"`
	SubscriberID string     `json:"subscriber_id"`
	Status       TaskStatus `json:"status"`
	NRetries     int        `json:"n_retries"`
	ExecuteAfter time.Time  `json:"execute_after"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	LastError    string     `json:"last_error,omitempty"`
}
