package storage

import (
	"context"
	"errors"
	"time"

	"github.com/letterdrop/letterdrop/internal/models"
)

// ErrConflict reports that a write lost to a uniqueness constraint. Callers
// use it to fall back to reading the row that won.
var ErrConflict = errors.New("storage: conflict")

type Storage interface {
	// Authors
	CreateAuthor(ctx context.Context, a *models.Author) error
	GetAuthorByAPIKey(ctx context.Context, apiKey string) (*models.Author, error)
	ListAuthors(ctx context.Context) ([]models.Author, error)

	// Subscribers
	CreateSubscription(ctx context.Context, sub *models.Subscriber, token string) error
	GetSubscriber(ctx context.Context, id string) (*models.Subscriber, error)
	GetSubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error)
	GetSubscriberByToken(ctx context.Context, token string) (*models.Subscriber, error)
	ListSubscribers(ctx context.Context) ([]models.Subscriber, error)
	UpsertSubscriptionToken(ctx context.Context, subscriberID, token string) error
	ConfirmSubscriber(ctx context.Context, id string) error
	DeleteSubscriber(ctx context.Context, id string) error

	// Newsletter issues
	GetIssue(ctx context.Context, id string) (*models.NewsletterIssue, error)
	ListIssues(ctx context.Context, limit, offset int) ([]models.NewsletterIssue, error)
	GetIssueProgress(ctx context.Context, issueID string) (*IssueProgress, error)

	// Publishing
	BeginPublish(ctx context.Context, authorID, key string) (*PublishOutcome, error)

	// Delivery queue
	ClaimDeliveryTask(ctx context.Context, now time.Time) (ClaimedTask, error)

	// Stats
	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// PublishOutcome is the result of claiming an idempotency key. Exactly one
// of Replay and Guard is set: Replay carries the response saved by an
// earlier request with the same key, Guard means this request owns the key
// and must perform the publish inside the guard's transaction.
type PublishOutcome struct {
	Replay *models.SavedResponse
	Guard  PublishGuard
}

// PublishGuard is an open transaction owning an idempotency key. Nothing
// done through it is visible until Commit; a competing request for the same
// key waits for the commit, then replays the saved response.
type PublishGuard interface {
	InsertIssue(ctx context.Context, issue *models.NewsletterIssue) error
	// EnqueueDeliveries inserts one queued task per confirmed subscriber
	// and reports how many rows it created.
	EnqueueDeliveries(ctx context.Context, issueID string) (int64, error)
	SaveResponse(ctx context.Context, resp *models.SavedResponse) error
	Commit() error
	Rollback() error
}

// ClaimedTask is a delivery task leased to one worker. The lease holds
// until an outcome call; a crashed worker's lease comes back on its own
// (Postgres drops the row lock, SQLite reclaims stale claims).
type ClaimedTask interface {
	Task() *models.DeliveryTask
	// Complete removes the task; the send succeeded.
	Complete(ctx context.Context) error
	// Requeue schedules another attempt at executeAfter.
	Requeue(ctx context.Context, nRetries int, executeAfter time.Time, lastErr string) error
	// Fail retires the task permanently, keeping the row for inspection.
	Fail(ctx context.Context, reason string) error
	// Release puts the task back unchanged.
	Release(ctx context.Context) error
}

type IssueProgress struct {
	Queued int64 `json:"queued"`
	Failed int64 `json:"failed"`
}

type Stats struct {
	TotalSubscribers     int64   `json:"total_subscribers"`
	ConfirmedSubscribers int64   `json:"confirmed_subscribers"`
	PendingSubscribers   int64   `json:"pending_subscribers"`
	TotalIssues          int64   `json:"total_issues"`
	QueuedDeliveries     int64   `json:"queued_deliveries"`
	FailedDeliveries     int64   `json:"failed_deliveries"`
	ConfirmationRate     float64 `json:"confirmation_rate"`
}
