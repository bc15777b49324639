package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/letterdrop/letterdrop/internal/email"
	"github.com/letterdrop/letterdrop/internal/metrics"
	"github.com/letterdrop/letterdrop/internal/models"
	"github.com/letterdrop/letterdrop/internal/storage"
	"github.com/rs/zerolog"
)

type Worker struct {
	store         storage.Storage
	sender        email.Sender
	maxRetries    int
	retrySchedule []time.Duration
	sendTimeout   time.Duration
	log           zerolog.Logger
	now           func() time.Time
}

func NewWorker(store storage.Storage, sender email.Sender, maxRetries int, retrySchedule []time.Duration, sendTimeout time.Duration, log zerolog.Logger) *Worker {
	return &Worker{
		store:         store,
		sender:        sender,
		maxRetries:    maxRetries,
		retrySchedule: retrySchedule,
		sendTimeout:   sendTimeout,
		log:           log,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// ProcessOne claims and settles a single delivery task. It reports false
// when nothing was due. A non-nil error means the store could not be
// reached or the claimed task could not be settled.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	claim, err := w.store.ClaimDeliveryTask(ctx, w.now())
	if err != nil {
		return false, fmt.Errorf("failed to claim delivery task: %w", err)
	}
	if claim == nil {
		return false, nil
	}

	task := claim.Task()
	log := w.log.With().
		Str("issue_id", task.IssueID).
		Str("subscriber_id", task.SubscriberID).
		Logger()

	issue, err := w.store.GetIssue(ctx, task.IssueID)
	if err != nil {
		claim.Release(ctx)
		return false, fmt.Errorf("failed to get issue for delivery: %w", err)
	}
	sub, err := w.store.GetSubscriber(ctx, task.SubscriberID)
	if err != nil {
		claim.Release(ctx)
		return false, fmt.Errorf("failed to get subscriber for delivery: %w", err)
	}
	// The issue or subscriber can vanish between enqueue and claim; the
	// task is meaningless then and retrying would never help.
	if issue == nil || sub == nil {
		log.Warn().Msg("discarding delivery task with missing issue or subscriber")
		if err := claim.Complete(ctx); err != nil {
			return false, fmt.Errorf("failed to discard delivery task: %w", err)
		}
		return true, nil
	}
	if sub.Status != models.SubscriberConfirmed {
		log.Warn().Str("status", string(sub.Status)).Msg("discarding delivery task for unconfirmed subscriber")
		if err := claim.Complete(ctx); err != nil {
			return false, fmt.Errorf("failed to discard delivery task: %w", err)
		}
		return true, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	sendErr := w.sender.Send(sendCtx, email.Message{
		To:      sub.Email,
		Subject: issue.Title,
		HTML:    issue.HTMLContent,
		Text:    issue.TextContent,
	})
	cancel()

	if sendErr == nil {
		metrics.EmailSendSuccess.Inc()
		metrics.DeliveriesSent.Inc()
		log.Info().Msg("delivery succeeded")
		if err := claim.Complete(ctx); err != nil {
			return false, fmt.Errorf("failed to complete delivery task: %w", err)
		}
		return true, nil
	}
	metrics.EmailSendFailure.Inc()

	if errors.Is(sendErr, email.ErrInvalidRecipient) {
		metrics.DeliveriesFailed.WithLabelValues("invalid_recipient").Inc()
		log.Warn().Err(sendErr).Msg("delivery permanently failed")
		if err := claim.Fail(ctx, sendErr.Error()); err != nil {
			return false, fmt.Errorf("failed to retire delivery task: %w", err)
		}
		return true, nil
	}

	n := task.NRetries + 1
	if n > w.maxRetries {
		metrics.DeliveriesFailed.WithLabelValues("retries_exhausted").Inc()
		log.Warn().Err(sendErr).Int("retries", task.NRetries).Msg("delivery permanently failed")
		if err := claim.Fail(ctx, sendErr.Error()); err != nil {
			return false, fmt.Errorf("failed to retire delivery task: %w", err)
		}
		return true, nil
	}

	next := NextRetryTime(w.now(), n, w.retrySchedule)
	metrics.DeliveriesRetried.Inc()
	log.Info().Err(sendErr).Int("retry", n).Time("next_retry", next).Msg("delivery scheduled for retry")
	if err := claim.Requeue(ctx, n, next, sendErr.Error()); err != nil {
		return false, fmt.Errorf("failed to requeue delivery task: %w", err)
	}
	return true, nil
}
