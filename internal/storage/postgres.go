package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/letterdrop/letterdrop/internal/models"
)

type PostgresStorage struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStorage{db: db}, nil
}

func (s *PostgresStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS authors (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending_confirmation', 'confirmed')),
			subscribed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscription_tokens (
			token TEXT PRIMARY KEY,
			subscriber_id TEXT NOT NULL UNIQUE REFERENCES subscribers(id) ON DELETE CASCADE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS newsletter_issues (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			text_content TEXT NOT NULL,
			html_content TEXT NOT NULL,
			published_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_tasks (
			issue_id TEXT NOT NULL REFERENCES newsletter_issues(id) ON DELETE CASCADE,
			subscriber_id TEXT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued', 'failed')),
			n_retries INTEGER NOT NULL DEFAULT 0,
			execute_after TIMESTAMPTZ NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (issue_id, subscriber_id)
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			author_id TEXT NOT NULL REFERENCES authors(id) ON DELETE CASCADE,
			idempotency_key TEXT NOT NULL,
			response_status_code INTEGER,
			response_headers TEXT,
			response_body BYTEA,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (author_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_authors_api_key ON authors(api_key)`,
		`CREATE INDEX IF NOT EXISTS idx_subscribers_email ON subscribers(email)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_subscriber ON subscription_tokens(subscriber_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claimable ON delivery_tasks(status, execute_after) WHERE status = 'queued'`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// --- Authors ---

func (s *PostgresStorage) CreateAuthor(ctx context.Context, a *models.Author) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authors (id, name, api_key, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.Name, a.APIKey, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *PostgresStorage) GetAuthorByAPIKey(ctx context.Context, apiKey string) (*models.Author, error) {
	var a models.Author
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, created_at, updated_at FROM authors WHERE api_key = $1`, apiKey,
	).Scan(&a.ID, &a.Name, &a.APIKey, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &a, err
}

func (s *PostgresStorage) ListAuthors(ctx context.Context) ([]models.Author, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, api_key, created_at, updated_at FROM authors ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var authors []models.Author
	for rows.Next() {
		var a models.Author
		if err := rows.Scan(&a.ID, &a.Name, &a.APIKey, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		authors = append(authors, a)
	}
	return authors, rows.Err()
}

// --- Subscribers ---

func (s *PostgresStorage) CreateSubscription(ctx context.Context, sub *models.Subscriber, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscribers (id, email, name, status, subscribed_at) VALUES ($1, $2, $3, $4, $5)`,
		sub.ID, sub.Email, sub.Name, sub.Status, sub.SubscribedAt,
	); err != nil {
		if isPgUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscription_tokens (token, subscriber_id, created_at) VALUES ($1, $2, $3)`,
		token, sub.ID, time.Now().UTC(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStorage) GetSubscriber(ctx context.Context, id string) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, status, subscribed_at FROM subscribers WHERE id = $1`, id,
	).Scan(&sub.ID, &sub.Email, &sub.Name, &sub.Status, &sub.SubscribedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sub, err
}

func (s *PostgresStorage) GetSubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, status, subscribed_at FROM subscribers WHERE email = $1`, email,
	).Scan(&sub.ID, &sub.Email, &sub.Name, &sub.Status, &sub.SubscribedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sub, err
}

func (s *PostgresStorage) GetSubscriberByToken(ctx context.Context, token string) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.email, s.name, s.status, s.subscribed_at
		 FROM subscribers s
		 JOIN subscription_tokens t ON t.subscriber_id = s.id
		 WHERE t.token = $1`, token,
	).Scan(&sub.ID, &sub.Email, &sub.Name, &sub.Status, &sub.SubscribedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sub, err
}

func (s *PostgresStorage) ListSubscribers(ctx context.Context) ([]models.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, email, name, status, subscribed_at FROM subscribers ORDER BY subscribed_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []models.Subscriber
	for rows.Next() {
		var sub models.Subscriber
		if err := rows.Scan(&sub.ID, &sub.Email, &sub.Name, &sub.Status, &sub.SubscribedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStorage) UpsertSubscriptionToken(ctx context.Context, subscriberID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscription_tokens (token, subscriber_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (subscriber_id) DO UPDATE SET token = excluded.token, created_at = excluded.created_at`,
		token, subscriberID, time.Now().UTC(),
	)
	return err
}

func (s *PostgresStorage) ConfirmSubscriber(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET status = $1 WHERE id = $2`,
		models.SubscriberConfirmed, id,
	)
	return err
}

func (s *PostgresStorage) DeleteSubscriber(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = $1`, id)
	return err
}

// --- Newsletter issues ---

func (s *PostgresStorage) GetIssue(ctx context.Context, id string) (*models.NewsletterIssue, error) {
	var issue models.NewsletterIssue
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, text_content, html_content, published_at FROM newsletter_issues WHERE id = $1`, id,
	).Scan(&issue.ID, &issue.Title, &issue.TextContent, &issue.HTMLContent, &issue.PublishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &issue, err
}

func (s *PostgresStorage) ListIssues(ctx context.Context, limit, offset int) ([]models.NewsletterIssue, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, text_content, html_content, published_at FROM newsletter_issues ORDER BY published_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []models.NewsletterIssue
	for rows.Next() {
		var issue models.NewsletterIssue
		if err := rows.Scan(&issue.ID, &issue.Title, &issue.TextContent, &issue.HTMLContent, &issue.PublishedAt); err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, rows.Err()
}

func (s *PostgresStorage) GetIssueProgress(ctx context.Context, issueID string) (*IssueProgress, error) {
	p := &IssueProgress{}
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_tasks WHERE issue_id = $1 AND status = 'queued'`, issueID).Scan(&p.Queued)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_tasks WHERE issue_id = $1 AND status = 'failed'`, issueID).Scan(&p.Failed)
	return p, nil
}

// --- Publishing ---

// BeginPublish claims the (author, key) pair with a provisional idempotency
// row inside a transaction. A concurrent insert of the same key blocks on
// the primary key until this transaction ends: commit makes the loser see
// zero rows and replay the saved response, rollback lets it take over.
func (s *PostgresStorage) BeginPublish(ctx context.Context, authorID, key string) (*PublishOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency (author_id, idempotency_key, created_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		authorID, key, time.Now().UTC(),
	)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if inserted > 0 {
		return &PublishOutcome{Guard: &pgPublishGuard{tx: tx, authorID: authorID, key: key}}, nil
	}
	tx.Rollback()

	saved, err := s.getSavedResponse(ctx, authorID, key)
	if err != nil {
		return nil, err
	}
	if saved == nil {
		return nil, fmt.Errorf("idempotency key %q is taken but no response was saved", key)
	}
	return &PublishOutcome{Replay: saved}, nil
}

func (s *PostgresStorage) getSavedResponse(ctx context.Context, authorID, key string) (*models.SavedResponse, error) {
	var (
		status  sql.NullInt64
		headers sql.NullString
		body    []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT response_status_code, response_headers, response_body FROM idempotency WHERE author_id = $1 AND idempotency_key = $2`,
		authorID, key,
	).Scan(&status, &headers, &body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !status.Valid {
		return nil, nil
	}
	resp := &models.SavedResponse{StatusCode: int(status.Int64), Body: body}
	if headers.Valid {
		json.Unmarshal([]byte(headers.String), &resp.Headers)
	}
	return resp, nil
}

type pgPublishGuard struct {
	tx       *sql.Tx
	authorID string
	key      string
}

func (g *pgPublishGuard) InsertIssue(ctx context.Context, issue *models.NewsletterIssue) error {
	_, err := g.tx.ExecContext(ctx,
		`INSERT INTO newsletter_issues (id, title, text_content, html_content, published_at) VALUES ($1, $2, $3, $4, $5)`,
		issue.ID, issue.Title, issue.TextContent, issue.HTMLContent, issue.PublishedAt,
	)
	return err
}

func (g *pgPublishGuard) EnqueueDeliveries(ctx context.Context, issueID string) (int64, error) {
	now := time.Now().UTC()
	res, err := g.tx.ExecContext(ctx,
		`INSERT INTO delivery_tasks (issue_id, subscriber_id, status, n_retries, execute_after, enqueued_at)
		 SELECT $1, id, $2, 0, $3, $4 FROM subscribers WHERE status = $5`,
		issueID, models.TaskQueued, now, now, models.SubscriberConfirmed,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (g *pgPublishGuard) SaveResponse(ctx context.Context, resp *models.SavedResponse) error {
	headers, _ := json.Marshal(resp.Headers)
	_, err := g.tx.ExecContext(ctx,
		`UPDATE idempotency SET response_status_code = $1, response_headers = $2, response_body = $3 WHERE author_id = $4 AND idempotency_key = $5`,
		resp.StatusCode, string(headers), resp.Body, g.authorID, g.key,
	)
	return err
}

func (g *pgPublishGuard) Commit() error   { return g.tx.Commit() }
func (g *pgPublishGuard) Rollback() error { return g.tx.Rollback() }

// --- Delivery queue ---

// ClaimDeliveryTask leases the oldest due task with FOR UPDATE SKIP LOCKED
// and keeps the transaction open until the outcome call. Other workers skip
// the locked row; a worker crash releases the lock and the task becomes
// claimable again.
func (s *PostgresStorage) ClaimDeliveryTask(ctx context.Context, now time.Time) (ClaimedTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	var t models.DeliveryTask
	err = tx.QueryRowContext(ctx,
		`SELECT issue_id, subscriber_id, status, n_retries, execute_after, enqueued_at, last_error
		 FROM delivery_tasks
		 WHERE status = $1 AND execute_after <= $2
		 ORDER BY enqueued_at ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT 1`,
		models.TaskQueued, now.UTC(),
	).Scan(&t.IssueID, &t.SubscriberID, &t.Status, &t.NRetries, &t.ExecuteAfter, &t.EnqueuedAt, &t.LastError)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	return &pgClaim{tx: tx, task: &t}, nil
}

type pgClaim struct {
	tx   *sql.Tx
	task *models.DeliveryTask
}

func (c *pgClaim) Task() *models.DeliveryTask { return c.task }

func (c *pgClaim) Complete(ctx context.Context) error {
	if _, err := c.tx.ExecContext(ctx,
		`DELETE FROM delivery_tasks WHERE issue_id = $1 AND subscriber_id = $2`,
		c.task.IssueID, c.task.SubscriberID,
	); err != nil {
		c.tx.Rollback()
		return err
	}
	return c.tx.Commit()
}

func (c *pgClaim) Requeue(ctx context.Context, nRetries int, executeAfter time.Time, lastErr string) error {
	if _, err := c.tx.ExecContext(ctx,
		`UPDATE delivery_tasks SET n_retries = $1, execute_after = $2, last_error = $3
		 WHERE issue_id = $4 AND subscriber_id = $5`,
		nRetries, executeAfter.UTC(), lastErr, c.task.IssueID, c.task.SubscriberID,
	); err != nil {
		c.tx.Rollback()
		return err
	}
	return c.tx.Commit()
}

func (c *pgClaim) Fail(ctx context.Context, reason string) error {
	if _, err := c.tx.ExecContext(ctx,
		`UPDATE delivery_tasks SET status = $1, last_error = $2
		 WHERE issue_id = $3 AND subscriber_id = $4`,
		models.TaskFailed, reason, c.task.IssueID, c.task.SubscriberID,
	); err != nil {
		c.tx.Rollback()
		return err
	}
	return c.tx.Commit()
}

func (c *pgClaim) Release(ctx context.Context) error {
	return c.tx.Rollback()
}

// --- Stats ---

func (s *PostgresStorage) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscribers`).Scan(&stats.TotalSubscribers)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscribers WHERE status = 'confirmed'`).Scan(&stats.ConfirmedSubscribers)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscribers WHERE status = 'pending_confirmation'`).Scan(&stats.PendingSubscribers)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM newsletter_issues`).Scan(&stats.TotalIssues)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_tasks WHERE status = 'queued'`).Scan(&stats.QueuedDeliveries)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivery_tasks WHERE status = 'failed'`).Scan(&stats.FailedDeliveries)

	if stats.TotalSubscribers > 0 {
		stats.ConfirmationRate = float64(stats.ConfirmedSubscribers) / float64(stats.TotalSubscribers) * 100
	}

	return stats, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
