package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/letterdrop/letterdrop/internal/models"
	"github.com/mattn/go-sqlite3"
)

type SQLiteStorage struct {
	db *sql.DB
	// reclaimAfter bounds how long a claimed task stays invisible to other
	// workers before it is assumed abandoned.
	reclaimAfter time.Duration
}

// NewSQLite opens the database at path. The single connection serializes
// all transactions in this process; a publish losing an idempotency key
// race therefore waits for the winner's commit and replays its response.
// A second process sharing the file gets no such ordering: its writes wait
// at most the busy timeout, then fail with SQLITE_BUSY. Run exactly one
// process per database file; use the Postgres driver to run the API and
// workers as separate processes.
func NewSQLite(path string, reclaimAfter time.Duration) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if reclaimAfter <= 0 {
		reclaimAfter = 5 * time.Minute
	}
	return &SQLiteStorage{db: db, reclaimAfter: reclaimAfter}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS authors (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			api_key TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS subscribers (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending_confirmation', 'confirmed')),
			subscribed_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscription_tokens (
			token TEXT PRIMARY KEY,
			subscriber_id TEXT NOT NULL UNIQUE REFERENCES subscribers(id) ON DELETE CASCADE,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS newsletter_issues (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			text_content TEXT NOT NULL,
			html_content TEXT NOT NULL,
			published_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_tasks (
			issue_id TEXT NOT NULL REFERENCES newsletter_issues(id) ON DELETE CASCADE,
			subscriber_id TEXT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued', 'failed')),
			n_retries INTEGER NOT NULL DEFAULT 0,
			execute_after DATETIME NOT NULL,
			enqueued_at DATETIME NOT NULL,
			claimed_at DATETIME,
			last_error TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (issue_id, subscriber_id)
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			author_id TEXT NOT NULL REFERENCES authors(id) ON DELETE CASCADE,
			idempotency_key TEXT NOT NULL,
			response_status_code INTEGER,
			response_headers TEXT,
			response_body BLOB,
			created_at DATETIME NOT NULL,
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

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Authors ---

func (s *SQLiteStorage) CreateAuthor(ctx context.Context, a *models.Author) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authors (id, name, api_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.APIKey, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) GetAuthorByAPIKey(ctx context.Context, apiKey string) (*models.Author, error) {
	var a models.Author
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, api_key, created_at, updated_at FROM authors WHERE api_key = ?`, apiKey,
	).Scan(&a.ID, &a.Name, &a.APIKey, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &a, err
}

func (s *SQLiteStorage) ListAuthors(ctx context.Context) ([]models.Author, error) {
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

func (s *SQLiteStorage) CreateSubscription(ctx context.Context, sub *models.Subscriber, token string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscribers (id, email, name, status, subscribed_at) VALUES (?, ?, ?, ?, ?)`,
		sub.ID, sub.Email, sub.Name, sub.Status, sub.SubscribedAt,
	); err != nil {
		if isSQLiteUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscription_tokens (token, subscriber_id, created_at) VALUES (?, ?, ?)`,
		token, sub.ID, time.Now().UTC(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetSubscriber(ctx context.Context, id string) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, status, subscribed_at FROM subscribers WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.Email, &sub.Name, &sub.Status, &sub.SubscribedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sub, err
}

func (s *SQLiteStorage) GetSubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, status, subscribed_at FROM subscribers WHERE email = ?`, email,
	).Scan(&sub.ID, &sub.Email, &sub.Name, &sub.Status, &sub.SubscribedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sub, err
}

func (s *SQLiteStorage) GetSubscriberByToken(ctx context.Context, token string) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.email, s.name, s.status, s.subscribed_at
		 FROM subscribers s
		 JOIN subscription_tokens t ON t.subscriber_id = s.id
		 WHERE t.token = ?`, token,
	).Scan(&sub.ID, &sub.Email, &sub.Name, &sub.Status, &sub.SubscribedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &sub, err
}

func (s *SQLiteStorage) ListSubscribers(ctx context.Context) ([]models.Subscriber, error) {
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

func (s *SQLiteStorage) UpsertSubscriptionToken(ctx context.Context, subscriberID, token string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscription_tokens (token, subscriber_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (subscriber_id) DO UPDATE SET token = excluded.token, created_at = excluded.created_at`,
		token, subscriberID, time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStorage) ConfirmSubscriber(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET status = ? WHERE id = ?`,
		models.SubscriberConfirmed, id,
	)
	return err
}

func (s *SQLiteStorage) DeleteSubscriber(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = ?`, id)
	return err
}

// --- Newsletter issues ---

func (s *SQLiteStorage) GetIssue(ctx context.Context, id string) (*models.NewsletterIssue, error) {
	var issue models.NewsletterIssue
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, text_content, html_content, published_at FROM newsletter_issues WHERE id = ?`, id,
	).Scan(&issue.ID, &issue.Title, &issue.TextContent, &issue.HTMLContent, &issue.PublishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &issue, err
}

func (s *SQLiteStorage) ListIssues(ctx context.Context, limit, offset int) ([]models.NewsletterIssue, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, text_content, html_content, published_at FROM newsletter_issues ORDER BY published_at DESC LIMIT ? OFFSET ?`,
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

func (s *SQLiteStorage) GetIssueProgress(ctx context.Context, issueID string) (*IssueProgress, error) {
	p := &IssueProgress{}
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_tasks WHERE issue_id = ? AND status = 'queued'`, issueID).Scan(&p.Queued)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_tasks WHERE issue_id = ? AND status = 'failed'`, issueID).Scan(&p.Failed)
	return p, nil
}

// --- Publishing ---

// BeginPublish claims the (author, key) pair with a provisional idempotency
// row. With a single connection the loser of a race simply waits for the
// winner's transaction before its insert reports zero rows.
func (s *SQLiteStorage) BeginPublish(ctx context.Context, authorID, key string) (*PublishOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency (author_id, idempotency_key, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
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
		return &PublishOutcome{Guard: &sqlitePublishGuard{tx: tx, authorID: authorID, key: key}}, nil
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

func (s *SQLiteStorage) getSavedResponse(ctx context.Context, authorID, key string) (*models.SavedResponse, error) {
	var (
		status  sql.NullInt64
		headers sql.NullString
		body    []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT response_status_code, response_headers, response_body FROM idempotency WHERE author_id = ? AND idempotency_key = ?`,
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

type sqlitePublishGuard struct {
	tx       *sql.Tx
	authorID string
	key      string
}

func (g *sqlitePublishGuard) InsertIssue(ctx context.Context, issue *models.NewsletterIssue) error {
	_, err := g.tx.ExecContext(ctx,
		`INSERT INTO newsletter_issues (id, title, text_content, html_content, published_at) VALUES (?, ?, ?, ?, ?)`,
		issue.ID, issue.Title, issue.TextContent, issue.HTMLContent, issue.PublishedAt,
	)
	return err
}

func (g *sqlitePublishGuard) EnqueueDeliveries(ctx context.Context, issueID string) (int64, error) {
	now := time.Now().UTC()
	res, err := g.tx.ExecContext(ctx,
		`INSERT INTO delivery_tasks (issue_id, subscriber_id, status, n_retries, execute_after, enqueued_at)
		 SELECT ?, id, ?, 0, ?, ? FROM subscribers WHERE status = ?`,
		issueID, models.TaskQueued, now, now, models.SubscriberConfirmed,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (g *sqlitePublishGuard) SaveResponse(ctx context.Context, resp *models.SavedResponse) error {
	headers, _ := json.Marshal(resp.Headers)
	_, err := g.tx.ExecContext(ctx,
		`UPDATE idempotency SET response_status_code = ?, response_headers = ?, response_body = ? WHERE author_id = ? AND idempotency_key = ?`,
		resp.StatusCode, string(headers), resp.Body, g.authorID, g.key,
	)
	return err
}

func (g *sqlitePublishGuard) Commit() error   { return g.tx.Commit() }
func (g *sqlitePublishGuard) Rollback() error { return g.tx.Rollback() }

// --- Delivery queue ---

// ClaimDeliveryTask leases the oldest due task by stamping claimed_at. A
// stale stamp (older than reclaimAfter) counts as abandoned and the row is
// claimable again; the guarded update keeps two pollers from both winning.
func (s *SQLiteStorage) ClaimDeliveryTask(ctx context.Context, now time.Time) (ClaimedTask, error) {
	now = now.UTC()
	reclaimBefore := now.Add(-s.reclaimAfter)

	var t models.DeliveryTask
	err := s.db.QueryRowContext(ctx,
		`SELECT issue_id, subscriber_id, status, n_retries, execute_after, enqueued_at, last_error
		 FROM delivery_tasks
		 WHERE status = ? AND execute_after <= ? AND (claimed_at IS NULL OR claimed_at <= ?)
		 ORDER BY enqueued_at ASC
		 LIMIT 1`,
		models.TaskQueued, now, reclaimBefore,
	).Scan(&t.IssueID, &t.SubscriberID, &t.Status, &t.NRetries, &t.ExecuteAfter, &t.EnqueuedAt, &t.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE delivery_tasks SET claimed_at = ?
		 WHERE issue_id = ? AND subscriber_id = ? AND status = ? AND (claimed_at IS NULL OR claimed_at <= ?)`,
		now, t.IssueID, t.SubscriberID, models.TaskQueued, reclaimBefore,
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// another worker got there first; the next poll finds a different task
		return nil, nil
	}
	return &sqliteClaim{db: s.db, task: &t}, nil
}

type sqliteClaim struct {
	db   *sql.DB
	task *models.DeliveryTask
}

func (c *sqliteClaim) Task() *models.DeliveryTask { return c.task }

func (c *sqliteClaim) Complete(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM delivery_tasks WHERE issue_id = ? AND subscriber_id = ?`,
		c.task.IssueID, c.task.SubscriberID,
	)
	return err
}

func (c *sqliteClaim) Requeue(ctx context.Context, nRetries int, executeAfter time.Time, lastErr string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE delivery_tasks SET n_retries = ?, execute_after = ?, last_error = ?, claimed_at = NULL
		 WHERE issue_id = ? AND subscriber_id = ?`,
		nRetries, executeAfter.UTC(), lastErr, c.task.IssueID, c.task.SubscriberID,
	)
	return err
}

func (c *sqliteClaim) Fail(ctx context.Context, reason string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE delivery_tasks SET status = ?, last_error = ?, claimed_at = NULL
		 WHERE issue_id = ? AND subscriber_id = ?`,
		models.TaskFailed, reason, c.task.IssueID, c.task.SubscriberID,
	)
	return err
}

func (c *sqliteClaim) Release(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE delivery_tasks SET claimed_at = NULL WHERE issue_id = ? AND subscriber_id = ?`,
		c.task.IssueID, c.task.SubscriberID,
	)
	return err
}

// --- Stats ---

func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
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

func isSQLiteUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
