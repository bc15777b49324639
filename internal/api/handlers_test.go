package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/letterdrop/letterdrop/internal/config"
	"github.com/letterdrop/letterdrop/internal/email"
	"github.com/letterdrop/letterdrop/internal/models"
	"github.com/letterdrop/letterdrop/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSender struct {
	err  error
	sent []email.Message
}

func (s *stubSender) Send(_ context.Context, msg email.Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

type testEnv struct {
	srv    *Server
	store  *storage.SQLiteStorage
	sender *stubSender
	author *models.Author
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewSQLite(":memory:", time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate(context.Background()))

	author := &models.Author{
		ID:        models.NewID("aut"),
		Name:      "editor",
		APIKey:    models.NewAPIKey(),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateAuthor(context.Background(), author))

	sender := &stubSender{}
	srv := NewServer(config.ServerConfig{BaseURL: "http://news.example.com"}, store, sender, zerolog.Nop())
	return &testEnv{srv: srv, store: store, sender: sender, author: author}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(rec, req)
	return rec
}

func jsonRequest(t *testing.T, method, path string, payload interface{}) *http.Request {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func (e *testEnv) subscribe(t *testing.T, address, name string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, jsonRequest(t, http.MethodPost, "/subscriptions", map[string]string{
		"email": address,
		"name":  name,
	}))
}

func (e *testEnv) publish(t *testing.T, key, title string) *httptest.ResponseRecorder {
	t.Helper()
	req := jsonRequest(t, http.MethodPost, "/newsletters", map[string]string{
		"title":        title,
		"text_content": "plain body",
		"html_content": "<p>body</p>",
	})
	req.Header.Set("Authorization", "Bearer "+e.author.APIKey)
	req.Header.Set("Idempotency-Key", key)
	return e.do(t, req)
}

func (e *testEnv) addConfirmedSubscriber(t *testing.T, address string) *models.Subscriber {
	t.Helper()
	sub := &models.Subscriber{
		ID:           models.NewID("sub"),
		Email:        address,
		Name:         "Reader",
		Status:       models.SubscriberPending,
		SubscribedAt: time.Now().UTC(),
	}
	require.NoError(t, e.store.CreateSubscription(context.Background(), sub, models.NewConfirmationToken()))
	require.NoError(t, e.store.ConfirmSubscriber(context.Background(), sub.ID))
	sub.Status = models.SubscriberConfirmed
	return sub
}

var tokenPattern = regexp.MustCompile(`token=([A-Za-z0-9]+)`)

// lastToken digs the confirmation token out of the most recent email, the
// same way a reader would.
func (e *testEnv) lastToken(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, e.sender.sent, "expected a confirmation email to have been sent")
	msg := e.sender.sent[len(e.sender.sent)-1]
	m := tokenPattern.FindStringSubmatch(msg.Text)
	require.Len(t, m, 2, "confirmation email must contain a token link")
	return m[1]
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "letterdrop", body["service"])
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "letterdrop_subscriptions_created_total")
}

func TestSubscribe(t *testing.T) {
	e := newTestEnv(t)

	rec := e.subscribe(t, "reader@example.com", "Jane Reader")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "check your email for a confirmation link", body["message"])

	sub, err := e.store.GetSubscriberByEmail(context.Background(), "reader@example.com")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, models.SubscriberPending, sub.Status)
	assert.Equal(t, "Jane Reader", sub.Name)

	require.Len(t, e.sender.sent, 1)
	msg := e.sender.sent[0]
	assert.Equal(t, "reader@example.com", msg.To)
	assert.Equal(t, "Please confirm your subscription", msg.Subject)
	assert.Contains(t, msg.Text, "http://news.example.com/subscriptions/confirm?token=")
	assert.Contains(t, msg.HTML, "http://news.example.com/subscriptions/confirm?token=")
}

func TestSubscribeForm(t *testing.T) {
	e := newTestEnv(t)

	form := url.Values{}
	form.Set("email", "form@example.com")
	form.Set("name", "Form Reader")
	req := httptest.NewRequest(http.MethodPost, "/subscriptions", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")

	rec := e.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	sub, err := e.store.GetSubscriberByEmail(context.Background(), "form@example.com")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, "Form Reader", sub.Name)
}

func TestSubscribeRejectsInvalidInput(t *testing.T) {
	cases := []struct {
		name  string
		email string
		sub   string
	}{
		{"missing email", "", "Jane"},
		{"malformed email", "not-an-email", "Jane"},
		{"missing name", "jane@example.com", ""},
		{"name with markup", "jane@example.com", "<b>Jane</b>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newTestEnv(t)

			rec := e.subscribe(t, tc.email, tc.sub)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, e.sender.sent, "no email may be sent for a rejected request")

			if tc.email != "" {
				got, err := e.store.GetSubscriberByEmail(context.Background(), tc.email)
				require.NoError(t, err)
				assert.Nil(t, got, "nothing may be persisted for a rejected request")
			}
		})
	}
}

func TestSubscribeRejectsMalformedBody(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/subscriptions", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := e.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscribeResendsWhilePending(t *testing.T) {
	e := newTestEnv(t)

	rec := e.subscribe(t, "eager@example.com", "Eager Reader")
	require.Equal(t, http.StatusOK, rec.Code)
	first := e.lastToken(t)

	rec = e.subscribe(t, "eager@example.com", "Eager Reader")
	require.Equal(t, http.StatusOK, rec.Code)
	second := e.lastToken(t)

	require.Len(t, e.sender.sent, 2)
	assert.NotEqual(t, first, second, "resubscribing must rotate the token")

	// the rotated-out token no longer confirms anyone
	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/subscriptions/confirm?token="+first, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/subscriptions/confirm?token="+second, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	sub, err := e.store.GetSubscriberByEmail(context.Background(), "eager@example.com")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, models.SubscriberConfirmed, sub.Status)
}

func TestSubscribeConfirmedIsNoOp(t *testing.T) {
	e := newTestEnv(t)

	require.Equal(t, http.StatusOK, e.subscribe(t, "settled@example.com", "Settled").Code)
	token := e.lastToken(t)
	require.Equal(t, http.StatusOK,
		e.do(t, httptest.NewRequest(http.MethodGet, "/subscriptions/confirm?token="+token, nil)).Code)

	rec := e.subscribe(t, "settled@example.com", "Settled")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "check your email for a confirmation link", body["message"],
		"the response must not reveal that the address is already subscribed")
	assert.Len(t, e.sender.sent, 1, "no second email for an already confirmed address")
}

func TestSubscribeEmailFailure(t *testing.T) {
	e := newTestEnv(t)
	e.sender.err = errors.New("relay down")

	rec := e.subscribe(t, "unlucky@example.com", "Unlucky")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "failed to send confirmation email", body["error"])

	// the subscription itself was created; the next subscribe attempt resends
	sub, err := e.store.GetSubscriberByEmail(context.Background(), "unlucky@example.com")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, models.SubscriberPending, sub.Status)

	e.sender.err = nil
	rec = e.subscribe(t, "unlucky@example.com", "Unlucky")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, e.sender.sent, 1)
}

func TestConfirm(t *testing.T) {
	e := newTestEnv(t)

	require.Equal(t, http.StatusOK, e.subscribe(t, "confirming@example.com", "Confirming").Code)
	token := e.lastToken(t)

	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/subscriptions/confirm?token="+token, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	sub, err := e.store.GetSubscriberByEmail(context.Background(), "confirming@example.com")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, models.SubscriberConfirmed, sub.Status)

	// clicking the link again is fine
	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/subscriptions/confirm?token="+token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestConfirmRejects(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, httptest.NewRequest(http.MethodGet, "/subscriptions/confirm", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/subscriptions/confirm?token=never-issued", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unknown confirmation token", body["error"])
}

func TestPublishAndReplay(t *testing.T) {
	e := newTestEnv(t)
	e.addConfirmedSubscriber(t, "one@example.com")
	e.addConfirmedSubscriber(t, "two@example.com")

	rec := e.publish(t, "launch-2025-08", "Issue #1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		IssueID          string `json:"issue_id"`
		DeliveriesQueued int64  `json:"deliveries_queued"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.IssueID, "iss_"))
	assert.EqualValues(t, 2, resp.DeliveriesQueued)

	// the retry carries a different payload but the same key; the saved
	// response wins, byte for byte
	replay := e.publish(t, "launch-2025-08", "Issue #1 (edited)")
	require.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, rec.Body.Bytes(), replay.Body.Bytes())
	assert.Equal(t, rec.Header().Get("Content-Type"), replay.Header().Get("Content-Type"))

	progress, err := e.store.GetIssueProgress(context.Background(), resp.IssueID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, progress.Queued, "a replay must not enqueue anything")

	issues, err := e.store.ListIssues(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, issues, 1, "a replay must not create a second issue")
}

func TestPublishDistinctKeys(t *testing.T) {
	e := newTestEnv(t)
	e.addConfirmedSubscriber(t, "reader@example.com")

	first := e.publish(t, "key-one", "Issue #1")
	require.Equal(t, http.StatusOK, first.Code)
	second := e.publish(t, "key-two", "Issue #2")
	require.Equal(t, http.StatusOK, second.Code)

	assert.NotEqual(t, first.Body.Bytes(), second.Body.Bytes())

	issues, err := e.store.ListIssues(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, issues, 2)
}

func TestPublishConcurrentSameKey(t *testing.T) {
	e := newTestEnv(t)
	e.addConfirmedSubscriber(t, "one@example.com")
	e.addConfirmedSubscriber(t, "two@example.com")

	const contenders = 8

	reqs := make([]*http.Request, contenders)
	recs := make([]*httptest.ResponseRecorder, contenders)
	for i := range reqs {
		req := jsonRequest(t, http.MethodPost, "/newsletters", map[string]string{
			"title":        "Contended Issue",
			"text_content": "plain body",
		})
		req.Header.Set("Authorization", "Bearer "+e.author.APIKey)
		req.Header.Set("Idempotency-Key", "contended-key")
		reqs[i] = req
		recs[i] = httptest.NewRecorder()
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			e.srv.Router().ServeHTTP(recs[i], reqs[i])
		}(i)
	}
	close(start)
	wg.Wait()

	first := recs[0]
	require.Equal(t, http.StatusOK, first.Code)
	for i, rec := range recs[1:] {
		require.Equalf(t, http.StatusOK, rec.Code, "request %d", i+1)
		assert.Equal(t, first.Body.Bytes(), rec.Body.Bytes(), "every request must get the same bytes")
		assert.Equal(t, first.Header().Get("Content-Type"), rec.Header().Get("Content-Type"))
	}

	var resp struct {
		IssueID          string `json:"issue_id"`
		DeliveriesQueued int64  `json:"deliveries_queued"`
	}
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &resp))
	assert.EqualValues(t, 2, resp.DeliveriesQueued)

	issues, err := e.store.ListIssues(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Len(t, issues, 1, "racing requests must not create extra issues")

	progress, err := e.store.GetIssueProgress(context.Background(), resp.IssueID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, progress.Queued, "fan-out must happen exactly once")
}

func TestPublishValidation(t *testing.T) {
	e := newTestEnv(t)

	t.Run("requires an idempotency key", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/newsletters", map[string]string{
			"title": "No Key", "text_content": "body",
		})
		req.Header.Set("Authorization", "Bearer "+e.author.APIKey)
		rec := e.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects an oversized key", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/newsletters", map[string]string{
			"title": "Long Key", "text_content": "body",
		})
		req.Header.Set("Authorization", "Bearer "+e.author.APIKey)
		req.Header.Set("Idempotency-Key", strings.Repeat("k", 65))
		rec := e.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("requires a title", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/newsletters", map[string]string{
			"text_content": "body",
		})
		req.Header.Set("Authorization", "Bearer "+e.author.APIKey)
		req.Header.Set("Idempotency-Key", "no-title")
		rec := e.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("requires some content", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/newsletters", map[string]string{
			"title": "Empty",
		})
		req.Header.Set("Authorization", "Bearer "+e.author.APIKey)
		req.Header.Set("Idempotency-Key", "no-content")
		rec := e.do(t, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("a rejected payload leaves the key usable", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/newsletters", map[string]string{
			"text_content": "body but no title",
		})
		req.Header.Set("Authorization", "Bearer "+e.author.APIKey)
		req.Header.Set("Idempotency-Key", "reused-after-400")
		require.Equal(t, http.StatusBadRequest, e.do(t, req).Code)

		rec := e.publish(t, "reused-after-400", "Corrected Issue")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			IssueID string `json:"issue_id"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp.IssueID)
	})
}

func TestPublishAuth(t *testing.T) {
	e := newTestEnv(t)

	body := map[string]string{"title": "Issue", "text_content": "body"}

	t.Run("missing header", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/newsletters", body)
		req.Header.Set("Idempotency-Key", "auth-1")
		rec := e.do(t, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "missing authorization header", resp["error"])
	})

	t.Run("wrong scheme", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/newsletters", body)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		req.Header.Set("Idempotency-Key", "auth-2")
		rec := e.do(t, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown key", func(t *testing.T) {
		req := jsonRequest(t, http.MethodPost, "/newsletters", body)
		req.Header.Set("Authorization", "Bearer ak_unknown")
		req.Header.Set("Idempotency-Key", "auth-3")
		rec := e.do(t, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "invalid api key", resp["error"])
	})
}

func TestGetNewsletter(t *testing.T) {
	e := newTestEnv(t)
	e.addConfirmedSubscriber(t, "reader@example.com")

	rec := e.publish(t, "get-issue", "Fetchable Issue")
	require.Equal(t, http.StatusOK, rec.Code)
	var created struct {
		IssueID string `json:"issue_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req := httptest.NewRequest(http.MethodGet, "/newsletters/"+created.IssueID, nil)
	req.Header.Set("Authorization", "Bearer "+e.author.APIKey)
	rec = e.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Issue      models.NewsletterIssue `json:"issue"`
		Deliveries storage.IssueProgress  `json:"deliveries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "Fetchable Issue", out.Issue.Title)
	assert.EqualValues(t, 1, out.Deliveries.Queued)

	req = httptest.NewRequest(http.MethodGet, "/newsletters/iss_missing", nil)
	req.Header.Set("Authorization", "Bearer "+e.author.APIKey)
	rec = e.do(t, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListNewsletters(t *testing.T) {
	e := newTestEnv(t)
	e.addConfirmedSubscriber(t, "reader@example.com")

	require.Equal(t, http.StatusOK, e.publish(t, "list-1", "Issue #1").Code)
	require.Equal(t, http.StatusOK, e.publish(t, "list-2", "Issue #2").Code)

	req := httptest.NewRequest(http.MethodGet, "/newsletters", nil)
	req.Header.Set("Authorization", "Bearer "+e.author.APIKey)
	rec := e.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var issues []models.NewsletterIssue
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issues))
	assert.Len(t, issues, 2)

	// the whole newsletter surface sits behind author auth
	rec = e.do(t, httptest.NewRequest(http.MethodGet, "/newsletters", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStats(t *testing.T) {
	e := newTestEnv(t)
	e.addConfirmedSubscriber(t, "one@example.com")
	require.Equal(t, http.StatusOK, e.subscribe(t, "pending@example.com", "Pending").Code)
	require.Equal(t, http.StatusOK, e.publish(t, "stats-1", "Issue #1").Code)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("Authorization", "Bearer "+e.author.APIKey)
	rec := e.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats storage.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 2, stats.TotalSubscribers)
	assert.EqualValues(t, 1, stats.ConfirmedSubscribers)
	assert.EqualValues(t, 1, stats.PendingSubscribers)
	assert.EqualValues(t, 1, stats.TotalIssues)
	assert.EqualValues(t, 1, stats.QueuedDeliveries)
}
