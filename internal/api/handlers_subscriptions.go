package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/letterdrop/letterdrop/internal/domain"
	"github.com/letterdrop/letterdrop/internal/email"
	"github.com/letterdrop/letterdrop/internal/metrics"
	"github.com/letterdrop/letterdrop/internal/models"
	"github.com/letterdrop/letterdrop/internal/storage"
)

type SubscriptionHandler struct {
	store   storage.Storage
	sender  email.Sender
	baseURL string
}

func NewSubscriptionHandler(store storage.Storage, sender email.Sender, baseURL string) *SubscriptionHandler {
	return &SubscriptionHandler{
		store:   store,
		sender:  sender,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type subscribeRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

const (
	maxSubscribeBodySize = 16 * 1024 // 16KB

	confirmationSubject = "Please confirm your subscription"
	// All accepted subscribe requests answer the same way, so the endpoint
	// does not reveal whether an address was already known.
	subscribeAcceptedMessage = "check your email for a confirmation link"
)

func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubscribeBodySize)

	var req subscribeRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.Email = r.PostFormValue("email")
		req.Name = r.PostFormValue("name")
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	newSub, err := domain.Parse(req.Email, req.Name)
	if err != nil {
		metrics.SubscriptionsRejected.Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	sub, err := h.store.GetSubscriberByEmail(ctx, newSub.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up subscriber")
		return
	}

	if sub == nil {
		created := &models.Subscriber{
			ID:           models.NewID("sub"),
			Email:        newSub.Email,
			Name:         newSub.Name,
			Status:       models.SubscriberPending,
			SubscribedAt: time.Now().UTC(),
		}
		token := models.NewConfirmationToken()

		switch err := h.store.CreateSubscription(ctx, created, token); {
		case err == nil:
			metrics.SubscriptionsCreated.Inc()
			if !h.sendConfirmation(w, r, created.Name, created.Email, token) {
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"message": subscribeAcceptedMessage})
			return
		case errors.Is(err, storage.ErrConflict):
			// a concurrent request inserted the same address; treat it
			// like any other existing subscriber
			sub, err = h.store.GetSubscriberByEmail(ctx, newSub.Email)
			if err != nil || sub == nil {
				writeError(w, http.StatusInternalServerError, "failed to look up subscriber")
				return
			}
		default:
			writeError(w, http.StatusInternalServerError, "failed to create subscription")
			return
		}
	}

	if sub.Status == models.SubscriberConfirmed {
		writeJSON(w, http.StatusOK, map[string]string{"message": subscribeAcceptedMessage})
		return
	}

	// still pending: issue a fresh token and resend the confirmation email
	token := models.NewConfirmationToken()
	if err := h.store.UpsertSubscriptionToken(ctx, sub.ID, token); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to refresh confirmation token")
		return
	}
	if !h.sendConfirmation(w, r, sub.Name, sub.Email, token) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": subscribeAcceptedMessage})
}

func (h *SubscriptionHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	sub, err := h.store.GetSubscriberByToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to look up token")
		return
	}
	if sub == nil {
		writeError(w, http.StatusBadRequest, "unknown confirmation token")
		return
	}

	// confirming an already-confirmed subscriber is a deliberate no-op:
	// email clients pre-fetch links and users click twice
	if sub.Status != models.SubscriberConfirmed {
		if err := h.store.ConfirmSubscriber(r.Context(), sub.ID); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to confirm subscription")
			return
		}
		metrics.SubscriptionsConfirmed.Inc()
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "subscription confirmed"})
}

// sendConfirmation emails the confirmation link. It writes the error
// response itself and reports whether the caller may proceed.
func (h *SubscriptionHandler) sendConfirmation(w http.ResponseWriter, r *http.Request, name, address, token string) bool {
	confirmURL := fmt.Sprintf("%s/subscriptions/confirm?token=%s", h.baseURL, url.QueryEscape(token))
	html, text, err := email.RenderConfirmation(email.ConfirmationParams{
		Name:            name,
		ConfirmationURL: confirmURL,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to render confirmation email")
		return false
	}

	err = h.sender.Send(r.Context(), email.Message{
		To:      address,
		Subject: confirmationSubject,
		HTML:    html,
		Text:    text,
	})
	if err != nil {
		metrics.EmailSendFailure.Inc()
		writeError(w, http.StatusInternalServerError, "failed to send confirmation email")
		return false
	}
	metrics.EmailSendSuccess.Inc()
	return true
}
