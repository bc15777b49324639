package models

import "time"

type SubscriberStatus string

const (
	// SubscriberPending is the state between POST /subscriptions and the
	// confirmation link being followed. Pending subscribers never receive
	// newsletter deliveries.
	SubscriberPending   SubscriberStatus = "pending_confirmation"
	SubscriberConfirmed SubscriberStatus = "confirmed"
)

type Subscriber struct {
	ID           string           `json:"id"`
	Email        string           `json:"email"`
	Name         string           `json:"name"`
	Status       SubscriberStatus `json:"status"`
	SubscribedAt time.Time        `json:"subscribed_at"`
}
