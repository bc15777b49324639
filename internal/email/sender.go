package email

import (
	"context"
	"errors"
)

// ErrInvalidRecipient marks a permanently undeliverable address. Callers
// treat it as not worth retrying.
var ErrInvalidRecipient = errors.New("email: invalid recipient")

// Message is a single outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Sender delivers messages. Implementations return ErrInvalidRecipient when
// the provider rejects the address itself; any other failure is assumed
// transient.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
