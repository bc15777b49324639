// Package domain validates subscriber input before anything touches storage.
// A NewSubscriber can only be obtained through Parse, so a handler holding one
// knows the email and name already passed every rule.
package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"
)

const (
	maxNameLen  = 256
	maxEmailLen = 320
)

// Characters that have no business in a display name and tend to show up in
// injection attempts.
const forbiddenNameCharacters = `/()"<>\{}`

type NewSubscriber struct {
	Email string
	Name  string
}

// Parse validates a raw (email, name) pair. The name is kept exactly as given,
// surrounding whitespace included; only validity is checked.
func Parse(email, name string) (NewSubscriber, error) {
	if err := validateName(name); err != nil {
		return NewSubscriber{}, err
	}
	if err := validateEmail(email); err != nil {
		return NewSubscriber{}, err
	}
	return NewSubscriber{Email: email, Name: name}, nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return fmt.Errorf("name must be at most %d characters", maxNameLen)
	}
	if strings.ContainsAny(name, forbiddenNameCharacters) {
		return fmt.Errorf("name contains a forbidden character")
	}
	return nil
}

func validateEmail(email string) error {
	if strings.TrimSpace(email) == "" {
		return fmt.Errorf("email must not be empty")
	}
	if len(email) > maxEmailLen {
		return fmt.Errorf("email must be at most %d characters", maxEmailLen)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("%q is not a valid email address", email)
	}
	// Reject display-name forms like `Alice <alice@example.com>`; the field
	// must be a bare address.
	if addr.Address != email {
		return fmt.Errorf("%q is not a valid email address", email)
	}
	return nil
}
