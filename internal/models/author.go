package models

import "time"

// Author is an authenticated caller allowed to publish newsletter issues.
// Authors are created through the CLI, never over HTTP.
type Author struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	APIKey    string    `json:"api_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
