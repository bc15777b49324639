package models

import "net/http"

// SavedResponse is the HTTP response recorded for an (author, idempotency key)
// pair. Replays return it verbatim, byte for byte, whatever happened to the
// underlying issue since.
type SavedResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
}
