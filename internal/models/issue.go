package models

import "time"

// NewsletterIssue is immutable once published. The delivery worker only ever
// reads it.
type NewsletterIssue struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	TextContent string    `json:"text_content"`
	HTMLContent string    `json:"html_content"`
	PublishedAt time.Time `json:"published_at"`
}
