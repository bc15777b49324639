package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderConfirmation(t *testing.T) {
	html, text, err := RenderConfirmation(ConfirmationParams{
		Name:            "Jane",
		ConfirmationURL: "http://news.example.com/subscriptions/confirm?token=abc123",
	})
	require.NoError(t, err)

	assert.Contains(t, html, "Welcome, Jane!")
	assert.Contains(t, html, `<a href="http://news.example.com/subscriptions/confirm?token=abc123">`)
	assert.Contains(t, text, "Welcome, Jane!")
	assert.Contains(t, text, "Visit http://news.example.com/subscriptions/confirm?token=abc123 to confirm")
}

func TestRenderConfirmationWithoutName(t *testing.T) {
	html, text, err := RenderConfirmation(ConfirmationParams{
		ConfirmationURL: "http://localhost:8080/subscriptions/confirm?token=abc123",
	})
	require.NoError(t, err)

	assert.Contains(t, html, "Welcome!")
	assert.Contains(t, text, "Welcome!")
}

func TestRenderConfirmationEscapesName(t *testing.T) {
	html, text, err := RenderConfirmation(ConfirmationParams{
		Name:            "Ana & Ben",
		ConfirmationURL: "http://localhost:8080/subscriptions/confirm?token=abc123",
	})
	require.NoError(t, err)

	assert.Contains(t, html, "Ana &amp; Ben")
	assert.Contains(t, text, "Ana & Ben")
}
