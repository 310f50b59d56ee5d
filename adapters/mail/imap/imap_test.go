package imap

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halcyon/internal/domain"
)

func TestComposeMessageProducesRFC5322Headers(t *testing.T) {
	msg, err := composeMessage("assistant@example.com", "you@example.com", "Groceries", "Pick up milk.")
	require.NoError(t, err)

	text := string(msg)
	assert.Contains(t, text, "Subject: Groceries")
	assert.Contains(t, text, "From: <assistant@example.com>")
	assert.Contains(t, text, "To: <you@example.com>")
	assert.Contains(t, text, "Content-Type: text/plain")
	assert.Contains(t, text, "Pick up milk.")
}

func TestComposeMessageRejectsMalformedAddress(t *testing.T) {
	_, err := composeMessage("not-an-address", "you@example.com", "s", "b")
	assert.Error(t, err)
}

func TestDraftThenSendDeliversAndDiscardsPendingDraft(t *testing.T) {
	a := New(Config{From: "assistant@example.com"})
	principal := domain.NewID()

	draft, err := a.Draft(context.Background(), principal, "you@example.com", "Hi", "Body text")
	require.NoError(t, err)
	assert.NotEmpty(t, draft.ID)

	a.draftsMu.Lock()
	_, exists := a.drafts[draft.ID]
	a.draftsMu.Unlock()
	require.True(t, exists)

	err = a.Send(context.Background(), principal, draft.ID)
	assert.Error(t, err) // no SMTP server reachable in this test environment

	a.draftsMu.Lock()
	_, stillExists := a.drafts[draft.ID]
	a.draftsMu.Unlock()
	assert.False(t, stillExists, "draft must be popped from the pending map even when delivery fails")
}

func TestSendUnknownDraftIsError(t *testing.T) {
	a := New(Config{From: "assistant@example.com"})
	err := a.Send(context.Background(), domain.NewID(), "does-not-exist")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown draft"))
}
