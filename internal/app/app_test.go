package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"halcyon/internal/approval"
	"halcyon/internal/config"
	"halcyon/internal/domain"
	halerrors "halcyon/internal/errors"
	"halcyon/internal/ports"
)

// fakeInference is a scriptable ports.Inference standing in for a real
// backend in tests that exercise conversational routing.
type fakeInference struct{ reply string }

func (f fakeInference) Generate(ctx context.Context, prompt string, opts ports.CompletionOptions) (ports.Completion, error) {
	reply := f.reply
	if reply == "" {
		reply = "ack"
	}
	return ports.Completion{Text: reply, Model: opts.Model}, nil
}

func (f fakeInference) GenerateStream(ctx context.Context, prompt string, opts ports.CompletionOptions) (<-chan ports.Delta, error) {
	out := make(chan ports.Delta, 1)
	out <- ports.Delta{Done: true}
	close(out)
	return out, nil
}

func (f fakeInference) Health(ctx context.Context) (ports.Health, error) {
	return ports.Health{Healthy: true}, nil
}

func newTestRoot(t *testing.T) *Root {
	t.Helper()
	cfg := config.Defaults()
	cfg.StoragePath = filepath.Join(t.TempDir(), "halcyon.db")
	cfg.Cache.L2Path = filepath.Join(t.TempDir(), "cache.db")
	cfg.Memory.EncryptionKeyPath = filepath.Join(t.TempDir(), "memory.key")
	cfg.Memory.FreshInstall = true

	root, err := New(context.Background(), cfg, Ports{Inference: fakeInference{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = root.Shutdown(context.Background()) })
	return root
}

func domainTestUser() domain.UserID { return domain.NewID() }

func TestHandleUtteranceHelp(t *testing.T) {
	root := newTestRoot(t)
	principal := domainTestUser()

	result, err := root.HandleUtterance(context.Background(), principal, nil, "help")
	require.NoError(t, err)
	assert.Contains(t, result.Text, "chat")
	assert.Nil(t, result.ApprovalID)
}

func TestHandleUtteranceEchoesVerbatim(t *testing.T) {
	root := newTestRoot(t)
	principal := domainTestUser()

	result, err := root.HandleUtterance(context.Background(), principal, nil, "echo this exact phrase")
	require.NoError(t, err)
	assert.Equal(t, "this exact phrase", result.Text)
}

func TestHandleUtteranceRoutesConversationThroughGateway(t *testing.T) {
	root := newTestRoot(t)
	principal := domainTestUser()

	result, err := root.HandleUtterance(context.Background(), principal, nil, "what is the capital of france")
	require.NoError(t, err)
	assert.Equal(t, "ack", result.Text)
	require.NotNil(t, result.ConversationID)
}

func TestHandleUtteranceSideEffectingIntentRequiresApproval(t *testing.T) {
	root := newTestRoot(t)
	principal := domainTestUser()

	result, err := root.HandleUtterance(context.Background(), principal, nil, "remind me to call mom in 10 minutes")
	require.NoError(t, err)
	require.NotNil(t, result.ApprovalID)

	pending, err := root.Approvals.List(context.Background(), principal, nil)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, approval.StatePending, pending[0].State)
}

func TestHandleUtteranceWeatherWithoutCollaboratorIsUpstreamUnavailable(t *testing.T) {
	root := newTestRoot(t)
	principal := domainTestUser()

	_, err := root.HandleUtterance(context.Background(), principal, nil, "weather in paris")
	require.Error(t, err)
	assert.Equal(t, halerrors.UpstreamUnavailable, halerrors.KindOf(err))
}
