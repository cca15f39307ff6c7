package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/conclave/pkg/council"
	"github.com/go-go-golems/conclave/pkg/events"
)

func testStore(t *testing.T, options ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), options...)
	require.NoError(t, err)
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, "New Conversation", session.Title)

	loaded, err := s.GetSession(ctx, "alice", session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, loaded.ID)
	assert.Empty(t, loaded.Messages)
}

func TestGetSessionEnforcesOwnership(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "alice")
	require.NoError(t, err)

	_, err = s.GetSession(ctx, "mallory", session.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetSession(ctx, "alice", "no-such-session")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionLimit(t *testing.T) {
	s := testStore(t, WithSessionLimit(2))
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "alice")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "alice")
	require.NoError(t, err)

	_, err = s.CreateSession(ctx, "alice")
	var limitErr *SessionLimitError
	require.True(t, errors.As(err, &limitErr))
	assert.Equal(t, 2, limitErr.Limit)
	assert.Equal(t, 2, limitErr.Count)

	// another user is unaffected
	_, err = s.CreateSession(ctx, "bob")
	assert.NoError(t, err)
}

func TestMessageSequencing(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "alice")
	require.NoError(t, err)

	seq, err := s.AppendUserMessage(ctx, session.ID, "first question")
	require.NoError(t, err)
	assert.Equal(t, 0, seq)

	require.NoError(t, s.SaveAssistantMessage(ctx, session.ID, &council.AssistantMessage{
		Stage1: []events.ModelResult{{Model: "m1", Response: "answer"}},
		Stage3: &events.Synthesis{Model: "chair", Response: "final"},
	}))

	seq, err = s.AppendUserMessage(ctx, session.ID, "second question")
	require.NoError(t, err)
	assert.Equal(t, 2, seq)

	loaded, err := s.GetSession(ctx, "alice", session.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 3)
	assert.Equal(t, RoleUser, loaded.Messages[0].Role)
	assert.Equal(t, RoleAssistant, loaded.Messages[1].Role)

	decoded, err := loaded.Messages[1].AssistantMessage()
	require.NoError(t, err)
	require.NotNil(t, decoded.Stage3)
	assert.Equal(t, "final", decoded.Stage3.Response)
}

func TestAppendToUnknownSession(t *testing.T) {
	s := testStore(t)
	_, err := s.AppendUserMessage(context.Background(), "nope", "hi")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveAbortedTurn(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "alice")
	require.NoError(t, err)
	_, err = s.AppendUserMessage(ctx, session.ID, "q")
	require.NoError(t, err)

	require.NoError(t, s.SaveAssistantMessage(ctx, session.ID, &council.AssistantMessage{
		Stage1:     []events.ModelResult{{Model: "m1", Response: "partial"}},
		WasAborted: true,
	}))

	loaded, err := s.GetSession(ctx, "alice", session.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	assert.True(t, loaded.Messages[1].WasAborted)

	decoded, err := loaded.Messages[1].AssistantMessage()
	require.NoError(t, err)
	assert.True(t, decoded.WasAborted)
	assert.Nil(t, decoded.Stage3)
}

func TestListSessions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.CreateSession(ctx, "alice")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "alice")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "bob")
	require.NoError(t, err)

	_, err = s.AppendUserMessage(ctx, first.ID, "q")
	require.NoError(t, err)

	summaries, err := s.ListSessions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	// touched session sorts first and counts its message
	assert.Equal(t, first.ID, summaries[0].ID)
	assert.Equal(t, int64(1), summaries[0].MessageCount)
	assert.Equal(t, int64(0), summaries[1].MessageCount)
}

func TestDeleteSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "alice")
	require.NoError(t, err)
	_, err = s.AppendUserMessage(ctx, session.ID, "q")
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteSession(ctx, "mallory", session.ID), ErrNotFound)

	require.NoError(t, s.DeleteSession(ctx, "alice", session.ID))
	_, err = s.GetSession(ctx, "alice", session.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteSession(ctx, "alice", session.ID), ErrNotFound)
}

func TestRenameSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "alice")
	require.NoError(t, err)

	require.NoError(t, s.RenameSession(ctx, session.ID, "Budget Planning"))

	loaded, err := s.GetSession(ctx, "alice", session.ID)
	require.NoError(t, err)
	assert.Equal(t, "Budget Planning", loaded.Title)

	assert.ErrorIs(t, s.RenameSession(ctx, "nope", "x"), ErrNotFound)
}

func TestPruneIdleSessions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	stale, err := s.CreateSession(ctx, "alice")
	require.NoError(t, err)
	fresh, err := s.CreateSession(ctx, "alice")
	require.NoError(t, err)

	// age the stale session past the cutoff
	require.NoError(t, s.db.Model(&Session{}).
		Where("id = ?", stale.ID).
		Update("updated_at", time.Now().Add(-48*time.Hour)).Error)

	pruned, err := s.PruneIdleSessions(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	_, err = s.GetSession(ctx, "alice", stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession(ctx, "alice", fresh.ID)
	assert.NoError(t, err)
}
