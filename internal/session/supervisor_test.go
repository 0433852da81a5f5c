package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSessionRejectsDuplicateID(t *testing.T) {
	s := New()
	_, err := s.StartSession(Options{ID: "a", Owner: "alice"})
	require.NoError(t, err)

	_, err = s.StartSession(Options{ID: "a", Owner: "bob"})
	assert.ErrorIs(t, err, ErrExists)
}

func TestStopSessionDeregistersByIDOrOwner(t *testing.T) {
	s := New()
	_, err := s.StartSession(Options{ID: "a", Owner: "alice"})
	require.NoError(t, err)

	require.NoError(t, s.StopSession("a"))
	_, err = s.Lookup("a")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.StartSession(Options{ID: "b", Owner: "bob"})
	require.NoError(t, err)
	require.NoError(t, s.StopSession("bob"))
	_, err = s.Lookup("b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStopSessionUnknownIDFails(t *testing.T) {
	s := New()
	assert.ErrorIs(t, s.StopSession("nope"), ErrNotFound)
}

func TestStopSessionDoesNotAutoRestart(t *testing.T) {
	s := New()
	_, err := s.StartSession(Options{ID: "a", Owner: "alice"})
	require.NoError(t, err)
	require.NoError(t, s.StopSession("a"))

	assert.Empty(t, s.ListSessions())

	_, err = s.StartSession(Options{ID: "a", Owner: "alice"})
	assert.NoError(t, err, "a stopped id must be free for a fresh StartSession, never auto-restarted")
}

func TestListSessionsReturnsEveryOwner(t *testing.T) {
	s := New()
	_, err := s.StartSession(Options{ID: "a", Owner: "alice"})
	require.NoError(t, err)
	_, err = s.StartSession(Options{ID: "b", Owner: "bob"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"alice", "bob"}, s.ListSessions())
}
