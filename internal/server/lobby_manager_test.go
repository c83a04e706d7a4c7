package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"duel-lobby-server/internal/duel"
)

func TestAddAndRemovePlayer(t *testing.T) {
	lm := NewLobbyManager()

	// 1. Fresh player starts available at full HP
	assert.NoError(t, lm.AddPlayer("alice"))
	p, ok := lm.GetPresence("alice")
	assert.True(t, ok)
	assert.Equal(t, StatusAvailable, p.Status)
	assert.Equal(t, duel.MaxHP, p.CurrentHP)

	// 2. Duplicate presence is rejected
	assert.ErrorIs(t, lm.AddPlayer("alice"), ErrAlreadyOnline)

	// 3. Removal clears presence
	lm.RemovePlayer("alice")
	_, ok = lm.GetPresence("alice")
	assert.False(t, ok)
}

func TestSetStatus(t *testing.T) {
	lm := NewLobbyManager()
	lm.AddPlayer("alice")

	assert.True(t, lm.SetStatus("alice", StatusDND))
	p, _ := lm.GetPresence("alice")
	assert.Equal(t, StatusDND, p.Status)

	// Unknown player is a no-op, not a panic
	assert.False(t, lm.SetStatus("ghost", StatusDND))
}

func TestDamagePresenceClampsAtZero(t *testing.T) {
	lm := NewLobbyManager()
	lm.AddPlayer("alice")

	hp, ok := lm.DamagePresence("alice", 30)
	assert.True(t, ok)
	assert.Equal(t, 70, hp)

	hp, _ = lm.DamagePresence("alice", 500)
	assert.Equal(t, 0, hp)

	lm.ResetHP("alice")
	p, _ := lm.GetPresence("alice")
	assert.Equal(t, duel.MaxHP, p.CurrentHP)
}

func TestListPlayersSorted(t *testing.T) {
	lm := NewLobbyManager()
	lm.AddPlayer("carol")
	lm.AddPlayer("alice")
	lm.AddPlayer("bob")

	players := lm.ListPlayers()
	assert.Len(t, players, 3)
	assert.Equal(t, "alice", players[0].Username)
	assert.Equal(t, "bob", players[1].Username)
	assert.Equal(t, "carol", players[2].Username)
}

func TestRecordDuelRequest(t *testing.T) {
	lm := NewLobbyManager()
	lm.AddPlayer("alice")
	lm.AddPlayer("bob")

	// 1. Self-challenge rejected
	assert.ErrorIs(t, lm.RecordDuelRequest("alice", "alice"), ErrSelfChallenge)

	// 2. Unknown target rejected
	assert.ErrorIs(t, lm.RecordDuelRequest("alice", "ghost"), ErrPlayerNotFound)

	// 3. DND target rejected
	lm.SetStatus("bob", StatusDND)
	assert.ErrorIs(t, lm.RecordDuelRequest("alice", "bob"), ErrTargetUnavailable)

	// 4. In-duel target rejected
	lm.SetStatus("bob", StatusInDuel)
	assert.ErrorIs(t, lm.RecordDuelRequest("alice", "bob"), ErrTargetUnavailable)

	// 5. Available target accepted
	lm.SetStatus("bob", StatusAvailable)
	assert.NoError(t, lm.RecordDuelRequest("alice", "bob"))
	assert.Equal(t, 1, lm.PendingRequestCount())
}

func TestRequestOverwriteAndTake(t *testing.T) {
	lm := NewLobbyManager()
	lm.AddPlayer("alice")
	lm.AddPlayer("bob")
	lm.AddPlayer("carol")

	// A second request from the same challenger replaces the first
	assert.NoError(t, lm.RecordDuelRequest("alice", "bob"))
	assert.NoError(t, lm.RecordDuelRequest("alice", "carol"))
	assert.Equal(t, 1, lm.PendingRequestCount())

	_, err := lm.TakeRequestFor("bob")
	assert.ErrorIs(t, err, ErrNoPendingRequest)

	challenger, err := lm.TakeRequestFor("carol")
	assert.NoError(t, err)
	assert.Equal(t, "alice", challenger)

	// Taking consumes the request
	_, err = lm.TakeRequestFor("carol")
	assert.ErrorIs(t, err, ErrNoPendingRequest)
}

func TestRemovePlayerClearsRequests(t *testing.T) {
	lm := NewLobbyManager()
	lm.AddPlayer("alice")
	lm.AddPlayer("bob")

	lm.RecordDuelRequest("alice", "bob")

	// Removing the target cancels the challenger's request too
	lm.RemovePlayer("bob")
	assert.Equal(t, 0, lm.PendingRequestCount())
}

func TestRemovePlayerReportsActiveDuel(t *testing.T) {
	lm := NewLobbyManager()
	lm.AddPlayer("alice")
	lm.AddPlayer("bob")
	lm.RegisterDuel("duel-1", "alice", "bob")

	duelID, participants, inDuel := lm.RemovePlayer("alice")
	assert.True(t, inDuel)
	assert.Equal(t, "duel-1", duelID)
	assert.Equal(t, [2]string{"alice", "bob"}, participants)

	// Bookkeeping entry is gone
	_, exists := lm.DuelParticipants("duel-1")
	assert.False(t, exists)

	// Players outside any duel report none
	_, _, inDuel = lm.RemovePlayer("bob")
	assert.False(t, inDuel)
}
