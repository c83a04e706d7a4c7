package server

import (
	"errors"
	"sort"
	"sync"

	"duel-lobby-server/internal/duel"
)

// PlayerStatus values match the wire representation in PLAYER_LIST.
type PlayerStatus string

const (
	StatusAvailable PlayerStatus = "LOBBY_AVAILABLE"
	StatusDND       PlayerStatus = "LOBBY_DND"
	StatusSpectator PlayerStatus = "SPECTATOR"
	StatusInDuel    PlayerStatus = "IN_DUEL"
)

var (
	ErrAlreadyOnline     = errors.New("ALREADY_ONLINE: Player already logged in")
	ErrPlayerNotFound    = errors.New("PLAYER_NOT_FOUND: Player not found")
	ErrSelfChallenge     = errors.New("SELF_DUEL: Cannot duel yourself")
	ErrTargetUnavailable = errors.New("PLAYER_BUSY: Player is not available")
	ErrNoPendingRequest  = errors.New("NO_PENDING_REQUEST: No pending duel request")
)

// PlayerPresence is one logged-in player's lobby state. CurrentHP is only
// meaningful while the status is IN_DUEL.
type PlayerPresence struct {
	Username  string
	Status    PlayerStatus
	CurrentHP int
}

// LobbyManager is the authority for who is online, their status, the
// directed challenger->target duel requests, and which duel each pair of
// players is in. Duel combat state itself lives in the duel engine; the
// activeDuels map here is bookkeeping for disconnect cleanup.
type LobbyManager struct {
	players         map[string]*PlayerPresence
	pendingRequests map[string]string    // challenger -> target
	activeDuels     map[string][2]string // duelID -> participants
	mu              sync.RWMutex
}

func NewLobbyManager() *LobbyManager {
	return &LobbyManager{
		players:         make(map[string]*PlayerPresence),
		pendingRequests: make(map[string]string),
		activeDuels:     make(map[string][2]string),
	}
}

// AddPlayer registers presence for a freshly logged-in player. Exactly
// one presence may exist per identifier.
func (lm *LobbyManager) AddPlayer(playerID string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, exists := lm.players[playerID]; exists {
		return ErrAlreadyOnline
	}
	lm.players[playerID] = &PlayerPresence{
		Username:  playerID,
		Status:    StatusAvailable,
		CurrentHP: duel.MaxHP,
	}
	return nil
}

// RemovePlayer drops presence and any pending requests the player is a
// party to, returning the duel the player was in, if any.
func (lm *LobbyManager) RemovePlayer(playerID string) (duelID string, participants [2]string, inDuel bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	delete(lm.players, playerID)
	delete(lm.pendingRequests, playerID)
	for challenger, target := range lm.pendingRequests {
		if target == playerID {
			delete(lm.pendingRequests, challenger)
		}
	}

	for id, pair := range lm.activeDuels {
		if pair[0] == playerID || pair[1] == playerID {
			delete(lm.activeDuels, id)
			return id, pair, true
		}
	}
	return "", [2]string{}, false
}

// GetPresence returns a copy of one player's presence.
func (lm *LobbyManager) GetPresence(playerID string) (PlayerPresence, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	p, exists := lm.players[playerID]
	if !exists {
		return PlayerPresence{}, false
	}
	return *p, true
}

// SetStatus mutates a player's lobby status. A missing presence entry is
// an internal inconsistency; the mutation is skipped rather than fatal.
func (lm *LobbyManager) SetStatus(playerID string, status PlayerStatus) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	p, exists := lm.players[playerID]
	if !exists {
		return false
	}
	p.Status = status
	return true
}

// ResetHP restores a player to full HP for a new duel.
func (lm *LobbyManager) ResetHP(playerID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if p, exists := lm.players[playerID]; exists {
		p.CurrentHP = duel.MaxHP
	}
}

// DamagePresence mirrors duel damage onto the presence entry and returns
// the remaining HP, clamped at zero.
func (lm *LobbyManager) DamagePresence(playerID string, damage int) (int, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	p, exists := lm.players[playerID]
	if !exists {
		return 0, false
	}
	p.CurrentHP -= damage
	if p.CurrentHP < 0 {
		p.CurrentHP = 0
	}
	return p.CurrentHP, true
}

// ListPlayers returns a snapshot of every presence, sorted by username so
// the broadcast list is stable.
func (lm *LobbyManager) ListPlayers() []PlayerPresence {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	players := make([]PlayerPresence, 0, len(lm.players))
	for _, p := range lm.players {
		players = append(players, *p)
	}
	sort.Slice(players, func(i, j int) bool {
		return players[i].Username < players[j].Username
	})
	return players
}

// RecordDuelRequest registers a directed challenge. A later request from
// the same challenger silently overwrites the previous one.
func (lm *LobbyManager) RecordDuelRequest(challenger, target string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if challenger == target {
		return ErrSelfChallenge
	}
	targetPresence, exists := lm.players[target]
	if !exists {
		return ErrPlayerNotFound
	}
	if targetPresence.Status == StatusDND || targetPresence.Status == StatusInDuel {
		return ErrTargetUnavailable
	}

	lm.pendingRequests[challenger] = target
	return nil
}

// TakeRequestFor finds and consumes the unique pending request addressed
// to target.
func (lm *LobbyManager) TakeRequestFor(target string) (challenger string, err error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for challenger, t := range lm.pendingRequests {
		if t == target {
			delete(lm.pendingRequests, challenger)
			return challenger, nil
		}
	}
	return "", ErrNoPendingRequest
}

// PendingRequestCount reports outstanding challenges, for tests and the
// health endpoint.
func (lm *LobbyManager) PendingRequestCount() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.pendingRequests)
}

// RegisterDuel records the duelID -> participants bookkeeping entry.
func (lm *LobbyManager) RegisterDuel(duelID, p1, p2 string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.activeDuels[duelID] = [2]string{p1, p2}
}

// UnregisterDuel drops the bookkeeping entry. Idempotent.
func (lm *LobbyManager) UnregisterDuel(duelID string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.activeDuels, duelID)
}

// DuelParticipants looks up the participants of a registered duel.
func (lm *LobbyManager) DuelParticipants(duelID string) ([2]string, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	pair, exists := lm.activeDuels[duelID]
	return pair, exists
}
