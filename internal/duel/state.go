package duel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Phase tracks whether a duel is still being fought
type Phase string

const (
	PhaseActive Phase = "active"
	PhaseEnded  Phase = "ended"
)

var ErrUnknownParticipant = errors.New("UNKNOWN_PARTICIPANT: Player is not part of this duel")

// State holds the authoritative combat state for one duel: HP for both
// participants, whose attack it is, the QTE reaction window, and the phase.
// HP and turn mutations are serialized by the owning Manager; the QTE
// window is its own lock-free word because a timeout goroutine and a
// player response race to resolve the same exchange.
type State struct {
	Player1ID string
	Player2ID string

	mu          sync.RWMutex
	player1HP   int
	player2HP   int
	maxHP       int
	player1Turn bool // true = player 1 attacks, false = player 2 attacks
	phase       Phase

	// qteWord packs a generation counter and an open bit into a single
	// atomic word: (generation << 1) | openBit. Resolving the window is a
	// compare-and-swap from the open word to the closed word, so exactly
	// one of {timeout, player response} wins and a stale timer from an
	// earlier exchange can never close a newer window.
	qteWord      atomic.Uint64
	qteExpiresAt atomic.Int64 // unix nanos, written before the open bit
}

// NewState creates duel state with both players at full HP and player 1
// as the initial attacker.
func NewState(p1ID, p2ID string, maxHP int) *State {
	return &State{
		Player1ID:   p1ID,
		Player2ID:   p2ID,
		player1HP:   maxHP,
		player2HP:   maxHP,
		maxHP:       maxHP,
		player1Turn: true,
		phase:       PhaseActive,
	}
}

func (s *State) AttackerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.player1Turn {
		return s.Player1ID
	}
	return s.Player2ID
}

func (s *State) DefenderID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.player1Turn {
		return s.Player2ID
	}
	return s.Player1ID
}

func (s *State) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// HP returns the current HP for a participant.
func (s *State) HP(playerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch playerID {
	case s.Player1ID:
		return s.player1HP, nil
	case s.Player2ID:
		return s.player2HP, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownParticipant, playerID)
}

// Winner returns the surviving participant. Only meaningful once the
// phase is ended.
func (s *State) Winner() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.phase != PhaseEnded {
		return "", false
	}
	if s.player1HP > 0 {
		return s.Player1ID, true
	}
	return s.Player2ID, true
}

// OpenQteWindow opens (or re-arms) the reaction window for durationMs and
// returns an opaque token the timeout path must present to close it.
// Re-arming bumps the generation, which invalidates any timer still
// holding a token from a previous exchange.
func (s *State) OpenQteWindow(duration time.Duration) uint64 {
	s.qteExpiresAt.Store(time.Now().Add(duration).UnixNano())
	for {
		old := s.qteWord.Load()
		gen := (old >> 1) + 1
		next := gen<<1 | 1
		if s.qteWord.CompareAndSwap(old, next) {
			return next
		}
	}
}

// QteWindowOpen reports whether the window was opened, has not been
// resolved, and has not passed its expiry.
func (s *State) QteWindowOpen() bool {
	if s.qteWord.Load()&1 == 0 {
		return false
	}
	return time.Now().UnixNano() < s.qteExpiresAt.Load()
}

// CloseQteWindow closes the window identified by token. It returns true
// only if this call performed the close; a false return means the window
// was already resolved (or superseded) and the caller must treat the
// exchange as settled elsewhere. This is the timeout side of the race.
func (s *State) CloseQteWindow(token uint64) bool {
	return s.qteWord.CompareAndSwap(token, token&^1)
}

// ResolveQteWindow closes the currently open window on behalf of a player
// response. A response after expiry is rejected so the timeout keeps
// authority over late answers.
func (s *State) ResolveQteWindow() bool {
	word := s.qteWord.Load()
	if word&1 == 0 {
		return false
	}
	if time.Now().UnixNano() >= s.qteExpiresAt.Load() {
		return false
	}
	return s.qteWord.CompareAndSwap(word, word&^1)
}

// ApplyDamage subtracts damage from a participant, clamped to [0, maxHP].
// Reaching zero ends the duel; once ended no further damage is applied.
func (s *State) ApplyDamage(playerID string, damage int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == PhaseEnded {
		return nil
	}

	switch playerID {
	case s.Player1ID:
		s.player1HP = clampHP(s.player1HP-damage, s.maxHP)
	case s.Player2ID:
		s.player2HP = clampHP(s.player2HP-damage, s.maxHP)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, playerID)
	}

	if s.player1HP == 0 || s.player2HP == 0 {
		s.phase = PhaseEnded
	}
	return nil
}

// ForceEnd moves the duel to the ended phase regardless of HP, for
// duels discarded externally (a participant disconnecting). Terminal:
// no damage, turn change, or timeout applies afterwards.
func (s *State) ForceEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseEnded
}

// AdvanceTurn flips the attacker/defender roles. No-op once ended.
func (s *State) AdvanceTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseEnded {
		return
	}
	s.player1Turn = !s.player1Turn
}

func clampHP(hp, maxHP int) int {
	if hp < 0 {
		return 0
	}
	if hp > maxHP {
		return maxHP
	}
	return hp
}
