package duel

import (
	"errors"
	"log"
	"sync"
	"time"
)

const (
	MaxHP = 100

	defaultQteWindow  = 4000 * time.Millisecond
	defaultBaseDamage = 15
)

// Dodge qualities a defender can report for the QTE window.
const (
	QualityNone = "NONE" // perfect dodge, no damage
	QualityHalf = "HALF" // partial dodge, half damage
	QualityMiss = "MISS" // failed dodge, full damage
)

var (
	ErrDuplicateDuelID = errors.New("DUPLICATE_DUEL_ID: Duel ID already in use")
	ErrDuelNotFound    = errors.New("DUEL_NOT_FOUND: Duel not found")
	ErrDuelEnded       = errors.New("DUEL_ENDED: Duel already ended")
	ErrNotYourTurn     = errors.New("NOT_YOUR_TURN: It is not your turn to attack")
	ErrNotDefender     = errors.New("NOT_DEFENDER: Only the defender can resolve the QTE")
	ErrQteClosed       = errors.New("QTE_CLOSED: QTE window closed or already resolved")
)

// Events receives duel notifications. All four hooks fire synchronously
// from the engine call stack (including the timeout goroutine), so
// implementations must be cheap and must not call back into the Manager
// for the same duel.
type Events interface {
	OnQteStart(defenderID string)
	OnTakeDamage(playerID string, damage int)
	OnTurnChange(attackerID, defenderID string)
	OnDuelEnd(winnerID string)
}

// Duel pairs combat state with the event sink wired at creation.
type Duel struct {
	ID     string
	State  *State
	events Events

	// mu serializes the whole attack/resolve/notify sequence for this
	// duel, which is what guarantees both participants have been told
	// about a turn change before the next attack is accepted.
	mu sync.Mutex
}

// Manager owns every live duel and the timers that guarantee an attack
// exchange always resolves, with or without a defender response.
type Manager struct {
	duels      map[string]*Duel
	mu         sync.RWMutex
	qteWindow  time.Duration
	baseDamage int
}

type Option func(*Manager)

// WithQteWindow overrides the reaction window duration. Used by tests to
// exercise the timeout path without waiting four seconds.
func WithQteWindow(d time.Duration) Option {
	return func(m *Manager) { m.qteWindow = d }
}

// WithBaseDamage overrides the full damage of one attack.
func WithBaseDamage(damage int) Option {
	return func(m *Manager) { m.baseDamage = damage }
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		duels:      make(map[string]*Duel),
		qteWindow:  defaultQteWindow,
		baseDamage: defaultBaseDamage,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateDuel registers a new duel at full HP with p1 as the initial
// attacker. Duel IDs are generated from random 128-bit tokens, so a
// duplicate is an internal invariant violation rather than a user error.
func (m *Manager) CreateDuel(duelID, p1ID, p2ID string, events Events) (*Duel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.duels[duelID]; exists {
		return nil, ErrDuplicateDuelID
	}

	d := &Duel{
		ID:     duelID,
		State:  NewState(p1ID, p2ID, MaxHP),
		events: events,
	}
	m.duels[duelID] = d
	log.Printf("Duel %s created: %s vs %s", duelID, p1ID, p2ID)
	return d, nil
}

// Attack starts one attack exchange: opens the QTE window for the
// defender, notifies them, and arms the one-shot timeout that applies
// full damage if the defender never answers. The timer is never
// cancelled; if the player responds first the timer fires, finds the
// window already closed, and does nothing.
func (m *Manager) Attack(duelID, attackerID string) error {
	d, err := m.get(duelID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State.Phase() == PhaseEnded {
		return ErrDuelEnded
	}
	if d.State.AttackerID() != attackerID {
		return ErrNotYourTurn
	}

	defenderID := d.State.DefenderID()
	token := d.State.OpenQteWindow(m.qteWindow)
	d.events.OnQteStart(defenderID)

	time.AfterFunc(m.qteWindow, func() {
		m.qteTimeout(d, defenderID, token)
	})
	return nil
}

// qteTimeout is the authoritative fallback for a silent defender: it
// atomically closes the window and applies full base damage, unless the
// defender's response already won the race.
func (m *Manager) qteTimeout(d *Duel, defenderID string, token uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// The duel may have been discarded (disconnect forfeit) while the
	// timer was armed; an ended duel takes no further damage or events
	if d.State.Phase() == PhaseEnded {
		return
	}
	if !d.State.CloseQteWindow(token) {
		return
	}
	log.Printf("Duel %s: QTE timed out, %s takes full damage", d.ID, defenderID)
	m.applyDamageLocked(d, defenderID, m.baseDamage)
}

// QteResult resolves the open QTE window with the defender's dodge
// quality. Arriving after the timeout (or twice) is a no-op reported as
// ErrQteClosed; that is the race guard, not a failure.
func (m *Manager) QteResult(duelID, defenderID, quality string) error {
	d, err := m.get(duelID)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.State.Phase() == PhaseEnded {
		return ErrDuelEnded
	}
	if d.State.DefenderID() != defenderID {
		return ErrNotDefender
	}
	if !d.State.ResolveQteWindow() {
		return ErrQteClosed
	}

	m.applyDamageLocked(d, defenderID, m.DamageFor(quality))
	return nil
}

// DamageFor maps a dodge quality to damage. Unrecognized qualities count
// as a miss.
func (m *Manager) DamageFor(quality string) int {
	switch quality {
	case QualityNone:
		return 0
	case QualityHalf:
		return m.baseDamage / 2
	case QualityMiss:
		return m.baseDamage
	default:
		return m.baseDamage
	}
}

// applyDamageLocked is the single damage-application path shared by the
// timeout and the explicit result. Caller holds d.mu, so the full
// notification sequence is delivered before any other exchange starts.
func (m *Manager) applyDamageLocked(d *Duel, defenderID string, damage int) {
	if err := d.State.ApplyDamage(defenderID, damage); err != nil {
		log.Printf("Duel %s: damage to unknown participant %s skipped", d.ID, defenderID)
		return
	}
	d.events.OnTakeDamage(defenderID, damage)

	if d.State.Phase() == PhaseEnded {
		winnerID, _ := d.State.Winner()
		log.Printf("Duel %s ended, winner: %s", d.ID, winnerID)
		d.events.OnDuelEnd(winnerID)
		m.remove(d.ID)
		return
	}

	d.State.AdvanceTurn()
	d.events.OnTurnChange(d.State.AttackerID(), d.State.DefenderID())
}

// EndDuel forcibly discards a duel, used on disconnect. The state is
// marked ended before removal so an armed QTE timer that still holds
// the duel finds it terminal and does nothing. Idempotent.
func (m *Manager) EndDuel(duelID string) {
	d, err := m.get(duelID)
	if err != nil {
		return
	}

	d.mu.Lock()
	d.State.ForceEnd()
	d.mu.Unlock()

	m.remove(duelID)
}

// Get returns a live duel by ID.
func (m *Manager) Get(duelID string) (*Duel, error) {
	return m.get(duelID)
}

// Count returns the number of live duels.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.duels)
}

func (m *Manager) get(duelID string) (*Duel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, exists := m.duels[duelID]
	if !exists {
		return nil, ErrDuelNotFound
	}
	return d, nil
}

func (m *Manager) remove(duelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.duels, duelID)
}
