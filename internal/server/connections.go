package server

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Conn is the outbound half of a client connection. Both the raw TCP
// listener and the websocket endpoint produce one; the rest of the
// server never cares which transport a frame leaves on.
type Conn interface {
	WriteFrame(frame string) error
	Close() error
}

const writeTimeout = 10 * time.Second

// tcpConn writes newline-terminated frames to a raw stream socket. The
// mutex keeps broadcast and targeted writes from interleaving bytes.
type tcpConn struct {
	conn net.Conn
	mu   sync.Mutex
}

func newTCPConn(conn net.Conn) *tcpConn {
	return &tcpConn{conn: conn}
}

func (c *tcpConn) WriteFrame(frame string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte(frame + "\n"))
	return err
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

// wsConn carries one frame per websocket text message.
type wsConn struct {
	conn *websocket.Conn
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) WriteFrame(frame string) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, []byte(frame))
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "server closing")
}

// Session is the per-connection state: the write handle plus, once the
// client logs in, its player identity and the duel it is fighting.
type Session struct {
	ConnID string
	conn   Conn

	mu            sync.Mutex
	playerID      string
	duelID        string
	authenticated bool
}

func NewSession(connID string, conn Conn) *Session {
	return &Session{ConnID: connID, conn: conn}
}

func (s *Session) Send(frame string) {
	if err := s.conn.WriteFrame(frame); err != nil {
		log.Printf("Failed to send to connection %s: %v", s.ConnID, err)
	}
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) PlayerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playerID
}

func (s *Session) Authenticate(playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playerID = playerID
	s.authenticated = true
}

func (s *Session) DuelID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duelID
}

func (s *Session) SetDuelID(duelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duelID = duelID
}

// ConnectionManager owns the live connection set and the player ->
// connection index. Broadcasts snapshot the set under the read lock and
// perform the actual writes outside it, so one slow socket never blocks
// the lobby.
type ConnectionManager struct {
	sessions map[string]*Session // connectionID -> session
	byPlayer map[string]string   // playerID -> connectionID
	mu       sync.RWMutex
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		sessions: make(map[string]*Session),
		byPlayer: make(map[string]string),
	}
}

func (cm *ConnectionManager) Add(sess *Session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.sessions[sess.ConnID] = sess
}

func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	sess, exists := cm.sessions[connID]
	if !exists {
		return
	}
	delete(cm.sessions, connID)
	if playerID := sess.PlayerID(); playerID != "" && cm.byPlayer[playerID] == connID {
		delete(cm.byPlayer, playerID)
	}
}

// BindPlayer associates a player identity with a connection. Fails if the
// player is already bound elsewhere, which is what rejects a second
// login for an online username.
func (cm *ConnectionManager) BindPlayer(connID, playerID string) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, taken := cm.byPlayer[playerID]; taken {
		return ErrAlreadyOnline
	}
	if _, exists := cm.sessions[connID]; !exists {
		return ErrPlayerNotFound
	}
	cm.byPlayer[playerID] = connID
	return nil
}

// UnbindPlayer releases a player binding without touching the session,
// for rolling back a half-finished login.
func (cm *ConnectionManager) UnbindPlayer(playerID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.byPlayer, playerID)
}

// SessionByPlayer resolves a connected player's session.
func (cm *ConnectionManager) SessionByPlayer(playerID string) (*Session, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	connID, exists := cm.byPlayer[playerID]
	if !exists {
		return nil, false
	}
	sess, exists := cm.sessions[connID]
	return sess, exists
}

// Snapshot returns the current session set for lock-free iteration.
func (cm *ConnectionManager) Snapshot() []*Session {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	sessions := make([]*Session, 0, len(cm.sessions))
	for _, sess := range cm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Broadcast delivers a frame to every connected session, best-effort: a
// failed write is logged by the session and never stops the loop.
func (cm *ConnectionManager) Broadcast(frame string) {
	for _, sess := range cm.Snapshot() {
		sess.Send(frame)
	}
}

// SendTo delivers a frame to one player. A miss means the player is not
// connected; that is logged and ignored, never fatal to the caller.
func (cm *ConnectionManager) SendTo(playerID, frame string) {
	sess, exists := cm.SessionByPlayer(playerID)
	if !exists {
		log.Printf("Could not send to %s (not connected): %s", playerID, frame)
		return
	}
	sess.Send(frame)
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.sessions)
}

// CloseAll shuts every connection, used on server shutdown.
func (cm *ConnectionManager) CloseAll() {
	for _, sess := range cm.Snapshot() {
		if err := sess.conn.Close(); err != nil {
			log.Printf("Failed to close connection %s: %v", sess.ConnID, err)
		}
	}
}
