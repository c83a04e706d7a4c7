package server

import (
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"

	"duel-lobby-server/internal/accounts"
)

// HandleFrame routes one inbound frame. Anything before a successful
// LOGIN other than LOGIN/REGISTER is rejected.
func (s *Server) HandleFrame(sess *Session, line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}

	if !s.limiter.Allow(sess.ConnID) {
		sess.Send(errorFrame("Rate limit exceeded"))
		return
	}

	frameType, payload := ParseFrame(line)
	if err := ValidateFrameType(frameType); err != nil {
		log.Printf("Unknown frame from %s: %s", sess.ConnID, line)
		sess.Send(errorFrame(protocolMessage(err)))
		return
	}

	switch frameType {
	case FrameLogin:
		s.handleLogin(sess, payload)
		return
	case FrameRegister:
		s.handleRegister(sess, payload)
		return
	}

	if !sess.Authenticated() {
		sess.Send(errorFrame("You must login first"))
		return
	}

	switch frameType {
	case FrameChat:
		s.handleChat(sess, payload)
	case FrameSetDND:
		s.handleSetDND(sess, payload)
	case FrameEnterSpectate:
		s.handleEnterSpectate(sess, payload)
	case FrameExitSpectate:
		s.handleExitSpectate(sess)
	case FrameDuelRequest:
		s.handleDuelRequest(sess, payload)
	case FrameDuelAccept:
		s.handleDuelAccept(sess)
	case FrameDuelDecline:
		s.handleDuelDecline(sess)
	case FrameAttack:
		s.handleAttack(sess)
	case FrameQteResult:
		s.handleQteResult(sess, payload)
	case FrameGetPlayers:
		s.broadcastPlayerList()
	}
}

// protocolMessage strips the internal "CODE: " prefix from an error so
// clients see plain text.
func protocolMessage(err error) string {
	if _, msg, ok := strings.Cut(err.Error(), ": "); ok {
		return msg
	}
	return err.Error()
}

// handleLogin processes LOGIN:user:hash.
func (s *Server) handleLogin(sess *Session, payload string) {
	if sess.Authenticated() {
		sess.Send(errorFrame("Already logged in"))
		return
	}

	username, hash, ok := strings.Cut(payload, ":")
	if !ok {
		sess.Send(Frame(FrameLoginFail, "Invalid format"))
		return
	}
	username = strings.TrimSpace(username)
	hash = strings.TrimSpace(hash)

	if !s.accounts.ValidateLogin(username, hash) {
		log.Printf("Failed login attempt: %s", username)
		sess.Send(Frame(FrameLoginFail, "Invalid username or password"))
		return
	}

	playerID := accounts.Normalize(username)

	// One live session per player: a second login for an online username
	// is rejected rather than hijacking the first
	if err := s.connections.BindPlayer(sess.ConnID, playerID); err != nil {
		sess.Send(Frame(FrameLoginFail, "Already logged in"))
		return
	}
	if err := s.lobby.AddPlayer(playerID); err != nil {
		s.connections.UnbindPlayer(playerID)
		sess.Send(Frame(FrameLoginFail, "Already logged in"))
		return
	}

	sess.Authenticate(playerID)
	log.Printf("[%s] logged in", playerID)

	sess.Send(Frame(FrameLoginOK, playerID))
	s.connections.Broadcast(serverChatFrame("%s joined the lobby", playerID))
	s.broadcastPlayerList()
}

// handleRegister processes REGISTER:user:hash. Registration never
// authenticates the connection.
func (s *Server) handleRegister(sess *Session, payload string) {
	if sess.Authenticated() {
		sess.Send(errorFrame("Already logged in"))
		return
	}

	username, hash, ok := strings.Cut(payload, ":")
	if !ok {
		sess.Send(Frame(FrameRegisterFail, "Invalid format"))
		return
	}
	username = strings.TrimSpace(username)
	hash = strings.TrimSpace(hash)

	if err := ValidateUsername(username); err != nil {
		sess.Send(Frame(FrameRegisterFail, protocolMessage(err)))
		return
	}

	switch err := s.accounts.Register(username, hash); {
	case err == nil:
		log.Printf("Registered new account: %s", accounts.Normalize(username))
		sess.Send(Frame(FrameRegisterOK, "Account created, you can now login"))
	case errors.Is(err, accounts.ErrUsernameTaken),
		errors.Is(err, accounts.ErrInvalidUsername),
		errors.Is(err, accounts.ErrInvalidHash):
		sess.Send(Frame(FrameRegisterFail, protocolMessage(err)))
	default:
		// Store I/O failure surfaces as a generic failure, never a crash
		log.Printf("Registration failed for %s: %v", username, err)
		sess.Send(Frame(FrameRegisterFail, "Registration failed, please try again"))
	}
}

func (s *Server) handleChat(sess *Session, payload string) {
	text := strings.TrimSpace(payload)
	if text == "" {
		return
	}
	s.connections.Broadcast(chatFrame(sess.PlayerID(), text))
}

func (s *Server) handleSetDND(sess *Session, payload string) {
	playerID := sess.PlayerID()

	switch strings.ToUpper(strings.TrimSpace(payload)) {
	case "ON":
		if !s.lobby.SetStatus(playerID, StatusDND) {
			log.Printf("Presence missing for %s on DND toggle", playerID)
			return
		}
		s.connections.Broadcast(serverChatFrame("%s enabled Do Not Disturb", playerID))
	case "OFF":
		if !s.lobby.SetStatus(playerID, StatusAvailable) {
			log.Printf("Presence missing for %s on DND toggle", playerID)
			return
		}
		s.connections.Broadcast(serverChatFrame("%s is now available", playerID))
	default:
		sess.Send(errorFrame("SET_DND expects ON or OFF"))
		return
	}

	s.broadcastPlayerList()
}

func (s *Server) handleEnterSpectate(sess *Session, payload string) {
	playerID := sess.PlayerID()
	target := strings.TrimSpace(payload)

	if !s.lobby.SetStatus(playerID, StatusSpectator) {
		log.Printf("Presence missing for %s on spectate", playerID)
		return
	}
	log.Printf("[%s] is now spectating %s", playerID, target)
	s.connections.Broadcast(serverChatFrame("%s is spectating", playerID))
	s.broadcastPlayerList()
}

func (s *Server) handleExitSpectate(sess *Session) {
	playerID := sess.PlayerID()

	if !s.lobby.SetStatus(playerID, StatusAvailable) {
		log.Printf("Presence missing for %s on spectate exit", playerID)
		return
	}
	s.connections.Broadcast(serverChatFrame("%s stopped spectating", playerID))
	s.broadcastPlayerList()
}

func (s *Server) handleDuelRequest(sess *Session, payload string) {
	playerID := sess.PlayerID()
	target := accounts.Normalize(payload)

	if err := s.lobby.RecordDuelRequest(playerID, target); err != nil {
		sess.Send(errorFrame(protocolMessage(err)))
		return
	}

	log.Printf("[%s] requested duel with [%s]", playerID, target)
	s.connections.SendTo(target, Frame(FrameDuelRequested, playerID))
}

// handleDuelAccept consumes the pending request addressed to the caller,
// creates the duel wired with this server's event sink, and tells both
// clients the duel started and who attacks first.
func (s *Server) handleDuelAccept(sess *Session) {
	playerID := sess.PlayerID()

	challenger, err := s.lobby.TakeRequestFor(playerID)
	if err != nil {
		sess.Send(errorFrame(protocolMessage(err)))
		return
	}

	// Either party may have entered another duel since the request was
	// made; a stale accept must not overwrite a live duel binding
	for _, p := range []string{playerID, challenger} {
		presence, ok := s.lobby.GetPresence(p)
		if !ok || presence.Status == StatusInDuel {
			sess.Send(errorFrame("Player is not available"))
			return
		}
	}

	challengerSess, ok := s.connections.SessionByPlayer(challenger)
	if !ok {
		// Challenger dropped between request and accept
		sess.Send(errorFrame("Player not found"))
		return
	}

	duelID := uuid.NewString()
	events := &duelEvents{server: s, duelID: duelID, player1: challenger, player2: playerID}

	d, err := s.duels.CreateDuel(duelID, challenger, playerID, events)
	if err != nil {
		log.Printf("Could not create duel %s: %v", duelID, err)
		sess.Send(errorFrame("Could not start duel"))
		return
	}

	s.lobby.RegisterDuel(duelID, challenger, playerID)
	for _, p := range []string{challenger, playerID} {
		s.lobby.ResetHP(p)
		if !s.lobby.SetStatus(p, StatusInDuel) {
			log.Printf("Presence missing for %s at duel start", p)
		}
	}
	challengerSess.SetDuelID(duelID)
	sess.SetDuelID(duelID)

	challengerSess.Send(Frame(FrameDuelStart, duelID, "1"))
	sess.Send(Frame(FrameDuelStart, duelID, "2"))

	// Initial turn notification, before any attack can be accepted
	events.OnTurnChange(d.State.AttackerID(), d.State.DefenderID())

	log.Printf("Duel started: %s vs %s (%s)", challenger, playerID, duelID)
	s.broadcastPlayerList()
}

func (s *Server) handleDuelDecline(sess *Session) {
	playerID := sess.PlayerID()

	challenger, err := s.lobby.TakeRequestFor(playerID)
	if err != nil {
		sess.Send(errorFrame(protocolMessage(err)))
		return
	}

	log.Printf("[%s] declined duel from [%s]", playerID, challenger)
	s.connections.SendTo(challenger, Frame(FrameDuelDeclined, playerID))
}

func (s *Server) handleAttack(sess *Session) {
	duelID := sess.DuelID()
	if duelID == "" {
		sess.Send(errorFrame("Not in a duel"))
		return
	}

	if err := s.duels.Attack(duelID, sess.PlayerID()); err != nil {
		sess.Send(errorFrame(protocolMessage(err)))
	}
}

func (s *Server) handleQteResult(sess *Session, payload string) {
	duelID := sess.DuelID()
	if duelID == "" {
		sess.Send(errorFrame("Not in a duel"))
		return
	}

	quality := strings.ToUpper(strings.TrimSpace(payload))
	if err := s.duels.QteResult(duelID, sess.PlayerID(), quality); err != nil {
		sess.Send(errorFrame(protocolMessage(err)))
	}
}

func (s *Server) broadcastPlayerList() {
	players := s.lobby.ListPlayers()
	s.connections.Broadcast(playerListFrame(players))
	log.Printf("Broadcasted player list: %d players online", len(players))
}

// disconnect runs the full cleanup path for a closed connection:
// presence removal, pending-request cancellation, duel forfeit, and the
// departure broadcast.
func (s *Server) disconnect(sess *Session) {
	s.limiter.RemoveConnection(sess.ConnID)

	playerID := sess.PlayerID()
	if !sess.Authenticated() || playerID == "" {
		s.connections.Remove(sess.ConnID)
		return
	}

	duelID, participants, inDuel := s.lobby.RemovePlayer(playerID)
	s.connections.Remove(sess.ConnID)

	if inDuel {
		s.duels.EndDuel(duelID)
		opponent := participants[0]
		if opponent == playerID {
			opponent = participants[1]
		}
		s.forfeitDuel(opponent, playerID)
	}

	log.Printf("[%s] disconnected", playerID)
	s.connections.Broadcast(serverChatFrame("%s left the lobby", playerID))
	s.broadcastPlayerList()
}

// forfeitDuel awards the win to the opponent of a player who dropped
// mid-duel and returns them to the lobby.
func (s *Server) forfeitDuel(winnerID, quitterID string) {
	if !s.lobby.SetStatus(winnerID, StatusAvailable) {
		log.Printf("Presence missing for %s on forfeit", winnerID)
	}
	if oppSess, ok := s.connections.SessionByPlayer(winnerID); ok {
		oppSess.SetDuelID("")
	}
	s.connections.SendTo(winnerID, Frame(FrameDuelEnd, "WIN"))
	s.connections.Broadcast(serverChatFrame("%s wins: %s left the duel", winnerID, quitterID))
}

// duelEvents forwards duel engine notifications to the two participants
// and keeps their presence entries in sync. One instance is wired per
// duel at creation.
type duelEvents struct {
	server  *Server
	duelID  string
	player1 string // challenger, role 1, initial attacker
	player2 string // accepter, role 2
}

func (e *duelEvents) OnQteStart(defenderID string) {
	e.server.connections.SendTo(defenderID, FrameQteStart)
}

func (e *duelEvents) OnTakeDamage(playerID string, damage int) {
	hp, ok := e.server.lobby.DamagePresence(playerID, damage)
	if !ok {
		log.Printf("Presence missing for %s on damage", playerID)
		return
	}

	frame := hpUpdateFrame(playerID, hp)
	e.server.connections.SendTo(e.player1, frame)
	e.server.connections.SendTo(e.player2, frame)

	e.server.connections.Broadcast(serverChatFrame("%s took %d damage (HP: %d)", playerID, damage, hp))
}

func (e *duelEvents) OnTurnChange(attackerID, defenderID string) {
	e.server.connections.SendTo(attackerID, Frame(FrameTurnChange, "true"))
	e.server.connections.SendTo(defenderID, Frame(FrameTurnChange, "false"))
}

func (e *duelEvents) OnDuelEnd(winnerID string) {
	loserID := e.player1
	if winnerID == e.player1 {
		loserID = e.player2
	}

	for _, p := range []string{winnerID, loserID} {
		if !e.server.lobby.SetStatus(p, StatusAvailable) {
			log.Printf("Presence missing for %s at duel end", p)
		}
		if sess, ok := e.server.connections.SessionByPlayer(p); ok {
			sess.SetDuelID("")
		}
	}

	e.server.connections.SendTo(winnerID, Frame(FrameDuelEnd, "WIN"))
	e.server.connections.SendTo(loserID, Frame(FrameDuelEnd, "LOSE"))
	e.server.connections.Broadcast(serverChatFrame("%s defeated %s", winnerID, loserID))

	e.server.lobby.UnregisterDuel(e.duelID)
	e.server.broadcastPlayerList()
}
