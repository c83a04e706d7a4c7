package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duel-lobby-server/internal/accounts"
	"duel-lobby-server/internal/duel"
)

// setupLobby starts a server on an ephemeral port with a throwaway
// account store and returns its address.
func setupLobby(t *testing.T, opts ...duel.Option) (*Server, string) {
	t.Helper()

	store, err := accounts.NewFileStore(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, err)

	s := newServer(store, opts...)
	addr, err := s.ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeTCP() //nolint:errcheck

	t.Cleanup(func() {
		s.Shutdown(context.Background()) //nolint:errcheck
	})
	return s, addr.String()
}

// testClient is a raw protocol client for driving the server in tests.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialLobby(t *testing.T, addr string) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(frame string) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\n", frame)
	require.NoError(c.t, err)
}

func (c *testClient) readFrame() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err, "expected a frame, got read error")
	return strings.TrimRight(line, "\n")
}

// expect reads frames, skipping chat notices and player list broadcasts,
// until one starts with the given prefix. Fails on timeout.
func (c *testClient) expect(prefix string) string {
	c.t.Helper()
	for i := 0; i < 50; i++ {
		frame := c.readFrame()
		if strings.HasPrefix(frame, prefix) {
			return frame
		}
	}
	c.t.Fatalf("Never received frame with prefix %q", prefix)
	return ""
}

// login registers and logs in a fresh account on this connection.
func (c *testClient) login(username string) {
	c.t.Helper()
	hash := accounts.HashPassword("secret")
	c.send(Frame(FrameRegister, username, hash))
	c.expect(FrameRegisterOK)
	c.send(Frame(FrameLogin, username, hash))
	c.expect(FrameLoginOK)
}

func TestLoginRequiredBeforeAnythingElse(t *testing.T) {
	_, addr := setupLobby(t)
	client := dialLobby(t, addr)

	client.send("CHAT:hello")
	assert.Equal(t, "ERROR:You must login first", client.expect(FrameError))

	client.send("ATTACK")
	assert.Equal(t, "ERROR:You must login first", client.expect(FrameError))
}

func TestRegisterAndLoginFlow(t *testing.T) {
	_, addr := setupLobby(t)
	client := dialLobby(t, addr)
	hash := accounts.HashPassword("secret")

	// 1. Register
	client.send(Frame(FrameRegister, "Alice", hash))
	client.expect(FrameRegisterOK)

	// 2. Duplicate registration fails, case-insensitively
	client.send(Frame(FrameRegister, "ALICE", hash))
	assert.Equal(t, "REGISTER_FAIL:Username already exists", client.expect(FrameRegisterFail))

	// 3. Wrong password fails
	client.send(Frame(FrameLogin, "alice", accounts.HashPassword("wrong")))
	client.expect(FrameLoginFail)

	// 4. Correct login succeeds with the normalized identifier
	client.send(Frame(FrameLogin, "Alice", hash))
	assert.Equal(t, "LOGIN_OK:alice", client.expect(FrameLoginOK))

	// 5. A second connection cannot log in as the same player
	second := dialLobby(t, addr)
	second.send(Frame(FrameLogin, "alice", hash))
	assert.Equal(t, "LOGIN_FAIL:Already logged in", second.expect(FrameLoginFail))
}

func TestRegisterRejectsBadUsernames(t *testing.T) {
	_, addr := setupLobby(t)
	client := dialLobby(t, addr)
	hash := accounts.HashPassword("secret")

	client.send(Frame(FrameRegister, "bad name", hash))
	client.expect(FrameRegisterFail)
}

func TestUnknownFrameType(t *testing.T) {
	_, addr := setupLobby(t)
	client := dialLobby(t, addr)

	client.send("TELEPORT:somewhere")
	frame := client.expect(FrameError)
	assert.Contains(t, frame, "Unknown frame type")
}

func TestChatBroadcast(t *testing.T) {
	_, addr := setupLobby(t)
	alice := dialLobby(t, addr)
	bob := dialLobby(t, addr)
	alice.login("alice")
	bob.login("bob")

	alice.send("CHAT:hello everyone")

	assert.Equal(t, "CHAT:alice:hello everyone", bob.expect("CHAT:alice"))
	// Sender receives their own message too
	assert.Equal(t, "CHAT:alice:hello everyone", alice.expect("CHAT:alice"))
}

func TestPlayerListBroadcast(t *testing.T) {
	_, addr := setupLobby(t)
	alice := dialLobby(t, addr)
	alice.login("alice")

	alice.send(FrameGetPlayers)
	frame := alice.expect(FramePlayerList)
	assert.Contains(t, frame, "alice,LOBBY_AVAILABLE")
}

func TestDNDBlocksDuelRequests(t *testing.T) {
	_, addr := setupLobby(t)
	alice := dialLobby(t, addr)
	bob := dialLobby(t, addr)
	alice.login("alice")
	bob.login("bob")

	bob.send("SET_DND:ON")
	bob.expect(FramePlayerList)

	alice.send("DUEL_REQUEST:bob")
	assert.Equal(t, "ERROR:Player is not available", alice.expect(FrameError))

	bob.send("SET_DND:OFF")
	bob.expect(FramePlayerList)

	alice.send("DUEL_REQUEST:bob")
	assert.Equal(t, "DUEL_REQUESTED:alice", bob.expect(FrameDuelRequested))
}

func TestDuelDecline(t *testing.T) {
	_, addr := setupLobby(t)
	alice := dialLobby(t, addr)
	bob := dialLobby(t, addr)
	alice.login("alice")
	bob.login("bob")

	alice.send("DUEL_REQUEST:bob")
	bob.expect(FrameDuelRequested)

	bob.send(FrameDuelDecline)
	assert.Equal(t, "DUEL_DECLINED:bob", alice.expect(FrameDuelDeclined))

	// Declining again without a pending request is an error
	bob.send(FrameDuelDecline)
	bob.expect(FrameError)
}

// startDuel gets alice and bob logged in and into a duel, with alice as
// challenger (role 1, first attacker).
func startDuel(t *testing.T, addr string) (alice, bob *testClient) {
	t.Helper()
	alice = dialLobby(t, addr)
	bob = dialLobby(t, addr)
	alice.login("alice")
	bob.login("bob")

	alice.send("DUEL_REQUEST:bob")
	bob.expect(FrameDuelRequested)
	bob.send(FrameDuelAccept)

	aliceStart := alice.expect(FrameDuelStart)
	bobStart := bob.expect(FrameDuelStart)
	assert.True(t, strings.HasSuffix(aliceStart, ":1"), "challenger gets role 1, got %s", aliceStart)
	assert.True(t, strings.HasSuffix(bobStart, ":2"), "accepter gets role 2, got %s", bobStart)

	assert.Equal(t, "TURN_CHANGE:true", alice.expect(FrameTurnChange))
	assert.Equal(t, "TURN_CHANGE:false", bob.expect(FrameTurnChange))
	return alice, bob
}

func TestDuelExchange(t *testing.T) {
	_, addr := setupLobby(t)
	alice, bob := startDuel(t, addr)

	// Defender cannot attack out of turn
	bob.send(FrameAttack)
	assert.Equal(t, "ERROR:It is not your turn to attack", bob.expect(FrameError))

	// Attacker strikes, defender gets the reaction window
	alice.send(FrameAttack)
	bob.expect(FrameQteStart)

	// Perfect dodge: no damage, turn passes to bob
	bob.send("QTE_RESULT:NONE")
	assert.Equal(t, "HP_UPDATE:bob:100", alice.expect(FrameHPUpdate))
	assert.Equal(t, "HP_UPDATE:bob:100", bob.expect(FrameHPUpdate))
	assert.Equal(t, "TURN_CHANGE:false", alice.expect(FrameTurnChange))
	assert.Equal(t, "TURN_CHANGE:true", bob.expect(FrameTurnChange))

	// Bob strikes back, alice half-dodges for 7 damage
	bob.send(FrameAttack)
	alice.expect(FrameQteStart)
	alice.send("QTE_RESULT:HALF")
	assert.Equal(t, "HP_UPDATE:alice:93", bob.expect(FrameHPUpdate))
	assert.Equal(t, "TURN_CHANGE:true", alice.expect(FrameTurnChange))
}

func TestDuelEndsAtZeroHP(t *testing.T) {
	_, addr := setupLobby(t, duel.WithBaseDamage(100))
	alice, bob := startDuel(t, addr)

	alice.send(FrameAttack)
	bob.expect(FrameQteStart)
	bob.send("QTE_RESULT:MISS")

	assert.Equal(t, "HP_UPDATE:bob:0", alice.expect(FrameHPUpdate))
	assert.Equal(t, "DUEL_END:WIN", alice.expect(FrameDuelEnd))
	assert.Equal(t, "DUEL_END:LOSE", bob.expect(FrameDuelEnd))

	// Both are back in the lobby and available
	alice.send(FrameGetPlayers)
	frame := alice.expect(FramePlayerList)
	assert.Contains(t, frame, "alice,LOBBY_AVAILABLE")
	assert.Contains(t, frame, "bob,LOBBY_AVAILABLE")

	// Attacking after the duel ended is rejected
	alice.send(FrameAttack)
	alice.expect(FrameError)
}

func TestQteTimeoutAppliesFullDamage(t *testing.T) {
	_, addr := setupLobby(t, duel.WithQteWindow(50*time.Millisecond))
	alice, bob := startDuel(t, addr)

	alice.send(FrameAttack)
	bob.expect(FrameQteStart)

	// Bob stays silent; the timer lands the full hit
	assert.Equal(t, "HP_UPDATE:bob:85", alice.expect(FrameHPUpdate))
	assert.Equal(t, "TURN_CHANGE:true", bob.expect(FrameTurnChange))

	// A response after the window closed changes nothing
	bob.send("QTE_RESULT:NONE")
	bob.send(FrameAttack)
	alice.expect(FrameQteStart)
}

func TestDisconnectMidDuelForfeits(t *testing.T) {
	_, addr := setupLobby(t)
	alice, bob := startDuel(t, addr)

	bob.conn.Close()

	assert.Equal(t, "DUEL_END:WIN", alice.expect(FrameDuelEnd))

	// Survivor is back in the lobby, loser's presence is gone
	alice.send(FrameGetPlayers)
	frame := alice.expect(FramePlayerList)
	assert.Contains(t, frame, "alice,LOBBY_AVAILABLE")
	assert.NotContains(t, frame, "bob")
}

func TestSpectatorStatus(t *testing.T) {
	_, addr := setupLobby(t)
	alice := dialLobby(t, addr)
	bob := dialLobby(t, addr)
	alice.login("alice")
	bob.login("bob")

	bob.send("ENTER_SPECTATE:alice")
	frame := bob.expect(FramePlayerList)
	assert.Contains(t, frame, "bob,SPECTATOR")

	// Spectators can still be challenged
	alice.send("DUEL_REQUEST:bob")
	bob.expect(FrameDuelRequested)

	bob.send(FrameExitSpectate)
	frame = bob.expect(FramePlayerList)
	assert.Contains(t, frame, "bob,LOBBY_AVAILABLE")
}

func TestStaleAcceptAfterChallengerEnteredAnotherDuel(t *testing.T) {
	_, addr := setupLobby(t)
	alice := dialLobby(t, addr)
	bob := dialLobby(t, addr)
	carol := dialLobby(t, addr)
	alice.login("alice")
	bob.login("bob")
	carol.login("carol")

	// Alice challenges bob, then ends up dueling carol first
	alice.send("DUEL_REQUEST:bob")
	bob.expect(FrameDuelRequested)

	carol.send("DUEL_REQUEST:alice")
	alice.expect(FrameDuelRequested)
	alice.send(FrameDuelAccept)
	alice.expect(FrameDuelStart)
	carol.expect(FrameDuelStart)

	// Bob's accept of the stale request is rejected
	bob.send(FrameDuelAccept)
	assert.Equal(t, "ERROR:Player is not available", bob.expect(FrameError))

	// Bob was not pulled into any duel
	bob.send(FrameAttack)
	assert.Equal(t, "ERROR:Not in a duel", bob.expect(FrameError))

	// Alice's live duel binding survived the stale accept
	bob.send(FrameGetPlayers)
	frame := bob.expect(FramePlayerList)
	assert.Contains(t, frame, "alice,IN_DUEL")
	assert.Contains(t, frame, "carol,IN_DUEL")
	assert.Contains(t, frame, "bob,LOBBY_AVAILABLE")
}

func TestDisconnectCancelsPendingRequest(t *testing.T) {
	srv, addr := setupLobby(t)
	alice := dialLobby(t, addr)
	bob := dialLobby(t, addr)
	alice.login("alice")
	bob.login("bob")

	alice.send("DUEL_REQUEST:bob")
	bob.expect(FrameDuelRequested)

	alice.conn.Close()

	// Wait for the disconnect to propagate
	assert.Eventually(t, func() bool {
		return srv.lobby.PendingRequestCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	bob.send(FrameDuelAccept)
	assert.Equal(t, "ERROR:No pending duel request", bob.expect(FrameError))
}
