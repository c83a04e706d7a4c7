package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"

	"duel-lobby-server/internal/accounts"
	"duel-lobby-server/internal/duel"
)

const (
	defaultHTTPPort  = 8080
	defaultLobbyPort = 5555

	// One frame per 50ms sustained is far above human play rates
	maxFramesPerWindow = 20
	rateWindow         = time.Second

	maxFrameBytes = 8192
)

// Server owns the lobby state and both client transports: the raw TCP
// listener speaking newline-delimited frames, and the websocket endpoint
// speaking the same frames one per text message.
type Server struct {
	accounts    accounts.Store
	lobby       *LobbyManager
	connections *ConnectionManager
	duels       *duel.Manager
	limiter     *RateLimiter

	mu           sync.Mutex
	listener     net.Listener
	shuttingDown atomic.Bool
}

func newServer(store accounts.Store, duelOpts ...duel.Option) *Server {
	return &Server{
		accounts:    store,
		lobby:       NewLobbyManager(),
		connections: NewConnectionManager(),
		duels:       duel.NewManager(duelOpts...),
		limiter:     NewRateLimiter(maxFramesPerWindow, rateWindow),
	}
}

func NewServer() (*Server, *http.Server) {
	port, _ := strconv.Atoi(os.Getenv("PORT"))
	if port == 0 {
		port = defaultHTTPPort
	}

	s := newServer(newAccountStore())

	// Declare Server config
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s, httpServer
}

// newAccountStore picks the credential backend from the environment:
// DATABASE_URL selects Postgres (with migrations applied on startup),
// otherwise accounts live in a JSON file.
func newAccountStore() accounts.Store {
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		db, err := accounts.OpenDatabase(databaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		if err := accounts.RunMigrations(db, "./db/migrations"); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		log.Println("Using Postgres account store")
		return accounts.NewPostgresStore(db)
	}

	path := os.Getenv("ACCOUNTS_FILE")
	if path == "" {
		path = "accounts.json"
	}
	store, err := accounts.NewFileStore(path)
	if err != nil {
		log.Fatalf("Failed to open accounts file %s: %v", path, err)
	}
	log.Printf("Using file account store: %s (%d accounts)", path, store.Count())
	return store
}

// LobbyAddr returns the configured raw TCP listen address.
func LobbyAddr() string {
	port, _ := strconv.Atoi(os.Getenv("LOBBY_PORT"))
	if port == 0 {
		port = defaultLobbyPort
	}
	return fmt.Sprintf(":%d", port)
}

// ListenTCP binds the raw TCP listener. Split from ServeTCP so tests can
// bind port 0 and read back the assigned address.
func (s *Server) ListenTCP(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.Printf("Lobby listening on %s", listener.Addr())
	return listener.Addr(), nil
}

// ServeTCP accepts lobby connections until the listener closes.
func (s *Server) ServeTCP() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return nil
			}
			return err
		}
		go s.handleTCPConn(conn)
	}
}

func (s *Server) ListenAndServeTCP(addr string) error {
	if _, err := s.ListenTCP(addr); err != nil {
		return err
	}
	return s.ServeTCP()
}

// handleTCPConn pumps newline-delimited frames from one raw socket into
// the frame router. Runs for the life of the connection.
func (s *Server) handleTCPConn(conn net.Conn) {
	connectionID := uuid.New().String()
	sess := NewSession(connectionID, newTCPConn(conn))
	s.connections.Add(sess)
	log.Printf("New connection: %s from %s", connectionID, conn.RemoteAddr())

	defer func() {
		s.disconnect(sess)
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	for scanner.Scan() {
		s.HandleFrame(sess, scanner.Text())
	}
	if err := scanner.Err(); err != nil && !s.shuttingDown.Load() {
		log.Printf("Connection %s read error: %v", connectionID, err)
	}
}

func (s *Server) RegisterRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/lobby", s.websocketHandler)

	// Wrap the mux with CORS middleware
	return s.corsMiddleware(mux)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp, err := json.Marshal(map[string]any{
		"status":      "ok",
		"players":     len(s.lobby.ListPlayers()),
		"connections": s.connections.Count(),
		"duels":       s.duels.Count(),
	})
	if err != nil {
		http.Error(w, "Failed to marshal health check response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

// websocketHandler bridges the lobby protocol over websocket: each text
// message carries one or more newline-separated frames.
func (s *Server) websocketHandler(w http.ResponseWriter, r *http.Request) {
	socket, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // TODO: make environment-specific
	})
	if err != nil {
		http.Error(w, "Failed to open websocket", http.StatusInternalServerError)
		return
	}

	connectionID := uuid.New().String()
	sess := NewSession(connectionID, newWSConn(socket))
	s.connections.Add(sess)
	log.Printf("New websocket connection: %s from %s", connectionID, r.RemoteAddr)

	defer func() {
		s.disconnect(sess)
		socket.Close(websocket.StatusGoingAway, "Server closing")
	}()

	ctx := r.Context()
	for {
		msgType, data, err := socket.Read(ctx)
		if err != nil {
			if !s.shuttingDown.Load() {
				log.Printf("Connection %s read error: %v", connectionID, err)
			}
			return
		}
		if msgType != websocket.MessageText {
			log.Printf("Non-text input from %s", connectionID)
			continue
		}

		for _, line := range splitFrames(string(data)) {
			s.HandleFrame(sess, line)
		}
	}
}

func splitFrames(data string) []string {
	var lines []string
	for _, line := range strings.Split(data, "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Shutdown notifies every connected client, closes the TCP listener, and
// drops all connections. The HTTP side is shut down by the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)

	s.connections.Broadcast(serverChatFrame("Server is shutting down"))

	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		if err := listener.Close(); err != nil {
			log.Printf("Error closing lobby listener: %v", err)
		}
	}

	s.connections.CloseAll()
	log.Printf("Lobby shutdown complete: %d duels discarded", s.duels.Count())
	return ctx.Err()
}
