package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/jimchat/pkg/database"
	"github.com/aeolun/jimchat/pkg/protocol"
	"github.com/creachadair/taskgroup"
)

// Replaced by initLoggers when the server is created with NewServer
var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

var (
	// ErrClientDisconnecting is returned by a handler when the client sent exit.
	ErrClientDisconnecting = errors.New("client disconnecting")
	// ErrEvicted is returned by a handler after a response that ends the
	// connection (duplicate name, unknown user, spoofed identity).
	ErrEvicted = errors.New("connection evicted")
)

// Server is the jimchat server: listeners, the session registry and the
// protocol handlers in front of a Directory.
type Server struct {
	dir      Directory
	closers  []io.Closer // storage, closed after all connections end
	registry *Registry
	locks    *userLocks
	config   ServerConfig
	metrics  *Metrics

	listener       net.Listener // tcp_port, configured framing
	legacyListener net.Listener // legacy_tcp_port, always legacy framing
	httpServer     *http.Server // /ws
	metricsServer  *http.Server // /metrics, /health, /sessions

	shutdown  chan struct{}
	stopOnce  sync.Once
	tasks     *taskgroup.Group // accept loops and periodic loops
	conns     *taskgroup.Group // per-connection readers and outbox writers
	connMu    sync.Mutex       // guards stopping against conns.Go
	stopping  bool
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort            int
	LegacyTCPPort      int // 0 = disabled
	HTTPPort           int // WebSocket endpoint (/ws), 0 = disabled
	MetricsPort        int // internal only, 0 = disabled
	Framing            protocol.Framing
	RequireCredentials bool

	MaxFrameSize         int
	MaxPacketLength      int
	MaxMessageLength     int
	MaxPendingPerSession int // 0 = unbounded
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration // 0 = never

	SnapshotInterval time.Duration // 0 = serve directly from SQLite
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:              7777,
		HTTPPort:             8080,
		MetricsPort:          9090,
		Framing:              protocol.FramingFramed,
		MaxFrameSize:         protocol.MaxFrameSize,
		MaxPacketLength:      protocol.DefaultPacketLength,
		MaxMessageLength:     4096, // bytes
		MaxPendingPerSession: 1024,
		WriteTimeout:         10 * time.Second,
		SnapshotInterval:     30 * time.Second,
	}
}

// NewServer opens the database at dbPath and creates a server around it
func NewServer(dbPath string, config ServerConfig) (*Server, error) {
	sqliteDB, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Nobody is online before the server starts
	if err := sqliteDB.ClearActiveUsers(); err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("failed to clear active users: %w", err)
	}

	var dir Directory = sqliteDB
	closers := []io.Closer{sqliteDB}
	if config.SnapshotInterval > 0 {
		memDB, err := database.NewMemDB(sqliteDB, config.SnapshotInterval)
		if err != nil {
			sqliteDB.Close()
			return nil, fmt.Errorf("failed to create in-memory database: %w", err)
		}
		dir = memDB
		// MemDB first: its final snapshot needs SQLite open
		closers = []io.Closer{memDB, sqliteDB}
	}

	if err := initLoggers(); err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	return New(dir, config, NewMetrics(), closers...), nil
}

// New wires a server around an already open directory. metrics may be nil;
// closers are closed by Stop once every connection has ended.
func New(dir Directory, config ServerConfig, metrics *Metrics, closers ...io.Closer) *Server {
	registry := NewRegistry(config.MaxPendingPerSession)
	if metrics != nil {
		registry.SetMetrics(metrics)
	}
	return &Server{
		dir:       dir,
		closers:   closers,
		registry:  registry,
		locks:     newUserLocks(),
		config:    config,
		metrics:   metrics,
		shutdown:  make(chan struct{}),
		tasks:     taskgroup.New(nil),
		conns:     taskgroup.New(nil),
		startTime: time.Now(),
	}
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "jimchat")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "jimchat")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker distinguishes runs in errors.log
	if _, err := fmt.Fprintf(errorFile, "=== Server started at %s ===\n", time.Now().Format(time.RFC3339)); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (can be enabled via EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Standard log (also used by the database package) goes to stdout and a
	// server.log truncated on startup
	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))
	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogFile, err := os.OpenFile(filepath.Join(dataDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start opens the listeners and returns. Connections are served until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.TCPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on :%d: %w", s.config.TCPPort, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s (%s framing)", listener.Addr(), s.config.Framing)

	if s.config.LegacyTCPPort > 0 {
		legacy, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.LegacyTCPPort))
		if err != nil {
			listener.Close()
			return fmt.Errorf("failed to listen on :%d: %w", s.config.LegacyTCPPort, err)
		}
		s.legacyListener = legacy
		log.Printf("Legacy TCP server listening on %s", legacy.Addr())
	}

	// Public WebSocket endpoint (safe to expose)
	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		s.httpServer = &http.Server{Addr: fmt.Sprintf(":%d", s.config.HTTPPort), Handler: mux}
		s.tasks.Go(func() error {
			log.Printf("Public HTTP server listening on %s (/ws)", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("Public HTTP server error: %v", err)
			}
			return nil
		})
	}

	// Metrics and admin endpoints (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 && s.metrics != nil {
		s.metricsServer = &http.Server{Addr: fmt.Sprintf(":%d", s.config.MetricsPort), Handler: s.adminMux()}
		s.tasks.Go(func() error {
			log.Printf("Metrics server listening on %s (/metrics, /health, /sessions) - INTERNAL ONLY", s.metricsServer.Addr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("Metrics server error: %v", err)
			}
			return nil
		})
	}

	s.tasks.Go(s.metricsLoggingLoop)

	s.tasks.Go(func() error {
		return s.acceptLoop(s.listener, "tcp", s.config.Framing)
	})
	if s.legacyListener != nil {
		s.tasks.Go(func() error {
			return s.acceptLoop(s.legacyListener, "legacy", protocol.FramingLegacy)
		})
	}
	return nil
}

// Addr returns the address of the main TCP listener
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// LegacyAddr returns the address of the legacy TCP listener, or nil
func (s *Server) LegacyAddr() net.Addr {
	if s.legacyListener == nil {
		return nil
	}
	return s.legacyListener.Addr()
}

// Stop gracefully stops the server. It is safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() { err = s.stop() })
	return err
}

func (s *Server) stop() error {
	log.Println("Graceful shutdown initiated...")

	// Signal shutdown to all goroutines
	close(s.shutdown)

	// Stop accepting new connections
	if s.listener != nil {
		s.listener.Close()
		log.Println("TCP listener closed")
	}
	if s.legacyListener != nil {
		s.legacyListener.Close()
		log.Println("Legacy TCP listener closed")
	}
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}
	s.tasks.Wait()

	s.connMu.Lock()
	s.stopping = true
	s.connMu.Unlock()

	log.Printf("Closing %d client connections...", s.registry.ConnCount())
	s.registry.CloseAll()
	s.conns.Wait()

	// MemDB close triggers the final snapshot to SQLite
	log.Println("Flushing directory to disk...")
	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			log.Printf("Error during database close: %v", err)
			firstErr = err
		}
	}

	log.Println("Graceful shutdown complete")
	return firstErr
}

// goConn runs f in the connection group unless the server is stopping.
func (s *Server) goConn(f func()) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.stopping {
		return false
	}
	s.conns.Go(func() error {
		f()
		return nil
	})
	return true
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(l net.Listener, transport string, framing protocol.Framing) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		if !s.goConn(func() { s.serveConn(conn, transport, framing) }) {
			conn.Close()
		}
	}
}

// serveConn tracks a new connection and runs its message loop until it ends
func (s *Server) serveConn(nc net.Conn, transport string, framing protocol.Framing) {
	limit := s.config.MaxFrameSize
	if framing == protocol.FramingLegacy {
		limit = s.config.MaxPacketLength
	}
	c := s.registry.Track(NewSafeConn(nc, framing, limit, s.config.WriteTimeout), transport)

	// Tracked after CloseAll took its snapshot
	select {
	case <-s.shutdown:
		s.registry.Evict(c)
		return
	default:
	}

	s.connectionsSinceReport.Add(1)
	debugLog.Printf("Conn %d: new %s connection from %s (trace %s)", c.ID, transport, c.RemoteAddr(), c.TraceID)
	s.messageLoop(c)
}

// messageLoop reads and handles envelopes until the connection ends
func (s *Server) messageLoop(c *Conn) {
	defer s.closeConn(c)

	for {
		payload, err := c.ReadPayload(s.config.IdleTimeout)
		if err != nil {
			s.disconnectionsSinceReport.Add(1)
			if errors.Is(err, protocol.ErrConnectionClosed) {
				debugLog.Printf("Conn %d: client disconnected", c.ID)
			} else {
				debugLog.Printf("Conn %d: read error: %v", c.ID, err)
			}
			return
		}

		debugLog.Printf("Conn %d ← RECV: %s", c.ID, payload)

		env, err := protocol.Decode(payload)
		if err != nil {
			if protocol.IsFatal(err) {
				s.disconnectionsSinceReport.Add(1)
				debugLog.Printf("Conn %d: dropping after undecodable frame: %v", c.ID, err)
				return
			}
			debugLog.Printf("Conn %d: rejected frame: %v", c.ID, err)
			if err := s.reply(c, protocol.BadRequest(ReasonIncorrectRequest)); err != nil {
				return
			}
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordMessageReceived(string(env.Action()))
		}

		if err := s.handleEnvelope(c, env); err != nil {
			s.disconnectionsSinceReport.Add(1)
			switch {
			case errors.Is(err, ErrClientDisconnecting):
				debugLog.Printf("Conn %d disconnected gracefully", c.ID)
			case errors.Is(err, ErrEvicted):
				debugLog.Printf("Conn %d evicted", c.ID)
			default:
				debugLog.Printf("Conn %d: handle error: %v", c.ID, err)
			}
			return
		}
	}
}

// closeConn evicts c and logs its user out of the directory, unless the
// name has already been taken over by another connection.
func (s *Server) closeConn(c *Conn) {
	name := c.Username()
	s.registry.Evict(c)
	if name == "" {
		return
	}

	unlock := s.locks.lock(name)
	defer unlock()
	if sess, ok := s.registry.Lookup(name); ok && sess.Conn != c {
		return
	}
	if err := s.dir.UserLogout(name); err != nil {
		errorLog.Printf("Session %s: logout failed: %v", name, err)
		if s.metrics != nil {
			s.metrics.RecordDirectoryError("user_logout")
		}
	}
	debugLog.Printf("Session %s: closed", name)
}

// startWriter drains the session outbox onto its connection. A failed write
// closes the connection; the reader then evicts it.
func (s *Server) startWriter(sess *Session) {
	s.goConn(func() {
		err := sess.Outbox.drain(func(payload []byte) error {
			if err := sess.Conn.WritePayload(payload); err != nil {
				return err
			}
			if s.metrics != nil {
				s.metrics.RecordMessageForwarded()
			}
			return nil
		})
		if err != nil {
			debugLog.Printf("Session %s: write failed: %v", sess.Username, err)
			sess.Conn.Close()
		}
	})
}

// DropUser disconnects the session registered as username. It reports
// whether such a session existed.
func (s *Server) DropUser(username string) bool {
	sess, ok := s.registry.Lookup(username)
	if !ok {
		return false
	}
	log.Printf("Dropping session %s (conn %d)", username, sess.Conn.ID)
	// The reader notices the closed connection and cleans up
	sess.Conn.Close()
	return true
}

// OnlineUsers returns the registered usernames, sorted
func (s *Server) OnlineUsers() []string {
	return s.registry.Usernames()
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return nil
		case <-ticker.C:
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Sessions: %d, open connections: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				s.registry.Count(), s.registry.ConnCount(), connected, disconnected, runtime.NumGoroutine())
		}
	}
}

// sessionInfo is one row of GET /sessions
type sessionInfo struct {
	Username      string    `json:"username"`
	Transport     string    `json:"transport"`
	RemoteAddr    string    `json:"remote_addr"`
	EstablishedAt time.Time `json:"established_at"`
	Pending       int       `json:"pending"`
}

// adminMux serves the internal endpoints
func (s *Server) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("GET /sessions", s.SessionsHandler)
	mux.HandleFunc("DELETE /sessions/{name}", s.DropSessionHandler)
	return mux
}

// HealthHandler reports liveness and a few counters
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"uptime_secs": int64(time.Since(s.startTime).Seconds()),
		"sessions":    s.registry.Count(),
		"connections": s.registry.ConnCount(),
	})
}

// SessionsHandler lists the registered sessions
func (s *Server) SessionsHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.Sessions()
	out := make([]sessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		remote := ""
		if addr := sess.Conn.RemoteAddr(); addr != nil {
			remote = addr.String()
		}
		out = append(out, sessionInfo{
			Username:      sess.Username,
			Transport:     sess.Conn.Transport,
			RemoteAddr:    remote,
			EstablishedAt: sess.EstablishedAt,
			Pending:       sess.Outbox.Len(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// DropSessionHandler disconnects one session
func (s *Server) DropSessionHandler(w http.ResponseWriter, r *http.Request) {
	if !s.DropUser(r.PathValue("name")) {
		http.Error(w, "no such session", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
