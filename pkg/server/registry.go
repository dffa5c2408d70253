package server

import (
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	// ErrNameTaken indicates another connection already holds the username.
	ErrNameTaken = errors.New("name already taken")
	// ErrConnClosed indicates the connection was evicted before registering.
	ErrConnClosed = errors.New("connection closed")
)

// Conn is one accepted client connection, authenticated or not.
type Conn struct {
	ID        uint64
	TraceID   string // uuid, correlates log lines across reconnects of the same address
	Transport string // "tcp", "legacy" or "ws"
	*SafeConn

	mu       sync.RWMutex
	username string // bound identity, empty while unauthenticated
}

// Username returns the identity bound to the connection, or "".
func (c *Conn) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

func (c *Conn) setUsername(name string) {
	c.mu.Lock()
	c.username = name
	c.mu.Unlock()
}

// HostPort splits the remote address for the directory login record.
func (c *Conn) HostPort() (string, int) {
	addr := c.RemoteAddr()
	if addr == nil {
		return "", 0
	}
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

// Session binds a registered username to its live connection.
type Session struct {
	Username      string
	Conn          *Conn
	EstablishedAt time.Time
	Outbox        *Outbox
}

// Registry is the single source of truth for who is online. It also tracks
// every open connection so shutdown can close them all.
type Registry struct {
	mu       sync.RWMutex
	conns    map[uint64]*Conn
	sessions map[string]*Session
	nextID   atomic.Uint64
	metrics  *Metrics

	outboxLimit int
}

// NewRegistry creates an empty registry. outboxLimit caps each session's
// pending messages (0 = unbounded).
func NewRegistry(outboxLimit int) *Registry {
	if outboxLimit < 0 {
		panic("negative outbox limit")
	}
	return &Registry{
		conns:       make(map[uint64]*Conn),
		sessions:    make(map[string]*Session),
		outboxLimit: outboxLimit,
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Track adds a freshly accepted connection to the open set.
func (r *Registry) Track(sc *SafeConn, transport string) *Conn {
	c := &Conn{
		ID:        r.nextID.Add(1),
		TraceID:   uuid.NewString(),
		Transport: transport,
		SafeConn:  sc,
	}

	r.mu.Lock()
	r.conns[c.ID] = c
	count := len(r.conns)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordOpenConnections(count)
		r.metrics.RecordConnectionAccepted(transport)
	}
	return c
}

// Register binds username to c. The check and the insert happen under one
// lock, so two connections racing for the same name cannot both win.
func (r *Registry) Register(username string, c *Conn) (*Session, error) {
	r.mu.Lock()
	if _, open := r.conns[c.ID]; !open {
		r.mu.Unlock()
		return nil, ErrConnClosed
	}
	if _, taken := r.sessions[username]; taken {
		r.mu.Unlock()
		return nil, ErrNameTaken
	}
	sess := &Session{
		Username:      username,
		Conn:          c,
		EstablishedAt: time.Now(),
		Outbox:        newOutbox(r.outboxLimit),
	}
	r.sessions[username] = sess
	c.setUsername(username)
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
	}
	return sess, nil
}

// Lookup returns the live session for username.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[username]
	return sess, ok
}

// Release drops the session for username without closing its connection.
// It is used when login fails after the name was reserved.
func (r *Registry) Release(username string, c *Conn) {
	r.mu.Lock()
	sess, ok := r.sessions[username]
	if !ok || sess.Conn != c {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, username)
	c.setUsername("")
	count := len(r.sessions)
	r.mu.Unlock()

	r.dropOutbox(sess)
	if r.metrics != nil {
		r.metrics.RecordActiveSessions(count)
	}
}

// Unregister removes the session for username and closes its connection.
// Unregistering an unknown name is a no-op.
func (r *Registry) Unregister(username string) {
	sess, ok := r.Lookup(username)
	if !ok {
		return
	}
	r.Evict(sess.Conn)
}

// Evict removes c from every set and closes it. The session bound to c, if
// any, goes with it; a session that another connection holds for the same
// name is left alone. Evict is idempotent.
func (r *Registry) Evict(c *Conn) {
	r.mu.Lock()
	_, open := r.conns[c.ID]
	delete(r.conns, c.ID)

	var sess *Session
	if name := c.Username(); name != "" {
		if s, ok := r.sessions[name]; ok && s.Conn == c {
			sess = s
			delete(r.sessions, name)
		}
	}
	conns, sessions := len(r.conns), len(r.sessions)
	r.mu.Unlock()

	c.Close()
	if sess != nil {
		r.dropOutbox(sess)
	}

	if open && r.metrics != nil {
		r.metrics.RecordOpenConnections(conns)
		r.metrics.RecordActiveSessions(sessions)
		r.metrics.RecordConnectionClosed()
	}
}

func (r *Registry) dropOutbox(sess *Session) {
	if dropped := sess.Outbox.Close(); dropped > 0 {
		debugLog.Printf("Session %s: dropped %d undelivered messages", sess.Username, dropped)
		if r.metrics != nil {
			r.metrics.RecordMessagesDropped(dropped)
		}
	}
}

// Usernames returns the registered names at one point in time, sorted.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	names := lo.Keys(r.sessions)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Sessions returns a snapshot of live sessions sorted by username.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	sessions := lo.Values(r.sessions)
	r.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Username < sessions[j].Username
	})
	return sessions
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ConnCount returns the number of open connections, registered or not
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll evicts every open connection
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := lo.Values(r.conns)
	r.mu.RUnlock()

	for _, c := range conns {
		r.Evict(c)
	}
}
