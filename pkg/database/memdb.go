package database

import (
	"cmp"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/aeolun/jimchat/pkg/auth"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MemDB is an in-memory directory with periodic SQLite snapshots.
//
// Reads and writes are served from memory. Counters, last-login times,
// contact lists, login history and the active user set are written back to
// SQLite every snapshot interval and once more on Close. Users added to the
// SQLite file by another process are picked up on first lookup; users deleted
// by another process stay visible until restart.
//
// A MemDB with a nil SQLite handle is purely in memory.
type MemDB struct {
	mu sync.RWMutex

	// Core data
	users  map[string]*memUser
	active map[string]ActiveUser

	// Dirty tracking for incremental snapshots
	dirtyUsers    map[string]bool // counters or last_login changed
	dirtyContacts map[string]bool // owner's contact list changed
	dirtyActive   bool
	history       []LoginRecord // not yet written

	// Underlying SQLite DB for snapshots
	sqliteDB         *DB
	snapshotInterval time.Duration
	shutdown         chan struct{}
	closeOnce        sync.Once
	wg               sync.WaitGroup
	closeErr         error // final snapshot result, set before wg.Done
}

type memUser struct {
	User
	contacts map[string]struct{}
}

// NewMemDB creates a new in-memory database and loads initial state from
// SQLite when sqliteDB is not nil
func NewMemDB(sqliteDB *DB, snapshotInterval time.Duration) (*MemDB, error) {
	m := &MemDB{
		users:            make(map[string]*memUser),
		active:           make(map[string]ActiveUser),
		dirtyUsers:       make(map[string]bool),
		dirtyContacts:    make(map[string]bool),
		sqliteDB:         sqliteDB,
		snapshotInterval: snapshotInterval,
		shutdown:         make(chan struct{}),
	}
	if sqliteDB == nil {
		return m, nil
	}

	if err := m.loadFromSQLite(); err != nil {
		return nil, fmt.Errorf("failed to load from SQLite: %w", err)
	}

	if snapshotInterval > 0 {
		m.wg.Add(1)
		go m.snapshotLoop()
	}

	log.Printf("MemDB: initialized with %d users", len(m.users))
	return m, nil
}

// loadFromSQLite loads users and contact lists into memory
func (m *MemDB) loadFromSQLite() error {
	start := time.Now()

	users, err := m.sqliteDB.ListUsers()
	if err != nil {
		return fmt.Errorf("failed to load users: %w", err)
	}
	for _, u := range users {
		m.users[u.Username] = &memUser{User: *u, contacts: make(map[string]struct{})}
	}

	rows, err := m.sqliteDB.conn.Query(`
		SELECT o.username, c.username
		FROM Contact
		JOIN User o ON o.id = Contact.owner_id
		JOIN User c ON c.id = Contact.contact_id
	`)
	if err != nil {
		return fmt.Errorf("failed to load contacts: %w", err)
	}
	defer rows.Close()

	contacts := 0
	for rows.Next() {
		var owner, contact string
		if err := rows.Scan(&owner, &contact); err != nil {
			return err
		}
		if u, ok := m.users[owner]; ok {
			u.contacts[contact] = struct{}{}
			contacts++
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	log.Printf("MemDB: loaded %d users and %d contacts in %v", len(users), contacts, time.Since(start))
	return nil
}

// ensureLoaded pulls users that another process registered after startup.
func (m *MemDB) ensureLoaded(usernames ...string) error {
	if m.sqliteDB == nil {
		return nil
	}
	for _, name := range usernames {
		m.mu.RLock()
		_, ok := m.users[name]
		m.mu.RUnlock()
		if ok {
			continue
		}

		u, err := m.sqliteDB.GetUser(name)
		if err == ErrUserNotFound {
			continue
		}
		if err != nil {
			return err
		}
		contacts, err := m.sqliteDB.GetContacts(name)
		if err != nil {
			return err
		}

		m.mu.Lock()
		if _, ok := m.users[name]; !ok {
			mu := &memUser{User: *u, contacts: make(map[string]struct{}, len(contacts))}
			for _, c := range contacts {
				mu.contacts[c] = struct{}{}
			}
			m.users[name] = mu
		}
		m.mu.Unlock()
	}
	return nil
}

// snapshotLoop periodically snapshots to SQLite
func (m *MemDB) snapshotLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.snapshot(); err != nil {
				log.Printf("MemDB: snapshot failed: %v", err)
			}
		case <-m.shutdown:
			if err := m.snapshot(); err != nil {
				log.Printf("MemDB: final snapshot failed: %v", err)
				m.closeErr = err
			} else {
				log.Printf("MemDB: final snapshot completed")
			}
			return
		}
	}
}

type userSnapshot struct {
	username                  string
	lastLogin, sent, received int64
}

// snapshot writes dirty in-memory state to SQLite in one transaction. On
// failure the dirty marks are restored so the next snapshot retries.
func (m *MemDB) snapshot() error {
	if m.sqliteDB == nil {
		return nil
	}
	start := time.Now()

	// Swap out dirty sets under the write lock
	m.mu.Lock()
	dirtyUsers, dirtyContacts, dirtyActive, history := m.dirtyUsers, m.dirtyContacts, m.dirtyActive, m.history
	m.dirtyUsers = make(map[string]bool)
	m.dirtyContacts = make(map[string]bool)
	m.dirtyActive = false
	m.history = nil

	users := make([]userSnapshot, 0, len(dirtyUsers))
	for name := range dirtyUsers {
		if u, ok := m.users[name]; ok {
			users = append(users, userSnapshot{name, u.LastLogin, u.Sent, u.Received})
		}
	}
	contacts := make(map[string][]string, len(dirtyContacts))
	for name := range dirtyContacts {
		if u, ok := m.users[name]; ok {
			contacts[name] = lo.Keys(u.contacts)
		}
	}
	var active []ActiveUser
	if dirtyActive {
		active = lo.Values(m.active)
	}
	m.mu.Unlock()

	if len(users) == 0 && len(contacts) == 0 && len(history) == 0 && !dirtyActive {
		return nil
	}

	if err := m.writeSnapshot(users, contacts, history, active, dirtyActive); err != nil {
		m.mu.Lock()
		for name := range dirtyUsers {
			m.dirtyUsers[name] = true
		}
		for name := range dirtyContacts {
			m.dirtyContacts[name] = true
		}
		m.dirtyActive = m.dirtyActive || dirtyActive
		m.history = append(history, m.history...)
		m.mu.Unlock()
		return err
	}

	log.Printf("MemDB: snapshot completed - %d users, %d contact lists, %d logins written in %v",
		len(users), len(contacts), len(history), time.Since(start))
	return nil
}

func (m *MemDB) writeSnapshot(users []userSnapshot, contacts map[string][]string, history []LoginRecord, active []ActiveUser, replaceActive bool) error {
	tx, err := m.sqliteDB.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, u := range users {
		if _, err := tx.Exec(`UPDATE User SET last_login = ?, sent = ?, received = ? WHERE username = ?`,
			u.lastLogin, u.sent, u.received, u.username); err != nil {
			return err
		}
	}

	now := nowMillis()
	for owner, list := range contacts {
		if _, err := tx.Exec(`DELETE FROM Contact WHERE owner_id = (SELECT id FROM User WHERE username = ?)`, owner); err != nil {
			return err
		}
		for _, contact := range list {
			if _, err := tx.Exec(`
				INSERT OR IGNORE INTO Contact (owner_id, contact_id, created_at)
				SELECT o.id, c.id, ? FROM User o, User c
				WHERE o.username = ? AND c.username = ?
			`, now, owner, contact); err != nil {
				return err
			}
		}
	}

	for _, h := range history {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO LoginHistory (id, user_id, ip, port, login_time)
			SELECT ?, id, ?, ?, ? FROM User WHERE username = ?
		`, h.ID, h.IP, h.Port, h.LoginTime, h.Username); err != nil {
			return err
		}
	}

	if replaceActive {
		if _, err := tx.Exec(`DELETE FROM ActiveUser`); err != nil {
			return err
		}
		for _, a := range active {
			if _, err := tx.Exec(`
				INSERT OR REPLACE INTO ActiveUser (user_id, ip, port, login_time)
				SELECT id, ?, ?, ? FROM User WHERE username = ?
			`, a.IP, a.Port, a.LoginTime, a.Username); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// Close stops the snapshot goroutine after a final snapshot and reports
// whether that snapshot reached SQLite
func (m *MemDB) Close() error {
	m.closeOnce.Do(func() {
		close(m.shutdown)
	})
	m.wg.Wait()
	if m.snapshotInterval <= 0 {
		return m.snapshot()
	}
	return m.closeErr
}

// === Users ===

// AddUser registers a user, writing through to SQLite when attached.
func (m *MemDB) AddUser(username, sealedCredential string) error {
	if m.sqliteDB != nil {
		if err := m.sqliteDB.AddUser(username, sealedCredential); err != nil {
			return err
		}
		u, err := m.sqliteDB.GetUser(username)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.users[username] = &memUser{User: *u, contacts: make(map[string]struct{})}
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return ErrUserExists
	}
	m.users[username] = &memUser{
		User:     User{ID: int64(len(m.users) + 1), Username: username, PasswordHash: sealedCredential, CreatedAt: nowMillis()},
		contacts: make(map[string]struct{}),
	}
	return nil
}

// DelUser removes a user and every reference to them, writing through to
// SQLite when attached.
func (m *MemDB) DelUser(username string) error {
	if m.sqliteDB != nil {
		if err := m.sqliteDB.DelUser(username); err != nil && err != ErrUserNotFound {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; !ok {
		return ErrUserNotFound
	}
	delete(m.users, username)
	delete(m.active, username)
	delete(m.dirtyUsers, username)
	delete(m.dirtyContacts, username)
	for name, u := range m.users {
		if _, ok := u.contacts[username]; ok {
			delete(u.contacts, username)
			m.dirtyContacts[name] = true
		}
	}
	return nil
}

// IsUserRegistered reports whether username exists
func (m *MemDB) IsUserRegistered(username string) (bool, error) {
	if err := m.ensureLoaded(username); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.users[username]
	return ok, nil
}

// GetRegisteredUsernames returns all usernames in ascending order
func (m *MemDB) GetRegisteredUsernames() ([]string, error) {
	m.mu.RLock()
	names := lo.Keys(m.users)
	m.mu.RUnlock()
	slices.Sort(names)
	return names, nil
}

// === Sessions ===

// UserLogin checks the credential and records the login in memory
func (m *MemDB) UserLogin(username, ip string, port int, credential *string) error {
	if err := m.ensureLoaded(username); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	if err := auth.Verify(u.PasswordHash, credential); err != nil {
		return err
	}

	now := nowMillis()
	u.LastLogin = now
	m.dirtyUsers[username] = true
	m.active[username] = ActiveUser{Username: username, IP: ip, Port: port, LoginTime: now}
	m.dirtyActive = true
	m.history = append(m.history, LoginRecord{
		ID:        uuid.NewString(),
		Username:  username,
		IP:        ip,
		Port:      port,
		LoginTime: now,
	})
	return nil
}

// UserLogout clears the user's active marker
func (m *MemDB) UserLogout(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[username]; ok {
		delete(m.active, username)
		m.dirtyActive = true
	}
	return nil
}

// ActiveUsers lists users with a live session, oldest login first
func (m *MemDB) ActiveUsers() ([]ActiveUser, error) {
	m.mu.RLock()
	active := lo.Values(m.active)
	m.mu.RUnlock()
	slices.SortFunc(active, func(a, b ActiveUser) int {
		if c := cmp.Compare(a.LoginTime, b.LoginTime); c != 0 {
			return c
		}
		return cmp.Compare(a.Username, b.Username)
	})
	return active, nil
}

// === Contacts ===

// AddContact adds contact to owner's list; duplicates are a no-op
func (m *MemDB) AddContact(owner, contact string) error {
	if err := m.ensureLoaded(owner, contact); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[owner]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, owner)
	}
	if _, ok := m.users[contact]; !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, contact)
	}
	if _, ok := u.contacts[contact]; !ok {
		u.contacts[contact] = struct{}{}
		m.dirtyContacts[owner] = true
	}
	return nil
}

// DelContact removes contact from owner's list; absent contacts are a no-op
func (m *MemDB) DelContact(owner, contact string) error {
	if err := m.ensureLoaded(owner); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[owner]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, owner)
	}
	if _, ok := u.contacts[contact]; ok {
		delete(u.contacts, contact)
		m.dirtyContacts[owner] = true
	}
	return nil
}

// GetContacts returns owner's contacts in ascending order
func (m *MemDB) GetContacts(owner string) ([]string, error) {
	if err := m.ensureLoaded(owner); err != nil {
		return nil, err
	}

	m.mu.RLock()
	u, ok := m.users[owner]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, owner)
	}
	contacts := lo.Keys(u.contacts)
	m.mu.RUnlock()

	slices.Sort(contacts)
	return contacts, nil
}

// === Counters ===

// RecordMessage increments both counters under one lock
func (m *MemDB) RecordMessage(sender, recipient string) error {
	if err := m.ensureLoaded(sender, recipient); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.users[sender]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, sender)
	}
	to, ok := m.users[recipient]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, recipient)
	}
	from.Sent++
	to.Received++
	m.dirtyUsers[sender] = true
	m.dirtyUsers[recipient] = true
	return nil
}

// MessageStats returns per-user counters sorted by name
func (m *MemDB) MessageStats() ([]MessageStats, error) {
	m.mu.RLock()
	stats := make([]MessageStats, 0, len(m.users))
	for _, u := range m.users {
		stats = append(stats, MessageStats{Username: u.Username, LastLogin: u.LastLogin, Sent: u.Sent, Received: u.Received})
	}
	m.mu.RUnlock()

	slices.SortFunc(stats, func(a, b MessageStats) int {
		return cmp.Compare(a.Username, b.Username)
	})
	return stats, nil
}
