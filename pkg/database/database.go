package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/jimchat/pkg/auth"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates the username is not registered.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists indicates the username is already registered.
	ErrUserExists = errors.New("user already exists")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Open opens a connection to the SQLite database at the given path
// and brings the schema up to date
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows multiple readers alongside the single writer
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	// Dedicated write connection: exactly 1 connection, no pooling
	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn, writeConn: writeConn}, nil
}

func applyPragmas(conn *sql.DB) error {
	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		// Wait and retry instead of failing immediately with SQLITE_BUSY
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA foreign_keys = ON", "enable foreign keys"},
		{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// === Users ===

// AddUser registers a user. sealedCredential is the stored form produced by
// auth.Seal, or empty for an account that accepts any presence.
func (db *DB) AddUser(username, sealedCredential string) error {
	now := nowMillis()
	_, err := db.writeConn.Exec(`
		INSERT INTO User (username, password_hash, created_at, last_login)
		VALUES (?, ?, ?, 0)
	`, username, sealedCredential, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrUserExists
		}
		return err
	}
	return nil
}

// DelUser removes a user together with their contacts, activity and history
func (db *DB) DelUser(username string) error {
	result, err := db.writeConn.Exec(`DELETE FROM User WHERE username = ?`, username)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetUser retrieves a user by name
func (db *DB) GetUser(username string) (*User, error) {
	var user User
	err := db.conn.QueryRow(`
		SELECT id, username, password_hash, created_at, last_login, sent, received
		FROM User
		WHERE username = ?
	`, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt, &user.LastLogin, &user.Sent, &user.Received)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ListUsers returns every registered user sorted by name
func (db *DB) ListUsers() ([]*User, error) {
	rows, err := db.conn.Query(`
		SELECT id, username, password_hash, created_at, last_login, sent, received
		FROM User
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt, &user.LastLogin, &user.Sent, &user.Received); err != nil {
			return nil, err
		}
		users = append(users, &user)
	}
	return users, rows.Err()
}

// IsUserRegistered reports whether username exists
func (db *DB) IsUserRegistered(username string) (bool, error) {
	var exists bool
	err := db.conn.QueryRow(`SELECT EXISTS(SELECT 1 FROM User WHERE username = ?)`, username).Scan(&exists)
	return exists, err
}

// GetRegisteredUsernames returns all usernames in ascending order
func (db *DB) GetRegisteredUsernames() ([]string, error) {
	return db.queryStrings(`SELECT username FROM User ORDER BY username ASC`)
}

// === Sessions ===

// UserLogin checks the credential and records a login: last_login is
// updated, the user is marked active and a history row is appended.
func (db *DB) UserLogin(username, ip string, port int, credential *string) error {
	user, err := db.GetUser(username)
	if err != nil {
		return err
	}
	if err := auth.Verify(user.PasswordHash, credential); err != nil {
		return err
	}

	now := nowMillis()
	tx, err := db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE User SET last_login = ? WHERE id = ?`, now, user.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO ActiveUser (user_id, ip, port, login_time)
		VALUES (?, ?, ?, ?)
	`, user.ID, ip, port, now); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO LoginHistory (id, user_id, ip, port, login_time)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), user.ID, ip, port, now); err != nil {
		return err
	}
	return tx.Commit()
}

// UserLogout clears the user's active marker. Logging out a user that is
// not active is not an error.
func (db *DB) UserLogout(username string) error {
	_, err := db.writeConn.Exec(`
		DELETE FROM ActiveUser
		WHERE user_id = (SELECT id FROM User WHERE username = ?)
	`, username)
	return err
}

// ClearActiveUsers empties the active user table (called on startup)
func (db *DB) ClearActiveUsers() error {
	_, err := db.writeConn.Exec(`DELETE FROM ActiveUser`)
	return err
}

// ActiveUsers lists users with a live session, oldest login first
func (db *DB) ActiveUsers() ([]ActiveUser, error) {
	rows, err := db.conn.Query(`
		SELECT u.username, a.ip, a.port, a.login_time
		FROM ActiveUser a
		JOIN User u ON u.id = a.user_id
		ORDER BY a.login_time ASC, u.username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var active []ActiveUser
	for rows.Next() {
		var a ActiveUser
		if err := rows.Scan(&a.Username, &a.IP, &a.Port, &a.LoginTime); err != nil {
			return nil, err
		}
		active = append(active, a)
	}
	return active, rows.Err()
}

// LoginHistory returns login records for username, or for everyone when
// username is empty
func (db *DB) LoginHistory(username string) ([]LoginRecord, error) {
	query := `
		SELECT h.id, u.username, h.ip, h.port, h.login_time
		FROM LoginHistory h
		JOIN User u ON u.id = h.user_id
	`
	var args []any
	if username != "" {
		query += ` WHERE u.username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY h.login_time ASC`

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []LoginRecord
	for rows.Next() {
		var r LoginRecord
		if err := rows.Scan(&r.ID, &r.Username, &r.IP, &r.Port, &r.LoginTime); err != nil {
			return nil, err
		}
		history = append(history, r)
	}
	return history, rows.Err()
}

// === Contacts ===

// AddContact adds contact to owner's list. Adding an existing contact is a
// no-op. Both users must be registered.
func (db *DB) AddContact(owner, contact string) error {
	result, err := db.writeConn.Exec(`
		INSERT OR IGNORE INTO Contact (owner_id, contact_id, created_at)
		SELECT o.id, c.id, ?
		FROM User o, User c
		WHERE o.username = ? AND c.username = ?
	`, nowMillis(), owner, contact)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either a duplicate (fine) or an unknown user
		return db.requireUsers(owner, contact)
	}
	return nil
}

// DelContact removes contact from owner's list. Removing an absent contact
// is a no-op; the owner must be registered.
func (db *DB) DelContact(owner, contact string) error {
	result, err := db.writeConn.Exec(`
		DELETE FROM Contact
		WHERE owner_id = (SELECT id FROM User WHERE username = ?)
		  AND contact_id = (SELECT id FROM User WHERE username = ?)
	`, owner, contact)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return db.requireUsers(owner)
	}
	return nil
}

// GetContacts returns owner's contacts in ascending order
func (db *DB) GetContacts(owner string) ([]string, error) {
	if err := db.requireUsers(owner); err != nil {
		return nil, err
	}
	return db.queryStrings(`
		SELECT c.username
		FROM Contact
		JOIN User o ON o.id = Contact.owner_id
		JOIN User c ON c.id = Contact.contact_id
		WHERE o.username = ?
		ORDER BY c.username ASC
	`, owner)
}

// === Counters ===

// RecordMessage increments sender's sent and recipient's received counters
// in one transaction
func (db *DB) RecordMessage(sender, recipient string) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, step := range []struct{ stmt, name string }{
		{`UPDATE User SET sent = sent + 1 WHERE username = ?`, sender},
		{`UPDATE User SET received = received + 1 WHERE username = ?`, recipient},
	} {
		result, err := tx.Exec(step.stmt, step.name)
		if err != nil {
			return err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrUserNotFound, step.name)
		}
	}
	return tx.Commit()
}

// MessageStats returns per-user counters sorted by name
func (db *DB) MessageStats() ([]MessageStats, error) {
	rows, err := db.conn.Query(`
		SELECT username, last_login, sent, received
		FROM User
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []MessageStats
	for rows.Next() {
		var s MessageStats
		if err := rows.Scan(&s.Username, &s.LastLogin, &s.Sent, &s.Received); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// === helpers ===

func (db *DB) requireUsers(usernames ...string) error {
	for _, name := range usernames {
		ok, err := db.IsUserRegistered(name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, name)
		}
	}
	return nil
}

func (db *DB) queryStrings(query string, args ...any) ([]string, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
