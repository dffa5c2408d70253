package database

// User is a registered account. Timestamps are Unix milliseconds.
type User struct {
	ID           int64
	Username     string
	PasswordHash string // bcrypt seal of the wire credential, empty for open accounts
	CreatedAt    int64
	LastLogin    int64
	Sent         int64
	Received     int64
}

// ActiveUser is a user with a live session.
type ActiveUser struct {
	Username  string
	IP        string
	Port      int
	LoginTime int64
}

// LoginRecord is one row of login history.
type LoginRecord struct {
	ID        string // uuid
	Username  string
	IP        string
	Port      int
	LoginTime int64
}

// MessageStats summarizes a user's traffic.
type MessageStats struct {
	Username  string
	LastLogin int64
	Sent      int64
	Received  int64
}
