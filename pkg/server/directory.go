//go:generate go run go.uber.org/mock/mockgen -source=directory.go -destination=mocks/mock_directory.go -package=mocks

package server

import (
	"errors"
	"sort"
	"sync"

	"github.com/aeolun/jimchat/pkg/auth"
	"github.com/aeolun/jimchat/pkg/database"
	"github.com/samber/lo"
)

// Directory is the persistence port the protocol handlers consume. It is
// satisfied by *database.DB and *database.MemDB.
type Directory interface {
	UserLogin(username, ip string, port int, credential *string) error
	UserLogout(username string) error
	IsUserRegistered(username string) (bool, error)
	AddContact(owner, contact string) error
	DelContact(owner, contact string) error
	GetContacts(owner string) ([]string, error)
	GetRegisteredUsernames() ([]string, error)
	RecordMessage(sender, recipient string) error
}

var (
	_ Directory = (*database.DB)(nil)
	_ Directory = (*database.MemDB)(nil)
)

// Reasons sent in 400 responses
const (
	ReasonIncorrectRequest  = "Incorrect request"
	ReasonNameTaken         = "Name already taken"
	ReasonNotRegistered     = "User not registered"
	ReasonBadCredential     = "Bad credential"
	ReasonAlreadyRegistered = "Already registered"
	ReasonUnknownDest       = "Destination not registered"
	ReasonDestUnavailable   = "Destination unavailable"
	ReasonMessageTooLong    = "Message too long"
)

// loginFailureReason maps a UserLogin error to the 400 reason sent to the
// client, and reports whether the failure evicts the connection.
func loginFailureReason(err error) (string, bool) {
	switch {
	case errors.Is(err, database.ErrUserNotFound):
		return ReasonNotRegistered, true
	case errors.Is(err, auth.ErrBadCredential), errors.Is(err, auth.ErrMissingCredential):
		return ReasonBadCredential, true
	default:
		return err.Error(), false
	}
}

// userLocks serializes directory call sequences per username. A message
// holds the sender and the recipient, so a counter update never interleaves
// with a contact mutation for either user.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

// lock acquires the locks for names in sorted order and returns a function
// that releases them. Duplicate names are locked once.
func (l *userLocks) lock(names ...string) func() {
	names = lo.Uniq(names)
	sort.Strings(names)

	held := make([]*userLock, 0, len(names))
	for _, name := range names {
		l.mu.Lock()
		ul, ok := l.locks[name]
		if !ok {
			ul = &userLock{}
			l.locks[name] = ul
		}
		ul.refs++
		l.mu.Unlock()

		ul.mu.Lock()
		held = append(held, ul)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, names[i])
			}
			l.mu.Unlock()
		}
	}
}

// size reports how many usernames currently have a lock entry.
func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func sortedCopy(names []string) []string {
	out := lo.Uniq(names)
	sort.Strings(out)
	return out
}
