package server

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/jimchat/pkg/auth"
	"github.com/aeolun/jimchat/pkg/database"
	"github.com/aeolun/jimchat/pkg/protocol"
	"github.com/aeolun/jimchat/pkg/server/mocks"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// mockServer starts a server in front of a mock directory. Logouts are
// always allowed since every registered connection ends with one.
func mockServer(t *testing.T, config ServerConfig) (*Server, *mocks.MockDirectory) {
	t.Helper()
	ctrl := gomock.NewController(t)
	dir := mocks.NewMockDirectory(ctrl)
	dir.EXPECT().UserLogout(gomock.Any()).Return(nil).AnyTimes()
	return startTestServer(t, dir, config), dir
}

// loggedIn dials srv and registers name, expecting the directory login
func loggedIn(t *testing.T, srv *Server, dir *mocks.MockDirectory, name string) *testClient {
	t.Helper()
	dir.EXPECT().IsUserRegistered(name).Return(true, nil)
	dir.EXPECT().UserLogin(name, gomock.Any(), gomock.Any(), nil).Return(nil)
	c := dialTest(t, localAddr(srv.Addr()), protocol.FramingFramed)
	c.presence(t, name)
	return c
}

func TestPresenceLoginFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
		evict  bool
	}{
		{"unknown user", database.ErrUserNotFound, ReasonNotRegistered, true},
		{"bad credential", auth.ErrBadCredential, ReasonBadCredential, true},
		{"missing credential", auth.ErrMissingCredential, ReasonBadCredential, true},
		{"storage failure", errors.New("database is locked"), "database is locked", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, dir := mockServer(t, testConfig())
			dir.EXPECT().IsUserRegistered("alice").Return(true, nil).AnyTimes()
			dir.EXPECT().UserLogin("alice", gomock.Any(), gomock.Any(), gomock.Any()).Return(tt.err)

			c := dialTest(t, localAddr(srv.Addr()), protocol.FramingFramed)
			c.send(t, &protocol.Presence{Time: protocol.Now(), User: protocol.PresenceUser{AccountName: "alice"}})
			c.expectError(t, tt.reason)

			// The name is never left reserved by a failed login
			assert.Eventually(t, func() bool { return srv.registry.Count() == 0 }, testTimeout, 10*time.Millisecond)

			if tt.evict {
				c.expectClosed(t)
				return
			}

			// Connection stays usable and can retry
			dir.EXPECT().UserLogin("alice", gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
			c.presence(t, "alice")
		})
	}
}

func TestPresenceAlreadyRegistered(t *testing.T) {
	srv, dir := mockServer(t, testConfig())
	alice := loggedIn(t, srv, dir, "alice")

	alice.send(t, &protocol.Presence{Time: protocol.Now(), User: protocol.PresenceUser{AccountName: "carol"}})
	alice.expectError(t, ReasonAlreadyRegistered)
	assert.Equal(t, []string{"alice"}, srv.OnlineUsers())

	// Still registered as alice
	dir.EXPECT().GetRegisteredUsernames().Return([]string{"alice"}, nil)
	alice.send(t, &protocol.UsersRequest{Time: protocol.Now(), AccountName: "alice"})
	alice.expect(t, protocol.StatusAccepted)
}

func TestPresenceRequireCredentials(t *testing.T) {
	config := testConfig()
	config.RequireCredentials = true
	srv, dir := mockServer(t, config)

	// No UserLogin call is expected for a presence without a credential
	c := dialTest(t, localAddr(srv.Addr()), protocol.FramingFramed)
	c.send(t, &protocol.Presence{Time: protocol.Now(), User: protocol.PresenceUser{AccountName: "alice"}})
	c.expectError(t, ReasonBadCredential)
	c.expectClosed(t)

	hash := auth.HashPassword("hunter2", "alice")
	dir.EXPECT().IsUserRegistered("alice").Return(true, nil)
	dir.EXPECT().UserLogin("alice", gomock.Any(), gomock.Any(), &hash).Return(nil)
	c = dialTest(t, localAddr(srv.Addr()), protocol.FramingFramed)
	c.send(t, &protocol.Presence{
		Time: protocol.Now(),
		User: protocol.PresenceUser{AccountName: "alice", PasswordHash: &hash},
	})
	c.expect(t, protocol.StatusOK)
}

func TestUnauthenticatedRequests(t *testing.T) {
	srv, _ := mockServer(t, testConfig())
	c := dialTest(t, localAddr(srv.Addr()), protocol.FramingFramed)

	requests := []protocol.Envelope{
		&protocol.Message{From: "alice", To: "bob", Time: protocol.Now(), MessText: "hi"},
		&protocol.GetContacts{Time: protocol.Now(), User: "alice"},
		&protocol.AddContact{Time: protocol.Now(), User: "alice", AccountName: "bob"},
		&protocol.RemoveContact{Time: protocol.Now(), User: "alice", AccountName: "bob"},
		&protocol.UsersRequest{Time: protocol.Now(), AccountName: "alice"},
		&protocol.Exit{Time: protocol.Now(), AccountName: "alice"},
		protocol.OK(),
	}
	for _, req := range requests {
		c.send(t, req)
		c.expectError(t, ReasonIncorrectRequest)
	}
}

func TestSpoofedIdentityEvicts(t *testing.T) {
	tests := []struct {
		name string
		req  protocol.Envelope
	}{
		{"message", &protocol.Message{From: "bob", To: "alice", Time: protocol.Now(), MessText: "hi"}},
		{"get_contacts", &protocol.GetContacts{Time: protocol.Now(), User: "bob"}},
		{"add", &protocol.AddContact{Time: protocol.Now(), User: "bob", AccountName: "alice"}},
		{"remove", &protocol.RemoveContact{Time: protocol.Now(), User: "bob", AccountName: "alice"}},
		{"get_users", &protocol.UsersRequest{Time: protocol.Now(), AccountName: "bob"}},
		{"exit", &protocol.Exit{Time: protocol.Now(), AccountName: "bob"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, dir := mockServer(t, testConfig())
			alice := loggedIn(t, srv, dir, "alice")
			bob := loggedIn(t, srv, dir, "bob")

			alice.send(t, tt.req)
			alice.expectError(t, ReasonIncorrectRequest)
			alice.expectClosed(t)

			assert.Eventually(t, func() bool {
				return cmp.Equal(srv.OnlineUsers(), []string{"bob"})
			}, testTimeout, 10*time.Millisecond)

			// bob is untouched
			dir.EXPECT().GetRegisteredUsernames().Return([]string{"alice", "bob"}, nil)
			bob.send(t, &protocol.UsersRequest{Time: protocol.Now(), AccountName: "bob"})
			bob.expect(t, protocol.StatusAccepted)
		})
	}
}

func TestMessagePersistenceFailure(t *testing.T) {
	srv, dir := mockServer(t, testConfig())
	alice := loggedIn(t, srv, dir, "alice")
	bob := loggedIn(t, srv, dir, "bob")

	dir.EXPECT().RecordMessage("alice", "bob").Return(errors.New("disk I/O error"))
	alice.message(t, "alice", "bob", "hi")
	alice.expectError(t, "disk I/O error")

	// Nothing was queued; the next successful message is the first bob sees
	dir.EXPECT().RecordMessage("alice", "bob").Return(nil)
	alice.message(t, "alice", "bob", "second")
	alice.expect(t, protocol.StatusOK)

	got, ok := bob.next(t).(*protocol.Message)
	require.True(t, ok)
	assert.Equal(t, "second", got.MessText)
}

func TestMessageTooLong(t *testing.T) {
	config := testConfig()
	config.MaxMessageLength = 8
	srv, dir := mockServer(t, config)
	alice := loggedIn(t, srv, dir, "alice")
	loggedIn(t, srv, dir, "bob")

	alice.message(t, "alice", "bob", strings.Repeat("x", 9))
	alice.expectError(t, ReasonMessageTooLong)

	dir.EXPECT().RecordMessage("alice", "bob").Return(nil)
	alice.message(t, "alice", "bob", strings.Repeat("x", 8))
	alice.expect(t, protocol.StatusOK)
}

func TestMessageToSelf(t *testing.T) {
	srv, dir := mockServer(t, testConfig())
	alice := loggedIn(t, srv, dir, "alice")

	dir.EXPECT().RecordMessage("alice", "alice").Return(nil)
	alice.message(t, "alice", "alice", "note to self")

	// Response and forward race onto the same socket
	var gotResponse, gotMessage bool
	for range 2 {
		switch env := alice.next(t).(type) {
		case *protocol.Response:
			assert.Equal(t, protocol.StatusOK, env.Code)
			gotResponse = true
		case *protocol.Message:
			assert.Equal(t, "note to self", env.MessText)
			gotMessage = true
		}
	}
	assert.True(t, gotResponse)
	assert.True(t, gotMessage)
}

func TestSlowConsumerDropped(t *testing.T) {
	config := testConfig()
	config.MaxPendingPerSession = 1
	config.WriteTimeout = 0
	srv, dir := mockServer(t, config)
	alice := loggedIn(t, srv, dir, "alice")

	// bob reads his presence response and then stops reading
	serverEnd, clientEnd := net.Pipe()
	t.Cleanup(func() { clientEnd.Close() })
	require.True(t, srv.goConn(func() { srv.serveConn(serverEnd, "tcp", protocol.FramingFramed) }))
	bob := &testClient{conn: clientEnd, stream: protocol.NewStream(clientEnd, protocol.FramingFramed, 0)}
	dir.EXPECT().IsUserRegistered("bob").Return(true, nil)
	dir.EXPECT().UserLogin("bob", gomock.Any(), gomock.Any(), nil).Return(nil)
	bob.presence(t, "bob")

	sess, ok := srv.registry.Lookup("bob")
	require.True(t, ok)

	dir.EXPECT().RecordMessage("alice", "bob").Return(nil).Times(2)
	alice.message(t, "alice", "bob", "first")
	alice.expect(t, protocol.StatusOK)

	// The writer has taken "first" and is blocked writing it
	assert.Eventually(t, func() bool { return sess.Outbox.Len() == 0 }, testTimeout, 10*time.Millisecond)

	alice.message(t, "alice", "bob", "second")
	alice.expect(t, protocol.StatusOK)
	require.True(t, sess.Outbox.Full())

	alice.message(t, "alice", "bob", "third")
	alice.expectError(t, ReasonDestUnavailable)

	assert.Eventually(t, func() bool {
		_, ok := srv.registry.Lookup("bob")
		return !ok
	}, testTimeout, 10*time.Millisecond)
	assert.Equal(t, []string{"alice"}, srv.OnlineUsers())

	// Once gone, bob is simply not registered
	alice.message(t, "alice", "bob", "fourth")
	alice.expectError(t, ReasonUnknownDest)
}

func TestPresenceUnknownUser(t *testing.T) {
	srv, dir := mockServer(t, testConfig())

	// No login is attempted for a name the directory does not know
	dir.EXPECT().IsUserRegistered("mallory").Return(false, nil)
	c := dialTest(t, localAddr(srv.Addr()), protocol.FramingFramed)
	c.send(t, &protocol.Presence{Time: protocol.Now(), User: protocol.PresenceUser{AccountName: "mallory"}})
	c.expectError(t, ReasonNotRegistered)
	c.expectClosed(t)
	assert.Eventually(t, func() bool { return srv.registry.Count() == 0 }, testTimeout, 10*time.Millisecond)
}

func TestPresenceLookupFailure(t *testing.T) {
	srv, dir := mockServer(t, testConfig())

	dir.EXPECT().IsUserRegistered("alice").Return(false, errors.New("database is locked"))
	c := dialTest(t, localAddr(srv.Addr()), protocol.FramingFramed)
	c.send(t, &protocol.Presence{Time: protocol.Now(), User: protocol.PresenceUser{AccountName: "alice"}})
	c.expectError(t, "database is locked")
	assert.Equal(t, 0, srv.registry.Count())

	// The connection stays open and the name is free for a retry
	dir.EXPECT().IsUserRegistered("alice").Return(true, nil)
	dir.EXPECT().UserLogin("alice", gomock.Any(), gomock.Any(), nil).Return(nil)
	c.presence(t, "alice")
}

func TestContactsPersistenceFailure(t *testing.T) {
	srv, dir := mockServer(t, testConfig())
	alice := loggedIn(t, srv, dir, "alice")

	dir.EXPECT().GetContacts("alice").Return(nil, errors.New("no such table: Contact"))
	alice.send(t, &protocol.GetContacts{Time: protocol.Now(), User: "alice"})
	alice.expectError(t, "no such table: Contact")

	dir.EXPECT().AddContact("alice", "bob").Return(database.ErrUserNotFound)
	alice.send(t, &protocol.AddContact{Time: protocol.Now(), User: "alice", AccountName: "bob"})
	alice.expectError(t, database.ErrUserNotFound.Error())

	dir.EXPECT().DelContact("alice", "bob").Return(errors.New("database is locked"))
	alice.send(t, &protocol.RemoveContact{Time: protocol.Now(), User: "alice", AccountName: "bob"})
	alice.expectError(t, "database is locked")

	// Failures never end the connection
	dir.EXPECT().GetContacts("alice").Return([]string{"carol", "bob", "carol"}, nil)
	alice.send(t, &protocol.GetContacts{Time: protocol.Now(), User: "alice"})
	resp := alice.expect(t, protocol.StatusAccepted)
	if diff := cmp.Diff([]string{"bob", "carol"}, resp.DataList); diff != "" {
		t.Errorf("contacts (-want +got):\n%s", diff)
	}
}

func TestUsersRequestFailure(t *testing.T) {
	srv, dir := mockServer(t, testConfig())
	alice := loggedIn(t, srv, dir, "alice")

	dir.EXPECT().GetRegisteredUsernames().Return(nil, errors.New("database is closed"))
	alice.send(t, &protocol.UsersRequest{Time: protocol.Now(), AccountName: "alice"})
	alice.expectError(t, "database is closed")

	dir.EXPECT().GetRegisteredUsernames().Return(nil, nil)
	alice.send(t, &protocol.UsersRequest{Time: protocol.Now(), AccountName: "alice"})
	resp := alice.expect(t, protocol.StatusAccepted)
	assert.Empty(t, resp.DataList)
}

func TestDecodeFailures(t *testing.T) {
	srv, _ := mockServer(t, testConfig())

	t.Run("recoverable", func(t *testing.T) {
		c := dialTest(t, localAddr(srv.Addr()), protocol.FramingFramed)
		for _, raw := range []string{
			`{"time":1.0}`,
			`{"action":"dance"}`,
			`{"action":"message","from":"alice"}`,
			`{"action":"presence","time":1.0,"user":{"account_name":""}}`,
		} {
			c.sendRaw(t, []byte(raw))
			c.expectError(t, ReasonIncorrectRequest)
		}
	})

	t.Run("fatal", func(t *testing.T) {
		for _, raw := range []string{`not json`, `[1,2,3]`, `"presence"`} {
			c := dialTest(t, localAddr(srv.Addr()), protocol.FramingFramed)
			c.sendRaw(t, []byte(raw))
			c.expectClosed(t)
		}
	})
}

func TestExitLogsOut(t *testing.T) {
	srv, dir := mockServer(t, testConfig())
	alice := loggedIn(t, srv, dir, "alice")

	alice.send(t, &protocol.Exit{Time: protocol.Now(), AccountName: "alice"})
	alice.expectClosed(t)
	assert.Eventually(t, func() bool { return srv.registry.Count() == 0 }, testTimeout, 10*time.Millisecond)

	// The name can be taken again
	loggedIn(t, srv, dir, "alice")
}

func TestLoginFailureReason(t *testing.T) {
	tests := []struct {
		err    error
		reason string
		evict  bool
	}{
		{database.ErrUserNotFound, ReasonNotRegistered, true},
		{auth.ErrBadCredential, ReasonBadCredential, true},
		{auth.ErrMissingCredential, ReasonBadCredential, true},
		{errors.New("disk full"), "disk full", false},
	}
	for _, tt := range tests {
		reason, evict := loginFailureReason(tt.err)
		assert.Equal(t, tt.reason, reason, tt.err.Error())
		assert.Equal(t, tt.evict, evict, tt.err.Error())
	}
}
