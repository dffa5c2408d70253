package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/jimchat/pkg/database"
	"github.com/aeolun/jimchat/pkg/protocol"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Server setup for journey tests
// ---------------------------------------------------------------------------

type journeyServers struct {
	srv        *Server
	memDB      *database.MemDB
	tcpAddr    string
	legacyAddr string
	wsURL      string
	ws         *httptest.Server
}

// close stops the WebSocket front end and the server. It is also registered
// as a cleanup, and is safe to call twice.
func (s *journeyServers) close() {
	s.ws.Close()
	s.srv.Stop()
}

// journeyUsers are registered in the directory once per transport, suffixed
// with the transport name so subtests never collide.
var journeyUsers = []string{"alice", "bob", "carol"}

// setupJourneyServer creates a single server with framed TCP, legacy TCP and
// WebSocket listeners on random ports, backed by SQLite behind a MemDB.
// Metrics are skipped so tests don't share a Prometheus registry.
func setupJourneyServer(t *testing.T) *journeyServers {
	t.Helper()

	sqliteDB, err := database.Open(filepath.Join(t.TempDir(), "journey.db"))
	require.NoError(t, err)

	// Short snapshot interval so flushes happen while tests run
	memDB, err := database.NewMemDB(sqliteDB, 100*time.Millisecond)
	if err != nil {
		sqliteDB.Close()
		t.Fatalf("NewMemDB: %v", err)
	}
	for _, tf := range allTransports() {
		for _, name := range journeyUsers {
			require.NoError(t, memDB.AddUser(tf.user(name), ""))
		}
	}
	require.NoError(t, memDB.AddUser("cross_tcp", ""))
	require.NoError(t, memDB.AddUser("cross_ws", ""))
	require.NoError(t, memDB.AddUser("cross_legacy", ""))
	require.NoError(t, memDB.AddUser("long_tcp", ""))
	require.NoError(t, memDB.AddUser("long_legacy", ""))

	srv := New(memDB, testConfig(), nil, memDB, sqliteDB)

	legacy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.legacyListener = legacy
	require.NoError(t, srv.Start())

	// The public /ws handler, mounted the way Start does it
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	ws := httptest.NewServer(mux)

	servers := &journeyServers{
		srv:        srv,
		memDB:      memDB,
		tcpAddr:    localAddr(srv.Addr()),
		legacyAddr: localAddr(srv.LegacyAddr()),
		wsURL:      "ws" + strings.TrimPrefix(ws.URL, "http") + "/ws",
		ws:         ws,
	}
	t.Cleanup(servers.close)
	return servers
}

// ---------------------------------------------------------------------------
// Transports
// ---------------------------------------------------------------------------

type transportFactory struct {
	name    string
	connect func(t *testing.T, s *journeyServers) *testClient
}

func (tf transportFactory) user(name string) string {
	return name + "_" + tf.name
}

func allTransports() []transportFactory {
	return []transportFactory{
		{"tcp", func(t *testing.T, s *journeyServers) *testClient {
			return dialTest(t, s.tcpAddr, protocol.FramingFramed)
		}},
		{"legacy", func(t *testing.T, s *journeyServers) *testClient {
			return dialTest(t, s.legacyAddr, protocol.FramingLegacy)
		}},
		{"ws", func(t *testing.T, s *journeyServers) *testClient {
			return dialWS(t, s.wsURL)
		}},
	}
}

// dialWS connects over WebSocket and runs the framed stream over the same
// adapter the server uses.
func dialWS(t *testing.T, url string) *testClient {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: testTimeout}
	ws, _, err := dialer.Dial(url, nil)
	require.NoError(t, err, "WebSocket dial %s", url)

	conn := protocol.NewWebSocketConn(ws)
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, stream: protocol.NewStream(conn, protocol.FramingFramed, 0)}
}

// ---------------------------------------------------------------------------
// Main test entry point
// ---------------------------------------------------------------------------

func TestJourney(t *testing.T) {
	defer leaktest.Check(t)()
	servers := setupJourneyServer(t)
	defer servers.close()

	for _, tf := range allTransports() {
		t.Run("registration_and_delivery/"+tf.name, func(t *testing.T) {
			runRegistrationAndDelivery(t, servers, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("contacts/"+tf.name, func(t *testing.T) {
			runContacts(t, servers, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("eviction_isolation/"+tf.name, func(t *testing.T) {
			runEvictionIsolation(t, servers, tf)
		})
	}

	t.Run("cross_transport_delivery", func(t *testing.T) {
		runCrossTransportDelivery(t, servers)
	})

	t.Run("long_message_to_legacy", func(t *testing.T) {
		runLongMessageToLegacy(t, servers)
	})

	t.Run("counters_persisted", func(t *testing.T) {
		stats, err := servers.memDB.MessageStats()
		require.NoError(t, err)
		byName := make(map[string]database.MessageStats)
		for _, s := range stats {
			byName[s.Username] = s
		}
		for _, tf := range allTransports() {
			assert.EqualValues(t, 1, byName[tf.user("alice")].Sent, tf.name)
			assert.EqualValues(t, 1, byName[tf.user("bob")].Received, tf.name)
		}
	})
}

// ---------------------------------------------------------------------------
// Registration and delivery
// ---------------------------------------------------------------------------

func runRegistrationAndDelivery(t *testing.T, servers *journeyServers, tf transportFactory) {
	alice, bob := tf.user("alice"), tf.user("bob")

	// Step 1: A registers
	a := tf.connect(t, servers)
	a.presence(t, alice)

	// Step 2: B claims the same name and is turned away
	b := tf.connect(t, servers)
	b.send(t, &protocol.Presence{Time: protocol.Now(), User: protocol.PresenceUser{AccountName: alice}})
	b.expectError(t, ReasonNameTaken)
	b.expectClosed(t)
	assert.Contains(t, servers.srv.OnlineUsers(), alice, "first session survives the duplicate")

	// Step 3: message to a user who is not online
	sent := &protocol.Message{From: alice, To: bob, Time: protocol.Now(), MessText: "hi"}
	a.send(t, sent)
	a.expectError(t, ReasonUnknownDest)

	// Step 4: bob registers and the resend goes through
	bobClient := tf.connect(t, servers)
	bobClient.presence(t, bob)

	a.send(t, sent)
	a.expect(t, protocol.StatusOK)

	got, ok := bobClient.next(t).(*protocol.Message)
	require.True(t, ok, "bob expected a forwarded message")
	if diff := cmp.Diff(sent, got); diff != "" {
		t.Errorf("forwarded message (-sent +got):\n%s", diff)
	}

	// Step 5: the user list comes from the directory
	a.send(t, &protocol.UsersRequest{Time: protocol.Now(), AccountName: alice})
	resp := a.expect(t, protocol.StatusAccepted)
	assert.True(t, slices.IsSorted(resp.DataList))
	assert.Subset(t, resp.DataList, []string{alice, bob, tf.user("carol")})

	// Step 6: both leave
	a.send(t, &protocol.Exit{Time: protocol.Now(), AccountName: alice})
	a.expectClosed(t)
	bobClient.send(t, &protocol.Exit{Time: protocol.Now(), AccountName: bob})
	bobClient.expectClosed(t)

	assert.Eventually(t, func() bool {
		online := servers.srv.OnlineUsers()
		return !slices.Contains(online, alice) && !slices.Contains(online, bob)
	}, testTimeout, 10*time.Millisecond)

	// Logout follows the registry removal
	assert.Eventually(t, func() bool {
		active, err := servers.memDB.ActiveUsers()
		if err != nil {
			return false
		}
		return !slices.ContainsFunc(active, func(u database.ActiveUser) bool {
			return u.Username == alice || u.Username == bob
		})
	}, testTimeout, 10*time.Millisecond)

	// Step 7: the name is free again
	again := tf.connect(t, servers)
	again.presence(t, alice)
	again.send(t, &protocol.Exit{Time: protocol.Now(), AccountName: alice})
	again.expectClosed(t)
}

// ---------------------------------------------------------------------------
// Contacts
// ---------------------------------------------------------------------------

func runContacts(t *testing.T, servers *journeyServers, tf transportFactory) {
	carol, alice, bob := tf.user("carol"), tf.user("alice"), tf.user("bob")

	c := tf.connect(t, servers)
	c.presence(t, carol)
	defer func() {
		c.send(t, &protocol.Exit{Time: protocol.Now(), AccountName: carol})
		c.expectClosed(t)
	}()

	contacts := func() []string {
		t.Helper()
		c.send(t, &protocol.GetContacts{Time: protocol.Now(), User: carol})
		return c.expect(t, protocol.StatusAccepted).DataList
	}

	assert.Empty(t, contacts())

	// Adding twice is the same as adding once
	for range 2 {
		c.send(t, &protocol.AddContact{Time: protocol.Now(), User: carol, AccountName: bob})
		c.expect(t, protocol.StatusOK)
	}
	c.send(t, &protocol.AddContact{Time: protocol.Now(), User: carol, AccountName: alice})
	c.expect(t, protocol.StatusOK)
	assert.Equal(t, []string{alice, bob}, contacts())

	// Removing a contact that isn't there is fine
	c.send(t, &protocol.RemoveContact{Time: protocol.Now(), User: carol, AccountName: "nobody"})
	c.expect(t, protocol.StatusOK)
	assert.Equal(t, []string{alice, bob}, contacts())

	c.send(t, &protocol.RemoveContact{Time: protocol.Now(), User: carol, AccountName: bob})
	c.expect(t, protocol.StatusOK)
	assert.Equal(t, []string{alice}, contacts())

	// Unknown contacts are a directory error, reported without disconnecting
	c.send(t, &protocol.AddContact{Time: protocol.Now(), User: carol, AccountName: "nobody"})
	resp := c.expect(t, protocol.StatusBadRequest)
	assert.Contains(t, resp.Error, "user not found")
	assert.Equal(t, []string{alice}, contacts())
}

// ---------------------------------------------------------------------------
// Eviction isolation
// ---------------------------------------------------------------------------

func runEvictionIsolation(t *testing.T, servers *journeyServers, tf transportFactory) {
	alice, bob := tf.user("alice"), tf.user("bob")

	a := tf.connect(t, servers)
	a.presence(t, alice)
	b := tf.connect(t, servers)
	b.presence(t, bob)

	// A transport failure on alice's side
	a.conn.Close()
	assert.Eventually(t, func() bool {
		return !slices.Contains(servers.srv.OnlineUsers(), alice)
	}, testTimeout, 10*time.Millisecond)

	// bob's session is intact and messages to alice now fail
	sess, ok := servers.srv.registry.Lookup(bob)
	require.True(t, ok)
	assert.Equal(t, bob, sess.Conn.Username())

	b.send(t, &protocol.Message{From: bob, To: alice, Time: protocol.Now(), MessText: "still there?"})
	b.expectError(t, ReasonUnknownDest)

	b.send(t, &protocol.Exit{Time: protocol.Now(), AccountName: bob})
	b.expectClosed(t)
}

// ---------------------------------------------------------------------------
// Cross-transport delivery
// ---------------------------------------------------------------------------

func runCrossTransportDelivery(t *testing.T, servers *journeyServers) {
	clients := make(map[string]*testClient)
	for _, tf := range allTransports() {
		name := "cross_" + tf.name
		clients[name] = tf.connect(t, servers)
		clients[name].presence(t, name)
	}

	// Each transport sends to the next one round the ring
	ring := []string{"cross_tcp", "cross_ws", "cross_legacy"}
	for i, from := range ring {
		to := ring[(i+1)%len(ring)]
		text := fmt.Sprintf("%s says hello to %s", from, to)

		clients[from].message(t, from, to, text)
		clients[from].expect(t, protocol.StatusOK)

		got, ok := clients[to].next(t).(*protocol.Message)
		require.True(t, ok, "%s expected a forwarded message", to)
		assert.Equal(t, from, got.From)
		assert.Equal(t, to, got.To)
		assert.Equal(t, text, got.MessText)
	}
}

// ---------------------------------------------------------------------------
// Long message to a legacy recipient
// ---------------------------------------------------------------------------

func runLongMessageToLegacy(t *testing.T, servers *journeyServers) {
	sender := dialTest(t, servers.tcpAddr, protocol.FramingFramed)
	sender.presence(t, "long_tcp")
	recipient := dialTest(t, servers.legacyAddr, protocol.FramingLegacy)
	recipient.presence(t, "long_legacy")

	// Within the message limit, but the encoded envelope is larger than one
	// legacy read
	text := strings.Repeat("x", testConfig().MaxMessageLength-6)
	sender.message(t, "long_tcp", "long_legacy", text)
	sender.expect(t, protocol.StatusOK)

	// The forward spans several reads on the recipient's side
	require.NoError(t, recipient.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	var raw json.RawMessage
	require.NoError(t, json.NewDecoder(recipient.conn).Decode(&raw))
	require.NoError(t, recipient.conn.SetReadDeadline(time.Time{}))
	env, err := protocol.Decode(raw)
	require.NoError(t, err)
	got, ok := env.(*protocol.Message)
	require.True(t, ok)
	assert.Equal(t, text, got.MessText)

	// The recipient keeps its session
	assert.Never(t, func() bool {
		return !slices.Contains(servers.srv.OnlineUsers(), "long_legacy")
	}, 200*time.Millisecond, 10*time.Millisecond)

	recipient.message(t, "long_legacy", "long_tcp", "got it")
	recipient.expect(t, protocol.StatusOK)
	reply, ok := sender.next(t).(*protocol.Message)
	require.True(t, ok)
	assert.Equal(t, "got it", reply.MessText)
}
