// Package client is a jimchat client library. A Client registers one
// username, issues requests and receives the messages other users send it.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/jimchat/pkg/auth"
	"github.com/aeolun/jimchat/pkg/protocol"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

const (
	defaultTCPPort  = "7777"
	defaultHTTPPort = "8080"

	// DefaultStatus is sent with presence when none is given
	DefaultStatus = "Yep, I am here!"

	// DefaultTimeout bounds the wait for a response
	DefaultTimeout = 10 * time.Second
)

var (
	// ErrClosed is returned for requests on a closed client.
	ErrClosed = errors.New("connection closed")
	// ErrTimeout is returned when the server does not answer in time.
	ErrTimeout = errors.New("timeout waiting for response")
	// ErrNotRegistered is returned for requests made before Presence.
	ErrNotRegistered = errors.New("not registered")
)

// ResponseError is a 400 response from the server.
type ResponseError struct {
	Code   int
	Reason string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Reason)
}

// Client is a connection to a jimchat server.
type Client struct {
	addr      string // display address with scheme
	transport string // "tcp", "legacy" or "ws"
	dial      func() (net.Conn, error)
	framing   protocol.Framing
	timeout   time.Duration
	logger    *log.Logger

	conn   net.Conn
	stream protocol.Stream
	sendMu sync.Mutex // one request in flight; responses arrive in order
	mu     sync.RWMutex
	closed bool
	user   string
	err    error // why the receive loop ended

	responses chan *protocol.Response
	incoming  chan *protocol.Message
	done      chan struct{}
	tasks     *taskgroup.Group
}

// New creates a client for address. Supported forms:
//
//	host[:port]              framed TCP (default port 7777)
//	tcp://host[:port]        framed TCP
//	legacy://host[:port]     unframed TCP, one JSON document per read
//	ws://host[:port][/path]  WebSocket (default port 8080, path /ws)
func New(address string) (*Client, error) {
	cfg, err := parseServerAddress(address)
	if err != nil {
		return nil, err
	}
	return &Client{
		addr:      cfg.display,
		transport: cfg.transport,
		dial:      cfg.dial,
		framing:   cfg.framing,
		timeout:   DefaultTimeout,
		responses: make(chan *protocol.Response, 1),
		incoming:  make(chan *protocol.Message, 64),
		done:      make(chan struct{}),
	}, nil
}

// Dial creates a client and connects it.
func Dial(address string) (*Client, error) {
	c, err := New(address)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetLogger sets a logger for connection events
func (c *Client) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetTimeout sets how long requests wait for their response
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect opens the connection and starts receiving.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.mu.Unlock()

	c.logf("Connecting to %s...", c.addr)
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = protocol.NewStream(conn, c.framing, 0)
	c.tasks = taskgroup.New(nil)
	c.mu.Unlock()

	c.tasks.Go(c.receiveLoop)
	c.logf("Connected to %s (%s)", c.addr, c.transport)
	return nil
}

// Address returns the server address with its scheme
func (c *Client) Address() string { return c.addr }

// Transport returns "tcp", "legacy" or "ws"
func (c *Client) Transport() string { return c.transport }

// Username returns the registered name, or "" before Presence succeeds
func (c *Client) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// Incoming delivers messages sent to this client. It is closed when the
// connection ends.
func (c *Client) Incoming() <-chan *protocol.Message {
	return c.incoming
}

// Err reports why the connection ended, or nil while it is open or after a
// clean Close.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Close closes the connection and waits for the receive loop to stop. It is
// safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, tasks := c.conn, c.tasks
	c.mu.Unlock()

	close(c.done)
	err := conn.Close()
	tasks.Wait()
	return err
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// receiveLoop reads envelopes and routes them: responses to the waiting
// request, messages to Incoming.
func (c *Client) receiveLoop() error {
	defer close(c.incoming)
	defer close(c.responses)

	for {
		payload, err := c.stream.ReadPayload()
		if err != nil {
			if !c.isClosed() && !errors.Is(err, protocol.ErrConnectionClosed) {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			c.logf("Connection to %s ended: %v", c.addr, err)
			return nil
		}

		for _, doc := range splitDocuments(payload) {
			env, err := protocol.Decode(doc)
			if err != nil {
				c.logf("Dropping undecodable payload %q: %v", doc, err)
				continue
			}
			switch m := env.(type) {
			case *protocol.Response:
				select {
				case c.responses <- m:
				case <-c.done:
					return nil
				}
			case *protocol.Message:
				select {
				case c.incoming <- m:
				case <-c.done:
					return nil
				}
			default:
				c.logf("Ignoring unexpected %s from server", env.Action())
			}
		}
	}
}

// splitDocuments separates JSON objects that arrived in one read. Legacy
// framing can coalesce a response and a forwarded message.
func splitDocuments(payload []byte) [][]byte {
	dec := json.NewDecoder(bytes.NewReader(payload))
	var docs [][]byte
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			// Let protocol.Decode report the problem
			if len(docs) == 0 {
				return [][]byte{payload}
			}
			return append(docs, payload[dec.InputOffset():])
		}
		docs = append(docs, raw)
	}
	return docs
}

// request sends env and waits for its response. A 400 becomes a
// *ResponseError.
func (c *Client) request(env protocol.Envelope) (*protocol.Response, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	// Discard a late response to a request that already timed out
	select {
	case resp, ok := <-c.responses:
		if !ok {
			return nil, ErrClosed
		}
		c.logf("Discarding late response %d", resp.Code)
	default:
	}

	if err := c.send(env); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-c.responses:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Code == protocol.StatusBadRequest {
			return nil, &ResponseError{Code: resp.Code, Reason: resp.Error}
		}
		return resp, nil
	case <-time.After(c.timeout):
		return nil, ErrTimeout
	}
}

func (c *Client) send(env protocol.Envelope) error {
	c.mu.RLock()
	stream, closed := c.stream, c.closed
	c.mu.RUnlock()
	if stream == nil || closed {
		return ErrClosed
	}

	payload, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}
	if err := stream.WritePayload(payload); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// registered returns the bound username or ErrNotRegistered
func (c *Client) registered() (string, error) {
	if name := c.Username(); name != "" {
		return name, nil
	}
	return "", ErrNotRegistered
}

// Presence registers username. An empty password sends no credential.
func (c *Client) Presence(username, password string) error {
	user := protocol.PresenceUser{AccountName: username, Status: DefaultStatus}
	if password != "" {
		hash := auth.HashPassword(password, username)
		user.PasswordHash = &hash
	}
	if _, err := c.request(&protocol.Presence{Time: protocol.Now(), User: user}); err != nil {
		return err
	}

	c.mu.Lock()
	c.user = username
	c.mu.Unlock()
	return nil
}

// Send delivers text to another online user.
func (c *Client) Send(to, text string) error {
	from, err := c.registered()
	if err != nil {
		return err
	}
	_, err = c.request(&protocol.Message{From: from, To: to, Time: protocol.Now(), MessText: text})
	return err
}

// Contacts returns the contact list, sorted.
func (c *Client) Contacts() ([]string, error) {
	user, err := c.registered()
	if err != nil {
		return nil, err
	}
	resp, err := c.request(&protocol.GetContacts{Time: protocol.Now(), User: user})
	if err != nil {
		return nil, err
	}
	return resp.DataList, nil
}

// AddContact adds name to the contact list. Adding twice is harmless.
func (c *Client) AddContact(name string) error {
	user, err := c.registered()
	if err != nil {
		return err
	}
	_, err = c.request(&protocol.AddContact{Time: protocol.Now(), User: user, AccountName: name})
	return err
}

// RemoveContact removes name from the contact list.
func (c *Client) RemoveContact(name string) error {
	user, err := c.registered()
	if err != nil {
		return err
	}
	_, err = c.request(&protocol.RemoveContact{Time: protocol.Now(), User: user, AccountName: name})
	return err
}

// Users returns every registered username, sorted.
func (c *Client) Users() ([]string, error) {
	user, err := c.registered()
	if err != nil {
		return nil, err
	}
	resp, err := c.request(&protocol.UsersRequest{Time: protocol.Now(), AccountName: user})
	if err != nil {
		return nil, err
	}
	return resp.DataList, nil
}

// Exit tells the server the user is leaving and closes the connection.
// The server sends no response.
func (c *Client) Exit() error {
	user, err := c.registered()
	if err != nil {
		return c.Close()
	}

	c.sendMu.Lock()
	sendErr := c.send(&protocol.Exit{Time: protocol.Now(), AccountName: user})
	c.sendMu.Unlock()

	closeErr := c.Close()
	if sendErr != nil {
		return sendErr
	}
	return closeErr
}

type dialConfig struct {
	display   string
	transport string
	framing   protocol.Framing
	dial      func() (net.Conn, error)
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		scheme = strings.ToLower(u.Scheme)
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp", "legacy":
		addr, err := withDefaultPort(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		framing := protocol.FramingFramed
		if scheme == "legacy" {
			framing = protocol.FramingLegacy
		}
		return &dialConfig{
			display:   scheme + "://" + addr,
			transport: scheme,
			framing:   framing,
			dial: func() (net.Conn, error) {
				return net.DialTimeout("tcp", addr, DefaultTimeout)
			},
		}, nil

	case "ws", "wss":
		addr, err := withDefaultPort(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		if path == "" {
			path = "/ws"
		}
		wsURL := scheme + "://" + addr + path
		return &dialConfig{
			display:   wsURL,
			transport: "ws",
			framing:   protocol.FramingFramed,
			dial: func() (net.Conn, error) {
				dialer := websocket.Dialer{HandshakeTimeout: DefaultTimeout}
				ws, _, err := dialer.Dial(wsURL, nil)
				if err != nil {
					return nil, err
				}
				return protocol.NewWebSocketConn(ws), nil
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported scheme %q", scheme)
	}
}

func withDefaultPort(hostPort, port string) (string, error) {
	if hostPort == "" {
		return "", errors.New("missing host")
	}
	if _, _, err := net.SplitHostPort(hostPort); err == nil {
		return hostPort, nil
	}
	return net.JoinHostPort(hostPort, port), nil
}
