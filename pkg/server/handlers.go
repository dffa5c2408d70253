package server

import (
	"errors"
	"strconv"

	"github.com/aeolun/jimchat/pkg/protocol"
)

// handleEnvelope dispatches a decoded envelope to its handler. A nil return
// keeps the connection open; any error ends it.
func (s *Server) handleEnvelope(c *Conn, env protocol.Envelope) error {
	switch msg := env.(type) {
	case *protocol.Presence:
		return s.handlePresence(c, msg)
	case *protocol.Message:
		return s.handleMessage(c, msg)
	case *protocol.Exit:
		return s.handleExit(c, msg)
	case *protocol.GetContacts:
		return s.handleGetContacts(c, msg)
	case *protocol.AddContact:
		return s.handleAddContact(c, msg)
	case *protocol.RemoveContact:
		return s.handleRemoveContact(c, msg)
	case *protocol.UsersRequest:
		return s.handleUsersRequest(c, msg)
	default:
		// Responses and anything else clients have no business sending
		return s.reply(c, protocol.BadRequest(ReasonIncorrectRequest))
	}
}

// reply sends a response on c
func (s *Server) reply(c *Conn, resp *protocol.Response) error {
	payload, err := protocol.Encode(resp)
	if err != nil {
		return err
	}
	debugLog.Printf("Conn %d → SEND: %s", c.ID, payload)
	if s.metrics != nil {
		s.metrics.RecordResponseSent(strconv.Itoa(resp.Code))
	}
	return c.WritePayload(payload)
}

// rejectAndEvict sends a 400 and ends the connection
func (s *Server) rejectAndEvict(c *Conn, reason string) error {
	if err := s.reply(c, protocol.BadRequest(reason)); err != nil {
		return err
	}
	return ErrEvicted
}

// dirError logs a persistence failure and reports its reason to the client.
// The connection stays open.
func (s *Server) dirError(c *Conn, operation string, err error) error {
	errorLog.Printf("Conn %d: %s failed: %v", c.ID, operation, err)
	if s.metrics != nil {
		s.metrics.RecordDirectoryError(operation)
	}
	return s.reply(c, protocol.BadRequest(err.Error()))
}

// authorize checks that c is registered as claimed. ok is false when the
// request was answered with a 400; err is set when the connection must end.
// Identity always comes from the registry binding, never from the payload.
func (s *Server) authorize(c *Conn, claimed string) (ok bool, err error) {
	bound := c.Username()
	if bound == "" {
		return false, s.reply(c, protocol.BadRequest(ReasonIncorrectRequest))
	}
	if bound != claimed {
		errorLog.Printf("Session %s: claimed identity %q, evicting", bound, claimed)
		return false, s.rejectAndEvict(c, ReasonIncorrectRequest)
	}
	return true, nil
}

func (s *Server) handlePresence(c *Conn, msg *protocol.Presence) error {
	if c.Username() != "" {
		return s.reply(c, protocol.BadRequest(ReasonAlreadyRegistered))
	}

	name := msg.User.AccountName
	if s.config.RequireCredentials && (msg.User.PasswordHash == nil || *msg.User.PasswordHash == "") {
		return s.rejectAndEvict(c, ReasonBadCredential)
	}

	unlock := s.locks.lock(name)
	defer unlock()

	// Reserve the name first so a concurrent presence for it loses here
	sess, err := s.registry.Register(name, c)
	if errors.Is(err, ErrNameTaken) {
		debugLog.Printf("Conn %d: name %q already taken", c.ID, name)
		return s.rejectAndEvict(c, ReasonNameTaken)
	}
	if err != nil {
		return err
	}

	registered, err := s.dir.IsUserRegistered(name)
	if err != nil {
		s.registry.Release(name, c)
		return s.dirError(c, "is_user_registered", err)
	}
	if !registered {
		s.registry.Release(name, c)
		debugLog.Printf("Conn %d: %q is not registered", c.ID, name)
		return s.rejectAndEvict(c, ReasonNotRegistered)
	}

	ip, port := c.HostPort()
	if err := s.dir.UserLogin(name, ip, port, msg.User.PasswordHash); err != nil {
		s.registry.Release(name, c)
		reason, evict := loginFailureReason(err)
		if evict {
			debugLog.Printf("Conn %d: login as %q refused: %v", c.ID, name, err)
			return s.rejectAndEvict(c, reason)
		}
		return s.dirError(c, "user_login", err)
	}

	s.startWriter(sess)
	debugLog.Printf("Session %s: registered on conn %d (%s)", name, c.ID, c.Transport)
	return s.reply(c, protocol.OK())
}

func (s *Server) handleMessage(c *Conn, msg *protocol.Message) error {
	if ok, err := s.authorize(c, msg.From); !ok {
		return err
	}
	if s.config.MaxMessageLength > 0 && len(msg.MessText) > s.config.MaxMessageLength {
		return s.reply(c, protocol.BadRequest(ReasonMessageTooLong))
	}

	unlock := s.locks.lock(msg.From, msg.To)
	defer unlock()

	dest, ok := s.registry.Lookup(msg.To)
	if !ok {
		return s.reply(c, protocol.BadRequest(ReasonUnknownDest))
	}

	// Every push to dest holds its user lock, so Full cannot go stale here
	if dest.Outbox.Full() {
		errorLog.Printf("Session %s: %d undelivered messages, dropping slow consumer", dest.Username, dest.Outbox.Len())
		dest.Conn.Close()
		return s.reply(c, protocol.BadRequest(ReasonDestUnavailable))
	}

	if err := s.dir.RecordMessage(msg.From, msg.To); err != nil {
		return s.dirError(c, "record_message", err)
	}

	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := dest.Outbox.Push(payload); err != nil {
		// Destination vanished between lookup and push; the message is dropped
		debugLog.Printf("Session %s: message from %s dropped: %v", dest.Username, msg.From, err)
		if s.metrics != nil {
			s.metrics.RecordMessagesDropped(1)
		}
	}
	return s.reply(c, protocol.OK())
}

func (s *Server) handleExit(c *Conn, msg *protocol.Exit) error {
	if ok, err := s.authorize(c, msg.AccountName); !ok {
		return err
	}
	// closeConn logs the user out once the loop returns
	return ErrClientDisconnecting
}

func (s *Server) handleGetContacts(c *Conn, msg *protocol.GetContacts) error {
	if ok, err := s.authorize(c, msg.User); !ok {
		return err
	}

	unlock := s.locks.lock(msg.User)
	contacts, err := s.dir.GetContacts(msg.User)
	unlock()
	if err != nil {
		return s.dirError(c, "get_contacts", err)
	}
	return s.reply(c, protocol.Accepted(sortedCopy(contacts)))
}

func (s *Server) handleAddContact(c *Conn, msg *protocol.AddContact) error {
	if ok, err := s.authorize(c, msg.User); !ok {
		return err
	}

	unlock := s.locks.lock(msg.User)
	err := s.dir.AddContact(msg.User, msg.AccountName)
	unlock()
	if err != nil {
		return s.dirError(c, "add_contact", err)
	}
	return s.reply(c, protocol.OK())
}

func (s *Server) handleRemoveContact(c *Conn, msg *protocol.RemoveContact) error {
	if ok, err := s.authorize(c, msg.User); !ok {
		return err
	}

	unlock := s.locks.lock(msg.User)
	err := s.dir.DelContact(msg.User, msg.AccountName)
	unlock()
	if err != nil {
		return s.dirError(c, "del_contact", err)
	}
	return s.reply(c, protocol.OK())
}

func (s *Server) handleUsersRequest(c *Conn, msg *protocol.UsersRequest) error {
	if ok, err := s.authorize(c, msg.AccountName); !ok {
		return err
	}

	users, err := s.dir.GetRegisteredUsernames()
	if err != nil {
		return s.dirError(c, "get_registered_usernames", err)
	}
	return s.reply(c, protocol.Accepted(sortedCopy(users)))
}
