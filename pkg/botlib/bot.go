package botlib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/aeolun/jimchat/pkg/client"
)

// MessageHandler is called for each message the bot receives.
type MessageHandler func(ctx *Context, msg *Message)

// Config holds the bot configuration.
type Config struct {
	// Server address, in any form client.New accepts
	Server string

	// Username the bot registers as. The account must exist.
	Username string

	// Password for the account (optional)
	Password string

	// Logger for debug output (optional, defaults to stdout)
	Logger *log.Logger

	// ResponseTimeout for request/response operations (default: 10s)
	ResponseTimeout time.Duration

	// HistorySize is how many messages per peer History keeps (default: 20)
	HistorySize int
}

// Bot represents a jimchat bot instance.
type Bot struct {
	config Config
	conn   *client.Client
	logger *log.Logger

	// Recent messages per peer, in both directions
	conversations   map[string][]Message
	conversationsMu sync.Mutex

	// Handlers
	onMessage MessageHandler
	commands  map[string]MessageHandler

	cancel   context.CancelFunc
	cancelMu sync.Mutex
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[bot] ", log.LstdFlags)
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = client.DefaultTimeout
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 20
	}

	return &Bot{
		config:        config,
		logger:        config.Logger,
		conversations: make(map[string][]Message),
		commands:      make(map[string]MessageHandler),
	}
}

// OnMessage registers a handler for messages that are not commands.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnCommand registers a handler for "!name ..." messages.
func (b *Bot) OnCommand(name string, handler MessageHandler) {
	b.commands[name] = handler
}

// Run connects, registers and handles messages until ctx ends, Stop is
// called or the connection is lost. Handlers run one at a time in arrival
// order.
func (b *Bot) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.cancelMu.Lock()
	b.cancel = cancel
	b.cancelMu.Unlock()

	conn, err := client.New(b.config.Server)
	if err != nil {
		return err
	}
	conn.SetLogger(b.logger)
	conn.SetTimeout(b.config.ResponseTimeout)

	if err := conn.Connect(); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	if err := conn.Presence(b.config.Username, b.config.Password); err != nil {
		conn.Close()
		return fmt.Errorf("presence: %w", err)
	}
	b.conn = conn
	b.logger.Printf("Registered as %s on %s", b.config.Username, conn.Address())

	for {
		select {
		case <-ctx.Done():
			b.logger.Printf("Stop requested")
			return b.shutdown()

		case pm, ok := <-conn.Incoming():
			if !ok {
				if err := conn.Err(); err != nil {
					return fmt.Errorf("connection lost: %w", err)
				}
				return errors.New("connection closed by server")
			}
			msg := fromProtocol(pm)
			b.remember(msg.From, msg)
			b.dispatch(&msg)
		}
	}
}

// Stop makes Run return after the current handler finishes.
func (b *Bot) Stop() {
	b.cancelMu.Lock()
	defer b.cancelMu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Bot) shutdown() error {
	err := b.conn.Exit()
	b.logger.Printf("Bot stopped")
	return err
}

func (b *Bot) dispatch(msg *Message) {
	ctx := &Context{bot: b, message: msg}

	if name, _ := msg.Command(); name != "" {
		if handler, ok := b.commands[name]; ok {
			handler(ctx, msg)
			return
		}
	}
	if b.onMessage != nil {
		b.onMessage(ctx, msg)
	}
}

func (b *Bot) send(to, text string) error {
	if err := b.conn.Send(to, text); err != nil {
		return err
	}
	b.remember(to, Message{From: b.config.Username, To: to, Text: text, SentAt: time.Now()})
	return nil
}

func (b *Bot) remember(peer string, msg Message) {
	b.conversationsMu.Lock()
	defer b.conversationsMu.Unlock()
	conv := append(b.conversations[peer], msg)
	if len(conv) > b.config.HistorySize {
		conv = conv[len(conv)-b.config.HistorySize:]
	}
	b.conversations[peer] = conv
}

func (b *Bot) history(peer string) []Message {
	b.conversationsMu.Lock()
	defer b.conversationsMu.Unlock()
	return append([]Message(nil), b.conversations[peer]...)
}
