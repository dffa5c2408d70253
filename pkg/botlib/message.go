// Package botlib provides a simple library for building jimchat bots.
package botlib

import (
	"strings"
	"time"

	"github.com/aeolun/jimchat/pkg/protocol"
)

// CommandPrefix starts a bot command, as in "!help".
const CommandPrefix = "!"

// Message is a direct message received or sent by the bot.
type Message struct {
	From   string
	To     string
	Text   string
	SentAt time.Time
}

func fromProtocol(m *protocol.Message) Message {
	sec := int64(m.Time)
	return Message{
		From:   m.From,
		To:     m.To,
		Text:   m.MessText,
		SentAt: time.Unix(sec, int64((m.Time-float64(sec))*float64(time.Second))),
	}
}

// IsCommand reports whether the message starts with CommandPrefix.
func (m *Message) IsCommand() bool {
	name, _ := m.Command()
	return name != ""
}

// Command splits "!name args..." into a lower-cased name and the rest of
// the text. It returns "" for plain messages.
func (m *Message) Command() (name, args string) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, CommandPrefix) {
		return "", ""
	}
	name, args, _ = strings.Cut(text[len(CommandPrefix):], " ")
	return strings.ToLower(name), strings.TrimSpace(args)
}
