package botlib

import (
	"fmt"
)

// Context is passed to handlers and answers the message that triggered it.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply sends text back to the author. The author must still be online.
func (c *Context) Reply(text string) error {
	return c.bot.send(c.message.From, text)
}

// Send sends text to any online user.
func (c *Context) Send(to, text string) error {
	return c.bot.send(to, text)
}

// Author returns the username that sent the message.
func (c *Context) Author() string {
	return c.message.From
}

// BotName returns the bot's username.
func (c *Context) BotName() string {
	return c.bot.config.Username
}

// History returns the recent conversation with the author, oldest first,
// including the current message.
func (c *Context) History() []Message {
	return c.bot.history(c.message.From)
}

// Log logs a message using the bot's logger.
func (c *Context) Log(format string, args ...any) {
	if c.bot.logger != nil {
		c.bot.logger.Printf(format, args...)
	}
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{from=%s, to=%s, sent=%s}",
		c.message.From, c.message.To, c.message.SentAt.Format("15:04:05"))
}
