// Command bot is a jimchat bot that answers direct messages with an LLM.
// Supports both Claude (Anthropic) and Ollama backends.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aeolun/jimchat/pkg/botlib"
)

const defaultSystemPrompt = `You are a helpful assistant reachable through direct messages.
Keep your responses concise and friendly.
You're talking to users of a terminal-based chat application called jimchat.
Don't use markdown formatting since the chat client doesn't render it.`

// conversation turns the bot's history with a peer into backend turns.
// Consecutive entries from the same side are merged and the result always
// starts with the user.
func conversation(history []botlib.Message, botName string) []turn {
	var turns []turn
	for _, m := range history {
		role := "user"
		if m.From == botName {
			role = "assistant"
		}
		if len(turns) == 0 && role == "assistant" {
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Content += "\n" + m.Text
			continue
		}
		turns = append(turns, turn{Role: role, Content: m.Text})
	}
	return turns
}

func main() {
	server := flag.String("server", "localhost:7777", "Server address (host:port, legacy://host:port or ws://host:port/ws)")
	username := flag.String("user", "assistant", "Bot account name (must be registered)")
	password := flag.String("password", os.Getenv("BOT_PASSWORD"), "Bot account password (env: BOT_PASSWORD)")
	backend := flag.String("backend", "ollama", "LLM backend: 'ollama' or 'claude'")
	model := flag.String("model", "", "Model to use (default: llama3.2 for ollama, claude-sonnet-4-20250514 for claude)")
	ollamaURL := flag.String("ollama-url", "http://localhost:11434", "Ollama server URL")
	maxTokens := flag.Int("max-tokens", 500, "Maximum tokens in response (Claude only)")
	systemPrompt := flag.String("system", defaultSystemPrompt, "System prompt")
	history := flag.Int("history", 20, "Messages of context kept per user")
	flag.Parse()

	var llm completer
	switch *backend {
	case "ollama":
		if *model == "" {
			*model = "llama3.2"
		}
		llm = &ollama{baseURL: strings.TrimSuffix(*ollamaURL, "/"), model: *model, system: *systemPrompt}
		log.Printf("Using Ollama backend: %s (model: %s)", *ollamaURL, *model)

	case "claude":
		apiKey := os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			log.Fatal("ANTHROPIC_API_KEY environment variable is required for Claude backend")
		}
		if *model == "" {
			*model = "claude-sonnet-4-20250514"
		}
		llm = &anthropic{apiKey: apiKey, model: *model, maxTokens: *maxTokens, system: *systemPrompt}
		log.Printf("Using Claude backend (model: %s)", *model)

	default:
		log.Fatalf("Unknown backend: %s (use 'ollama' or 'claude')", *backend)
	}

	bot := botlib.New(botlib.Config{
		Server:      *server,
		Username:    *username,
		Password:    *password,
		HistorySize: *history,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bot.OnCommand("help", func(c *botlib.Context, msg *botlib.Message) {
		c.Reply("Send me any message and I will answer. I remember the last few messages of our conversation.")
	})

	bot.OnMessage(func(c *botlib.Context, msg *botlib.Message) {
		c.Log("Message from %s: %s", msg.From, msg.Text)

		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		response, err := llm.Complete(reqCtx, conversation(c.History(), c.BotName()))
		if err != nil {
			c.Log("LLM error: %v", err)
			c.Reply("Sorry, I encountered an error. Please try again.")
			return
		}
		if err := c.Reply(strings.TrimSpace(response)); err != nil {
			c.Log("Failed to reply to %s: %v", msg.From, err)
		}
	})

	log.Printf("Starting bot...")
	log.Printf("  Server: %s", *server)
	log.Printf("  User: %s", *username)

	if err := bot.Run(ctx); err != nil {
		log.Fatalf("Bot error: %v", err)
	}
}
