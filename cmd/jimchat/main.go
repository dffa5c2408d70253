// Command jimchat is a line-oriented console client.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aeolun/jimchat/pkg/client"
	"github.com/aeolun/jimchat/pkg/protocol"
	"github.com/gookit/color"
)

const helpText = `Commands:
  /msg <user> <text>   send a message (or: @user text)
  /contacts            list contacts
  /add <user>          add a contact
  /del <user>          remove a contact
  /users               list registered users
  /help                show this help
  /quit                leave
`

var errQuit = errors.New("quit")

func main() {
	server := flag.String("server", "localhost:7777", "Server address (host:port, legacy://host:port or ws://host:port/ws)")
	username := flag.String("user", os.Getenv("USER"), "Username to register")
	password := flag.String("password", "", "Password (empty for open accounts)")
	debug := flag.Bool("debug", false, "Log connection events to stderr")
	flag.Parse()

	if *username == "" {
		log.Fatal("-user is required")
	}

	c, err := client.New(*server)
	if err != nil {
		log.Fatalf("Invalid server address: %v", err)
	}
	if *debug {
		c.SetLogger(log.New(os.Stderr, "DEBUG: ", log.LstdFlags))
	}
	if err := c.Connect(); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	if err := c.Presence(*username, *password); err != nil {
		c.Close()
		log.Fatalf("Login failed: %v", err)
	}

	fmt.Printf("Connected to %s as %s. Type /help for commands.\n", c.Address(), color.New(color.FgCyan).Render(*username))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range c.Incoming() {
			printMessage(os.Stdout, msg)
		}
		if err := c.Err(); err != nil {
			fmt.Println(color.New(color.FgRed).Render("connection lost: " + err.Error()))
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		err := runLine(os.Stdout, c, scanner.Text())
		if errors.Is(err, errQuit) {
			break
		}
		if err != nil {
			fmt.Println(color.New(color.FgRed).Render(err.Error()))
			if errors.Is(err, client.ErrClosed) {
				break
			}
		}
	}

	c.Exit()
	<-done
}

func printMessage(w io.Writer, msg *protocol.Message) {
	sec := int64(msg.Time)
	at := time.Unix(sec, int64((msg.Time-float64(sec))*1e9)).Format(time.TimeOnly)
	fmt.Fprintf(w, "[%s] %s: %s\n", at, color.New(color.FgGreen).Render(msg.From), msg.MessText)
}

// runLine executes one line of input
func runLine(w io.Writer, c *client.Client, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	if strings.HasPrefix(line, "@") {
		line = "/msg " + line[1:]
	}
	if !strings.HasPrefix(line, "/") {
		fmt.Fprintln(w, "Use @user text to send a message, /help for commands")
		return nil
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "msg":
		to, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return errors.New("usage: /msg <user> <text>")
		}
		return c.Send(to, strings.TrimSpace(text))

	case "contacts":
		contacts, err := c.Contacts()
		if err != nil {
			return err
		}
		printList(w, "Contacts", contacts)

	case "add", "del":
		if rest == "" {
			return fmt.Errorf("usage: /%s <user>", cmd)
		}
		var err error
		if cmd == "add" {
			err = c.AddContact(rest)
		} else {
			err = c.RemoveContact(rest)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "ok")

	case "users":
		users, err := c.Users()
		if err != nil {
			return err
		}
		printList(w, "Users", users)

	case "help":
		fmt.Fprint(w, helpText)

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command /%s", cmd)
	}
	return nil
}

func printList(w io.Writer, title string, names []string) {
	if len(names) == 0 {
		fmt.Fprintf(w, "%s: (none)\n", title)
		return
	}
	fmt.Fprintf(w, "%s: %s\n", title, strings.Join(names, ", "))
}
