// Program jimchat-admin manages jimchat accounts and inspects a running
// server.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aeolun/jimchat/pkg/auth"
	"github.com/aeolun/jimchat/pkg/database"
	"github.com/creachadair/command"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
)

var flags struct {
	DBPath   string
	AdminURL string
	Password string
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Manage jimchat accounts and inspect a running server.

Account commands work on the SQLite database directly and are safe to run
while the server is up. The online and kick commands talk to the server's
internal admin port.`,
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			fs.StringVar(&flags.DBPath, "db", "~/.jimchat/jimchat.db", "Path to the jimchat database")
			fs.StringVar(&flags.AdminURL, "admin", "http://localhost:9090", "Base URL of the server's admin port")
		},
		Commands: []*command.C{
			{
				Name: "user",
				Help: "Add or remove accounts.",
				Commands: []*command.C{
					{
						Name:  "add",
						Usage: "<username>",
						Help: `Register a new account.

Without --password the account accepts any presence for its name.`,
						SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
							fs.StringVar(&flags.Password, "password", "", "Account password")
						},
						Run: runUserAdd,
					},
					{
						Name:  "del",
						Usage: "<username>",
						Help:  "Delete an account with its contacts and history, and drop its live session.",
						Run:   runUserDel,
					},
				},
			},
			{
				Name: "users",
				Help: "List registered accounts.",
				Run:  withDB(listUsers),
			},
			{
				Name: "active",
				Help: "List users the database records as logged in.",
				Run:  withDB(listActive),
			},
			{
				Name:  "history",
				Usage: "[username]",
				Help:  "Show login history, for one user or everyone.",
				Run: func(env *command.Env) error {
					if len(env.Args) > 1 {
						return env.Usagef("extra arguments: %q", env.Args[1:])
					}
					name := ""
					if len(env.Args) == 1 {
						name = env.Args[0]
					}
					return withDB(func(w io.Writer, db *database.DB) error {
						return listHistory(w, db, name)
					})(env)
				},
			},
			{
				Name: "stats",
				Help: "Show per-user message counters.",
				Run:  withDB(listStats),
			},
			{
				Name: "online",
				Help: "List sessions registered on the running server.",
				Run: func(env *command.Env) error {
					return listOnline(os.Stdout, flags.AdminURL)
				},
			},
			{
				Name:  "kick",
				Usage: "<username>",
				Help:  "Disconnect a user's live session.",
				Run: func(env *command.Env) error {
					if len(env.Args) != 1 {
						return env.Usagef("expected one username")
					}
					if err := kick(flags.AdminURL, env.Args[0]); err != nil {
						return err
					}
					fmt.Println(ok("disconnected " + env.Args[0]))
					return nil
				},
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func ok(s string) string   { return color.New(color.FgGreen).Render(s) }
func warn(s string) string { return color.New(color.FgYellow).Render(s) }

func openDB() (*database.DB, error) {
	path := flags.DBPath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, path[2:])
	}
	return database.Open(path)
}

// withDB runs f against the database named by --db
func withDB(f func(io.Writer, *database.DB) error) func(*command.Env) error {
	return func(env *command.Env) error {
		db, err := openDB()
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()
		return f(os.Stdout, db)
	}
}

func runUserAdd(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("expected one username")
	}
	name := env.Args[0]
	return withDB(func(w io.Writer, db *database.DB) error {
		if err := addUser(db, name, flags.Password); err != nil {
			return err
		}
		fmt.Fprintln(w, ok("added "+name))
		return nil
	})(env)
}

func runUserDel(env *command.Env) error {
	if len(env.Args) != 1 {
		return env.Usagef("expected one username")
	}
	name := env.Args[0]
	return withDB(func(w io.Writer, db *database.DB) error {
		if err := db.DelUser(name); err != nil {
			return err
		}
		fmt.Fprintln(w, ok("deleted "+name))

		// The server may not be running; the account is gone either way
		if err := kick(flags.AdminURL, name); err != nil && !errors.Is(err, errNoSession) {
			fmt.Fprintln(w, warn("could not drop live session: "+err.Error()))
		}
		return nil
	})(env)
}

// addUser registers name, sealing the wire credential for password
func addUser(db *database.DB, name, password string) error {
	sealed := ""
	if password != "" {
		var err error
		sealed, err = auth.Seal(auth.HashPassword(password, name))
		if err != nil {
			return fmt.Errorf("seal credential: %w", err)
		}
	}
	return db.AddUser(name, sealed)
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "never"
	}
	return time.UnixMilli(ms).Format(time.DateTime)
}

func listUsers(w io.Writer, db *database.DB) error {
	users, err := db.ListUsers()
	if err != nil {
		return err
	}
	table := newTable(w, "Username", "Credential", "Created", "Last Login", "Sent", "Received")
	for _, u := range users {
		credential := warn("open")
		if u.PasswordHash != "" {
			credential = ok("sealed")
		}
		table.Append([]string{
			u.Username,
			credential,
			formatMillis(u.CreatedAt),
			formatMillis(u.LastLogin),
			strconv.FormatInt(u.Sent, 10),
			strconv.FormatInt(u.Received, 10),
		})
	}
	table.Render()
	return nil
}

func listActive(w io.Writer, db *database.DB) error {
	active, err := db.ActiveUsers()
	if err != nil {
		return err
	}
	table := newTable(w, "Username", "Address", "Since")
	for _, a := range active {
		table.Append([]string{a.Username, fmt.Sprintf("%s:%d", a.IP, a.Port), formatMillis(a.LoginTime)})
	}
	table.Render()
	return nil
}

func listHistory(w io.Writer, db *database.DB, name string) error {
	history, err := db.LoginHistory(name)
	if err != nil {
		return err
	}
	table := newTable(w, "Time", "Username", "Address", "ID")
	for _, r := range history {
		table.Append([]string{formatMillis(r.LoginTime), r.Username, fmt.Sprintf("%s:%d", r.IP, r.Port), r.ID})
	}
	table.Render()
	return nil
}

func listStats(w io.Writer, db *database.DB) error {
	stats, err := db.MessageStats()
	if err != nil {
		return err
	}
	table := newTable(w, "Username", "Last Login", "Sent", "Received")
	for _, s := range stats {
		table.Append([]string{
			s.Username,
			formatMillis(s.LastLogin),
			strconv.FormatInt(s.Sent, 10),
			strconv.FormatInt(s.Received, 10),
		})
	}
	table.Render()
	return nil
}

// session mirrors one row of the server's GET /sessions
type session struct {
	Username      string    `json:"username"`
	Transport     string    `json:"transport"`
	RemoteAddr    string    `json:"remote_addr"`
	EstablishedAt time.Time `json:"established_at"`
	Pending       int       `json:"pending"`
}

var (
	errNoSession = errors.New("no such session")
	httpClient   = &http.Client{Timeout: 10 * time.Second}
)

func fetchSessions(adminURL string) ([]session, error) {
	resp, err := httpClient.Get(strings.TrimSuffix(adminURL, "/") + "/sessions")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /sessions: %s", resp.Status)
	}
	var sessions []session
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("decode sessions: %w", err)
	}
	return sessions, nil
}

func listOnline(w io.Writer, adminURL string) error {
	sessions, err := fetchSessions(adminURL)
	if err != nil {
		return err
	}
	table := newTable(w, "Username", "Transport", "Remote", "Since", "Pending")
	for _, s := range sessions {
		pending := strconv.Itoa(s.Pending)
		if s.Pending > 0 {
			pending = warn(pending)
		}
		table.Append([]string{s.Username, s.Transport, s.RemoteAddr, s.EstablishedAt.Local().Format(time.DateTime), pending})
	}
	table.Render()
	return nil
}

func kick(adminURL, name string) error {
	target := strings.TrimSuffix(adminURL, "/") + "/sessions/" + url.PathEscape(name)
	req, err := http.NewRequest(http.MethodDelete, target, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return errNoSession
	default:
		return fmt.Errorf("DELETE /sessions/%s: %s", name, resp.Status)
	}
}
