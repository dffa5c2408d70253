package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/jimchat/pkg/client"
	"github.com/aeolun/jimchat/pkg/database"
	"github.com/creachadair/taskgroup"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(loremIpsum)

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesReceived  atomic.Int64
	messagesFailed    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	successfulClients atomic.Int64

	// Failure breakdown
	connectFailures  atomic.Int64
	presenceRejected atomic.Int64
	offlineTargets   atomic.Int64
	timeouts         atomic.Int64
	disconnections   atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesSent.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

// recordSendError classifies a failed Send
func (s *Stats) recordSendError(err error) {
	s.messagesFailed.Add(1)
	var respErr *client.ResponseError
	switch {
	case errors.As(err, &respErr):
		s.offlineTargets.Add(1)
	case errors.Is(err, client.ErrTimeout):
		s.timeouts.Add(1)
	default:
		s.disconnections.Add(1)
	}
}

func (s *Stats) snapshot() (sent, received, failed int64, avgResponseUs float64) {
	sent = s.messagesSent.Load()
	received = s.messagesReceived.Load()
	failed = s.messagesFailed.Load()
	if sent > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(sent)
	}
	return
}

// BotClient is one simulated user
type BotClient struct {
	id       int
	username string
	peers    []string
	conn     *client.Client
	stats    *Stats
}

func botName(prefix string, id int) string {
	return fmt.Sprintf("%s%d", prefix, id)
}

func NewBotClient(id int, serverAddr, prefix string, numClients int, stats *Stats) (*BotClient, error) {
	conn, err := client.New(serverAddr)
	if err != nil {
		return nil, err
	}
	conn.SetLogger(debugLogger)

	peers := make([]string, 0, numClients-1)
	for i := 0; i < numClients; i++ {
		if i != id {
			peers = append(peers, botName(prefix, i))
		}
	}
	return &BotClient{
		id:       id,
		username: botName(prefix, id),
		peers:    peers,
		conn:     conn,
		stats:    stats,
	}, nil
}

func (bc *BotClient) Connect(password string) error {
	if err := bc.conn.Connect(); err != nil {
		bc.stats.connectFailures.Add(1)
		return fmt.Errorf("connect: %w", err)
	}
	if err := bc.conn.Presence(bc.username, password); err != nil {
		bc.stats.presenceRejected.Add(1)
		return fmt.Errorf("presence: %w", err)
	}
	return nil
}

// drain counts delivered messages until the connection ends
func (bc *BotClient) drain() error {
	for range bc.conn.Incoming() {
		bc.stats.messagesReceived.Add(1)
	}
	return nil
}

func (bc *BotClient) SendRandomMessage() error {
	if len(bc.peers) == 0 {
		return nil
	}
	to := bc.peers[rand.Intn(len(bc.peers))]

	wordCount := 5 + rand.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}

	start := time.Now()
	if err := bc.conn.Send(to, strings.Join(words, " ")); err != nil {
		bc.stats.recordSendError(err)
		return err
	}
	bc.stats.recordSuccess(time.Since(start).Microseconds())
	return nil
}

func (bc *BotClient) Run(ctx context.Context, duration, minDelay, maxDelay time.Duration) {
	defer bc.conn.Exit()

	deadline := time.After(duration)
	for {
		if err := bc.SendRandomMessage(); err != nil {
			debugLogger.Printf("[Bot %d] send failed: %v", bc.id, err)
			if bc.conn.Err() != nil {
				return
			}
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-time.After(delay):
		}
	}
}

var debugLogger *log.Logger

func initLogging() error {
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}
	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)
	return nil
}

// registerBots adds any missing bot accounts directly to the database
func registerBots(dbPath, prefix string, numClients int) error {
	db, err := database.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	added := 0
	for i := 0; i < numClients; i++ {
		name := botName(prefix, i)
		ok, err := db.IsUserRegistered(name)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := db.AddUser(name, ""); err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
		added++
	}
	log.Printf("Registered %d bot accounts in %s", added, dbPath)
	return nil
}

func main() {
	serverAddr := flag.String("server", "localhost:7777", "Server address (host:port, legacy://host:port or ws://host:port/ws)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	prefix := flag.String("prefix", "bot", "Username prefix; bots are <prefix>0..<prefix>N-1")
	password := flag.String("password", "", "Password for every bot account")
	dbPath := flag.String("register", "", "Register missing bot accounts in this database before starting")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between messages")
	flag.Parse()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if *numClients < 1 {
		log.Fatal("-clients must be at least 1")
	}
	if *dbPath != "" {
		if err := registerBots(*dbPath, *prefix, *numClients); err != nil {
			log.Fatalf("Failed to register bots: %v", err)
		}
	}

	// Ramp up over 25% of the test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < time.Millisecond {
		staggerDelay = time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d (%s0..%s%d)", *numClients, *prefix, *prefix, *numClients-1)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stats := &Stats{}
	startTime := time.Now()

	reporter := taskgroup.New(nil)
	stopStats := make(chan struct{})
	reporter.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, received, failed, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d received, %d failed, avg %.2fms, load %.2f, goroutines %d",
					sent, float64(sent)/elapsed, received, failed, avgUs/1000, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return nil
			}
		}
	})

	bots := taskgroup.New(nil)
spawn:
	for i := 0; i < *numClients; i++ {
		id := i
		bots.Go(func() error {
			bot, err := NewBotClient(id, *serverAddr, *prefix, *numClients, stats)
			if err != nil {
				stats.connectFailures.Add(1)
				return nil
			}
			if err := bot.Connect(*password); err != nil {
				debugLogger.Printf("[Bot %d] %v", id, err)
				bot.conn.Close()
				return nil
			}
			stats.successfulClients.Add(1)
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected as %s", id, bot.username)
			}

			drained := taskgroup.New(nil)
			drained.Go(bot.drain)
			bot.Run(ctx, *duration, *minDelay, *maxDelay)
			drained.Wait()
			return nil
		})

		select {
		case <-ctx.Done():
			break spawn
		case <-time.After(staggerDelay):
		}
	}

	bots.Wait()
	close(stopStats)
	reporter.Wait()

	sent, received, failed, avgUs := stats.snapshot()
	elapsed := time.Since(startTime)
	successful := stats.successfulClients.Load()

	log.Printf("")
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful (%.1f%%)", *numClients, successful, float64(successful)/float64(*numClients)*100)
	log.Printf("Duration: %v", elapsed.Round(time.Second))
	log.Printf("Messages sent: %d (%.1f/s)", sent, float64(sent)/elapsed.Seconds())
	log.Printf("Messages received: %d", received)
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Target offline: %d", stats.offlineTargets.Load())
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connect failures: %d", stats.connectFailures.Load())
	log.Printf("Presence rejected: %d", stats.presenceRejected.Load())
	log.Printf("Average response time: %.2fms", avgUs/1000)
	if sent+failed > 0 {
		log.Printf("Success rate: %.1f%%", float64(sent)/float64(sent+failed)*100)
	}
}
