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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/picochat/picochat/pkg/client"
	"github.com/picochat/picochat/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

func randomMessage() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesFailed    atomic.Int64
	relaysReceived    atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	// Failure breakdown
	loginFailures  atomic.Int64
	joinFailures   atomic.Int64
	timeouts       atomic.Int64
	rejections     atomic.Int64
	disconnections atomic.Int64
}

func (s *Stats) recordSuccess(responseTimeUs int64) {
	s.messagesSent.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) recordFailure(err error) {
	s.messagesFailed.Add(1)
	switch {
	case errors.Is(err, client.ErrClosed):
		s.disconnections.Add(1)
	case errors.Is(err, context.DeadlineExceeded):
		s.timeouts.Add(1)
	default:
		s.rejections.Add(1)
	}
}

func (s *Stats) snapshot() (sent, failed, relays, connErrors int64, avgResponseUs float64) {
	sent = s.messagesSent.Load()
	failed = s.messagesFailed.Load()
	relays = s.relaysReceived.Load()
	connErrors = s.connectionErrors.Load()

	if sent > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(sent)
	}
	return
}

// BotClient is one simulated chat user
type BotClient struct {
	id       int
	nickname string
	room     string
	conn     *client.Client
	stats    *Stats
	relays   sync.WaitGroup
}

func NewBotClient(ctx context.Context, id int, serverAddr, wsURL, room string, stats *Stats) (*BotClient, error) {
	var (
		conn *client.Client
		err  error
	)
	if wsURL != "" {
		conn, err = client.DialWebSocket(ctx, wsURL)
	} else {
		conn, err = client.Dial(ctx, serverAddr)
	}
	if err != nil {
		return nil, err
	}

	return &BotClient{
		id:       id,
		nickname: fmt.Sprintf("bot%d-%s", id, uuid.NewString()[:8]),
		room:     room,
		conn:     conn,
		stats:    stats,
	}, nil
}

// Setup logs in, joins the room and starts counting relays.
func (bc *BotClient) Setup(ctx context.Context) error {
	if _, err := bc.conn.Login(ctx, bc.nickname); err != nil {
		bc.stats.loginFailures.Add(1)
		return fmt.Errorf("login: %w", err)
	}
	if err := bc.conn.Join(ctx, bc.room); err != nil {
		bc.stats.joinFailures.Add(1)
		return fmt.Errorf("join %s: %w", bc.room, err)
	}

	bc.relays.Add(1)
	go func() {
		defer bc.relays.Done()
		for frame := range bc.conn.Events() {
			if frame.Type == protocol.TypeClientMessage {
				bc.stats.relaysReceived.Add(1)
			}
		}
	}()
	return nil
}

// Run sends count messages with a random delay between them.
func (bc *BotClient) Run(ctx context.Context, count int, minDelay, maxDelay time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		_, err := bc.conn.SendText(ctx, bc.room, randomMessage())
		if err != nil {
			bc.stats.recordFailure(err)
			debugLogger.Printf("[Bot %d] send failed: %v", bc.id, err)
			if errors.Is(err, client.ErrClosed) {
				return
			}
		} else {
			bc.stats.recordSuccess(time.Since(start).Microseconds())
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown disconnects gracefully after giving relays time to arrive.
func (bc *BotClient) Shutdown(settle time.Duration) {
	time.Sleep(settle)
	bc.conn.Disconnect()
	bc.relays.Wait()
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

func main() {
	serverAddr := flag.String("server", "localhost:6000", "Server address (host:port)")
	wsURL := flag.String("ws", "", "WebSocket URL (ws://host:port/ws); overrides -server")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	messages := flag.Int("messages", 100, "Messages sent by each client")
	room := flag.String("room", "loadtest", "Room every client joins")
	minDelay := flag.Duration("min-delay", 10*time.Millisecond, "Minimum delay between messages")
	maxDelay := flag.Duration("max-delay", 100*time.Millisecond, "Maximum delay between messages")
	rampUp := flag.Duration("ramp-up", 2*time.Second, "Time over which clients connect")
	flag.Parse()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	target := *serverAddr
	if *wsURL != "" {
		target = *wsURL
	}
	staggerDelay := *rampUp / time.Duration(max(*numClients, 1))

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", target)
	log.Printf("  Clients: %d", *numClients)
	log.Printf("  Messages per client: %d", *messages)
	log.Printf("  Room: %s", *room)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		cancel()
	}()

	stats := &Stats{}
	startTime := time.Now()

	stopStats := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, failed, relays, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d failed, %d relays, %d conn errors, avg %.2fms, load %.2f, goroutines %d",
					sent, float64(sent)/elapsed, failed, relays, connErrors, avgUs/1000.0, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	// Every bot joins before anyone sends, so each message has a known
	// number of recipients
	var (
		botsMu sync.Mutex
		bots   []*BotClient
		wg     sync.WaitGroup
	)
	for i := 0; i < *numClients && ctx.Err() == nil; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			bot, err := NewBotClient(ctx, id, *serverAddr, *wsURL, *room, stats)
			if err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] connect failed: %v", id, err)
				return
			}
			if err := bot.Setup(ctx); err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] setup failed: %v", id, err)
				bot.conn.Disconnect()
				return
			}
			stats.successfulClients.Add(1)

			botsMu.Lock()
			bots = append(bots, bot)
			botsMu.Unlock()

			if id%100 == 0 {
				log.Printf("[Bot %d] Connected", id)
			}
		}(i)
		time.Sleep(staggerDelay)
	}
	wg.Wait()
	log.Printf("%d clients ready after %v", len(bots), time.Since(startTime).Round(time.Millisecond))

	sendStart := time.Now()
	for _, bot := range bots {
		wg.Add(1)
		go func(bot *BotClient) {
			defer wg.Done()
			bot.Run(ctx, *messages, *minDelay, *maxDelay)
		}(bot)
	}
	wg.Wait()
	sendDuration := time.Since(sendStart)

	for _, bot := range bots {
		wg.Add(1)
		go func(bot *BotClient) {
			defer wg.Done()
			bot.Shutdown(500 * time.Millisecond)
		}(bot)
	}
	wg.Wait()
	close(stopStats)

	sent, failed, relays, connErrors, avgUs := stats.snapshot()
	ready := int64(len(bots))
	expectedRelays := sent * max(ready-1, 0)
	delivery := 0.0
	if expectedRelays > 0 {
		delivery = float64(relays) / float64(expectedRelays) * 100
	}

	log.Printf("")
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful", *numClients, stats.successfulClients.Load())
	log.Printf("Send phase: %v", sendDuration.Round(time.Millisecond))
	log.Printf("Messages sent: %d (%.1f/s)", sent, float64(sent)/sendDuration.Seconds())
	log.Printf("Messages failed: %d", failed)
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Rejected: %d", stats.rejections.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	if connErrors > 0 {
		log.Printf("  - Login failed: %d", stats.loginFailures.Load())
		log.Printf("  - Join failed: %d", stats.joinFailures.Load())
	}
	log.Printf("Relays received: %d of %d expected (%.1f%%)", relays, expectedRelays, delivery)
	log.Printf("Average response time: %.2fms", avgUs/1000.0)
}
