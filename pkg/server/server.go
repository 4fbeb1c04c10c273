package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/picochat/picochat/pkg/attachments"
	"github.com/picochat/picochat/pkg/protocol"
)

const defaultWriteTimeout = 10 * time.Second

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server accepts client connections and wires each one to the registry.
type Server struct {
	config   ServerConfig
	registry *Registry
	store    *attachments.Store
	metrics  *Metrics

	listener    net.Listener
	httpServers []*http.Server
	shutdown    chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup // accept loop and HTTP servers
	startTime   time.Time

	// Connections run with connCtx; CloseAll cancels it.
	connCtx    context.Context
	cancelConn context.CancelFunc
	connWG     sync.WaitGroup
	connMu     sync.Mutex
	conns      map[uint64]*Connection
	nextConnID atomic.Uint64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Address       string
	Port          int
	WebSocketAddr string // host:port for the /ws gateway ("" = disabled)
	MetricsAddr   string // host:port for /metrics and /health ("" = disabled)
	LogDir        string // directory for server.log, errors.log, debug.log ("" = console only)
	Debug         bool

	MaxFrameSize  int
	MaxNameLength int
	WriteTimeout  time.Duration // per frame written to a client (0 = none)

	AttachmentsDir      string
	CompressAttachments bool

	AnnounceMembership bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Address:             "0.0.0.0",
		Port:                6000,
		WebSocketAddr:       "",
		MetricsAddr:         "127.0.0.1:9090",
		MaxFrameSize:        protocol.MaxFrameSize,
		MaxNameLength:       defaultMaxNameLength,
		WriteTimeout:        defaultWriteTimeout,
		AttachmentsDir:      attachments.DefaultDir,
		CompressAttachments: true,
		AnnounceMembership:  true,
	}
}

// NewServer opens the attachment store and builds the registry.
func NewServer(config ServerConfig) (*Server, error) {
	store, err := attachments.Open(config.AttachmentsDir, config.CompressAttachments)
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment store: %w", err)
	}
	log.Printf("Attachments in %s (%d stored)", store.Dir(), store.Len())

	metrics := NewMetrics()
	registry := NewRegistry(store, metrics, RegistryOptions{
		MaxNameLength:      config.MaxNameLength,
		AnnounceMembership: config.AnnounceMembership,
		MaxFrameSize:       config.MaxFrameSize,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:     config,
		registry:   registry,
		store:      store,
		metrics:    metrics,
		shutdown:   make(chan struct{}),
		startTime:  time.Now(),
		connCtx:    ctx,
		cancelConn: cancel,
		conns:      make(map[uint64]*Connection),
	}, nil
}

// InitLoggers points the package loggers at logDir. Errors go to stderr and
// errors.log, the standard logger to stdout and server.log, and debug
// output to debug.log when debug is set. An empty logDir keeps everything
// on the console.
func InitLoggers(logDir string, debug bool) error {
	if logDir == "" {
		errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
		if debug {
			debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
		}
		return nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	errorFile, err := os.OpenFile(filepath.Join(logDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	// Startup marker separates runs in the appended file
	if _, err := fmt.Fprintf(errorFile, "=== Server started at %s ===\n", time.Now().Format(time.RFC3339)); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	serverLogFile, err := os.OpenFile(filepath.Join(logDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	if debug {
		debugFile, err := os.OpenFile(filepath.Join(logDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return err
		}
		debugLog = log.New(debugFile, "DEBUG: ", log.LstdFlags)
		debugLog.Println("Debug logging enabled")
	}
	return nil
}

// Registry returns the registry serving this server's connections.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the TCP listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the TCP listener and the optional HTTP endpoints, then
// accepts connections in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))

	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("Listening on %s", listener.Addr())

	if s.config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		if err := s.serveHTTP("Metrics", s.config.MetricsAddr, mux); err != nil {
			s.listener.Close()
			return err
		}
	}

	if s.config.WebSocketAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		if err := s.serveHTTP("WebSocket", s.config.WebSocketAddr, mux); err != nil {
			s.listener.Close()
			return err
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) serveHTTP(name, addr string, handler http.Handler) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	s.httpServers = append(s.httpServers, srv)

	log.Printf("%s server listening on %s", name, listener.Addr())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorLog.Printf("%s server error: %v", name, err)
		}
	}()
	return nil
}

// Stop stops accepting connections. Connections already running are left
// to finish on their own; use CloseAll to end them.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Println("Stopping listener...")
		close(s.shutdown)
		if s.listener != nil {
			s.listener.Close()
		}
		for _, srv := range s.httpServers {
			srv.Close()
		}
		s.wg.Wait()
	})
	return nil
}

// CloseAll closes every live connection and waits for their handlers.
func (s *Server) CloseAll() {
	s.connMu.Lock()
	s.cancelConn()
	s.connMu.Unlock()
	s.connWG.Wait()
}

// Close stops the server, ends all connections and closes the store.
func (s *Server) Close() error {
	s.Stop()
	s.CloseAll()
	return s.store.Close()
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.serveConn(conn, "tcp")
	}
}

// serveConn wraps conn in a Connection and runs it on its own goroutine.
// Once the server is stopping, conn is closed and nil is returned.
func (s *Server) serveConn(conn net.Conn, transport string) *Connection {
	s.connMu.Lock()
	if s.stopping() {
		s.connMu.Unlock()
		debugLog.Printf("Refusing %s connection from %s: shutting down", transport, conn.RemoteAddr())
		conn.Close()
		return nil
	}
	c := NewConnection(s.nextConnID.Add(1), conn, s.registry, s.config.MaxFrameSize)
	c.SetMetrics(s.metrics)
	c.SetWriteTimeout(s.config.WriteTimeout)
	s.conns[c.ID()] = c
	count := len(s.conns)
	s.connWG.Add(1)
	s.connMu.Unlock()

	s.metrics.RecordConnectionOpened()
	log.Printf("Connection %d from %s (%s), %d connected", c.ID(), conn.RemoteAddr(), transport, count)

	go func() {
		defer s.connWG.Done()

		if err := c.Handle(s.connCtx); err != nil {
			errorLog.Printf("Connection %d: %v", c.ID(), err)
		}

		s.connMu.Lock()
		delete(s.conns, c.ID())
		count := len(s.conns)
		s.connMu.Unlock()

		s.metrics.RecordConnectionClosed()
		log.Printf("Connection %d closed, %d connected", c.ID(), count)
	}()

	return c
}

// stopping reports whether Stop or CloseAll has been called.
func (s *Server) stopping() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return s.connCtx.Err() != nil
	}
}

// HealthHandler reports liveness and current counts as JSON.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		Status        string `json:"status"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		Connections   int    `json:"connections"`
		Users         int    `json:"users"`
		Rooms         int    `json:"rooms"`
		Attachments   int    `json:"attachments"`
	}{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Connections:   s.ConnectionCount(),
		Users:         len(s.registry.Names()),
		Rooms:         len(s.registry.RoomNames()),
		Attachments:   s.store.Len(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		errorLog.Printf("Health response failed: %v", err)
	}
}
