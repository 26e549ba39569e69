// Package app hosts the relay HTTP/WebSocket process: the realtime endpoint,
// the REST mirror of the room registry, and the process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/chatrelay/internal/auth"
	"github.com/louisbranch/chatrelay/internal/broker"
	"github.com/louisbranch/chatrelay/internal/msglog"
	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
	"github.com/louisbranch/chatrelay/internal/roster"
	"github.com/louisbranch/chatrelay/internal/session"
	"github.com/louisbranch/chatrelay/internal/storage/sqlite"
)

const tokenCookieName = "chatrelay_token"

// Config defines the inputs for the relay process.
type Config struct {
	HTTPAddr          string
	DBPath            string
	AuthSecret        string
	QueueSize         int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the relay HTTP/WebSocket process. All state flows through the
// message log, registry, session manager, and broker; the server itself only
// wires transport to them.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server

	store     *sqlite.Store
	log       *msglog.Log
	registry  *roster.Registry
	sessions  *session.Manager
	hub       *broker.Broker
	validator auth.Validator
	queueSize int

	mu    sync.Mutex
	conns map[string]*broker.Conn
}

// NewServer builds a configured relay server over a fresh store.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("database path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var validator auth.Validator
	if secret := strings.TrimSpace(config.AuthSecret); secret != "" {
		validator = auth.NewJWTValidator([]byte(secret))
	}

	server := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		store:           store,
		log:             msglog.NewLog(store),
		registry:        roster.NewRegistry(store),
		sessions:        session.NewManager(),
		hub:             broker.NewBroker(),
		validator:       validator,
		queueSize:       config.QueueSize,
		conns:           make(map[string]*broker.Conn),
	}
	server.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return server, nil
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/api/rooms", s.serveRooms)
	mux.HandleFunc("/api/rooms/", s.serveRoomAction)
	return mux
}

// Run creates and serves a relay server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init relay server: %w", err)
	}
	defer server.Close()

	return server.ListenAndServe(ctx)
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("relay server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("relay server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	conns := make([]*broker.Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		s.hub.Drop(conn)
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("relay: close store: %v", err)
		}
	}
}

func (s *Server) trackConn(conn *broker.Conn) {
	s.mu.Lock()
	s.conns[conn.ID()] = conn
	s.mu.Unlock()
}

func (s *Server) forgetConn(connID string) {
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
}

func (s *Server) lookupConns(connIDs []string) []*broker.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*broker.Conn, 0, len(connIDs))
	for _, connID := range connIDs {
		if conn, ok := s.conns[connID]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}
