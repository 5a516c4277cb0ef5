// Package stream provides the real-time WebSocket server for job
// progress.
//
// A client connects to /ws?job_id=<id> and receives that job's events
// as JSON text messages, in order, ending with the completion event,
// after which the server closes the socket. Connecting to an
// already-finished job yields just the completion event.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/loomworks/entsync/internal/entity"
	"github.com/loomworks/entsync/internal/job"
	"github.com/loomworks/entsync/internal/planner"
)

// writeTimeout bounds one WebSocket write to a client.
const writeTimeout = 5 * time.Second

// JobSource is the manager surface the event stream consumes.
type JobSource interface {
	Job(id string) (job.Job, error)
	Subscribe(id string) (<-chan job.Event, func(), error)
}

// Engine is the full manager surface the HTTP API consumes. The job
// manager satisfies it.
type Engine interface {
	JobSource
	Jobs() []job.Job
	Cancel(id string) error
	SubmitPreview(workspaceID string) (string, error)
	SubmitExecute(workspaceID string, report *entity.SyncPreviewReport, req entity.ResolutionRequest) (string, error)
}

// ContentFetcher reads one side's content for a path. The planner
// satisfies it.
type ContentFetcher interface {
	FetchContent(ctx context.Context, path string, source planner.Source) (string, error)
}

// Config holds server configuration.
type Config struct {
	// Addr is the listen address (default: ":8377").
	Addr string

	// Workspace is the workspace the API submits jobs against.
	Workspace string

	// Content serves GET /content. Optional; nil disables the endpoint.
	Content ContentFetcher

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8377",
		Logger: log.Default(),
	}
}

// Server exposes the job API and streams job events to WebSocket
// clients.
type Server struct {
	addr      string
	source    Engine
	workspace string
	content   ContentFetcher
	listener  net.Listener
	server    *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a job API and event stream server.
func NewServer(source Engine, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.Workspace == "" {
		config.Workspace = "default"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      config.Addr,
		source:    source,
		workspace: config.Workspace,
		content:   config.Content,
		clients:   make(map[*websocket.Conn]bool),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins listening. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("POST /jobs/preview", s.handleSubmitPreview)
	mux.HandleFunc("POST /jobs/execute", s.handleSubmitExecute)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
	if s.content != nil {
		mux.HandleFunc("GET /content", s.handleContent)
	}

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Event stream listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server and closes every client.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		http.Error(w, "job_id query parameter is required", http.StatusBadRequest)
		return
	}

	// Validate the job before upgrading so unknown IDs get a proper
	// HTTP status instead of an immediate socket close.
	if _, err := s.source.Job(jobID); err != nil {
		if errors.Is(err, job.ErrUnknownJob) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	events, unsubscribe, err := s.source.Subscribe(jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		unsubscribe()
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.addClient(conn)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		defer s.removeClient(conn)
		s.streamEvents(conn, events)
	}()

	// Drain client frames so pings and close frames are processed.
	go s.readLoop(conn)
}

// streamEvents forwards job events until the stream ends or the write
// fails. The job manager closes the channel after the completion
// event, which cleanly terminates the loop.
func (s *Server) streamEvents(conn *websocket.Conn, events <-chan job.Event) {
	for {
		select {
		case <-s.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "job finished")
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err = conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) addClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client connected (total: %d)", count)
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", count)
		return
	}
	s.clientsMu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}
