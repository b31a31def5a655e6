package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/descriptor"
	"github.com/calsol/telemetry/internal/downsample"
	"github.com/calsol/telemetry/internal/logging"
	"github.com/calsol/telemetry/internal/storage"
	"github.com/calsol/telemetry/internal/websocket"
)

const (
	DefaultAddr         = ":8000"
	DefaultLiveInterval = time.Second
	DefaultLatestWindow = 10 * time.Minute

	shutdownTimeout = 10 * time.Second
)

// Config holds the server configuration
type Config struct {
	Addr string
	// LiveInterval is how often live sessions poll storage for new records.
	LiveInterval time.Duration
	// LatestWindow is how old a record may be and still count as latest.
	LatestWindow time.Duration
	// CaptureDir receives a JSONL log of every WebSocket frame (empty = disabled)
	CaptureDir string
	// DescriptorDir is reloaded by POST /admin/reload (empty = reload disabled)
	DescriptorDir string
	CertPath      string
	KeyPath       string

	// History downsampling screen.
	VMin, VMax    float64
	Width, Height float64
	Epsilon       float64

	Policies websocket.Policies
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.LiveInterval <= 0 {
		c.LiveInterval = DefaultLiveInterval
	}
	if c.LatestWindow <= 0 {
		c.LatestWindow = DefaultLatestWindow
	}
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = downsample.DefaultWidth, downsample.DefaultHeight
	}
	if c.VMin == 0 && c.VMax == 0 {
		c.VMin, c.VMax = downsample.DefaultVMin, downsample.DefaultVMax
	}
	if c.Epsilon <= 0 {
		c.Epsilon = downsample.DefaultEpsilon
	}
	if c.Policies.Version == nil && c.Policies.Protocol == nil {
		c.Policies = websocket.DefaultPolicies()
	}
}

// Server serves stored telemetry over HTTP and pushes new records to
// WebSocket clients.
type Server struct {
	config   Config
	store    storage.Store
	table    *descriptor.Table
	now      func() time.Time
	http     *http.Server
	listener net.Listener

	wg       sync.WaitGroup
	mu       sync.Mutex
	sessions map[string]*session
	closing  bool
}

// New creates a server over store and the descriptors in table.
func New(config Config, store storage.Store, table *descriptor.Table) *Server {
	config.setDefaults()
	return &Server{
		config:   config,
		store:    store,
		table:    table,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Start listens on the configured address and serves until ctx is done,
// then shuts down.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	if s.config.CertPath != "" {
		tlsConfig, err := NewTLSConfig(s.config.CertPath, s.config.KeyPath)
		if err != nil {
			_ = listener.Close()
			return err
		}
		logging.Info("TLS Configuration", zap.Any("tls_info", GetTLSInfo(tlsConfig)))
		listener = tls.NewListener(listener, tlsConfig)
	}
	s.listener = listener

	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Info("Telemetry server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("tls", s.config.CertPath != ""),
		zap.Duration("live_interval", s.config.LiveInterval),
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.http.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logging.Info("Shutdown signal received, stopping server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr returns the listening address once Start has bound it.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting requests, ends every live session and waits
// for them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down server...")

	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}

	// Hijacked WebSocket connections are not tracked by http.Server.
	s.mu.Lock()
	s.closing = true
	for id, sess := range s.sessions {
		logging.Info("Closing live session", zap.String("session", id))
		sess.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("All sessions closed gracefully")
	case <-ctx.Done():
		logging.Warn("Shutdown timeout, forcing close")
	}

	logging.Sync()
	return err
}

// ActiveSessions returns the number of live WebSocket sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) addSession(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.wg.Done()
}
