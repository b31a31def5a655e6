// Package relay broadcasts a raw serial stream to TCP clients from a single
// poll-driven loop, optionally recording it to a capture file.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/calsol/telemetry/internal/logging"
)

const (
	DefaultAddr     = "localhost:6543"
	DefaultReadSize = 4096
	DefaultTick     = 10 * time.Millisecond

	// DefaultMaxClientBuffer caps the bytes queued for one client before it
	// is dropped as too slow.
	DefaultMaxClientBuffer = 16 << 20

	listenBacklog = 8
)

// Source is the upstream stream. Read should return promptly with (0, nil)
// when nothing is available.
type Source interface {
	Read(p []byte) (int, error)
}

// Config holds the relay settings.
type Config struct {
	Addr string
	// LogFile, when set, receives every byte read. A .zst or .lz4
	// extension compresses it.
	LogFile         string
	ReadSize        int
	Tick            time.Duration
	MaxClientBuffer int
}

// Stats is a snapshot of the relay counters.
type Stats struct {
	Clients   int
	Accepted  uint64
	BytesRead uint64
}

// Server is the broadcast relay. All client state belongs to the goroutine
// running Run; other goroutines only signal it.
type Server struct {
	cfg   Config
	src   Source
	write writeFunc

	lfd  int
	addr net.Addr

	clients      map[int]*client
	file         *fileClient
	readBuf      []byte
	shuttingDown bool
	srcErr       error

	interrupts atomic.Int32
	force      atomic.Bool

	nclients  atomic.Int32
	accepted  atomic.Uint64
	bytesRead atomic.Uint64
}

// New creates a relay reading from src. Zero config fields take their
// defaults.
func New(cfg Config, src Source) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = DefaultReadSize
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.MaxClientBuffer == 0 {
		cfg.MaxClientBuffer = DefaultMaxClientBuffer
	}
	return &Server{
		cfg:     cfg,
		src:     src,
		write:   unix.Write,
		lfd:     -1,
		clients: make(map[int]*client),
		readBuf: make([]byte, cfg.ReadSize),
	}
}

// Listen binds the listening socket. Run calls it when needed; calling it
// first makes Addr available before the loop starts.
func (s *Server) Listen() error {
	if s.lfd >= 0 {
		return nil
	}
	family, sa, err := resolve(s.cfg.Addr)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("create socket: %w", err)
	}
	unix.CloseOnExec(fd)
	fail := func(step string, err error) error {
		_ = unix.Close(fd)
		return fmt.Errorf("%s %s: %w", step, s.cfg.Addr, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("set nonblocking", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("set SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return fail("listen", err)
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	s.lfd = fd
	s.addr = toTCPAddr(local)
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr { return s.addr }

// Shutdown asks the loop to stop accepting and reading and to exit once
// every client buffer has drained. A second call forces the close.
func (s *Server) Shutdown() {
	if s.interrupts.Add(1) >= 2 {
		s.ForceClose()
	}
}

// ForceClose asks the loop to close every socket immediately.
func (s *Server) ForceClose() {
	s.force.Store(true)
}

// Stats returns a snapshot of the counters. It is safe to call from any
// goroutine.
func (s *Server) Stats() Stats {
	return Stats{
		Clients:   int(s.nclients.Load()),
		Accepted:  s.accepted.Load(),
		BytesRead: s.bytesRead.Load(),
	}
}

// Run serves until shut down. Canceling ctx counts as one Shutdown. It
// returns the source error that started the shutdown, if any.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	if s.cfg.LogFile != "" {
		fc, err := openFileClient(s.cfg.LogFile)
		if err != nil {
			s.closeListener()
			return err
		}
		s.file = fc
	}
	defer s.cleanup()

	logging.Info("Relay listening", zap.String("addr", s.addr.String()))

	var (
		ctxSeen bool
		idle    bool
	)
	for {
		if s.force.Load() {
			s.closeAll("forced shutdown")
			return s.srcErr
		}
		if !ctxSeen && ctx.Err() != nil {
			ctxSeen = true
			s.Shutdown()
		}
		if !s.shuttingDown && s.interrupts.Load() > 0 {
			s.beginShutdown("interrupted")
		}
		if s.shuttingDown {
			for _, c := range s.clients {
				if !c.pending() {
					s.closeClient(c, "drained")
				}
			}
			if len(s.clients) == 0 {
				logging.Info("Relay shut down")
				return s.srcErr
			}
		}

		timeout := 0
		if idle || s.shuttingDown {
			timeout = int(s.cfg.Tick / time.Millisecond)
		}
		if err := s.service(timeout); err != nil {
			s.closeAll("poll failed")
			return err
		}

		if !s.shuttingDown {
			idle = !s.readSource()
		}
		if s.file != nil {
			if err := s.file.writeOnce(); err != nil {
				logging.Error("Capture write failed, capture stopped", zap.Error(err))
				_ = s.file.close()
				s.file = nil
			}
		}
	}
}

// service polls once, writes to writable clients and accepts at most one
// new client.
func (s *Server) service(timeout int) error {
	fds := make([]unix.PollFd, 0, len(s.clients)+1)
	if s.lfd >= 0 {
		fds = append(fds, unix.PollFd{Fd: int32(s.lfd), Events: unix.POLLIN})
	}
	for fd, c := range s.clients {
		var events int16
		if c.pending() {
			events = unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	if _, err := unix.Poll(fds, timeout); err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("poll: %w", err)
	}

	acceptable := false
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		if fd == s.lfd {
			acceptable = pfd.Revents&unix.POLLIN != 0
			continue
		}
		c, ok := s.clients[fd]
		if !ok {
			continue
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			if err := c.writeOnce(s.write); err != nil {
				s.closeClient(c, err.Error())
				continue
			}
			if s.shuttingDown && !c.pending() {
				s.closeClient(c, "drained")
			}
			continue
		}
		if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			s.closeClient(c, "hangup")
		}
	}

	if acceptable && !s.shuttingDown {
		s.accept()
	}
	return nil
}

func (s *Server) accept() {
	nfd, sa, err := unix.Accept(s.lfd)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.ECONNABORTED) && !errors.Is(err, unix.EINTR) {
			logging.Warn("Accept failed", zap.Error(err))
		}
		return
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		logging.Warn("Failed to make client nonblocking", zap.Error(err))
		_ = unix.Close(nfd)
		return
	}
	c := &client{fd: nfd, addr: toTCPAddr(sa).String(), connected: time.Now()}
	s.clients[nfd] = c
	s.nclients.Store(int32(len(s.clients)))
	s.accepted.Add(1)
	logging.LogConnection(c.addr, "relay_client_connected")
}

// readSource reads once and queues the bytes for every client. It
// reports whether anything was read.
func (s *Server) readSource() bool {
	n, err := s.src.Read(s.readBuf)
	if n > 0 {
		data := s.readBuf[:n]
		s.bytesRead.Add(uint64(n))
		for _, c := range s.clients {
			c.push(data)
			if s.cfg.MaxClientBuffer > 0 && len(c.buf) > s.cfg.MaxClientBuffer {
				s.closeClient(c, "too slow")
			}
		}
		if s.file != nil {
			s.file.push(data)
		}
	}
	if err != nil {
		logging.Error("Serial read failed, draining clients", zap.Error(err))
		s.srcErr = fmt.Errorf("serial read: %w", err)
		s.beginShutdown("serial read failed")
	}
	return n > 0
}

func (s *Server) beginShutdown(reason string) {
	if s.shuttingDown {
		return
	}
	s.shuttingDown = true
	s.closeListener()
	logging.Info("Relay shutting down",
		zap.String("reason", reason),
		zap.Int("clients", len(s.clients)),
	)
}

func (s *Server) closeClient(c *client, reason string) {
	c.close(reason)
	delete(s.clients, c.fd)
	s.nclients.Store(int32(len(s.clients)))
}

func (s *Server) closeAll(reason string) {
	for _, c := range s.clients {
		s.closeClient(c, reason)
	}
}

func (s *Server) closeListener() {
	if s.lfd >= 0 {
		_ = unix.Close(s.lfd)
		s.lfd = -1
	}
}

func (s *Server) cleanup() {
	s.closeListener()
	if s.file != nil {
		if err := s.file.close(); err != nil {
			logging.Warn("Failed to close capture file", zap.Error(err))
		}
		s.file = nil
	}
}
