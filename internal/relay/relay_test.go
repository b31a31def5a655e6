package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

var errUnplugged = errors.New("device unplugged")

// chanSource returns whatever the test queued, or (0, nil).
type chanSource struct {
	data chan []byte
	errs chan error
}

func newChanSource() *chanSource {
	return &chanSource{data: make(chan []byte, 64), errs: make(chan error, 1)}
}

func (s *chanSource) Read(p []byte) (int, error) {
	select {
	case b := <-s.data:
		return copy(p, b), nil
	case err := <-s.errs:
		return 0, err
	default:
		return 0, nil
	}
}

func (s *chanSource) send(t *testing.T, data []byte) {
	t.Helper()
	for len(data) > 0 {
		n := min(len(data), DefaultReadSize)
		s.data <- data[:n]
		data = data[n:]
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func startRelay(t *testing.T, cfg Config, src Source) (*Server, chan error) {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv := New(cfg, src)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()
	return srv, done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
		return nil
	}
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWriteOnceKeepsUnsentBytes(t *testing.T) {
	want := randomBytes(3*WriteChunkSize+123, 1)
	c := &client{fd: 7}
	c.push(want[:5000])

	var (
		got   []byte
		calls int
	)
	// Accept a shrinking share of each chunk, with a full buffer every
	// third call.
	write := func(fd int, p []byte) (int, error) {
		calls++
		if len(p) > WriteChunkSize {
			t.Fatalf("write of %d bytes, limit is %d", len(p), WriteChunkSize)
		}
		if calls%3 == 0 {
			return 0, unix.EAGAIN
		}
		n := len(p)/2 + 1
		if n > len(p) {
			n = len(p)
		}
		got = append(got, p[:n]...)
		return n, nil
	}

	for i := 0; c.pending(); i++ {
		if i == 2 {
			c.push(want[5000:])
		}
		if err := c.writeOnce(write); err != nil {
			t.Fatalf("writeOnce() error = %v", err)
		}
	}
	if !bytes.Equal(got, want) {
		t.Errorf("delivered %d bytes, want %d in order", len(got), len(want))
	}
	if c.sent != uint64(len(want)) {
		t.Errorf("sent = %d, want %d", c.sent, len(want))
	}
}

func TestWriteOnceReportsHardErrors(t *testing.T) {
	c := &client{fd: 7, buf: []byte("abc")}
	err := c.writeOnce(func(int, []byte) (int, error) { return 0, unix.EPIPE })
	if !errors.Is(err, unix.EPIPE) {
		t.Errorf("writeOnce() error = %v, want EPIPE", err)
	}
	if !c.pending() {
		t.Error("failed write should not consume the buffer")
	}
}

func TestBroadcastAndGracefulShutdown(t *testing.T) {
	src := newChanSource()
	srv, done := startRelay(t, Config{}, src)

	a, b := dial(t, srv), dial(t, srv)
	waitFor(t, "two clients", func() bool { return srv.Stats().Clients == 2 })

	want := randomBytes(50000, 2)
	src.send(t, want)
	waitFor(t, "source drained", func() bool { return srv.Stats().BytesRead == uint64(len(want)) })
	srv.Shutdown()

	for _, conn := range []net.Conn{a, b} {
		got, err := io.ReadAll(conn)
		if err != nil {
			t.Fatalf("ReadAll() error = %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("client got %d bytes, want %d", len(got), len(want))
		}
	}
	if err := waitDone(t, done); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if got := srv.Stats().Accepted; got != 2 {
		t.Errorf("Accepted = %d, want 2", got)
	}
}

func TestSourceErrorDrainsThenReturns(t *testing.T) {
	src := newChanSource()
	srv, done := startRelay(t, Config{}, src)

	conn := dial(t, srv)
	waitFor(t, "client", func() bool { return srv.Stats().Clients == 1 })

	want := randomBytes(9000, 3)
	src.send(t, want)
	waitFor(t, "source drained", func() bool { return srv.Stats().BytesRead == uint64(len(want)) })
	src.errs <- errUnplugged

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("client got %d bytes, want %d", len(got), len(want))
	}
	if err := waitDone(t, done); !errors.Is(err, errUnplugged) {
		t.Errorf("Run() error = %v, want the source error", err)
	}
}

func TestSecondShutdownForcesClose(t *testing.T) {
	src := newChanSource()
	srv, done := startRelay(t, Config{}, src)

	conn := dial(t, srv)
	waitFor(t, "client", func() bool { return srv.Stats().Clients == 1 })

	srv.Shutdown()
	srv.Shutdown()
	if err := waitDone(t, done); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(conn); err != nil {
		t.Errorf("ReadAll() error = %v, want a clean close", err)
	}
}

func TestForceCloseSkipsDrain(t *testing.T) {
	src := newChanSource()
	srv, done := startRelay(t, Config{}, src)

	conn := dial(t, srv)
	waitFor(t, "client", func() bool { return srv.Stats().Clients == 1 })

	srv.ForceClose()
	if err := waitDone(t, done); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(conn); err != nil {
		t.Errorf("ReadAll() error = %v, want a clean close", err)
	}
}

func TestSlowClientDropped(t *testing.T) {
	src := newChanSource()
	srv := New(Config{Addr: "127.0.0.1:0", MaxClientBuffer: 100}, src)
	srv.write = func(int, []byte) (int, error) { return 0, unix.EAGAIN }
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	dial(t, srv)
	waitFor(t, "client", func() bool { return srv.Stats().Clients == 1 })
	src.send(t, randomBytes(500, 4))
	waitFor(t, "client dropped", func() bool { return srv.Stats().Clients == 0 })

	srv.Shutdown()
	if err := waitDone(t, done); err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestCaptureFile(t *testing.T) {
	for _, name := range []string{"raw.bin", "raw.bin.zst", "raw.bin.lz4"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			want := randomBytes(20000, 5)

			// Two runs append to the same file.
			for i, part := range [][]byte{want[:7000], want[7000:]} {
				src := newChanSource()
				srv, done := startRelay(t, Config{LogFile: path}, src)
				src.send(t, part)
				waitFor(t, "source drained", func() bool { return srv.Stats().BytesRead == uint64(len(part)) })
				srv.Shutdown()
				if err := waitDone(t, done); err != nil {
					t.Fatalf("run %d: Run() error = %v", i, err)
				}
			}

			r, err := OpenCapture(path)
			if err != nil {
				t.Fatalf("OpenCapture() error = %v", err)
			}
			defer func() { _ = r.Close() }()
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("capture holds %d bytes, want %d", len(got), len(want))
			}
		})
	}
}

func TestCompressionFor(t *testing.T) {
	tests := map[string]Compression{
		"capture.bin":  CompressionNone,
		"capture.zst":  CompressionZstd,
		"capture.ZSTD": CompressionZstd,
		"capture.lz4":  CompressionLZ4,
		"capture":      CompressionNone,
	}
	for path, want := range tests {
		if got := CompressionFor(path); got != want {
			t.Errorf("CompressionFor(%q) = %v, want %v", path, got, want)
		}
	}
}
