package relay

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/calsol/telemetry/internal/logging"
)

// WriteChunkSize bounds a single write to a client.
const WriteChunkSize = 4096

type writeFunc func(fd int, p []byte) (int, error)

// client is one connected TCP consumer. Only the loop goroutine touches it.
type client struct {
	fd        int
	addr      string
	buf       []byte
	sent      uint64
	connected time.Time
}

func (c *client) push(data []byte) {
	c.buf = append(c.buf, data...)
}

func (c *client) pending() bool {
	return len(c.buf) > 0
}

// writeOnce sends at most WriteChunkSize bytes. Unsent bytes stay at the
// head of the buffer. A full socket buffer is not an error.
func (c *client) writeOnce(write writeFunc) error {
	if len(c.buf) == 0 {
		return nil
	}
	chunk := c.buf
	if len(chunk) > WriteChunkSize {
		chunk = chunk[:WriteChunkSize]
	}
	n, err := write(c.fd, chunk)
	if n > 0 {
		c.sent += uint64(n)
		c.buf = c.buf[n:]
		if len(c.buf) == 0 {
			c.buf = nil
		}
	}
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}
	return nil
}

func (c *client) close(reason string) {
	_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	_ = unix.Close(c.fd)
	logging.Info("Relay client closed",
		zap.String("remote_addr", c.addr),
		zap.String("reason", reason),
		zap.Uint64("bytes_sent", c.sent),
		zap.Int("bytes_unsent", len(c.buf)),
		zap.Duration("connected_for", time.Since(c.connected)),
	)
}

// fileClient buffers the stream for a capture file. Files are always
// writable, so it is flushed every iteration rather than polled.
type fileClient struct {
	path    string
	w       *captureWriter
	buf     []byte
	written uint64
}

func openFileClient(path string) (*fileClient, error) {
	w, err := createCapture(path)
	if err != nil {
		return nil, err
	}
	logging.Info("Capturing raw stream",
		zap.String("path", path),
		zap.String("compression", CompressionFor(path).String()),
	)
	return &fileClient{path: path, w: w}, nil
}

func (f *fileClient) push(data []byte) {
	f.buf = append(f.buf, data...)
}

func (f *fileClient) writeOnce() error {
	if len(f.buf) == 0 {
		return nil
	}
	n, err := f.w.Write(f.buf)
	f.written += uint64(n)
	f.buf = f.buf[n:]
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return err
}

func (f *fileClient) close() error {
	err := f.writeOnce()
	if cerr := f.w.Close(); err == nil {
		err = cerr
	}
	logging.Info("Capture file closed",
		zap.String("path", f.path),
		zap.Uint64("bytes_written", f.written),
	)
	return err
}
