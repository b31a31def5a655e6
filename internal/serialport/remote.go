package serialport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/logging"
)

// Remote reads the raw stream a relay broadcasts, with the same
// non-blocking contract as Port.
type Remote struct {
	addr        string
	conn        net.Conn
	readTimeout time.Duration
}

// Dial connects to a relay at addr.
func Dial(ctx context.Context, addr string, readTimeout time.Duration) (*Remote, error) {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", addr, err)
	}
	logging.LogConnection(addr, "relay_connected")
	return &Remote{addr: addr, conn: conn, readTimeout: readTimeout}, nil
}

// Name returns the relay address.
func (r *Remote) Name() string { return r.addr }

// Read waits up to the read timeout. A timeout is reported as (0, nil);
// the relay closing the connection is an error.
func (r *Remote) Read(b []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.readTimeout)); err != nil {
		return 0, err
	}
	n, err := r.conn.Read(b)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

// Close closes the connection.
func (r *Remote) Close() error {
	logging.Debug("Closing relay connection", zap.String("addr", r.addr))
	return r.conn.Close()
}
