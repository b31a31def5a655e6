package websocket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/logging"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second
)

// Direction of a frame passed to a FrameHook.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// FrameHook observes every frame read from or written to a Conn.
type FrameHook func(direction string, f *Frame)

// Conn is an established WebSocket connection. One goroutine may read
// while any number of goroutines send.
type Conn struct {
	conn        net.Conn
	r           *bufio.Reader
	remoteAddr  string
	subprotocol string
	mask        bool
	hook        FrameHook

	asm Assembler

	queueMu   sync.Mutex
	queue     []*Frame
	closeSent bool

	writeMu  sync.Mutex
	writeErr error
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithSubprotocol records the negotiated subprotocol.
func WithSubprotocol(p string) ConnOption {
	return func(c *Conn) { c.subprotocol = p }
}

// WithMasking masks outgoing frames, as a client must.
func WithMasking() ConnOption {
	return func(c *Conn) { c.mask = true }
}

// WithFrameHook registers fn to see every frame.
func WithFrameHook(fn FrameHook) ConnOption {
	return func(c *Conn) { c.hook = fn }
}

// WithMaxMessageSize bounds assembled inbound messages.
func WithMaxMessageSize(n int) ConnOption {
	return func(c *Conn) { c.asm.MaxSize = n }
}

// NewConn wraps an upgraded connection. br may hold bytes the client sent
// right after its handshake; nil reads from conn directly.
func NewConn(conn net.Conn, br *bufio.Reader, opts ...ConnOption) *Conn {
	if br == nil {
		br = bufio.NewReader(conn)
	}
	c := &Conn{
		conn:       conn,
		r:          br,
		remoteAddr: conn.RemoteAddr().String(),
	}
	for _, opt := range opts {
		opt(c)
	}
	logging.LogConnection(c.remoteAddr, "websocket_upgraded")
	return c
}

// Subprotocol returns the negotiated subprotocol, if any.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// SetReadDeadline sets the deadline for the next frame read.
func (c *Conn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

// ReadMessage returns the next data message. Pings are answered and pongs
// dropped along the way. A close frame is answered once and reported as
// io.EOF. A protocol violation closes the connection with status 1002.
func (c *Conn) ReadMessage() (*Message, error) {
	for {
		frame, err := ReadFrame(c.r)
		if err == nil {
			err = c.checkInbound(frame)
		}
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				c.fail(pe)
			}
			return nil, err
		}
		if c.hook != nil {
			c.hook(Inbound, frame)
		}
		logging.LogWebSocketMessage(c.remoteAddr, "received", frame.Opcode(), frame.Payload)

		msg, err := c.asm.Push(frame)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				c.fail(pe)
			}
			return nil, err
		}
		if msg == nil {
			continue
		}

		switch msg.Opcode {
		case OpcodePing:
			logging.Debug("Received ping, sending pong", zap.String("remote_addr", c.remoteAddr))
			if err := c.SendUrgent(NewFrame(OpcodePong, true, msg.Payload)); err != nil {
				return nil, err
			}
		case OpcodePong:
			logging.Debug("Received pong", zap.String("remote_addr", c.remoteAddr))
		case OpcodeClose:
			logging.Info("Received close frame", zap.String("remote_addr", c.remoteAddr))
			// Echo the status code back, as the peer expects.
			reply := msg.Payload
			if len(reply) >= 2 {
				reply = reply[:2]
			} else {
				reply = nil
			}
			_ = c.sendClose(reply)
			return nil, io.EOF
		case OpcodeText, OpcodeBinary:
			return msg, nil
		default:
			err := protocolErrorf("unknown opcode 0x%X", msg.Opcode)
			c.fail(err)
			return nil, err
		}
	}
}

// checkInbound rejects frames with reserved bits set, since no extension is
// ever negotiated, and frames masked the wrong way for this side: clients
// must mask and servers must not.
func (c *Conn) checkInbound(f *Frame) error {
	if f.RSV1() || f.RSV2() || f.RSV3() {
		return protocolErrorf("reserved bits set on %s frame", OpcodeString(f.Opcode()))
	}
	if c.mask && f.Masked() {
		return protocolErrorf("masked frame from server")
	}
	if !c.mask && !f.Masked() {
		return protocolErrorf("unmasked frame from client")
	}
	return nil
}

// SendMessage fragments payload and writes every frame before returning.
func (c *Conn) SendMessage(opcode byte, payload []byte) error {
	frames := Fragment(opcode, payload, c.mask)
	c.queueMu.Lock()
	c.queue = append(c.queue, frames...)
	c.queueMu.Unlock()
	return c.drain()
}

// SendUrgent puts a control frame at the head of the send queue, ahead of
// any fragments still waiting, then drains the queue.
func (c *Conn) SendUrgent(f *Frame) error {
	if c.mask && !f.Masked() {
		f.SetMask(NewMaskKey())
	}
	c.queueMu.Lock()
	c.queue = append([]*Frame{f}, c.queue...)
	c.queueMu.Unlock()
	return c.drain()
}

// drain writes queued frames until the queue is empty. Frames are popped
// one at a time so an urgent frame queued meanwhile goes out next.
func (c *Conn) drain() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for {
		if c.writeErr != nil {
			return c.writeErr
		}
		c.queueMu.Lock()
		if len(c.queue) == 0 {
			c.queueMu.Unlock()
			return nil
		}
		f := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.queueMu.Unlock()

		if err := c.writeFrame(f); err != nil {
			c.writeErr = err
			c.queueMu.Lock()
			c.queue = nil
			c.queueMu.Unlock()
			return err
		}
	}
}

func (c *Conn) writeFrame(f *Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if c.hook != nil {
		c.hook(Outbound, f)
	}
	if _, err := f.WriteTo(c.conn); err != nil {
		logging.Error("Failed to send frame",
			zap.String("remote_addr", c.remoteAddr),
			zap.Error(err),
		)
		return err
	}
	logging.LogWebSocketMessage(c.remoteAddr, "sent", f.Opcode(), f.Payload)
	return nil
}

// sendClose sends a close frame unless one was already sent.
func (c *Conn) sendClose(payload []byte) error {
	c.queueMu.Lock()
	if c.closeSent {
		c.queueMu.Unlock()
		return nil
	}
	c.closeSent = true
	c.queueMu.Unlock()
	return c.SendUrgent(NewFrame(OpcodeClose, true, payload))
}

func (c *Conn) fail(pe *ProtocolError) {
	logging.Warn("WebSocket protocol violation",
		zap.String("remote_addr", c.remoteAddr),
		zap.String("reason", pe.Reason),
	)
	_ = c.sendClose(closePayload(pe.Code, pe.Reason))
	_ = c.conn.Close()
}

// Close sends a close frame with code and reason and closes the socket.
func (c *Conn) Close(code int, reason string) error {
	_ = c.sendClose(closePayload(code, reason))
	logging.LogConnection(c.remoteAddr, "websocket_closed")
	return c.conn.Close()
}

func closePayload(code int, reason string) []byte {
	if code == 0 || code == closeNoStatusPresent {
		return nil
	}
	if len(reason) > maxControlLen-2 {
		reason = reason[:maxControlLen-2]
	}
	b := binary.BigEndian.AppendUint16(nil, uint16(code))
	return append(b, reason...)
}
