package xsp

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/descriptor"
	"github.com/calsol/telemetry/internal/logging"
)

// DefaultReadSize is the number of bytes Poll asks the source for.
const DefaultReadSize = 4096

// Source is the upstream byte stream. Read must not block for long: a read
// that finds no data returns 0 and a nil error.
type Source interface {
	Read(p []byte) (int, error)
}

// Stats counts what a Handler has seen since it was created.
type Stats struct {
	Bytes              uint64
	Packets            uint64
	Messages           uint64
	FramingErrors      uint64
	MissingDescriptors uint64
}

type handlerStats struct {
	bytes, packets, messages, framing, missing atomic.Uint64
}

// Handler composes the escape decoder, demultiplexer and CAN parser into a
// poll-and-decode loop over a bound source.
type Handler struct {
	table   *descriptor.Table
	src     Source
	demux   *Demultiplexer
	decoder *Decoder
	parser  *Parser
	hook    func(Message)
	buf     []byte
	stats   handlerStats
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithErrorPolicy sets the escape decoder's failure policy.
func WithErrorPolicy(policy ErrorPolicy) HandlerOption {
	return func(h *Handler) {
		h.decoder = NewDecoder(policy)
	}
}

// WithClock overrides the receipt timestamp source.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.parser.now = now
	}
}

// WithMessageHook registers fn to be called for every decoded message, in
// order, before Poll returns.
func WithMessageHook(fn func(Message)) HandlerOption {
	return func(h *Handler) {
		h.hook = fn
	}
}

// NewHandler creates a handler that looks descriptors up in table. The
// table is consulted per packet, so a reload takes effect immediately.
func NewHandler(table *descriptor.Table, opts ...HandlerOption) *Handler {
	h := &Handler{
		table:   table,
		demux:   NewDemultiplexer(),
		decoder: NewDecoder(Strict),
	}
	h.parser = NewParser(table.Lookup)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Bind attaches src, unbinding any previous source first.
func (h *Handler) Bind(src Source) {
	if h.src != nil {
		h.Unbind()
	}
	h.src = src
}

// Unbind detaches the source and discards partial packet state.
func (h *Handler) Unbind() {
	h.src = nil
	h.demux.Reset()
	h.decoder.Reset()
}

// Bound reports whether a source is attached.
func (h *Handler) Bound() bool {
	return h.src != nil
}

// Poll reads up to n bytes from the source and returns the messages of
// every packet they complete. A read failure is returned as an
// UpstreamFailure; failures inside individual packets are logged and the
// packet is dropped without affecting the others.
func (h *Handler) Poll(n int) ([]Message, error) {
	if h.src == nil {
		return nil, nil
	}
	if n <= 0 {
		n = DefaultReadSize
	}
	if cap(h.buf) < n {
		h.buf = make([]byte, n)
	}
	buf := h.buf[:n]

	read, err := h.src.Read(buf)
	if err != nil {
		logging.Error("Error reading from serial source", zap.Error(err))
		return nil, NewUpstreamError(err, "reading from serial source")
	}
	return h.Feed(buf[:read]), nil
}

// Feed decodes bytes that were read elsewhere, such as a capture file.
func (h *Handler) Feed(data []byte) []Message {
	if len(data) == 0 {
		return nil
	}
	h.stats.bytes.Add(uint64(len(data)))

	return h.decodeAll(h.demux.Demux(data))
}

// Flush completes the packet still buffered at the end of a finite
// stream. Live streams never need it: the next start byte completes the
// packet.
func (h *Handler) Flush() []Message {
	if h.demux.Buffered() <= 1 {
		h.demux.Reset()
		return nil
	}
	messages := h.decodeAll(h.demux.Demux([]byte{StartByte}))
	h.demux.Reset()
	return messages
}

func (h *Handler) decodeAll(packets [][]byte) []Message {
	var messages []Message
	for _, raw := range packets {
		h.stats.packets.Add(1)
		decoded, err := h.decodePacket(raw)
		if err != nil {
			h.count(err)
			logging.LogPacketError(raw, err)
			continue
		}
		for _, m := range decoded {
			if h.hook != nil {
				h.hook(m)
			}
		}
		h.stats.messages.Add(uint64(len(decoded)))
		messages = append(messages, decoded...)
	}
	return messages
}

func (h *Handler) decodePacket(raw []byte) ([]Message, error) {
	// Each packet is unescaped on its own, so a bad escape can never
	// leak state into the next packet.
	h.decoder.Reset()
	unescaped, err := h.decoder.Decode(raw, true)
	if err != nil {
		return nil, err
	}
	packet, err := h.parser.Parse(unescaped)
	if err != nil {
		return nil, err
	}
	return Expand(packet), nil
}

func (h *Handler) count(err error) {
	switch {
	case IsDescriptorMissing(err):
		h.stats.missing.Add(1)
	default:
		h.stats.framing.Add(1)
	}
}

// Stats returns a snapshot of the handler's counters. It is safe to call
// from another goroutine.
func (h *Handler) Stats() Stats {
	return Stats{
		Bytes:              h.stats.bytes.Load(),
		Packets:            h.stats.packets.Load(),
		Messages:           h.stats.messages.Load(),
		FramingErrors:      h.stats.framing.Load(),
		MissingDescriptors: h.stats.missing.Load(),
	}
}
