package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/codec"
	"github.com/calsol/telemetry/internal/logging"
	"github.com/calsol/telemetry/internal/storage"
	"github.com/calsol/telemetry/internal/websocket"
)

// session is one live WebSocket subscription to a data query.
type session struct {
	id       string
	conn     *websocket.Conn
	query    dataQuery
	encoding codec.Encoding
	seq      int64
	cancel   context.CancelFunc
	capture  *frameCapture
}

// serveLive upgrades the request, sends the initial result of q and then
// pushes records as they are stored until either side closes.
func (s *Server) serveLive(w http.ResponseWriter, r *http.Request, q dataQuery, enc codec.Encoding) {
	// Taken before the initial query so nothing stored in between is
	// missed. A record may be sent twice as a result.
	seq, err := s.store.LastSeq(r.Context())
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	initial, err := s.run(r.Context(), q)
	if err != nil {
		s.storageError(w, r, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:       uuid.NewString(),
		query:    q,
		encoding: enc,
		seq:      seq,
		cancel:   cancel,
	}

	var opts []websocket.ConnOption
	if s.config.CaptureDir != "" {
		sess.capture, err = openFrameCapture(s.config.CaptureDir, sess.id, r.RemoteAddr)
		if err != nil {
			logging.Error("Failed to open capture file", zap.Error(err))
		} else {
			opts = append(opts, websocket.WithFrameHook(sess.capture.record))
		}
	}
	defer sess.capture.close()

	conn, err := websocket.Upgrade(w, r, s.config.Policies, opts...)
	if err != nil {
		cancel()
		return
	}
	sess.conn = conn

	if !s.addSession(sess) {
		cancel()
		_ = conn.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.removeSession(sess)

	logging.Info("Live session started",
		zap.String("session", sess.id),
		zap.String("remote_addr", conn.RemoteAddr()),
		zap.String("packet", q.desc.Key()),
		zap.String("message", q.name),
		zap.String("encoding", enc.String()),
	)

	if err := sess.send(initial); err != nil {
		cancel()
		_ = conn.Close(websocket.CloseNormal, "")
		return
	}

	peerClosed := make(chan struct{})
	go func() {
		defer close(peerClosed)
		defer cancel()
		sess.readLoop()
	}()

	s.push(ctx, sess)

	select {
	case <-peerClosed:
		_ = conn.Close(websocket.CloseNormal, "")
	default:
		_ = conn.Close(websocket.CloseGoingAway, "server shutting down")
		<-peerClosed
	}
	logging.Info("Live session ended", zap.String("session", sess.id))
}

// readLoop drains client messages so control frames get answered. Data
// from the client is ignored.
func (sess *session) readLoop() {
	for {
		msg, err := sess.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logging.Debug("Live session read ended",
					zap.String("session", sess.id),
					zap.Error(err),
				)
			}
			return
		}
		logging.Debug("Ignoring client message",
			zap.String("session", sess.id),
			zap.Int("length", len(msg.Payload)),
		)
	}
}

// push polls storage for records newer than the session's sequence number
// until ctx is done.
func (s *Server) push(ctx context.Context, sess *session) {
	ticker := time.NewTicker(s.config.LiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		recs, err := s.store.Since(ctx, sess.query.desc.ID, sess.query.name, sess.seq)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Warn("Live query failed",
				zap.String("session", sess.id),
				zap.Error(err),
			)
			continue
		}
		if len(recs) == 0 {
			continue
		}
		sess.seq = recs[len(recs)-1].Seq

		update, err := sess.update(recs)
		if err != nil {
			logging.Warn("Dropping undecodable records", zap.String("session", sess.id), zap.Error(err))
			continue
		}
		if err := sess.send(update); err != nil {
			return
		}
	}
}

// update shapes new records like the initial result: a record map for a
// single message, or record maps keyed by message name.
func (sess *session) update(recs []storage.Record) (any, error) {
	if sess.query.name != "" {
		return recordMap(recs)
	}
	byName := make(map[string][]storage.Record)
	for _, rec := range recs {
		byName[rec.Name] = append(byName[rec.Name], rec)
	}
	out := make(map[string]any, len(byName))
	for name, group := range byName {
		m, err := recordMap(group)
		if err != nil {
			return nil, err
		}
		out[name] = m
	}
	return out, nil
}

func (sess *session) send(v any) error {
	body, err := sess.encoding.Marshal(v)
	if err != nil {
		return err
	}
	opcode := byte(websocket.OpcodeText)
	if sess.encoding.Binary() {
		opcode = websocket.OpcodeBinary
	}
	return sess.conn.SendMessage(opcode, body)
}

// FrameRecord is one line of a session capture file.
type FrameRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	FrameNum     int       `json:"frame_num"`
	Session      string    `json:"session"`
	RemoteAddr   string    `json:"remote_addr"`
	Direction    string    `json:"direction"`
	FrameType    string    `json:"frame_type"`
	Opcode       byte      `json:"opcode"`
	FIN          bool      `json:"fin"`
	Masked       bool      `json:"masked"`
	PayloadLen   int       `json:"payload_length"`
	PayloadHex   string    `json:"payload_hex"`
	PayloadAscii string    `json:"payload_ascii"`
}

// frameCapture appends every frame of a session to a JSONL file.
type frameCapture struct {
	mu         sync.Mutex
	f          *os.File
	session    string
	remoteAddr string
	frames     int
}

func openFrameCapture(dir, session, remoteAddr string) (*frameCapture, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	filename := filepath.Join(dir, fmt.Sprintf("session-%s-%s.jsonl",
		time.Now().Format("20060102-150405"), session))
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	logging.Debug("Capturing session frames", zap.String("filename", filename))
	return &frameCapture{f: f, session: session, remoteAddr: remoteAddr}, nil
}

func (c *frameCapture) record(direction string, frame *websocket.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames++

	data, err := json.Marshal(FrameRecord{
		Timestamp:    time.Now(),
		FrameNum:     c.frames,
		Session:      c.session,
		RemoteAddr:   c.remoteAddr,
		Direction:    direction,
		FrameType:    websocket.OpcodeString(frame.Opcode()),
		Opcode:       frame.Opcode(),
		FIN:          frame.FIN(),
		Masked:       frame.Masked(),
		PayloadLen:   len(frame.Payload),
		PayloadHex:   hex.EncodeToString(frame.Payload),
		PayloadAscii: toASCII(frame.Payload),
	})
	if err != nil {
		logging.Error("Failed to marshal frame record", zap.Error(err))
		return
	}
	if _, err := c.f.Write(append(data, '\n')); err != nil {
		logging.Error("Failed to write to capture file",
			zap.String("filename", c.f.Name()),
			zap.Error(err),
		)
	}
}

func (c *frameCapture) close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.f.Close()
}

// toASCII converts bytes to ASCII string (non-printable chars become '.')
func toASCII(data []byte) string {
	result := make([]byte, len(data))
	for i, b := range data {
		if b >= 32 && b <= 126 {
			result[i] = b
		} else {
			result[i] = '.'
		}
	}
	return string(result)
}
