package websocket

// FragmentSize is the largest payload Fragment puts in one frame, sized
// so a frame fits an Ethernet MTU with TCP/IP headers.
const FragmentSize = 1452

// MaxMessageSize is the default bound on an assembled message.
const MaxMessageSize = 16 << 20

// Message is a complete data or control message.
type Message struct {
	Opcode  byte
	Payload []byte
}

// Assembler joins fragmented data frames into messages. Control frames
// pass straight through, even between the fragments of a data message.
type Assembler struct {
	// MaxSize bounds an assembled payload. Zero means MaxMessageSize.
	MaxSize int

	buffering bool
	opcode    byte
	buf       []byte
}

// Push adds one frame. It returns the completed message, or nil while a
// fragmented message is still being collected.
func (a *Assembler) Push(f *Frame) (*Message, error) {
	if f.IsControl() {
		if !f.FIN() {
			return nil, protocolErrorf("fragmented control frame (opcode 0x%X)", f.Opcode())
		}
		return &Message{Opcode: f.Opcode(), Payload: f.Payload}, nil
	}

	if f.Opcode() == OpcodeContinuation {
		if !a.buffering {
			return nil, protocolErrorf("continuation before first frame")
		}
	} else {
		if a.buffering {
			return nil, protocolErrorf("new data frame before fragment finished")
		}
		if f.FIN() {
			return &Message{Opcode: f.Opcode(), Payload: f.Payload}, nil
		}
		a.buffering = true
		a.opcode = f.Opcode()
		a.buf = a.buf[:0]
	}

	limit := a.MaxSize
	if limit <= 0 {
		limit = MaxMessageSize
	}
	if len(a.buf)+len(f.Payload) > limit {
		a.Reset()
		return nil, &ProtocolError{Code: CloseMessageTooBig,
			Reason: "message exceeds maximum size"}
	}
	a.buf = append(a.buf, f.Payload...)

	if !f.FIN() {
		return nil, nil
	}
	msg := &Message{Opcode: a.opcode, Payload: a.buf}
	a.buffering = false
	a.buf = nil
	return msg, nil
}

// Buffering reports whether a fragmented message is in progress.
func (a *Assembler) Buffering() bool { return a.buffering }

// Reset drops any partial message.
func (a *Assembler) Reset() {
	a.buffering = false
	a.opcode = 0
	a.buf = nil
}

// Fragment splits payload into frames of at most FragmentSize bytes. Only
// the last frame has FIN set and every frame after the first is a
// continuation. An empty payload still produces one frame.
func Fragment(opcode byte, payload []byte, mask bool) []*Frame {
	frames := make([]*Frame, 0, len(payload)/FragmentSize+1)
	op := opcode
	for {
		n := len(payload)
		if n > FragmentSize {
			n = FragmentSize
		}
		f := NewFrame(op, n == len(payload), payload[:n])
		if mask {
			f.SetMask(NewMaskKey())
		}
		frames = append(frames, f)

		payload = payload[n:]
		if len(payload) == 0 {
			return frames
		}
		op = OpcodeContinuation
	}
}
