package xsp

import "bytes"

// Demultiplexer splits the serial stream into packets on the start byte.
//
// Packets carry no end marker, so a packet is only known to be complete
// once the next start byte arrives. Output therefore always runs one packet
// behind the input. The head of the internal buffer is always a start byte
// (or the buffer is empty) once the first start byte has been seen.
type Demultiplexer struct {
	buf []byte
}

// NewDemultiplexer returns an empty demultiplexer.
func NewDemultiplexer() *Demultiplexer {
	return &Demultiplexer{}
}

// Demux appends data and returns every packet completed by it. Returned
// packets exclude the start byte and do not alias the internal buffer.
func (d *Demultiplexer) Demux(data []byte) [][]byte {
	if len(data) == 0 {
		return nil
	}
	d.buf = append(d.buf, data...)

	// Trim junk ahead of the first start byte.
	first := bytes.IndexByte(d.buf, StartByte)
	if first < 0 {
		d.buf = d.buf[:0]
		return nil
	}
	if first > 0 {
		d.buf = d.buf[first:]
	}

	var packets [][]byte
	for {
		next := bytes.IndexByte(d.buf[1:], StartByte)
		if next < 0 {
			break
		}
		end := next + 1
		packet := make([]byte, end-1)
		copy(packet, d.buf[1:end])
		packets = append(packets, packet)
		d.buf = d.buf[end:]
	}

	// Compact so the backing array doesn't grow without bound.
	if cap(d.buf) > 4*len(d.buf)+4096 {
		d.buf = append([]byte(nil), d.buf...)
	}
	return packets
}

// Buffered is the number of bytes held for the in-flight packet.
func (d *Demultiplexer) Buffered() int {
	return len(d.buf)
}

// Reset drops any buffered bytes.
func (d *Demultiplexer) Reset() {
	d.buf = nil
}
