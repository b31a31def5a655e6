package relay

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a capture file is compressed. It is chosen
// from the file extension.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

// String returns the human-readable name of a compression.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// CompressionFor returns the compression implied by path's extension.
func CompressionFor(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return CompressionZstd
	case ".lz4":
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// captureWriter appends raw stream bytes to a file, compressing them
// when the extension asks for it. Appending to a compressed file adds a
// new frame, which readers decode as one stream.
type captureWriter struct {
	file *os.File
	w    io.Writer
	enc  io.WriteCloser // nil when uncompressed
}

func createCapture(path string) (*captureWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	cw := &captureWriter{file: f, w: f}
	switch CompressionFor(path) {
	case CompressionZstd:
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		cw.enc, cw.w = enc, enc
	case CompressionLZ4:
		enc := lz4.NewWriter(f)
		cw.enc, cw.w = enc, enc
	}
	return cw, nil
}

func (c *captureWriter) Write(p []byte) (int, error) { return c.w.Write(p) }

// Close finishes the compressed frame and syncs the file.
func (c *captureWriter) Close() error {
	var first error
	if c.enc != nil {
		first = c.enc.Close()
	}
	if err := c.file.Sync(); err != nil && first == nil {
		first = err
	}
	if err := c.file.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

type captureReader struct {
	io.Reader
	file *os.File
	zstd *zstd.Decoder
}

func (r *captureReader) Close() error {
	if r.zstd != nil {
		r.zstd.Close()
	}
	return r.file.Close()
}

// OpenCapture opens a capture file for reading, decompressing it
// according to its extension.
func OpenCapture(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	r := &captureReader{file: f}
	buffered := bufio.NewReader(f)
	switch CompressionFor(path) {
	case CompressionZstd:
		dec, err := zstd.NewReader(buffered)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		r.zstd, r.Reader = dec, dec
	case CompressionLZ4:
		r.Reader = &lz4Frames{src: buffered, zr: lz4.NewReader(buffered)}
	default:
		r.Reader = buffered
	}
	return r, nil
}

// lz4Frames reads every frame of a file that several runs appended to.
// lz4.Reader stops at the end of the first frame.
type lz4Frames struct {
	src *bufio.Reader
	zr  *lz4.Reader
}

func (l *lz4Frames) Read(p []byte) (int, error) {
	for {
		n, err := l.zr.Read(p)
		if err == io.EOF {
			if _, perr := l.src.Peek(1); perr == nil {
				l.zr.Reset(l.src)
				if n > 0 {
					return n, nil
				}
				continue
			}
		}
		return n, err
	}
}
