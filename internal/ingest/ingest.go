// Package ingest moves decoded telemetry from an upstream source into
// storage.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/calsol/telemetry/internal/logging"
	"github.com/calsol/telemetry/internal/storage"
	"github.com/calsol/telemetry/internal/xsp"
)

// Default limits on consecutive failures.
const (
	DefaultSerialErrorLimit = 5
	DefaultDBErrorLimit     = 5
	DefaultIdle             = 10 * time.Millisecond
)

// Sentinel errors returned by Run when a failure limit is reached.
var (
	ErrSerialLimit  = errors.New("serial error limit reached")
	ErrStorageLimit = errors.New("storage error limit reached")
)

// Port is an upstream source that Run takes ownership of.
type Port interface {
	xsp.Source
	io.Closer
}

// Config holds the ingest loop settings.
type Config struct {
	SerialErrorLimit int
	DBErrorLimit     int
	ReadSize         int
	// IntervalName, when set, records the run as a named interval.
	IntervalName string
	// Idle is how long to wait after a poll that read nothing.
	Idle time.Duration
}

// DefaultConfig returns the default loop settings.
func DefaultConfig() Config {
	return Config{
		SerialErrorLimit: DefaultSerialErrorLimit,
		DBErrorLimit:     DefaultDBErrorLimit,
		ReadSize:         xsp.DefaultReadSize,
		Idle:             DefaultIdle,
	}
}

// Stats counts what an Ingester has done.
type Stats struct {
	Stored        uint64
	SerialErrors  uint64
	StorageErrors uint64
}

// Ingester polls a Handler and writes every message to a Store.
type Ingester struct {
	handler *xsp.Handler
	store   storage.Store
	cfg     Config
	now     func() time.Time

	stored, serialErrs, storageErrs atomic.Uint64
}

// New creates an Ingester. Zero config fields take their defaults.
func New(handler *xsp.Handler, store storage.Store, cfg Config) *Ingester {
	def := DefaultConfig()
	if cfg.SerialErrorLimit <= 0 {
		cfg.SerialErrorLimit = def.SerialErrorLimit
	}
	if cfg.DBErrorLimit <= 0 {
		cfg.DBErrorLimit = def.DBErrorLimit
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = def.ReadSize
	}
	if cfg.Idle < 0 {
		cfg.Idle = 0
	}
	return &Ingester{handler: handler, store: store, cfg: cfg, now: time.Now}
}

// Stats returns a snapshot of the counters.
func (in *Ingester) Stats() Stats {
	return Stats{
		Stored:        in.stored.Load(),
		SerialErrors:  in.serialErrs.Load(),
		StorageErrors: in.storageErrs.Load(),
	}
}

// Run binds port and stores decoded messages until ctx is done or a
// failure limit is reached. Consecutive serial and storage failures are
// counted separately and each counter resets on the next success. The
// port is always closed on return. Reaching the storage limit also closes
// the store.
func (in *Ingester) Run(ctx context.Context, port Port) error {
	in.handler.Bind(port)
	defer func() {
		in.handler.Unbind()
		if err := port.Close(); err != nil {
			logging.Warn("Failed to close upstream port", zap.Error(err))
		}
	}()

	interval := in.openInterval(ctx)
	storeClosed := false
	defer func() {
		if interval != 0 && !storeClosed {
			in.closeInterval(interval)
		}
	}()

	var serialRun, storageRun int
	for {
		if err := ctx.Err(); err != nil {
			logging.Info("Ingest stopped", zap.Uint64("stored", in.stored.Load()))
			return nil
		}

		before := in.handler.Stats().Bytes
		messages, err := in.handler.Poll(in.cfg.ReadSize)
		if err != nil {
			serialRun++
			in.serialErrs.Add(1)
			logging.Warn("Upstream read failed",
				zap.Int("consecutive", serialRun),
				zap.Int("limit", in.cfg.SerialErrorLimit),
				zap.Error(err),
			)
			if serialRun >= in.cfg.SerialErrorLimit {
				logging.Error("Too many serial errors, closing port")
				return fmt.Errorf("%w: %w", ErrSerialLimit, err)
			}
			continue
		}
		serialRun = 0

		if err := in.storeAll(ctx, messages, &storageRun, interval); err != nil {
			storeClosed = true
			return err
		}

		if in.handler.Stats().Bytes == before && in.cfg.Idle > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(in.cfg.Idle):
			}
		}
	}
}

// storeAll inserts messages, tracking consecutive failures in run. At the
// limit it closes the interval and the store and returns ErrStorageLimit.
func (in *Ingester) storeAll(ctx context.Context, messages []xsp.Message, run *int, interval int64) error {
	for _, m := range messages {
		if err := in.insert(ctx, m); err != nil {
			*run++
			in.storageErrs.Add(1)
			logging.Warn("Failed to store message",
				zap.String("name", m.Name),
				zap.Int("consecutive", *run),
				zap.Int("limit", in.cfg.DBErrorLimit),
				zap.Error(err),
			)
			if *run >= in.cfg.DBErrorLimit {
				logging.Error("Too many storage errors, disconnecting store")
				if interval != 0 {
					in.closeInterval(interval)
				}
				_ = in.store.Close()
				return fmt.Errorf("%w: %w", ErrStorageLimit, err)
			}
			continue
		}
		*run = 0
		in.stored.Add(1)
	}
	return nil
}

// Import decodes a recorded byte stream from r and stores every message,
// as Run does for a live port. progress, when set, is called with the
// running byte count after each chunk. Messages are stamped with the time
// they are decoded; a raw capture carries no timestamps of its own.
func (in *Ingester) Import(ctx context.Context, r io.Reader, progress func(read int64)) error {
	interval := in.openInterval(ctx)
	buf := make([]byte, in.cfg.ReadSize)
	var (
		read       int64
		storageRun int
	)
	for {
		if err := ctx.Err(); err != nil {
			if interval != 0 {
				in.closeInterval(interval)
			}
			return err
		}

		n, readErr := r.Read(buf)
		read += int64(n)
		messages := in.handler.Feed(buf[:n])
		if readErr == io.EOF {
			messages = append(messages, in.handler.Flush()...)
		}
		if err := in.storeAll(ctx, messages, &storageRun, interval); err != nil {
			return err
		}
		if progress != nil && n > 0 {
			progress(read)
		}

		switch {
		case readErr == io.EOF:
			if interval != 0 {
				in.closeInterval(interval)
			}
			logging.Info("Import finished",
				zap.Int64("bytes", read),
				zap.Uint64("stored", in.stored.Load()),
			)
			return nil
		case readErr != nil:
			if interval != 0 {
				in.closeInterval(interval)
			}
			return xsp.NewUpstreamError(readErr, "reading capture")
		}
	}
}

func (in *Ingester) insert(ctx context.Context, m xsp.Message) error {
	value, err := encodeValue(m.Value)
	if err != nil {
		logging.Warn("Storing unencodable value as null",
			zap.String("name", m.Name),
			zap.Error(err),
		)
		value = json.RawMessage("null")
	}
	err = in.store.Insert(ctx, storage.Message{
		ID:    m.ID,
		Name:  m.Name,
		Time:  m.Time,
		Value: value,
	})
	if err != nil {
		return xsp.NewStorageError(err, "inserting %s", m.Name)
	}
	return nil
}

// encodeValue renders a decoded value as JSON. NaN and infinities have no
// JSON form and are rejected.
func encodeValue(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

func (in *Ingester) openInterval(ctx context.Context) int64 {
	if in.cfg.IntervalName == "" {
		return 0
	}
	id, err := in.store.OpenInterval(ctx, in.cfg.IntervalName, in.now())
	if err != nil {
		logging.Warn("Failed to open interval",
			zap.String("interval", in.cfg.IntervalName),
			zap.Error(err),
		)
		return 0
	}
	logging.Info("Recording interval opened",
		zap.String("interval", in.cfg.IntervalName),
		zap.Int64("id", id),
	)
	return id
}

func (in *Ingester) closeInterval(id int64) {
	// The run context is usually already canceled here.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := in.store.CloseInterval(ctx, id, in.now()); err != nil {
		logging.Warn("Failed to close interval", zap.Int64("id", id), zap.Error(err))
	}
}
