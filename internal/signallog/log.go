// Package signallog is the durable, ordered, replayable transport for
// trade signals (spec §4.2). Per-master partitioning preserves per-stream
// ordering; cross-master ordering is not guaranteed.
package signallog

import (
	"context"
	"errors"

	"github.com/tradewire/replicator/internal/wire"
)

// ErrClosed is returned by any operation on a Log after Close.
var ErrClosed = errors.New("signallog: log is closed")

// Record is one durably-appended signal together with the offset the log
// assigned it.
type Record struct {
	Offset int64
	Signal *wire.Signal
}

// Log is the contract exposed upward by the Signal Log (spec §4.2): append,
// read_from, trim. Any signal for which Append returned success must be
// recoverable after a single node crash.
type Log interface {
	// Append durably stores signal for masterID and returns its assigned
	// offset. It does not return until the signal is durable.
	Append(ctx context.Context, masterID string, signal *wire.Signal) (offset int64, err error)

	// ReadFrom returns a channel delivering every record for masterID with
	// offset > afterOffset, in strict append order, at least once. The
	// channel closes when ctx is done or Close is called.
	ReadFrom(ctx context.Context, masterID string, afterOffset int64) (<-chan Record, error)

	// Trim discards records for masterID with offset < beforeOffset. It is
	// retention management only; it must never discard a record a live
	// subscription could still need.
	Trim(ctx context.Context, masterID string, beforeOffset int64) error

	// Close releases resources held by the log.
	Close() error
}
