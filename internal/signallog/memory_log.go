package signallog

import (
	"context"
	"sync"

	"github.com/tradewire/replicator/internal/wire"
)

// MemoryLog is an in-memory Log used by tests. Nothing is durable: every
// record for a master lives in an append-only slice, trimmed on request.
type MemoryLog struct {
	mu      sync.RWMutex
	closed  bool
	streams map[string][]Record
	nextSeq map[string]int64

	subsMu sync.Mutex
	subs   map[string][]chan Record
}

// NewMemoryLog builds an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		streams: make(map[string][]Record),
		nextSeq: make(map[string]int64),
		subs:    make(map[string][]chan Record),
	}
}

func (m *MemoryLog) Append(ctx context.Context, masterID string, signal *wire.Signal) (int64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	offset := m.nextSeq[masterID]
	m.nextSeq[masterID] = offset + 1
	rec := Record{Offset: offset, Signal: signal}
	m.streams[masterID] = append(m.streams[masterID], rec)
	m.mu.Unlock()

	m.subsMu.Lock()
	for _, ch := range m.subs[masterID] {
		select {
		case ch <- rec:
		default:
			// Slow subscriber: drop from the live fan-out channel. The
			// ReadFrom goroutine re-reads dropped records from the stored
			// stream when the next live record for this master reaches it.
		}
	}
	m.subsMu.Unlock()

	return offset, nil
}

func (m *MemoryLog) ReadFrom(ctx context.Context, masterID string, afterOffset int64) (<-chan Record, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	backlog := make([]Record, 0)
	for _, rec := range m.streams[masterID] {
		if rec.Offset > afterOffset {
			backlog = append(backlog, rec)
		}
	}
	m.mu.RUnlock()

	out := make(chan Record, 256)
	live := make(chan Record, 256)

	m.subsMu.Lock()
	m.subs[masterID] = append(m.subs[masterID], live)
	m.subsMu.Unlock()

	go func() {
		defer close(out)
		defer m.unsubscribe(masterID, live)

		last := afterOffset
		for _, rec := range backlog {
			select {
			case out <- rec:
				last = rec.Offset
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case rec, ok := <-live:
				if !ok {
					return
				}
				if rec.Offset <= last {
					continue
				}
				pending := []Record{rec}
				if rec.Offset > last+1 {
					m.mu.RLock()
					pending = pending[:0]
					for _, r := range m.streams[masterID] {
						if r.Offset > last && r.Offset <= rec.Offset {
							pending = append(pending, r)
						}
					}
					m.mu.RUnlock()
				}
				for _, r := range pending {
					select {
					case out <- r:
						last = r.Offset
					case <-ctx.Done():
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (m *MemoryLog) unsubscribe(masterID string, ch chan Record) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	subs := m.subs[masterID]
	for i, c := range subs {
		if c == ch {
			m.subs[masterID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (m *MemoryLog) Trim(ctx context.Context, masterID string, beforeOffset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	recs := m.streams[masterID]
	kept := recs[:0:0]
	for _, rec := range recs {
		if rec.Offset >= beforeOffset {
			kept = append(kept, rec)
		}
	}
	m.streams[masterID] = kept
	return nil
}

func (m *MemoryLog) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.subsMu.Lock()
	for masterID, subs := range m.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(m.subs, masterID)
	}
	m.subsMu.Unlock()
	return nil
}
