package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. It is used when no cache file is configured
// and by tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
	closed  bool
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry), now: time.Now}
}

func (m *Memory) Match(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	e.Data = append([]byte(nil), e.Data...)
	e.Headers = copyHeaders(e.Headers)
	return &e, nil
}

func (m *Memory) Put(_ context.Context, key string, data []byte, headers map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries[key] = Entry{
		Key:       key,
		Data:      append([]byte(nil), data...),
		Headers:   copyHeaders(headers),
		Timestamp: m.now(),
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.entries[key]
	delete(m.entries, key)
	return ok, nil
}

func (m *Memory) Info(_ context.Context) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Info{}, ErrClosed
	}
	var info Info
	for _, e := range m.entries {
		info.TotalEntries++
		info.TotalSize += int64(len(e.Data))
		if info.OldestEntry.IsZero() || e.Timestamp.Before(info.OldestEntry) {
			info.OldestEntry = e.Timestamp
		}
		if e.Timestamp.After(info.NewestEntry) {
			info.NewestEntry = e.Timestamp
		}
	}
	return info, nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entries = make(map[string]Entry)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

var _ Store = (*Memory)(nil)
