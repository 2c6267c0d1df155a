// Package cache persists decoded-ready sample bytes across sessions.
//
// Entries are keyed by "{resourceId}-{note}" and hold the raw file bytes
// together with the response headers they were fetched with.
package cache

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("cache closed")

// Entry is one cached sample.
type Entry struct {
	Key       string
	Data      []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Info summarizes the cache contents. OldestEntry and NewestEntry are zero
// when the cache is empty.
type Info struct {
	TotalEntries int
	TotalSize    int64
	OldestEntry  time.Time
	NewestEntry  time.Time
}

// Store is a persistent key to blob mapping. Match returns (nil, nil) on a miss.
// Put replaces any existing entry for the key.
type Store interface {
	Match(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, data []byte, headers map[string]string) error
	Delete(ctx context.Context, key string) (bool, error)
	Info(ctx context.Context) (Info, error)
	Clear(ctx context.Context) error
	Close() error
}

// Key builds the cache key for one sample of a resource.
func Key(resourceID, note string) string {
	return resourceID + "-" + note
}

// Headers written alongside every sample fetched from the network.
func SampleHeaders() map[string]string {
	return map[string]string{
		"Content-Type":  "audio/wav",
		"Cache-Control": "max-age=31536000",
	}
}
