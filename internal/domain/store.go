package domain

import (
	"context"
	"io"
	"time"
)

// OrderRecordStore is the durable key-value contract for in-flight order
// records, keyed by client order id. Terminal records stay in storage for
// audit; only non-terminal records participate in restoration.
type OrderRecordStore interface {
	// Put inserts or replaces the record for its client order id.
	Put(ctx context.Context, rec OrderRecord) error

	// Get returns the record for the given client order id, or ErrNotFound.
	Get(ctx context.Context, clientOrderID string) (OrderRecord, error)

	// GetAllOpen returns every non-terminal record for the exchange.
	GetAllOpen(ctx context.Context, exchange string) ([]OrderRecord, error)

	// ListTerminalBefore returns terminal records created strictly before
	// the cutoff, for audit archival.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]OrderRecord, error)
}

// BookTopCache publishes top-of-book views for out-of-process consumers
// (status displays, other engine instances).
type BookTopCache interface {
	SetTop(ctx context.Context, top BookTop) error
	GetTop(ctx context.Context, exchange, tradingPair string) (BookTop, error)
}

// SignalBus is the pub/sub fabric carrying domain events between engine
// components and out to external listeners.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// BlobWriter stores immutable audit artifacts (JSONL rollups of terminal
// order records).
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// RateLimiter throttles outbound exchange requests across engine instances.
type RateLimiter interface {
	// Allow reports whether a request for key fits under limit per window,
	// counting it when it does.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	// Wait blocks until a request for key is allowed or ctx ends.
	Wait(ctx context.Context, key string) error
}
