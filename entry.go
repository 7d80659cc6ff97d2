package querysync

import (
	"context"
	"sync/atomic"
	"time"
)

// Status is the fetch state of a cache entry.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// CacheEntry is a point-in-time snapshot of a cached query.
//
// Data survives a failed refetch: Status is StatusError, Err is set and
// HasData still reports the last successful value. Status is StatusLoading
// whenever a fetch is in flight, including background refetches of data that
// is still being served.
type CacheEntry struct {
	Key             QueryKey
	Status          Status
	Data            any
	HasData         bool
	Err             error
	FetchedAt       time.Time
	ErrorAt         time.Time
	SubscriberCount int
	Stale           bool
	FetchCount      int
	Generation      uint64
}

// Fetcher loads the value for one query key.
type Fetcher func(ctx context.Context) (any, error)

// Listener receives a snapshot after every change to the entry it subscribed to.
type Listener func(CacheEntry)

type entry struct {
	key         QueryKey
	status      Status
	data        any
	hasData     bool
	err         error
	fetchedAt   time.Time
	errorAt     time.Time
	invalidated bool
	fetchCount  int

	// generation of the most recently started fetch
	generation  uint64
	inflight    *inflight
	fetcher     Fetcher
	retryPolicy RetryPolicy

	subs map[uint64]*subscription

	gcTimer       *time.Timer
	gcSeq         uint64
	intervalTimer *time.Timer
	intervalSeq   uint64
	refetchEvery  time.Duration
}

// inflight is the single current fetch of an entry.
type inflight struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
	data   any
	err    error
}

type subscription struct {
	id       uint64
	listener Listener
	opts     subscribeOptions
	closed   atomic.Bool
}

func (e *entry) snapshot(staleTime time.Duration, now time.Time) CacheEntry {
	return CacheEntry{
		Key:             e.key,
		Status:          e.status,
		Data:            e.data,
		HasData:         e.hasData,
		Err:             e.err,
		FetchedAt:       e.fetchedAt,
		ErrorAt:         e.errorAt,
		SubscriberCount: len(e.subs),
		Stale:           e.isStale(staleTime, now),
		FetchCount:      e.fetchCount,
		Generation:      e.generation,
	}
}

// isStale reports whether a subscriber with the given stale time should
// trigger a fetch.
func (e *entry) isStale(staleTime time.Duration, now time.Time) bool {
	if e.invalidated || !e.hasData || e.status == StatusError {
		return true
	}
	return now.Sub(e.fetchedAt) > staleTime
}

func (e *entry) enabledSubscribers() int {
	n := 0
	for _, sub := range e.subs {
		if sub.opts.enabled {
			n++
		}
	}
	return n
}

// listeners returns the live subscriptions that registered a listener.
func (e *entry) listeners() []*subscription {
	out := make([]*subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		if sub.listener != nil {
			out = append(out, sub)
		}
	}
	return out
}
