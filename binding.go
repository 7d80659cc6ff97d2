package querysync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// View is the typed state a Binding exposes to its consumer.
type View[T any] struct {
	Key        QueryKey
	Status     Status
	Data       T
	HasData    bool
	IsLoading  bool // fetching with nothing to show yet
	IsFetching bool // any fetch in flight, including background refetches
	IsError    bool
	Err        error
	FetchedAt  time.Time
}

// Binding is a typed subscription to one query.
type Binding[T any] struct {
	cache *QueryCache
	key   QueryKey

	mu      sync.Mutex
	view    View[T]
	changed chan struct{}
	closed  bool

	updates     chan View[T]
	unsubscribe func()
}

// Bind subscribes to key, fetching with fetch when the cache needs data. The
// binding holds one subscription until Close.
func Bind[T any](cache *QueryCache, key QueryKey, fetch func(ctx context.Context) (T, error), options ...SubscribeOption) *Binding[T] {
	if fetch == nil {
		panic("querysync: Bind called with a nil fetch function")
	}

	b := &Binding[T]{
		cache:   cache,
		key:     key,
		view:    View[T]{Key: key},
		changed: make(chan struct{}),
		updates: make(chan View[T], 1),
	}

	fetcher := func(ctx context.Context) (any, error) {
		return fetch(ctx)
	}
	b.unsubscribe = cache.Subscribe(key, fetcher, b.apply, options...)
	return b
}

func (b *Binding[T]) apply(e CacheEntry) {
	v := viewOf[T](e)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.view = v
	close(b.changed)
	b.changed = make(chan struct{})

	// Keep only the newest undelivered view.
	select {
	case <-b.updates:
	default:
	}
	b.updates <- v
}

func viewOf[T any](e CacheEntry) View[T] {
	v := View[T]{
		Key:        e.Key,
		Status:     e.Status,
		HasData:    e.HasData,
		IsFetching: e.Status == StatusLoading,
		IsError:    e.Status == StatusError,
		Err:        e.Err,
		FetchedAt:  e.FetchedAt,
	}
	v.IsLoading = v.IsFetching && !e.HasData

	if e.HasData && e.Data != nil {
		data, ok := e.Data.(T)
		if !ok {
			v.HasData = false
			v.IsError = true
			v.Err = &ClientError{
				Type:    ErrorTypeDecode,
				Message: fmt.Sprintf("cached value for %s is %T, not %T", e.Key, e.Data, data),
			}
			return v
		}
		v.Data = data
	}
	return v
}

// View returns the current state.
func (b *Binding[T]) View() View[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view
}

// Updates delivers new views. The channel holds at most one view: a newer
// view replaces one the consumer has not read yet. It is closed by Close.
func (b *Binding[T]) Updates() <-chan View[T] {
	return b.updates
}

// Wait blocks until the query has settled on a success or error, returning
// that view, or until ctx is done.
func (b *Binding[T]) Wait(ctx context.Context) (View[T], error) {
	for {
		b.mu.Lock()
		v, changed, closed := b.view, b.changed, b.closed
		b.mu.Unlock()

		if v.Status == StatusSuccess || v.Status == StatusError {
			return v, nil
		}
		if closed {
			return v, ErrCacheClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

// Refetch starts a new fetch of the bound key.
func (b *Binding[T]) Refetch() {
	b.cache.Refetch(b.key)
}

// Close removes the subscription. It is safe to call more than once.
func (b *Binding[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.changed)
	close(b.updates)
	b.mu.Unlock()

	b.unsubscribe()
}
