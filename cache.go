package querysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// QueryCache holds keyed query results and coordinates their fetches.
//
// Every key has at most one fetch in flight. Each started fetch gets a
// generation number and its completion is applied only if that generation is
// still the entry's current one, so a fetch superseded by Invalidate, Refetch,
// SetData or Reset can never overwrite newer state. Listener callbacks run
// outside the cache lock, in the order the changes happened.
type QueryCache struct {
	mu      sync.Mutex
	entries map[string]*entry
	notify  notifier

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	nextGen   uint64
	nextSubID uint64

	staleTime     time.Duration
	gcTime        time.Duration
	fetchTimeout  time.Duration
	retryPolicy   RetryPolicy
	authRetry     bool
	authRefresher func(ctx context.Context) error

	metrics *MetricsCollector
	logger  Logger
	debug   *DebugConfig
	now     func() time.Time
}

// NewQueryCache creates an empty cache.
func NewQueryCache(options ...CacheOption) *QueryCache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &QueryCache{
		entries:     make(map[string]*entry),
		ctx:         ctx,
		cancel:      cancel,
		staleTime:   DefaultStaleTime,
		gcTime:      DefaultGCTime,
		retryPolicy: NoRetry{},
		authRetry:   true,
		now:         time.Now,
	}

	for _, option := range options {
		option(c)
	}

	return c
}

// Subscribe registers interest in key and returns the function that removes
// it. The listener, which may be nil, receives a snapshot after every change
// to the entry. A fetch starts unless the entry holds fresh data or a fetch is
// already in flight. Subscribe panics on a zero key or a nil fetcher.
func (c *QueryCache) Subscribe(key QueryKey, fetcher Fetcher, listener Listener, options ...SubscribeOption) func() {
	if key.IsZero() {
		panic("querysync: Subscribe called with an empty query key")
	}
	if fetcher == nil {
		panic("querysync: Subscribe called with a nil fetcher")
	}

	opts := defaultSubscribeOptions()
	for _, option := range options {
		option(&opts)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}
	}

	e := c.entryLocked(key)
	c.stopGCLocked(e)

	c.nextSubID++
	sub := &subscription{id: c.nextSubID, listener: listener, opts: opts}
	e.subs[sub.id] = sub
	e.fetcher = fetcher
	if opts.retryPolicy != nil {
		e.retryPolicy = opts.retryPolicy
	}
	c.rescheduleIntervalLocked(e)

	started := false
	if opts.enabled {
		family := key.Family()
		switch {
		case e.inflight != nil:
			c.metrics.RecordDeduplicationHit(family)
		case e.isStale(c.staleTimeFor(opts), c.now()):
			c.metrics.RecordCacheMiss(family)
			c.startFetchLocked(e, "subscribe")
			started = true
		default:
			c.metrics.RecordCacheHit(family)
		}
	}
	if !started && listener != nil {
		c.notify.push(notification{
			subs:     []*subscription{sub},
			snapshot: e.snapshot(c.staleTime, c.now()),
		})
	}
	c.logDebug("Subscribed to query", "key", key.String(), "subscribers", len(e.subs), "fetching", started)
	c.mu.Unlock()
	c.notify.drain()

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(e, sub) })
	}
}

func (c *QueryCache) unsubscribe(e *entry, sub *subscription) {
	sub.closed.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := e.subs[sub.id]; !ok {
		return
	}
	delete(e.subs, sub.id)
	if c.entries[e.key.ID()] != e {
		return
	}

	if len(e.subs) == 0 {
		c.stopIntervalLocked(e)
		c.scheduleGCLocked(e)
		return
	}
	c.rescheduleIntervalLocked(e)
}

// Invalidate marks stale every entry whose key starts with prefix. Entries
// with enabled subscribers refetch immediately, superseding a fetch already in
// flight; the rest refetch when next subscribed. It returns the number of
// entries matched. A zero prefix matches nothing.
func (c *QueryCache) Invalidate(prefix QueryKey) int {
	if prefix.IsZero() {
		return 0
	}

	c.mu.Lock()
	matched := 0
	for _, e := range c.entries {
		if !e.key.HasPrefix(prefix) {
			continue
		}
		matched++
		e.invalidated = true
		if e.fetcher != nil && e.enabledSubscribers() > 0 {
			c.startFetchLocked(e, "invalidate")
			continue
		}
		c.pushLocked(e)
	}
	c.logDebug("Invalidated queries", "prefix", prefix.String(), "matched", matched)
	c.mu.Unlock()
	c.notify.drain()

	return matched
}

// Refetch starts a new fetch for key, superseding any fetch in flight. It
// reports false when the key is unknown or has never been given a fetcher.
func (c *QueryCache) Refetch(key QueryKey) bool {
	c.mu.Lock()
	e, ok := c.entries[key.ID()]
	if c.closed || !ok || e.fetcher == nil {
		c.mu.Unlock()
		return false
	}
	c.startFetchLocked(e, "refetch")
	c.mu.Unlock()
	c.notify.drain()
	return true
}

// GetSnapshot returns the current state of key without fetching.
func (c *QueryCache) GetSnapshot(key QueryKey) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.ID()]
	if !ok {
		return CacheEntry{}, false
	}
	return e.snapshot(c.staleTime, c.now()), true
}

// Fetch returns the data for key, serving fresh cached data, joining a fetch
// in flight or starting a new one. If the fetch it waits on is superseded it
// follows the newer one. Cancelling ctx stops the wait, not the fetch.
func (c *QueryCache) Fetch(ctx context.Context, key QueryKey, fetcher Fetcher) (any, error) {
	if key.IsZero() {
		return nil, ErrInvalidKey
	}
	if fetcher == nil {
		return nil, fmt.Errorf("%w: nil fetcher for %s", ErrInvalidKey, key)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCacheClosed
	}

	e := c.entryLocked(key)
	e.fetcher = fetcher
	family := key.Family()

	var f *inflight
	switch {
	case e.inflight != nil:
		c.metrics.RecordDeduplicationHit(family)
		f = e.inflight
	case !e.isStale(c.staleTime, c.now()):
		c.metrics.RecordCacheHit(family)
		data := e.data
		c.mu.Unlock()
		return data, nil
	default:
		c.metrics.RecordCacheMiss(family)
		f = c.startFetchLocked(e, "fetch")
	}
	c.mu.Unlock()
	c.notify.drain()

	for {
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		c.mu.Lock()
		if e.generation == f.gen {
			c.mu.Unlock()
			return f.data, f.err
		}
		if e.inflight != nil && c.entries[key.ID()] == e {
			f = e.inflight
			c.mu.Unlock()
			continue
		}
		data, hasData, err := e.data, e.hasData, e.err
		status := e.status
		c.mu.Unlock()

		switch {
		case status == StatusError && err != nil:
			return nil, err
		case hasData:
			return data, nil
		default:
			return nil, f.err
		}
	}
}

// SetData stores data under key as a successful result, superseding any
// fetch in flight.
func (c *QueryCache) SetData(key QueryKey, data any) error {
	if key.IsZero() {
		return ErrInvalidKey
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCacheClosed
	}
	e := c.entryLocked(key)
	c.supersedeLocked(e)
	e.status = StatusSuccess
	e.data = data
	e.hasData = true
	e.err = nil
	e.fetchedAt = c.now()
	e.invalidated = false
	c.pushLocked(e)
	if len(e.subs) == 0 {
		c.scheduleGCLocked(e)
	}
	c.mu.Unlock()
	c.notify.drain()
	return nil
}

// ClearData drops the cached data and error of key and returns the entry to
// idle. Enabled subscribers trigger a fresh fetch. It reports whether the key
// was known.
func (c *QueryCache) ClearData(key QueryKey) bool {
	c.mu.Lock()
	e, ok := c.entries[key.ID()]
	if c.closed || !ok {
		c.mu.Unlock()
		return false
	}
	c.supersedeLocked(e)
	c.wipeLocked(e)
	if e.fetcher != nil && e.enabledSubscribers() > 0 {
		c.startFetchLocked(e, "clear")
	} else {
		c.pushLocked(e)
	}
	// a superseded fetch may have held off an earlier eviction
	if len(e.subs) == 0 {
		c.scheduleGCLocked(e)
	}
	c.mu.Unlock()
	c.notify.drain()
	return true
}

// Reset drops all cached data, typically when the session user changes.
// Entries without subscribers are removed. Entries with subscribers are
// returned to idle under a new generation, so nothing fetched for the
// previous user can land, and refetch if any subscriber is enabled.
func (c *QueryCache) Reset() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for id, e := range c.entries {
		c.supersedeLocked(e)
		c.wipeLocked(e)
		if len(e.subs) == 0 {
			c.stopGCLocked(e)
			c.stopIntervalLocked(e)
			delete(c.entries, id)
			continue
		}
		if e.fetcher != nil && e.enabledSubscribers() > 0 {
			c.startFetchLocked(e, "reset")
			continue
		}
		c.pushLocked(e)
	}
	c.metrics.RecordCacheSize(len(c.entries))
	c.logDebug("Query cache reset", "entries", len(c.entries))
	c.mu.Unlock()
	c.notify.drain()
}

// Close cancels every fetch in flight, stops all timers and drops all
// entries. Subscribing after Close is a no-op; Fetch and SetData return
// ErrCacheClosed.
func (c *QueryCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	for _, e := range c.entries {
		c.stopGCLocked(e)
		c.stopIntervalLocked(e)
		for _, sub := range e.subs {
			sub.closed.Store(true)
		}
	}
	c.entries = make(map[string]*entry)
	c.metrics.RecordCacheSize(0)
}

// Len returns the number of cached entries.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *QueryCache) entryLocked(key QueryKey) *entry {
	if e, ok := c.entries[key.ID()]; ok {
		return e
	}
	e := &entry{
		key:  key,
		subs: make(map[uint64]*subscription),
	}
	c.entries[key.ID()] = e
	c.metrics.RecordCacheSize(len(c.entries))
	return e
}

// startFetchLocked begins a new generation for e, cancelling the fetch it
// supersedes.
func (c *QueryCache) startFetchLocked(e *entry, reason string) *inflight {
	if e.inflight != nil {
		e.inflight.cancel()
	}

	c.nextGen++
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if c.fetchTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, c.fetchTimeout)
	} else {
		ctx, cancel = context.WithCancel(c.ctx)
	}

	f := &inflight{gen: c.nextGen, cancel: cancel, done: make(chan struct{})}
	e.generation = f.gen
	e.inflight = f
	e.status = StatusLoading
	e.fetchCount++

	c.metrics.RecordFetch(e.key.Family(), reason)
	c.logDebug("Fetching query", "key", e.key.String(), "generation", f.gen, "reason", reason)
	c.pushLocked(e)

	go c.run(ctx, e, f, e.fetcher, c.policyFor(e))
	return f
}

// supersedeLocked cancels the fetch in flight and moves e to a new
// generation without starting another fetch.
func (c *QueryCache) supersedeLocked(e *entry) {
	if e.inflight != nil {
		e.inflight.cancel()
		e.inflight = nil
	}
	c.nextGen++
	e.generation = c.nextGen
}

func (c *QueryCache) wipeLocked(e *entry) {
	e.status = StatusIdle
	e.data = nil
	e.hasData = false
	e.err = nil
	e.fetchedAt = time.Time{}
	e.errorAt = time.Time{}
	e.invalidated = false
}

func (c *QueryCache) run(ctx context.Context, e *entry, f *inflight, fetcher Fetcher, policy RetryPolicy) {
	defer f.cancel()
	data, err := c.execute(ctx, e.key, fetcher, policy)
	c.complete(e, f, data, err)
}

// execute calls fetcher, retrying once after ErrAuthExpired and otherwise as
// policy allows.
func (c *QueryCache) execute(ctx context.Context, key QueryKey, fetcher Fetcher, policy RetryPolicy) (any, error) {
	authRetried := false
	attempt := 0

	for {
		data, err := callFetcher(ctx, fetcher)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		if errors.Is(err, ErrAuthExpired) {
			if !c.authRetry || authRetried {
				return nil, err
			}
			authRetried = true
			if c.authRefresher != nil {
				if refreshErr := c.authRefresher(ctx); refreshErr != nil {
					c.logDebug("Session refresh failed", "key", key.String(), "error", refreshErr)
					return nil, err
				}
			}
			c.logDebug("Retrying query after expired session", "key", key.String())
			continue
		}

		delay, retry := policy.ShouldRetry(err, attempt)
		if !retry {
			return nil, err
		}
		attempt++
		c.logDebug("Retrying query", "key", key.String(), "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
	}
}

func callFetcher(ctx context.Context, fetcher Fetcher) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("querysync: fetcher panicked: %v", r)
		}
	}()
	return fetcher(ctx)
}

// complete applies a finished fetch if it is still the entry's current one.
func (c *QueryCache) complete(e *entry, f *inflight, data any, err error) {
	c.mu.Lock()
	f.data, f.err = data, err
	close(f.done)

	if c.entries[e.key.ID()] != e || e.inflight != f || e.generation != f.gen {
		c.metrics.RecordStaleCompletion(e.key.Family())
		c.logDebug("Dropped superseded fetch", "key", e.key.String(), "generation", f.gen, "current", e.generation)
		c.mu.Unlock()
		return
	}

	e.inflight = nil
	now := c.now()
	if err != nil {
		e.status = StatusError
		e.err = err
		e.errorAt = now
		c.logDebug("Query failed", "key", e.key.String(), "error_type", ErrorType(err), "error", err)
	} else {
		e.status = StatusSuccess
		e.data = data
		e.hasData = true
		e.err = nil
		e.fetchedAt = now
		e.invalidated = false
	}
	c.pushLocked(e)
	if len(e.subs) == 0 {
		c.scheduleGCLocked(e)
	}
	c.mu.Unlock()
	c.notify.drain()
}

func (c *QueryCache) pushLocked(e *entry) {
	c.notify.push(notification{
		subs:     e.listeners(),
		snapshot: e.snapshot(c.staleTime, c.now()),
	})
}

// scheduleGCLocked arms the eviction timer of an entry that lost its last
// subscriber. A zero GC time evicts at once; a negative one never does.
func (c *QueryCache) scheduleGCLocked(e *entry) {
	c.stopGCLocked(e)
	if c.gcTime < 0 || c.closed {
		return
	}
	seq := e.gcSeq
	if c.gcTime == 0 {
		c.collectLocked(e, seq)
		return
	}
	e.gcTimer = time.AfterFunc(c.gcTime, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.collectLocked(e, seq)
	})
}

func (c *QueryCache) stopGCLocked(e *entry) {
	if e.gcTimer != nil {
		e.gcTimer.Stop()
		e.gcTimer = nil
	}
	e.gcSeq++
}

// collectLocked evicts e unless the timer that fired was replaced or the
// entry is in use again.
func (c *QueryCache) collectLocked(e *entry, seq uint64) {
	if e.gcSeq != seq || len(e.subs) > 0 || e.inflight != nil {
		return
	}
	if c.entries[e.key.ID()] != e {
		return
	}
	e.gcTimer = nil
	delete(c.entries, e.key.ID())
	c.metrics.RecordEviction(e.key.Family())
	c.metrics.RecordCacheSize(len(c.entries))
	c.logDebug("Evicted query", "key", e.key.String())
}

// rescheduleIntervalLocked runs the background refetch at the shortest
// interval requested by an enabled subscriber.
func (c *QueryCache) rescheduleIntervalLocked(e *entry) {
	var every time.Duration
	for _, sub := range e.subs {
		d := sub.opts.refetchInterval
		if sub.opts.enabled && d > 0 && (every == 0 || d < every) {
			every = d
		}
	}
	if every == e.refetchEvery && (every == 0 || e.intervalTimer != nil) {
		return
	}

	c.stopIntervalLocked(e)
	if every == 0 || c.closed {
		return
	}
	e.refetchEvery = every
	seq := e.intervalSeq
	e.intervalTimer = time.AfterFunc(every, func() { c.tick(e, seq) })
}

func (c *QueryCache) stopIntervalLocked(e *entry) {
	if e.intervalTimer != nil {
		e.intervalTimer.Stop()
		e.intervalTimer = nil
	}
	e.intervalSeq++
	e.refetchEvery = 0
}

func (c *QueryCache) tick(e *entry, seq uint64) {
	c.mu.Lock()
	if c.closed || e.intervalSeq != seq || c.entries[e.key.ID()] != e {
		c.mu.Unlock()
		return
	}
	if e.inflight == nil && e.fetcher != nil {
		c.startFetchLocked(e, "interval")
	}
	e.intervalTimer = time.AfterFunc(e.refetchEvery, func() { c.tick(e, seq) })
	c.mu.Unlock()
	c.notify.drain()
}

func (c *QueryCache) staleTimeFor(opts subscribeOptions) time.Duration {
	if opts.staleTimeSet {
		return opts.staleTime
	}
	return c.staleTime
}

func (c *QueryCache) policyFor(e *entry) RetryPolicy {
	if e.retryPolicy != nil {
		return e.retryPolicy
	}
	return c.retryPolicy
}

func (c *QueryCache) logDebug(msg string, keysAndValues ...interface{}) {
	if c.logger == nil {
		return
	}
	if c.debug != nil && (!c.debug.Enabled || !c.debug.LogCache) {
		return
	}
	c.logger.Debug(msg, keysAndValues...)
}
