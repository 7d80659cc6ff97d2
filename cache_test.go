package querysync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// recorder collects listener snapshots.
type recorder struct {
	mu    sync.Mutex
	snaps []CacheEntry
}

func (r *recorder) listen(e CacheEntry) {
	r.mu.Lock()
	r.snaps = append(r.snaps, e)
	r.mu.Unlock()
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.snaps))
	for i, s := range r.snaps {
		out[i] = s.Status
	}
	return out
}

func (r *recorder) last() CacheEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return CacheEntry{}
	}
	return r.snaps[len(r.snaps)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitSettled(t *testing.T, cache *QueryCache, key QueryKey) CacheEntry {
	t.Helper()
	var snap CacheEntry
	waitFor(t, "query "+key.String()+" to settle", func() bool {
		var ok bool
		snap, ok = cache.GetSnapshot(key)
		return ok && (snap.Status == StatusSuccess || snap.Status == StatusError)
	})
	return snap
}

func valueFetcher(calls *int32, value any) Fetcher {
	return func(ctx context.Context) (any, error) {
		atomic.AddInt32(calls, 1)
		return value, nil
	}
}

func TestSubscribeDeduplicatesConcurrentSubscribers(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("workspace", "my", "m")
	release := make(chan struct{})
	var calls int32
	fetcher := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []string{"ws-1"}, nil
	}

	var wg sync.WaitGroup
	unsubs := make([]func(), 10)
	for i := range unsubs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unsubs[i] = cache.Subscribe(key, fetcher, nil)
		}(i)
	}
	wg.Wait()
	close(release)

	snap := waitSettled(t, cache, key)
	if snap.Status != StatusSuccess {
		t.Fatalf("Expected success, got %v", snap.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected exactly 1 fetch for 10 subscribers, got %d", got)
	}
	if snap.SubscriberCount != 10 {
		t.Errorf("Expected 10 subscribers, got %d", snap.SubscriberCount)
	}
	for _, unsub := range unsubs {
		unsub()
	}
}

func TestSubscribeServesFreshDataWithoutFetching(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("project", "detail", 7)
	var calls int32
	unsub := cache.Subscribe(key, valueFetcher(&calls, "p7"), nil)
	defer unsub()
	waitSettled(t, cache, key)

	rec := &recorder{}
	unsub2 := cache.Subscribe(key, valueFetcher(&calls, "other"), rec.listen)
	defer unsub2()

	waitFor(t, "initial snapshot", func() bool { return rec.last().Status == StatusSuccess })
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected fresh data to be served from cache, got %d fetches", got)
	}
	if last := rec.last(); last.Status != StatusSuccess || last.Data != "p7" {
		t.Errorf("Expected initial snapshot with cached data, got %+v", last)
	}
}

func TestSubscribeStaleTimeOverride(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("sprint", "detail", 1, 2)
	var calls int32
	unsub := cache.Subscribe(key, valueFetcher(&calls, "s"), nil)
	defer unsub()
	waitSettled(t, cache, key)

	base := time.Now()
	cache.mu.Lock()
	cache.now = func() time.Time { return base.Add(time.Minute) }
	cache.mu.Unlock()

	unsub2 := cache.Subscribe(key, valueFetcher(&calls, "s"), nil, WithStaleTime(time.Hour))
	defer unsub2()
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected no refetch within subscriber stale time, got %d fetches", got)
	}

	unsub3 := cache.Subscribe(key, valueFetcher(&calls, "s"), nil)
	defer unsub3()
	waitFor(t, "refetch of stale entry", func() bool { return atomic.LoadInt32(&calls) == 2 })
}

func TestListenerReceivesOrderedTransitions(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("workspace", "my", "m")
	rec := &recorder{}
	var calls int32
	unsub := cache.Subscribe(key, valueFetcher(&calls, "ok"), rec.listen)
	defer unsub()

	waitFor(t, "success notification", func() bool { return rec.last().Status == StatusSuccess })

	statuses := rec.statuses()
	if len(statuses) != 2 || statuses[0] != StatusLoading || statuses[1] != StatusSuccess {
		t.Errorf("Expected [loading success], got %v", statuses)
	}
}

func TestListenerMayCallBackIntoCache(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("user", "profile")
	seen := make(chan CacheEntry, 4)
	var calls int32
	unsub := cache.Subscribe(key, valueFetcher(&calls, "me"), func(e CacheEntry) {
		snap, _ := cache.GetSnapshot(e.Key)
		seen <- snap
	})
	defer unsub()

	waitFor(t, "listener callback", func() bool { return len(seen) >= 2 })
}

func TestSupersededFetchIsDropped(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	cache := NewQueryCache(WithCacheMetrics(collector))
	defer cache.Close()

	key := Key("workspace", "my", "m")
	releaseA := make(chan struct{})
	var calls int32
	fetcher := func(ctx context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-releaseA
			return "A", nil
		}
		return "B", nil
	}

	unsub := cache.Subscribe(key, fetcher, nil)
	defer unsub()

	if !cache.Refetch(key) {
		t.Fatal("Expected Refetch to start a new generation")
	}
	snap := waitSettled(t, cache, key)
	if snap.Data != "B" {
		t.Fatalf("Expected B to win, got %v", snap.Data)
	}

	close(releaseA)
	waitFor(t, "stale completion", func() bool {
		return testutil.ToFloat64(collector.staleCompletions.WithLabelValues("workspace")) == 1
	})

	snap, _ = cache.GetSnapshot(key)
	if snap.Data != "B" || snap.Status != StatusSuccess {
		t.Errorf("Superseded result overwrote newer state: %+v", snap)
	}
}

func TestSupersededFetchContextIsCanceled(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("task", "detail", 3)
	canceled := make(chan struct{})
	var calls int32
	fetcher := func(ctx context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			close(canceled)
			return nil, ctx.Err()
		}
		return "fresh", nil
	}

	unsub := cache.Subscribe(key, fetcher, nil)
	defer unsub()
	cache.Refetch(key)

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected superseded fetch to be canceled")
	}
	if snap := waitSettled(t, cache, key); snap.Data != "fresh" {
		t.Errorf("Expected fresh data, got %v", snap.Data)
	}
}

func TestGCEvictsAfterLastUnsubscribe(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	cache := NewQueryCache(WithGCTime(20*time.Millisecond), WithCacheMetrics(collector))
	defer cache.Close()

	key := Key("project", "members", 1)
	var calls int32
	unsub := cache.Subscribe(key, valueFetcher(&calls, "m"), nil)
	waitSettled(t, cache, key)
	unsub()

	if _, ok := cache.GetSnapshot(key); !ok {
		t.Fatal("Entry should survive until the GC time elapses")
	}
	waitFor(t, "eviction", func() bool {
		_, ok := cache.GetSnapshot(key)
		return !ok
	})
	if v := testutil.ToFloat64(collector.evictionsTotal.WithLabelValues("project")); v != 1 {
		t.Errorf("Expected 1 eviction, got %f", v)
	}
}

func TestResubscribeCancelsEviction(t *testing.T) {
	cache := NewQueryCache(WithGCTime(40 * time.Millisecond))
	defer cache.Close()

	key := Key("project", "positions", 1)
	var calls int32
	unsub := cache.Subscribe(key, valueFetcher(&calls, "p"), nil)
	waitSettled(t, cache, key)
	unsub()

	unsub = cache.Subscribe(key, valueFetcher(&calls, "p"), nil)
	defer unsub()
	time.Sleep(100 * time.Millisecond)

	snap, ok := cache.GetSnapshot(key)
	if !ok {
		t.Fatal("Resubscribing should cancel the pending eviction")
	}
	if snap.FetchCount != 1 {
		t.Errorf("Expected cached data to be reused, got %d fetches", snap.FetchCount)
	}
}

func TestGCTimeBounds(t *testing.T) {
	t.Run("zero evicts immediately", func(t *testing.T) {
		cache := NewQueryCache(WithGCTime(0))
		defer cache.Close()

		key := Key("user", "profile")
		var calls int32
		unsub := cache.Subscribe(key, valueFetcher(&calls, "me"), nil)
		waitSettled(t, cache, key)
		unsub()

		if _, ok := cache.GetSnapshot(key); ok {
			t.Error("Expected immediate eviction")
		}
	})

	t.Run("negative never evicts", func(t *testing.T) {
		cache := NewQueryCache(WithGCTime(-1))
		defer cache.Close()

		key := Key("user", "profile")
		var calls int32
		unsub := cache.Subscribe(key, valueFetcher(&calls, "me"), nil)
		waitSettled(t, cache, key)
		unsub()
		time.Sleep(20 * time.Millisecond)

		if _, ok := cache.GetSnapshot(key); !ok {
			t.Error("Expected entry to be kept")
		}
	})
}

func TestInflightFetchCompletesAfterLastUnsubscribe(t *testing.T) {
	cache := NewQueryCache(WithGCTime(0))
	defer cache.Close()

	key := Key("workspace", "members", "w1")
	release := make(chan struct{})
	fetcher := func(ctx context.Context) (any, error) {
		<-release
		return "members", nil
	}

	unsub := cache.Subscribe(key, fetcher, nil)
	unsub()
	if _, ok := cache.GetSnapshot(key); !ok {
		t.Fatal("Entry with a fetch in flight must not be evicted")
	}

	close(release)
	waitFor(t, "eviction after completion", func() bool {
		_, ok := cache.GetSnapshot(key)
		return !ok
	})
}

func TestClearDataReschedulesEviction(t *testing.T) {
	cache := NewQueryCache(WithGCTime(10 * time.Millisecond))
	defer cache.Close()

	key := Key("sprint", "project", "p1")
	release := make(chan struct{})
	unsub := cache.Subscribe(key, func(ctx context.Context) (any, error) {
		<-release
		return "sprints", nil
	}, nil)
	unsub()

	// the eviction timer fires while the fetch holds the entry
	time.Sleep(30 * time.Millisecond)
	if _, ok := cache.GetSnapshot(key); !ok {
		t.Fatal("Entry with a fetch in flight must not be evicted")
	}

	if !cache.ClearData(key) {
		t.Fatal("Expected ClearData to find the entry")
	}
	close(release)

	waitFor(t, "eviction after ClearData", func() bool {
		_, ok := cache.GetSnapshot(key)
		return !ok
	})
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("invitation", "user")
	var calls int32
	unsubA := cache.Subscribe(key, valueFetcher(&calls, "i"), nil)
	unsubB := cache.Subscribe(key, valueFetcher(&calls, "i"), nil)
	defer unsubB()

	unsubA()
	unsubA()

	snap, _ := cache.GetSnapshot(key)
	if snap.SubscriberCount != 1 {
		t.Errorf("Expected 1 subscriber after double unsubscribe, got %d", snap.SubscriberCount)
	}
}

func TestUnsubscribedListenerIsNotCalled(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("task", "all")
	rec := &recorder{}
	release := make(chan struct{})
	fetcher := func(ctx context.Context) (any, error) {
		<-release
		return "tasks", nil
	}

	keep := cache.Subscribe(key, fetcher, nil)
	defer keep()
	unsub := cache.Subscribe(key, fetcher, rec.listen)
	unsub()
	before := len(rec.statuses())

	close(release)
	waitSettled(t, cache, key)
	if after := len(rec.statuses()); after != before {
		t.Errorf("Listener called %d times after unsubscribe", after-before)
	}
}

func TestInvalidatePrefixIsPrecise(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	keys := []QueryKey{
		Key("workspace", "my", "m"),
		Key("workspace", "members", "w1"),
		Key("project", "mine", "w1"),
	}
	calls := make([]int32, len(keys))
	for i, key := range keys {
		unsub := cache.Subscribe(key, valueFetcher(&calls[i], key.String()), nil)
		defer unsub()
		waitSettled(t, cache, key)
	}

	if n := cache.Invalidate(Key("workspace")); n != 2 {
		t.Errorf("Expected 2 matched entries, got %d", n)
	}
	waitFor(t, "workspace refetches", func() bool {
		return atomic.LoadInt32(&calls[0]) == 2 && atomic.LoadInt32(&calls[1]) == 2
	})
	waitSettled(t, cache, keys[0])
	waitSettled(t, cache, keys[1])

	if got := atomic.LoadInt32(&calls[2]); got != 1 {
		t.Errorf("Unrelated entry refetched %d times", got)
	}
	if n := cache.Invalidate(Key("workspace", "members", "w2")); n != 0 {
		t.Errorf("Expected no match for unknown key, got %d", n)
	}
	if n := cache.Invalidate(QueryKey{}); n != 0 {
		t.Errorf("Zero prefix must match nothing, got %d", n)
	}
}

func TestInvalidateWithoutSubscribersRefetchesOnNextSubscribe(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("project", "detail", 9)
	var calls int32
	if _, err := cache.Fetch(context.Background(), key, valueFetcher(&calls, "p9")); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	cache.Invalidate(Key("project"))
	snap, _ := cache.GetSnapshot(key)
	if !snap.Stale || snap.FetchCount != 1 {
		t.Errorf("Expected stale entry without refetch, got %+v", snap)
	}

	unsub := cache.Subscribe(key, valueFetcher(&calls, "p9"), nil)
	defer unsub()
	waitFor(t, "refetch on subscribe", func() bool { return atomic.LoadInt32(&calls) == 2 })
}

func TestStaleWhileError(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("workspace", "my", "m")
	boom := &ClientError{Type: ErrorTypeServer, StatusCode: 500, Message: "down"}
	var calls int32
	fetcher := func(ctx context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return "v1", nil
		}
		return nil, boom
	}

	unsub := cache.Subscribe(key, fetcher, nil)
	defer unsub()
	waitSettled(t, cache, key)

	cache.Refetch(key)
	waitFor(t, "error state", func() bool {
		snap, _ := cache.GetSnapshot(key)
		return snap.Status == StatusError
	})

	snap, _ := cache.GetSnapshot(key)
	if !snap.HasData || snap.Data != "v1" {
		t.Errorf("Expected previous data to be kept, got %+v", snap)
	}
	if !errors.Is(snap.Err, ErrServer) {
		t.Errorf("Expected server error, got %v", snap.Err)
	}
	if snap.ErrorAt.IsZero() {
		t.Error("Expected ErrorAt to be set")
	}
}

func TestErroredEntryRefetchesOnSubscribe(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("sprint", "all")
	var calls int32
	fetcher := func(ctx context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &ClientError{Type: ErrorTypeNetwork}
		}
		return "sprints", nil
	}

	unsub := cache.Subscribe(key, fetcher, nil)
	defer unsub()
	if snap := waitSettled(t, cache, key); snap.Status != StatusError {
		t.Fatalf("Expected first fetch to fail, got %v", snap.Status)
	}

	unsub2 := cache.Subscribe(key, fetcher, nil)
	defer unsub2()
	waitFor(t, "recovery", func() bool {
		snap, _ := cache.GetSnapshot(key)
		return snap.Status == StatusSuccess
	})
}

func TestRetryPolicy(t *testing.T) {
	flaky := func(calls *int32) Fetcher {
		return func(ctx context.Context) (any, error) {
			if atomic.AddInt32(calls, 1) < 3 {
				return nil, &ClientError{Type: ErrorTypeNetwork}
			}
			return "ok", nil
		}
	}

	t.Run("default does not retry", func(t *testing.T) {
		cache := NewQueryCache()
		defer cache.Close()

		var calls int32
		key := Key("task", "all")
		unsub := cache.Subscribe(key, flaky(&calls), nil)
		defer unsub()
		if snap := waitSettled(t, cache, key); snap.Status != StatusError {
			t.Errorf("Expected error without retries, got %v", snap.Status)
		}
		if got := atomic.LoadInt32(&calls); got != 1 {
			t.Errorf("Expected 1 call, got %d", got)
		}
	})

	t.Run("subscriber policy", func(t *testing.T) {
		cache := NewQueryCache()
		defer cache.Close()

		var calls int32
		key := Key("task", "all")
		policy := NewBackoffRetryPolicy(3, time.Millisecond, 5*time.Millisecond, 2.0, 0)
		unsub := cache.Subscribe(key, flaky(&calls), nil, WithRetryPolicy(policy))
		defer unsub()
		if snap := waitSettled(t, cache, key); snap.Status != StatusSuccess {
			t.Errorf("Expected success after retries, got %v", snap.Err)
		}
		if got := atomic.LoadInt32(&calls); got != 3 {
			t.Errorf("Expected 3 calls, got %d", got)
		}
	})

	t.Run("cache default policy", func(t *testing.T) {
		policy := NewBackoffRetryPolicy(1, time.Millisecond, time.Millisecond, 2.0, 0)
		cache := NewQueryCache(WithDefaultRetryPolicy(policy))
		defer cache.Close()

		var calls int32
		key := Key("task", "all")
		unsub := cache.Subscribe(key, flaky(&calls), nil)
		defer unsub()
		if snap := waitSettled(t, cache, key); snap.Status != StatusError {
			t.Errorf("Expected error after exhausting 1 retry, got %v", snap.Status)
		}
		if got := atomic.LoadInt32(&calls); got != 2 {
			t.Errorf("Expected 2 calls, got %d", got)
		}
	})
}

func TestFetcherPanicBecomesError(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("user", "search", "bob")
	_, err := cache.Fetch(context.Background(), key, func(ctx context.Context) (any, error) {
		panic("boom")
	})
	if err == nil {
		t.Fatal("Expected error from panicking fetcher")
	}
	if snap := waitSettled(t, cache, key); snap.Status != StatusError {
		t.Errorf("Expected error status, got %v", snap.Status)
	}
}

func TestFetch(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("project", "workflows", 4)
	release := make(chan struct{})
	var calls int32
	fetcher := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "flows", nil
	}

	results := make(chan any, 2)
	for i := 0; i < 2; i++ {
		go func() {
			data, err := cache.Fetch(context.Background(), key, fetcher)
			if err != nil {
				results <- err
				return
			}
			results <- data
		}()
	}
	waitFor(t, "fetch start", func() bool { return atomic.LoadInt32(&calls) == 1 })
	close(release)

	for i := 0; i < 2; i++ {
		if got := <-results; got != "flows" {
			t.Errorf("Expected flows, got %v", got)
		}
	}

	data, err := cache.Fetch(context.Background(), key, fetcher)
	if err != nil || data != "flows" {
		t.Errorf("Expected cached flows, got %v %v", data, err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected a single fetch, got %d", got)
	}
}

func TestFetchFollowsSupersedingGeneration(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("workspace", "my", "m")
	started := make(chan struct{})
	var calls int32
	fetcher := func(ctx context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return "second", nil
	}

	unsub := cache.Subscribe(key, fetcher, nil)
	defer unsub()
	<-started

	done := make(chan any, 1)
	go func() {
		data, err := cache.Fetch(context.Background(), key, fetcher)
		if err != nil {
			done <- err
			return
		}
		done <- data
	}()
	time.Sleep(10 * time.Millisecond)
	cache.Invalidate(Key("workspace"))

	select {
	case got := <-done:
		if got != "second" {
			t.Errorf("Expected Fetch to follow the newer generation, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Fetch did not return")
	}
}

func TestFetchContextCanceled(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cache.Fetch(ctx, Key("task", "all"), func(ctx context.Context) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return "x", nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestFetchInvalidArguments(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	if _, err := cache.Fetch(context.Background(), QueryKey{}, valueFetcher(new(int32), 1)); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey for zero key, got %v", err)
	}
	if _, err := cache.Fetch(context.Background(), Key("x"), nil); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Expected ErrInvalidKey for nil fetcher, got %v", err)
	}
}

func TestSetDataAndClearData(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("project", "detail", 1)
	if err := cache.SetData(key, "optimistic"); err != nil {
		t.Fatalf("SetData() error = %v", err)
	}
	snap, ok := cache.GetSnapshot(key)
	if !ok || snap.Status != StatusSuccess || snap.Data != "optimistic" {
		t.Errorf("Unexpected snapshot after SetData: %+v", snap)
	}

	var calls int32
	unsub := cache.Subscribe(key, valueFetcher(&calls, "server"), nil)
	defer unsub()
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("Fresh optimistic data should not be refetched, got %d fetches", got)
	}

	if !cache.ClearData(key) {
		t.Fatal("Expected ClearData to find the key")
	}
	snap = waitSettled(t, cache, key)
	if snap.Data != "server" {
		t.Errorf("Expected refetch after ClearData, got %v", snap.Data)
	}
	if cache.ClearData(Key("missing")) {
		t.Error("Expected ClearData to report unknown key")
	}
}

func TestSetDataSupersedesInflightFetch(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("task", "detail", 1)
	release := make(chan struct{})
	returned := make(chan struct{})
	unsub := cache.Subscribe(key, func(ctx context.Context) (any, error) {
		defer close(returned)
		<-release
		return "late", nil
	}, nil)
	defer unsub()

	if err := cache.SetData(key, "local"); err != nil {
		t.Fatal(err)
	}
	close(release)
	<-returned
	time.Sleep(10 * time.Millisecond)

	if snap, _ := cache.GetSnapshot(key); snap.Data != "local" {
		t.Errorf("Late fetch overwrote SetData: %v", snap.Data)
	}
}

func TestDisabledSubscriberDoesNotFetch(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("project", "mine", "w1")
	var calls int32
	rec := &recorder{}
	unsub := cache.Subscribe(key, valueFetcher(&calls, "p"), rec.listen, WithEnabled(false))
	defer unsub()

	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("Disabled subscriber fetched %d times", got)
	}
	if last := rec.last(); last.Status != StatusIdle {
		t.Errorf("Expected idle snapshot, got %v", last.Status)
	}

	if n := cache.Invalidate(key); n != 1 {
		t.Errorf("Expected match, got %d", n)
	}
	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Errorf("Invalidate refetched for a disabled subscriber")
	}
}

func TestRefetchInterval(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("invitation", "workspace", "w1")
	var calls int32
	unsub := cache.Subscribe(key, valueFetcher(&calls, "inv"), nil, WithRefetchInterval(10*time.Millisecond))

	waitFor(t, "background refetches", func() bool { return atomic.LoadInt32(&calls) >= 3 })
	unsub()

	time.Sleep(20 * time.Millisecond)
	stopped := atomic.LoadInt32(&calls)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&calls); got != stopped {
		t.Errorf("Interval kept running after unsubscribe: %d -> %d", stopped, got)
	}
}

func TestRefetchUnknownKey(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	if cache.Refetch(Key("nothing")) {
		t.Error("Expected Refetch to report false for unknown key")
	}
}

func TestSubscribePanicsOnInvalidArguments(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	tests := []struct {
		name    string
		key     QueryKey
		fetcher Fetcher
	}{
		{"zero key", QueryKey{}, valueFetcher(new(int32), 1)},
		{"nil fetcher", Key("x"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Expected panic")
				}
			}()
			cache.Subscribe(tt.key, tt.fetcher, nil)
		})
	}
}

func TestResetDropsPreviousUserData(t *testing.T) {
	cache := NewQueryCache()
	defer cache.Close()

	store := NewSessionStore(&Session{Token: "alice", Subject: "alice"})
	store.OnChange(func(prev, next *Session) { cache.Reset() })

	key := Key("workspace", "my", "m")
	releaseAlice := make(chan struct{})
	fetcher := func(ctx context.Context) (any, error) {
		s, _ := store.ResolveSession(ctx)
		if s.Subject == "alice" {
			<-releaseAlice
		}
		return "workspaces of " + s.Subject, nil
	}

	unsub := cache.Subscribe(key, fetcher, nil)
	defer unsub()

	other := Key("project", "detail", 1)
	if err := cache.SetData(other, "alice project"); err != nil {
		t.Fatal(err)
	}

	store.Set(&Session{Token: "bob", Subject: "bob"})
	snap := waitSettled(t, cache, key)
	if snap.Data != "workspaces of bob" {
		t.Fatalf("Expected bob's data, got %v", snap.Data)
	}
	if _, ok := cache.GetSnapshot(other); ok {
		t.Error("Unsubscribed entry should be dropped on reset")
	}

	close(releaseAlice)
	time.Sleep(20 * time.Millisecond)
	if snap, _ := cache.GetSnapshot(key); snap.Data != "workspaces of bob" {
		t.Errorf("Previous user's fetch landed after reset: %v", snap.Data)
	}
}

func TestCloseCancelsInflightFetches(t *testing.T) {
	cache := NewQueryCache()

	key := Key("task", "all")
	canceled := make(chan struct{})
	unsub := cache.Subscribe(key, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		close(canceled)
		return nil, ctx.Err()
	}, nil)
	defer unsub()

	cache.Close()
	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Close to cancel the fetch")
	}

	if cache.Len() != 0 {
		t.Errorf("Expected no entries after Close, got %d", cache.Len())
	}
	if _, err := cache.Fetch(context.Background(), key, valueFetcher(new(int32), 1)); !errors.Is(err, ErrCacheClosed) {
		t.Errorf("Expected ErrCacheClosed, got %v", err)
	}
	if err := cache.SetData(key, 1); !errors.Is(err, ErrCacheClosed) {
		t.Errorf("Expected ErrCacheClosed, got %v", err)
	}
	cache.Subscribe(key, valueFetcher(new(int32), 1), nil)()
	cache.Close()
}

func TestCacheMetrics(t *testing.T) {
	collector := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())
	cache := NewQueryCache(WithCacheMetrics(collector))
	defer cache.Close()

	key := Key("sprint", "project", 2)
	var calls int32
	unsub := cache.Subscribe(key, valueFetcher(&calls, "s"), nil)
	defer unsub()
	waitSettled(t, cache, key)
	unsub2 := cache.Subscribe(key, valueFetcher(&calls, "s"), nil)
	defer unsub2()

	if v := testutil.ToFloat64(collector.cacheMisses.WithLabelValues("sprint")); v != 1 {
		t.Errorf("Expected 1 miss, got %f", v)
	}
	if v := testutil.ToFloat64(collector.cacheHits.WithLabelValues("sprint")); v != 1 {
		t.Errorf("Expected 1 hit, got %f", v)
	}
	if v := testutil.ToFloat64(collector.fetchesTotal.WithLabelValues("sprint", "subscribe")); v != 1 {
		t.Errorf("Expected 1 subscribe fetch, got %f", v)
	}
	if v := testutil.ToFloat64(collector.cacheEntries); v != 1 {
		t.Errorf("Expected 1 cache entry, got %f", v)
	}
}

// Transport and cache together against a backend serving the workspace list.

func TestWorkspaceQueryEndToEnd(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `[{"id":"w1","name":"Core"},{"id":"w2","name":"Ops"}]`)
	}))
	defer server.Close()

	type workspace struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	client := NewClient(server.URL+"/api", staticResolver("tok-1"))
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("workspace", "my", "m")
	fetcher := func(ctx context.Context) (any, error) {
		return DoJSON[[]workspace](ctx, client, http.MethodGet, workspacesPath, nil)
	}

	first := &recorder{}
	unsub := cache.Subscribe(key, fetcher, first.listen)
	defer unsub()
	waitFor(t, "workspace list", func() bool { return first.last().Status == StatusSuccess })

	second := &recorder{}
	unsub2 := cache.Subscribe(key, fetcher, second.listen)
	defer unsub2()

	waitFor(t, "second subscriber snapshot", func() bool { return second.last().Status == StatusSuccess })
	workspaces, ok := second.last().Data.([]workspace)
	if !ok || len(workspaces) != 2 || workspaces[0].ID != "w1" {
		t.Errorf("Unexpected data for second subscriber: %#v", second.last().Data)
	}
	if got := atomic.LoadInt32(&requests); got != 1 {
		t.Errorf("Expected one request for both subscribers, got %d", got)
	}
}

func TestExpiredSessionRetriedOnce(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, staticResolver("stale"))
	cache := NewQueryCache()
	defer cache.Close()

	key := Key("workspace", "my", "m")
	unsub := cache.Subscribe(key, func(ctx context.Context) (any, error) {
		return client.Get(ctx, workspacesPath)
	}, nil)
	defer unsub()

	snap := waitSettled(t, cache, key)
	if snap.Status != StatusError || !errors.Is(snap.Err, ErrAuthExpired) {
		t.Fatalf("Expected AuthExpired error, got %v %v", snap.Status, snap.Err)
	}

	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&requests); got != 2 {
		t.Errorf("Expected exactly 2 requests, got %d", got)
	}
}

func TestAuthRefresherRecoversExpiredSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = fmt.Fprint(w, `"ok"`)
	}))
	defer server.Close()

	store := NewSessionStore(&Session{Token: "stale", Subject: "u1"})
	client := NewClient(server.URL, store)
	var refreshes int32
	cache := NewQueryCache(WithAuthRefresher(func(ctx context.Context) error {
		atomic.AddInt32(&refreshes, 1)
		store.Set(&Session{Token: "fresh", Subject: "u1"})
		return nil
	}))
	defer cache.Close()

	key := Key("user", "profile")
	unsub := cache.Subscribe(key, func(ctx context.Context) (any, error) {
		return DoJSON[string](ctx, client, http.MethodGet, "/auth/v1/profile", nil)
	}, nil)
	defer unsub()

	snap := waitSettled(t, cache, key)
	if snap.Status != StatusSuccess || snap.Data != "ok" {
		t.Errorf("Expected recovery after refresh, got %v %v", snap.Status, snap.Err)
	}
	if got := atomic.LoadInt32(&refreshes); got != 1 {
		t.Errorf("Expected 1 refresh, got %d", got)
	}
}

func TestWithoutAuthRetry(t *testing.T) {
	cache := NewQueryCache(WithoutAuthRetry())
	defer cache.Close()

	var calls int32
	key := Key("user", "profile")
	unsub := cache.Subscribe(key, func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &ClientError{Type: ErrorTypeAuthExpired, StatusCode: 401}
	}, nil)
	defer unsub()

	waitSettled(t, cache, key)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected no auth retry, got %d calls", got)
	}
}

func TestCacheDebugLogging(t *testing.T) {
	logger := &captureLogger{}
	cache := NewQueryCache(WithCacheLogger(logger))
	defer cache.Close()

	key := Key("task", "all")
	unsub := cache.Subscribe(key, valueFetcher(new(int32), "t"), nil)
	defer unsub()
	waitSettled(t, cache, key)

	if !logger.contains("Fetching query") {
		t.Errorf("Expected fetch to be logged, got %v", logger.messages())
	}
}

func TestCacheDebugConfigFiltersLogging(t *testing.T) {
	tests := []struct {
		name   string
		config *DebugConfig
		want   bool
	}{
		{"enabled", &DebugConfig{Enabled: true, LogCache: true}, true},
		{"cache category off", &DebugConfig{Enabled: true, LogCache: false}, false},
		{"disabled", &DebugConfig{Enabled: false, LogCache: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &captureLogger{}
			cache := NewQueryCache(WithCacheLogger(logger), WithCacheDebugConfig(tt.config))
			defer cache.Close()

			key := Key("task", "all")
			unsub := cache.Subscribe(key, valueFetcher(new(int32), "t"), nil)
			defer unsub()
			waitSettled(t, cache, key)

			if got := logger.contains("Fetching query"); got != tt.want {
				t.Errorf("Expected logging=%v, got messages %v", tt.want, logger.messages())
			}
		})
	}
}

func TestSessionSwitchResetsCacheEndToEnd(t *testing.T) {
	var mu sync.Mutex
	var lastAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		mu.Lock()
		lastAuth = auth
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, "%q", "workspaces for "+auth)
	}))
	defer server.Close()

	// opaque tokens carry no subject
	store := NewSessionStore(&Session{Token: "alice-token"})
	client := NewClient(server.URL, NewSharedResolver(store))
	cache := NewQueryCache()
	defer cache.Close()
	store.OnChange(func(prev, next *Session) { cache.Reset() })

	key := Key("workspace", "my", "m")
	unsub := cache.Subscribe(key, func(ctx context.Context) (any, error) {
		return DoJSON[string](ctx, client, http.MethodGet, workspacesPath, nil)
	}, nil)
	defer unsub()

	if snap := waitSettled(t, cache, key); snap.Data != "workspaces for Bearer alice-token" {
		t.Fatalf("Unexpected data for alice: %v", snap.Data)
	}

	store.Set(&Session{Token: "bob-token"})
	if snap, ok := cache.GetSnapshot(key); ok && snap.Data == "workspaces for Bearer alice-token" {
		t.Fatal("Previous user's data still visible after the session switch")
	}

	waitFor(t, "bob's workspaces", func() bool {
		snap, _ := cache.GetSnapshot(key)
		return snap.Data == "workspaces for Bearer bob-token"
	})
	mu.Lock()
	defer mu.Unlock()
	if lastAuth != "Bearer bob-token" {
		t.Errorf("Expected the next request to carry bob's token, got %q", lastAuth)
	}
}

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *captureLogger) record(msg string) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
}

func (l *captureLogger) Debug(msg string, _ ...interface{}) { l.record(msg) }
func (l *captureLogger) Info(msg string, _ ...interface{})  { l.record(msg) }
func (l *captureLogger) Warn(msg string, _ ...interface{})  { l.record(msg) }
func (l *captureLogger) Error(msg string, _ ...interface{}) { l.record(msg) }

func (l *captureLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.msgs...)
}

func (l *captureLogger) contains(msg string) bool {
	for _, m := range l.messages() {
		if m == msg {
			return true
		}
	}
	return false
}
