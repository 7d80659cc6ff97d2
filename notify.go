package querysync

import "sync"

type notification struct {
	subs     []*subscription
	snapshot CacheEntry
}

// notifier delivers listener callbacks in the order they were queued. The
// goroutine that finds it idle drains the queue; others only enqueue, so a
// listener may call back into the cache without deadlocking and callbacks
// never run concurrently with each other.
type notifier struct {
	mu       sync.Mutex
	queue    []notification
	draining bool
}

// push queues n. Callers hold the cache lock, which fixes the order.
func (n *notifier) push(nt notification) {
	if len(nt.subs) == 0 {
		return
	}
	n.mu.Lock()
	n.queue = append(n.queue, nt)
	n.mu.Unlock()
}

// drain delivers queued notifications unless another goroutine is already
// doing so. Must be called without the cache lock held.
func (n *notifier) drain() {
	n.mu.Lock()
	if n.draining {
		n.mu.Unlock()
		return
	}
	n.draining = true
	n.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			n.mu.Lock()
			n.draining = false
			n.mu.Unlock()
			panic(r)
		}
	}()

	for {
		nt, ok := n.pop()
		if !ok {
			return
		}
		for _, sub := range nt.subs {
			if !sub.closed.Load() {
				sub.listener(nt.snapshot)
			}
		}
	}
}

// pop removes the head of the queue, releasing the drain role when empty.
func (n *notifier) pop() (notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) == 0 {
		n.draining = false
		return notification{}, false
	}
	nt := n.queue[0]
	n.queue[0] = notification{}
	n.queue = n.queue[1:]
	return nt, true
}
