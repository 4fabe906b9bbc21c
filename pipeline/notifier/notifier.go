// Package notifier fans out run-state change signals to watchers (the
// HTTP watch stream, tests). Signals are payloadless on purpose:
// a watcher re-reads the run store on wakeup, so a coalesced signal
// never loses information.
package notifier

import (
	"sync"
)

type Notifier struct {
	mu          sync.Mutex
	subscribers map[chan struct{}]struct{}
}

func New() Notifier {
	return Notifier{
		subscribers: make(map[chan struct{}]struct{}),
	}
}

// Subscribe registers a wakeup channel. The channel has a buffer of
// one: signals arriving while the watcher is busy collapse into a
// single pending wakeup.
func (n *Notifier) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subscribers[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

func (n *Notifier) Unsubscribe(ch chan struct{}) {
	n.mu.Lock()
	delete(n.subscribers, ch)
	close(ch)
	n.mu.Unlock()
}

// NotifyAll wakes every subscriber without blocking on any of them.
func (n *Notifier) NotifyAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
