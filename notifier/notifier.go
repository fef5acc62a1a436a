package notifier

import (
	"sync"
)

// Notifier wakes every subscriber when new status rows are written. A
// wake-up carries no data; subscribers re-read the store.
type Notifier struct {
	subscribers map[chan struct{}]struct{}
	mu          sync.Mutex
}

func New() *Notifier {
	return &Notifier{
		subscribers: make(map[chan struct{}]struct{}),
	}
}

// Subscribe returns a wake-up channel and the func that releases it.
func (n *Notifier) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subscribers[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subscribers, ch)
			close(ch)
			n.mu.Unlock()
		})
	}
}

func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subscribers)
}

func (n *Notifier) NotifyAll() {
	if n == nil {
		return
	}
	n.mu.Lock()
	for ch := range n.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// a wake-up is already pending
		}
	}
	n.mu.Unlock()
}
