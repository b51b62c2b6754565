package realtime

import (
	"sync"
)

type listenerEntry[T any] struct {
	id int
	fn func(T)
}

// listenerList is an ordered listener registry. Listeners are invoked in
// registration order; add returns a removal function. A panicking listener
// never prevents delivery to the next one.
type listenerList[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []listenerEntry[T]
}

func newListenerList[T any]() *listenerList[T] {
	return &listenerList[T]{}
}

func (l *listenerList[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.entries = append(l.entries, listenerEntry[T]{id: id, fn: fn})

	return func() { l.remove(id) }
}

func (l *listenerList[T]) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

func (l *listenerList[T]) dispatch(logger Logger, v T) {
	l.mu.Lock()
	entries := make([]listenerEntry[T], len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	for _, e := range entries {
		safeInvoke(logger, e.fn, v)
	}
}

func safeInvoke[T any](logger Logger, fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("listener panicked: %v", r)
		}
	}()

	fn(v)
}
