package netsession

import "sync"

// lifecycle tracks a listener or conn. stopping closes when shutdown
// begins, done closes when it has finished; err is the terminal error.
// Peer events never block past the start of shutdown.
type lifecycle struct {
	stopOnce sync.Once
	doneOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
	mu       sync.Mutex
	err      error
	events   chan PeerEvent
}

func newLifecycle(withEvents bool) *lifecycle {
	l := &lifecycle{
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if withEvents {
		l.events = make(chan PeerEvent, 64)
	}
	return l
}

// stop reports whether this call started shutdown.
func (l *lifecycle) stop() bool {
	started := false
	l.stopOnce.Do(func() {
		started = true
		close(l.stopping)
	})
	return started
}

func (l *lifecycle) isStopping() bool {
	select {
	case <-l.stopping:
		return true
	default:
		return false
	}
}

func (l *lifecycle) finish(err error) {
	l.stop()
	l.doneOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}

func (l *lifecycle) Done() <-chan struct{} { return l.done }

func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *lifecycle) Events() <-chan PeerEvent { return l.events }

func (l *lifecycle) emit(ev PeerEvent) {
	select {
	case l.events <- ev:
	case <-l.stopping:
	}
}
