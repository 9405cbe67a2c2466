package billing

import (
	"context"
	"sync"
)

// LineLocker serializes work on one line. Unlock must be called exactly once
// after a successful Lock.
type LineLocker interface {
	Lock(ctx context.Context, key LineKey) (unlock func(), err error)
}

// LocalLocker is a keyed mutex for single-process deployments. Entries are
// reference counted and dropped once nobody holds or waits on them.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[LineKey]*lineLock
}

type lineLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[LineKey]*lineLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key LineKey) (func(), error) {
	l.mu.Lock()
	ll, ok := l.locks[key]
	if !ok {
		ll = &lineLock{ch: make(chan struct{}, 1)}
		l.locks[key] = ll
	}
	ll.refs++
	l.mu.Unlock()

	select {
	case ll.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, ll)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ll.ch
			l.release(key, ll)
		})
	}, nil
}

func (l *LocalLocker) release(key LineKey, ll *lineLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ll.refs--
	if ll.refs == 0 {
		delete(l.locks, key)
	}
}

// held is used by tests.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
