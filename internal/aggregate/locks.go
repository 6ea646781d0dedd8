package aggregate

import (
	"sync"
	"time"
)

// bucketLocks hands out one mutex per bucket key and forgets it once no
// goroutine holds or waits on it.
type bucketLocks struct {
	mu    sync.Mutex
	locks map[string]*bucketLock
}

type bucketLock struct {
	mu   sync.Mutex
	refs int
}

func newBucketLocks() *bucketLocks {
	return &bucketLocks{locks: make(map[string]*bucketLock)}
}

func (b *bucketLocks) lock(key string) (unlock func()) {
	b.mu.Lock()
	l, ok := b.locks[key]
	if !ok {
		l = &bucketLock{}
		b.locks[key] = l
	}
	l.refs++
	b.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		b.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(b.locks, key)
		}
		b.mu.Unlock()
	}
}

func (b *bucketLocks) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.locks)
}

func hourKey(location string, hour time.Time) string {
	return "hour|" + location + "|" + hour.UTC().Format(time.RFC3339)
}

func dayKey(location string, date time.Time) string {
	return "day|" + location + "|" + date.Format(time.DateOnly)
}
