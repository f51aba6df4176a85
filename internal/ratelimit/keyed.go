package ratelimit

import (
	"container/list"
	"sync"
)

// KeyedLimiter keeps one TokenBucket per key (e.g. client IP). At most
// maxKeys buckets are tracked; the least recently used one is evicted first,
// preferring buckets that have already refilled.
type KeyedLimiter struct {
	clock    Clock
	capacity int64
	rate     int64
	maxKeys  int

	mu      sync.Mutex
	buckets map[string]*list.Element
	lru     *list.List
}

type keyedEntry struct {
	key    string
	bucket *TokenBucket
}

func NewKeyedLimiter(clock Clock, capacity, rate int64, maxKeys int) *KeyedLimiter {
	if clock == nil {
		clock = RealClock{}
	}
	if maxKeys <= 0 {
		maxKeys = 4096
	}
	return &KeyedLimiter{
		clock:    clock,
		capacity: capacity,
		rate:     rate,
		maxKeys:  maxKeys,
		buckets:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

func (l *KeyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	elem, ok := l.buckets[key]
	if ok {
		l.lru.MoveToFront(elem)
	} else {
		if l.lru.Len() >= l.maxKeys {
			l.evictLocked()
		}
		elem = l.lru.PushFront(&keyedEntry{key: key, bucket: NewTokenBucket(l.clock, l.capacity, l.rate)})
		l.buckets[key] = elem
	}
	bucket := elem.Value.(*keyedEntry).bucket
	l.mu.Unlock()

	return bucket.Allow(1)
}

func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lru.Len()
}

func (l *KeyedLimiter) evictLocked() {
	for e := l.lru.Back(); e != nil; e = e.Prev() {
		if entry := e.Value.(*keyedEntry); entry.bucket.full() {
			l.removeLocked(e)
			return
		}
	}
	l.removeLocked(l.lru.Back())
}

func (l *KeyedLimiter) removeLocked(e *list.Element) {
	if e == nil {
		return
	}
	delete(l.buckets, e.Value.(*keyedEntry).key)
	l.lru.Remove(e)
}
