package cache

import (
	"errors"
	"sync"

	"clipvault/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU keeps recently decrypted clips in memory so listings and search
// fetches skip repeated AEAD opens. Entries hold plaintext, so the cache
// must be purged whenever the backing rows change.
type LRU struct {
	c  *lru.Cache[int64, *domain.Clip]
	mu sync.Mutex
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[int64, *domain.Clip](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Get(id int64) *domain.Clip {
	l.mu.Lock()
	defer l.mu.Unlock()
	clip, ok := l.c.Get(id)
	if !ok {
		return nil
	}
	return clip
}

func (l *LRU) Set(clip *domain.Clip) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(clip.ID, clip)
}

func (l *LRU) Delete(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(id)
}

func (l *LRU) Purge() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Purge()
}
