package cache

import (
	"strconv"
	"sync"
	"testing"

	"clipvault/pkg/domain"
)

func TestNewLRUBounds(t *testing.T) {
	if _, err := NewLRU(0); err == nil {
		t.Fatal("size 0 accepted")
	}
	if _, err := NewLRU(-1); err == nil {
		t.Fatal("negative size accepted")
	}
	if _, err := NewLRU(100001); err == nil {
		t.Fatal("oversized cache accepted")
	}
	if _, err := NewLRU(1); err != nil {
		t.Fatalf("size 1 rejected: %v", err)
	}
}

func TestSetGetDelete(t *testing.T) {
	l, err := NewLRU(10)
	if err != nil {
		t.Fatal(err)
	}
	clip := &domain.Clip{ID: 7, Content: "hello", Kind: domain.KindPlainText}
	l.Set(clip)

	got := l.Get(7)
	if got == nil || got.Content != "hello" {
		t.Fatalf("get = %+v", got)
	}
	if l.Get(8) != nil {
		t.Fatal("missing id returned an entry")
	}

	l.Delete(7)
	if l.Get(7) != nil {
		t.Fatal("entry survived delete")
	}
}

func TestEvictionKeepsMostRecent(t *testing.T) {
	l, err := NewLRU(2)
	if err != nil {
		t.Fatal(err)
	}
	l.Set(&domain.Clip{ID: 1})
	l.Set(&domain.Clip{ID: 2})
	l.Get(1) // refresh 1 so 2 becomes the eviction candidate
	l.Set(&domain.Clip{ID: 3})

	if l.Get(2) != nil {
		t.Fatal("least recently used entry not evicted")
	}
	if l.Get(1) == nil || l.Get(3) == nil {
		t.Fatal("recent entries evicted")
	}
}

func TestPurge(t *testing.T) {
	l, err := NewLRU(10)
	if err != nil {
		t.Fatal(err)
	}
	for i := int64(1); i <= 5; i++ {
		l.Set(&domain.Clip{ID: i})
	}
	l.Purge()
	for i := int64(1); i <= 5; i++ {
		if l.Get(i) != nil {
			t.Fatalf("entry %d survived purge", i)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	l, err := NewLRU(64)
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := int64(g*100 + i)
				l.Set(&domain.Clip{ID: id, Content: strconv.FormatInt(id, 10)})
				l.Get(id)
				if i%10 == 0 {
					l.Delete(id)
				}
			}
		}(g)
	}
	wg.Wait()
}
