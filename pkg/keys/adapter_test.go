package keys

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"clipvault/pkg/envelope"
)

func newFileAdapter(t *testing.T) (*Adapter, string) {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), "clip.key")
	return &Adapter{provider: &fileProvider{path: keyPath}}, keyPath
}

func TestGetOrCreateKeyGeneratesAndPersists(t *testing.T) {
	a, keyPath := newFileAdapter(t)
	ctx := context.Background()

	key, err := a.GetOrCreateKey(ctx)
	if err != nil {
		t.Fatalf("GetOrCreateKey: %v", err)
	}
	if len(key) != envelope.KeySize {
		t.Fatalf("key size = %d", len(key))
	}
	if a.Unpersisted() {
		t.Fatal("key should have been persisted")
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("key file missing: %v", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		t.Fatalf("key file not valid json: %v", err)
	}
	if kf.KeyID == "" {
		t.Fatal("key file has no key id")
	}
}

func TestGetOrCreateKeyIsStable(t *testing.T) {
	a, keyPath := newFileAdapter(t)
	ctx := context.Background()

	first, err := a.GetOrCreateKey(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// A second adapter over the same file must see the same key.
	b := &Adapter{provider: &fileProvider{path: keyPath}}
	second, err := b.GetOrCreateKey(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Fatal("key changed between adapter instances")
	}
}

func TestKeyFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	a, keyPath := newFileAdapter(t)
	if _, err := a.GetOrCreateKey(context.Background()); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("key file mode = %o, want 0600", perm)
	}
}

func TestDegradedModeWhenPersistFails(t *testing.T) {
	// Point the key file underneath a regular file so MkdirAll fails.
	base := t.TempDir()
	blocker := filepath.Join(base, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	a := &Adapter{provider: &fileProvider{path: filepath.Join(blocker, "clip.key")}}

	key, err := a.GetOrCreateKey(context.Background())
	if err != nil {
		t.Fatalf("degraded mode should still yield a key: %v", err)
	}
	if len(key) != envelope.KeySize {
		t.Fatalf("key size = %d", len(key))
	}
	if !a.Unpersisted() {
		t.Fatal("adapter should flag the key as unpersisted")
	}
}

func TestConcurrentGetOrCreateKey(t *testing.T) {
	a, _ := newFileAdapter(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([][]byte, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key, err := a.GetOrCreateKey(ctx)
			if err != nil {
				t.Errorf("GetOrCreateKey: %v", err)
				return
			}
			results[idx] = key
		}(i)
	}
	wg.Wait()
	for i := 1; i < len(results); i++ {
		if string(results[i]) != string(results[0]) {
			t.Fatal("concurrent callers observed different keys")
		}
	}
}

func TestWipeClearsCachedKey(t *testing.T) {
	a, _ := newFileAdapter(t)
	if _, err := a.GetOrCreateKey(context.Background()); err != nil {
		t.Fatal(err)
	}
	a.Wipe()
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.key != nil {
		t.Fatal("cached key survived Wipe")
	}
}
