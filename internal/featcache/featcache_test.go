package featcache_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/telepathy/internal/featcache"
	"github.com/MrWong99/telepathy/pkg/features"
)

func openMem(t *testing.T, scope string) *featcache.Cache {
	t.Helper()
	c, err := featcache.Open(featcache.Options{InMemory: true}, scope)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_GetPut(t *testing.T) {
	c := openMem(t, "s1")
	clip := []byte("RIFF....WAVEfmt ")

	if _, ok, err := c.Get(clip); err != nil || ok {
		t.Fatalf("Get before Put: ok=%v err=%v", ok, err)
	}

	m := features.NewMatrix(2, 3)
	for i := range m.Data {
		m.Data[i] = float64(i) * 0.5
	}
	if err := c.Put(clip, m); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := c.Get(clip)
	if err != nil || !ok {
		t.Fatalf("Get after Put: ok=%v err=%v", ok, err)
	}
	if got.Rows != 2 || got.Cols != 3 {
		t.Fatalf("shape: got %dx%d", got.Rows, got.Cols)
	}
	for i := range m.Data {
		if got.Data[i] != m.Data[i] {
			t.Fatalf("data[%d]: got %g, want %g", i, got.Data[i], m.Data[i])
		}
	}

	if _, ok, _ := c.Get([]byte("other clip")); ok {
		t.Error("different content hit the cache")
	}
	if hits, misses := c.Stats(); hits != 1 || misses != 2 {
		t.Errorf("stats: got %d hits, %d misses, want 1 and 2", hits, misses)
	}
}

func TestCache_ScopeSeparatesEntries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	clip := []byte("clip")

	a, err := featcache.Open(featcache.Options{Dir: dir}, "a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := a.Put(clip, features.NewMatrix(1, 1)); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := featcache.Open(featcache.Options{Dir: dir}, "b")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	if _, ok, _ := b.Get(clip); ok {
		t.Error("entry leaked across scopes")
	}
}

func TestScope(t *testing.T) {
	cfg := features.DefaultConfig()
	base := featcache.Scope(cfg, 44100, 5*time.Second)
	if base != featcache.Scope(cfg, 44100, 5*time.Second) {
		t.Fatal("scope is not stable")
	}
	if base == featcache.Scope(cfg, 22050, 5*time.Second) {
		t.Error("scope ignores sample rate")
	}
	cfg.NMFCC = 20
	if base == featcache.Scope(cfg, 44100, 5*time.Second) {
		t.Error("scope ignores feature config")
	}
}

func TestOpen_RequiresDir(t *testing.T) {
	if _, err := featcache.Open(featcache.Options{}, "x"); err == nil {
		t.Fatal("expected error without Dir")
	}
}
