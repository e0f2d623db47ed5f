package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyDeterminism(t *testing.T) {
	a := Key("prediction", "EUS", "MAN", "2025-12-02", "09:30")
	b := Key("prediction", "EUS", "MAN", "2025-12-02", "09:30")
	if a != b {
		t.Errorf("equal tuples produced different keys: %s vs %s", a, b)
	}
	// Same values on a different route must not collide: the tuple is
	// ordered and complete.
	c := Key("prediction", "MAN", "EUS", "2025-12-02", "09:30")
	if a == c {
		t.Error("distinct tuples collided")
	}
	d := Key("fare", "EUS", "MAN", "2025-12-02", "09:30")
	if a == d {
		t.Error("prefix not part of the key")
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	m := NewMemory()
	base := time.Now()
	m.now = func() time.Time { return base }
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if v, ok, _ := m.Get(ctx, "k"); !ok || string(v) != "v" {
		t.Fatalf("get = %q/%v", v, ok)
	}

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Error("expired entry still served")
	}
	if n := m.Sweep(); n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if m.Len() != 0 {
		t.Errorf("len = %d after sweep", m.Len())
	}
}

// flakyCache fails until healed.
type flakyCache struct {
	broken bool
	data   map[string][]byte
}

func newFlaky() *flakyCache { return &flakyCache{data: map[string][]byte{}} }

func (f *flakyCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if f.broken {
		return nil, false, errors.New("backend down")
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *flakyCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	if f.broken {
		return errors.New("backend down")
	}
	f.data[key] = value
	return nil
}

func (f *flakyCache) Delete(_ context.Context, key string) error {
	if f.broken {
		return errors.New("backend down")
	}
	delete(f.data, key)
	return nil
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	inner := newFlaky()
	inner.broken = true
	b := NewBreaker(inner)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, found, err := b.Get(ctx, "k"); found || err != nil {
			t.Fatalf("degraded get should be a clean miss, got found=%v err=%v", found, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN after 5 failures", b.State())
	}

	// While open, the backend is not touched.
	inner.broken = false
	inner.data["k"] = []byte("v")
	if _, found, _ := b.Get(ctx, "k"); found {
		t.Error("open circuit must not serve from the backend")
	}
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	inner := newFlaky()
	inner.broken = true
	b := NewBreaker(inner)
	base := time.Now()
	b.now = func() time.Time { return base }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, _ = b.Get(ctx, "k")
	}
	if b.State() != StateOpen {
		t.Fatal("expected OPEN")
	}

	// After the reset timeout the circuit goes half-open and a successful
	// probe closes it.
	inner.broken = false
	inner.data["k"] = []byte("v")
	b.now = func() time.Time { return base.Add(61 * time.Second) }

	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN after timeout", b.State())
	}
	if v, found, _ := b.Get(ctx, "k"); !found || string(v) != "v" {
		t.Fatalf("probe should reach the backend, got %q/%v", v, found)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED after successful probe", b.State())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	inner := newFlaky()
	inner.broken = true
	b := NewBreaker(inner)
	base := time.Now()
	b.now = func() time.Time { return base }
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, _ = b.Get(ctx, "k")
	}
	b.now = func() time.Time { return base.Add(61 * time.Second) }
	_, _, _ = b.Get(ctx, "k") // failing probe
	if b.State() != StateOpen {
		t.Errorf("state = %s, want OPEN after failed probe", b.State())
	}
}

func TestBreakerMetrics(t *testing.T) {
	inner := newFlaky()
	b := NewBreaker(inner)
	ctx := context.Background()

	_ = b.Set(ctx, "k", []byte("v"), time.Minute)
	_, _, _ = b.Get(ctx, "k")  // hit
	_, _, _ = b.Get(ctx, "k2") // miss

	m := b.Snapshot()
	if m.Hits != 1 || m.Misses != 1 || m.State != StateClosed {
		t.Errorf("metrics = %+v", m)
	}
}
