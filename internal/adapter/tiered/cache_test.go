package tiered_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/Maestro/internal/adapter/tiered"
)

// memCache is a simple in-memory tier for testing.
type memCache struct {
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

// downCache simulates an unreachable remote tier.
type downCache struct{}

func (downCache) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("nats: no responders")
}

func (downCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("nats: no responders")
}

func (downCache) Delete(context.Context, string) error {
	return errors.New("nats: no responders")
}

func TestTieredL1Hit(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	ctx := context.Background()

	l1.data["spec.sha256:aa"] = []byte("doc-a")

	val, found, err := c.Get(ctx, "spec.sha256:aa")
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(val) != "doc-a" {
		t.Fatalf("found=%v val=%s", found, val)
	}
}

func TestTieredL2HitBackfillsL1(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	ctx := context.Background()

	l2.data["spec.sha256:bb"] = []byte("doc-b")

	val, found, err := c.Get(ctx, "spec.sha256:bb")
	if err != nil {
		t.Fatal(err)
	}
	if !found || string(val) != "doc-b" {
		t.Fatalf("found=%v val=%s", found, val)
	}
	if string(l1.data["spec.sha256:bb"]) != "doc-b" {
		t.Fatalf("L1 not backfilled: %v", l1.data)
	}
}

func TestTieredMiss(t *testing.T) {
	c := tiered.New(newMemCache(), newMemCache(), 5*time.Minute)

	_, found, err := c.Get(context.Background(), "spec.sha256:absent")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected miss")
	}
}

func TestTieredRemoteFailureDegradesToMiss(t *testing.T) {
	l1 := newMemCache()
	c := tiered.New(l1, downCache{}, 5*time.Minute)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "spec.sha256:cc")
	if err != nil {
		t.Fatalf("remote failure surfaced: %v", err)
	}
	if found {
		t.Fatal("expected miss when remote tier is down")
	}

	// writes still report the remote failure
	if err := c.Set(ctx, "spec.sha256:cc", []byte("doc-c"), time.Minute); err == nil {
		t.Fatal("expected Set error from remote tier")
	}
	// but the L1 write went through
	if string(l1.data["spec.sha256:cc"]) != "doc-c" {
		t.Fatalf("L1 write dropped: %v", l1.data)
	}
}

func TestTieredSetAndDeleteBothTiers(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "spec.sha256:dd", []byte("doc-d"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, ok := l1.data["spec.sha256:dd"]; !ok {
		t.Fatal("missing in L1")
	}
	if _, ok := l2.data["spec.sha256:dd"]; !ok {
		t.Fatal("missing in L2")
	}

	if err := c.Delete(ctx, "spec.sha256:dd"); err != nil {
		t.Fatal(err)
	}
	if _, ok := l1.data["spec.sha256:dd"]; ok {
		t.Fatal("not deleted from L1")
	}
	if _, ok := l2.data["spec.sha256:dd"]; ok {
		t.Fatal("not deleted from L2")
	}
}
