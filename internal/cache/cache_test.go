package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestPutGet(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("k", 42)

	v, ok := c.Get("k")
	if !ok || v.(int) != 42 {
		t.Errorf("got (%v, %v), want (42, true)", v, ok)
	}
}

func TestLazyExpiry(t *testing.T) {
	c := New(time.Minute, 10)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Put("k", "v")
	now = now.Add(2 * time.Minute)

	if _, ok := c.Get("k"); ok {
		t.Error("stale entry served after TTL")
	}
	if c.Len() != 0 {
		t.Errorf("len = %d, want 0 after lazy expiry", c.Len())
	}
}

func TestCapacityEviction(t *testing.T) {
	c := New(time.Minute, 3)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
		now = now.Add(time.Second)
	}
	c.Put("k3", 3)

	if c.Len() != 3 {
		t.Errorf("len = %d, want 3 (bounded)", c.Len())
	}
	if _, ok := c.Get("k0"); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := c.Get("k3"); !ok {
		t.Error("newest entry missing")
	}
}

func TestInvalidate(t *testing.T) {
	c := New(time.Minute, 10)
	c.Put("a", 1)
	c.Put("b", 2)

	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Error("invalidated entry still present")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("unrelated entry dropped")
	}

	c.InvalidateAll()
	if c.Len() != 0 {
		t.Errorf("len = %d after InvalidateAll", c.Len())
	}
}
