package dircache

import (
	"errors"
	"testing"
	"time"
)

func entries(names ...string) []Entry {
	out := make([]Entry, 0, len(names))
	for _, n := range names {
		out = append(out, Entry{Name: n, Kind: KindFile})
	}
	return out
}

func TestList_ProducerCalledOnceWithinTTL(t *testing.T) {
	c := New(time.Minute)

	calls := 0
	producer := func() ([]Entry, error) {
		calls++
		return entries("a", "b"), nil
	}

	for i := 0; i < 5; i++ {
		got, err := c.List("/acme/widgets", producer)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("got %d entries, want 2", len(got))
		}
	}

	if calls != 1 {
		t.Errorf("producer calls = %d, want 1", calls)
	}
}

func TestList_RecomputesAfterExpiry(t *testing.T) {
	c := New(10 * time.Millisecond)

	calls := 0
	producer := func() ([]Entry, error) {
		calls++
		return entries("a"), nil
	}

	c.List("/acme/widgets", producer)
	time.Sleep(20 * time.Millisecond)
	c.List("/acme/widgets", producer)

	if calls != 2 {
		t.Errorf("producer calls = %d, want 2", calls)
	}
}

func TestList_ErrorNotCached(t *testing.T) {
	c := New(time.Minute)

	calls := 0
	producer := func() ([]Entry, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("walk failed")
		}
		return entries("a"), nil
	}

	if _, err := c.List("/acme/widgets", producer); err == nil {
		t.Fatal("expected error from first producer call")
	}
	got, err := c.List("/acme/widgets", producer)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("got %d entries, want 1", len(got))
	}
	if calls != 2 {
		t.Errorf("producer calls = %d, want 2", calls)
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c := New(time.Minute)

	for _, path := range []string{
		"/acme/widgets",
		"/acme/widgets/docs",
		"/acme/widgetsfactory",
		"/acme/gadgets",
	} {
		p := path
		c.List(p, func() ([]Entry, error) { return entries("x"), nil })
	}

	c.InvalidatePrefix("/acme/widgets")

	calls := map[string]int{}
	relist := func(path string) {
		c.List(path, func() ([]Entry, error) {
			calls[path]++
			return entries("x"), nil
		})
	}
	relist("/acme/widgets")
	relist("/acme/widgets/docs")
	relist("/acme/widgetsfactory")
	relist("/acme/gadgets")

	if calls["/acme/widgets"] != 1 || calls["/acme/widgets/docs"] != 1 {
		t.Error("entries under the invalidated repository were served stale")
	}
	// Sibling paths that merely share a string prefix must survive.
	if calls["/acme/widgetsfactory"] != 0 || calls["/acme/gadgets"] != 0 {
		t.Error("invalidation spilled over to unrelated paths")
	}
}

func TestZeroTTLDisablesCaching(t *testing.T) {
	c := New(0)

	calls := 0
	producer := func() ([]Entry, error) {
		calls++
		return entries("a"), nil
	}
	c.List("/acme/widgets", producer)
	c.List("/acme/widgets", producer)

	if calls != 2 {
		t.Errorf("producer calls = %d, want 2", calls)
	}
}
