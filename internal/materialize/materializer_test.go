package materialize

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xmonader/githubfuse/internal/fserr"
	"github.com/xmonader/githubfuse/internal/repostate"
	"github.com/xmonader/githubfuse/internal/retry"
	"github.com/xmonader/githubfuse/internal/vpath"
)

var testKey = vpath.Key{Owner: "acme", Repo: "widgets"}

// fakeCloner counts invocations and materializes a marker file. Clone and
// Refresh can be made to fail or block.
type fakeCloner struct {
	cloneErr   error
	refreshErr error
	block      chan struct{} // when set, Clone blocks until closed

	clones    atomic.Int64
	refreshes atomic.Int64
}

func (f *fakeCloner) Clone(ctx context.Context, key vpath.Key, ref, dest string) error {
	f.clones.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.cloneErr != nil {
		return f.cloneErr
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, "README.md"), []byte("hello from "+key.String()), 0o644)
}

func (f *fakeCloner) Refresh(ctx context.Context, localRoot string) error {
	f.refreshes.Add(1)
	if f.refreshErr != nil {
		return f.refreshErr
	}
	return os.WriteFile(filepath.Join(localRoot, "refreshed"), nil, 0o644)
}

func newMaterializer(t *testing.T, cloner *fakeCloner, cfg Config) (*Materializer, *repostate.Store) {
	t.Helper()
	if cfg.StagingDir == "" {
		cfg.StagingDir = t.TempDir()
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 2 * time.Second
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = retry.Config{
			MaxAttempts: 3,
			InitialWait: 50 * time.Millisecond,
			MaxWait:     time.Second,
			Multiplier:  2.0,
		}
	}
	store := repostate.New(nil)
	return New(store, cloner, cfg), store
}

func TestEnsureReady_ClonesOnce(t *testing.T) {
	cloner := &fakeCloner{}
	m, _ := newMaterializer(t, cloner, Config{})

	root, err := m.EnsureReady(context.Background(), testKey, "")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "README.md")); err != nil {
		t.Fatalf("working copy missing: %v", err)
	}

	// Subsequent calls are served from state, no network.
	for i := 0; i < 5; i++ {
		if _, err := m.EnsureReady(context.Background(), testKey, ""); err != nil {
			t.Fatalf("EnsureReady #%d: %v", i, err)
		}
	}
	if got := cloner.clones.Load(); got != 1 {
		t.Errorf("clone invocations = %d, want 1", got)
	}
}

func TestEnsureReady_ConcurrentCallersSingleClone(t *testing.T) {
	cloner := &fakeCloner{}
	m, _ := newMaterializer(t, cloner, Config{})

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	roots := make([]string, n)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			roots[i], errs[i] = m.EnsureReady(context.Background(), testKey, "")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if roots[i] != roots[0] {
			t.Errorf("caller %d got root %q, want %q", i, roots[i], roots[0])
		}
	}
	if got := cloner.clones.Load(); got != 1 {
		t.Errorf("clone invocations = %d, want 1", got)
	}
}

func TestEnsureReady_TTLTriggersExactlyOneRefresh(t *testing.T) {
	cloner := &fakeCloner{}
	m, _ := newMaterializer(t, cloner, Config{TTL: 30 * time.Millisecond})

	root, err := m.EnsureReady(context.Background(), testKey, "")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	const n = 12
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			// Every caller must come back with a usable root, even
			// while the refresh is in flight.
			got, err := m.EnsureReady(context.Background(), testKey, "")
			if err != nil || got != root {
				t.Errorf("EnsureReady during refresh: root=%q err=%v", got, err)
			}
		}()
	}
	wg.Wait()

	if got := cloner.refreshes.Load(); got != 1 {
		t.Errorf("refresh invocations = %d, want 1", got)
	}
	if got := cloner.clones.Load(); got != 1 {
		t.Errorf("clone invocations = %d, want 1", got)
	}
}

func TestEnsureReady_FailureBackoffSuppressesRetries(t *testing.T) {
	cloneErr := fserr.Newf(fserr.KindClone, "git clone", testKey.String(), "disk full")
	cloner := &fakeCloner{cloneErr: cloneErr}
	m, _ := newMaterializer(t, cloner, Config{
		Backoff: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Hour,
			MaxWait:     time.Hour,
			Multiplier:  2.0,
		},
	})

	if _, err := m.EnsureReady(context.Background(), testKey, ""); !errors.Is(err, cloneErr) {
		t.Fatalf("err = %v, want %v", err, cloneErr)
	}

	// Accesses inside the backoff window surface the stored error
	// without touching the clone primitive.
	for i := 0; i < 5; i++ {
		_, err := m.EnsureReady(context.Background(), testKey, "")
		if !errors.Is(err, cloneErr) {
			t.Fatalf("err = %v, want stored %v", err, cloneErr)
		}
	}
	if got := cloner.clones.Load(); got != 1 {
		t.Errorf("clone invocations = %d, want 1", got)
	}
}

func TestEnsureReady_RetriesAfterBackoffElapses(t *testing.T) {
	cloner := &fakeCloner{cloneErr: errors.New("transient")}
	m, _ := newMaterializer(t, cloner, Config{
		Backoff: retry.Config{
			MaxAttempts: 3,
			InitialWait: 20 * time.Millisecond,
			MaxWait:     20 * time.Millisecond,
			Multiplier:  1.0,
		},
	})

	if _, err := m.EnsureReady(context.Background(), testKey, ""); err == nil {
		t.Fatal("expected first clone to fail")
	}

	time.Sleep(40 * time.Millisecond)
	cloner.cloneErr = nil

	root, err := m.EnsureReady(context.Background(), testKey, "")
	if err != nil {
		t.Fatalf("EnsureReady after backoff: %v", err)
	}
	if root == "" {
		t.Fatal("empty root")
	}
	if got := cloner.clones.Load(); got != 2 {
		t.Errorf("clone invocations = %d, want 2", got)
	}
}

func TestEnsureReady_RefreshFailureKeepsServingOldCopy(t *testing.T) {
	cloner := &fakeCloner{}
	m, _ := newMaterializer(t, cloner, Config{TTL: 20 * time.Millisecond})

	root, err := m.EnsureReady(context.Background(), testKey, "")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	cloner.refreshErr = fserr.Newf(fserr.KindNetwork, "git pull", root, "remote hung up")

	// The refresh-triggering caller sees the failure.
	if _, err := m.EnsureReady(context.Background(), testKey, ""); err == nil {
		t.Fatal("expected refresh failure to surface")
	}

	// Everyone after it keeps reading the old working copy.
	got, err := m.EnsureReady(context.Background(), testKey, "")
	if err != nil {
		t.Fatalf("EnsureReady after failed refresh: %v", err)
	}
	if got != root {
		t.Errorf("root = %q, want previous %q", got, root)
	}
	if _, err := os.Stat(filepath.Join(got, "README.md")); err != nil {
		t.Errorf("previous working copy unreadable: %v", err)
	}
}

func TestEnsureReady_WaiterTimeout(t *testing.T) {
	block := make(chan struct{})
	cloner := &fakeCloner{block: block}
	m, _ := newMaterializer(t, cloner, Config{WaitTimeout: 50 * time.Millisecond})

	started := make(chan struct{})
	go func() {
		close(started)
		m.EnsureReady(context.Background(), testKey, "")
	}()
	<-started
	// Give the holder a moment to take the lease.
	time.Sleep(10 * time.Millisecond)

	_, err := m.EnsureReady(context.Background(), testKey, "")
	if fserr.KindOf(err) != fserr.KindTimeout {
		t.Errorf("kind = %v, want %v", fserr.KindOf(err), fserr.KindTimeout)
	}

	// The underlying clone is not cancelled: once it completes, later
	// callers succeed.
	close(block)
	root, err := m.EnsureReady(context.Background(), testKey, "")
	if err != nil {
		t.Fatalf("EnsureReady after unblocking: %v", err)
	}
	if root == "" {
		t.Fatal("empty root")
	}
	if got := cloner.clones.Load(); got != 1 {
		t.Errorf("clone invocations = %d, want 1", got)
	}
}

func TestEnsureReady_AdoptsLeftoverWorkingCopy(t *testing.T) {
	cloner := &fakeCloner{}
	staging := t.TempDir()

	// Simulate a working copy from a previous run.
	dest := filepath.Join(staging, "acme", "widgets")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dest, "old.txt"), []byte("old"), 0o644)

	m, _ := newMaterializer(t, cloner, Config{StagingDir: staging})

	root, err := m.EnsureReady(context.Background(), testKey, "")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if root != dest {
		t.Errorf("root = %q, want %q", root, dest)
	}
	if got := cloner.clones.Load(); got != 0 {
		t.Errorf("clone invocations = %d, want 0", got)
	}
}

func TestEnsureReady_DistinctKeysMaterializeIndependently(t *testing.T) {
	block := make(chan struct{})
	blocked := &fakeCloner{block: block}
	m, _ := newMaterializer(t, blocked, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.EnsureReady(context.Background(), testKey, "")
	}()
	time.Sleep(10 * time.Millisecond)

	// A different key must not wait behind testKey's in-flight clone.
	// Its clone also blocks, but acquiring the lease proves independence;
	// use a short context to bound the test.
	other := vpath.Key{Owner: "acme", Repo: "gadgets"}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	m.EnsureReady(ctx, other, "")
	if blocked.clones.Load() != 2 {
		t.Errorf("clone invocations = %d, want 2 (independent keys)", blocked.clones.Load())
	}
	if time.Since(start) > time.Second {
		t.Error("independent key was serialized behind another repository")
	}
	close(block)
	// Wait for the background clone to finish writing before TempDir cleanup.
	<-done
}
