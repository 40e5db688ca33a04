// Package materialize drives repositories from absent to ready: at most
// one clone in flight per key, staleness-triggered refresh in place, and
// backoff-gated retry after failure.
package materialize

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/xmonader/githubfuse/internal/fserr"
	"github.com/xmonader/githubfuse/internal/gitclone"
	"github.com/xmonader/githubfuse/internal/logging"
	"github.com/xmonader/githubfuse/internal/metrics"
	"github.com/xmonader/githubfuse/internal/repostate"
	"github.com/xmonader/githubfuse/internal/retry"
	"github.com/xmonader/githubfuse/internal/vpath"
)

// Config holds materializer configuration.
type Config struct {
	// StagingDir is where working copies live, as staging/<owner>/<repo>.
	StagingDir string
	// TTL is the maximum age of a working copy before the next access
	// refreshes it. Zero disables refresh.
	TTL time.Duration
	// WaitTimeout bounds how long a caller waits for another task's
	// in-flight clone.
	WaitTimeout time.Duration
	// Backoff gates retry of failed repositories.
	Backoff retry.Config
}

// Materializer turns repository keys into ready local working copies.
type Materializer struct {
	store  *repostate.Store
	cloner gitclone.Cloner
	cfg    Config
}

// New creates a materializer.
func New(store *repostate.Store, cloner gitclone.Cloner, cfg Config) *Materializer {
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 60 * time.Second
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = retry.DefaultConfig()
	}
	return &Materializer{store: store, cloner: cloner, cfg: cfg}
}

// StagingDir returns the root under which working copies live.
func (m *Materializer) StagingDir() string {
	return m.cfg.StagingDir
}

// LocalRoot returns where key's working copy lives or would live.
func (m *Materializer) LocalRoot(key vpath.Key) string {
	return filepath.Join(m.cfg.StagingDir, key.Owner, key.Repo)
}

// EnsureReady guarantees key's content exists locally and returns the
// working copy root. It blocks only while performing the clone itself or
// while waiting, bounded, for another caller's clone of the same key.
//
// Availability beats freshness: while a refresh is in flight or has
// failed, callers that did not trigger it keep being served the previous
// working copy.
func (m *Materializer) EnsureReady(ctx context.Context, key vpath.Key, ref string) (string, error) {
	deadline := time.Now().Add(m.cfg.WaitTimeout)

	for {
		s := m.store.Get(key)

		switch s.Status {
		case repostate.StatusReady:
			if !m.stale(s) {
				return s.LocalRoot, nil
			}

		case repostate.StatusFailed:
			if m.withinBackoff(s) {
				if s.LocalRoot != "" {
					return s.LocalRoot, nil
				}
				return "", m.storedError(key, s)
			}
		}

		lease, existing := m.store.Begin(key)
		if lease != nil {
			return m.materialize(ctx, lease, key, ref)
		}

		// Another task holds the lease. A refresh never blocks readers
		// of the previous working copy.
		if s.LocalRoot != "" {
			return s.LocalRoot, nil
		}

		root, err, done := m.await(ctx, key, existing, deadline)
		if done {
			return root, err
		}
		// The lease changed hands before we observed a settled state;
		// take another look.
	}
}

// await blocks on an in-flight lease until it settles, the deadline
// passes, or ctx is cancelled. done is false when the state needs to be
// re-examined.
func (m *Materializer) await(ctx context.Context, key vpath.Key, lease *repostate.Lease, deadline time.Time) (string, error, bool) {
	wait := time.Until(deadline)
	if wait <= 0 {
		return "", m.timeoutError(key), true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-lease.Done():
		s := m.store.Get(key)
		switch s.Status {
		case repostate.StatusReady:
			return s.LocalRoot, nil, true
		case repostate.StatusFailed:
			if s.LocalRoot != "" {
				return s.LocalRoot, nil, true
			}
			return "", m.storedError(key, s), true
		default:
			return "", nil, false
		}

	case <-timer.C:
		return "", m.timeoutError(key), true

	case <-ctx.Done():
		return "", fserr.New(fserr.KindTimeout, "materialize", key.String(), ctx.Err()), true
	}
}

// materialize is the lease holder's path: clone or refresh, then settle
// the state.
func (m *Materializer) materialize(ctx context.Context, lease *repostate.Lease, key vpath.Key, ref string) (string, error) {
	cur := m.store.Get(key)

	// A racing caller may have refreshed between our staleness check and
	// Begin. Nothing to do then.
	if cur.LocalRoot != "" && !m.staleAt(cur.LastSynced) {
		m.store.Release(lease)
		return cur.LocalRoot, nil
	}

	if cur.LocalRoot != "" {
		return m.refresh(ctx, lease, key, cur.LocalRoot)
	}

	dest := m.LocalRoot(key)

	// A working copy left over from a previous run is adopted as ready;
	// the TTL takes it from there.
	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		logging.Info("adopting existing working copy",
			logging.String("repo", key.String()),
			logging.String("root", dest))
		m.store.Complete(lease, dest)
		metrics.SetRepositoriesReady(m.store.ReadyCount())
		return dest, nil
	}

	return m.clone(ctx, lease, key, ref, dest)
}

func (m *Materializer) clone(ctx context.Context, lease *repostate.Lease, key vpath.Key, ref, dest string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		err = fserr.New(fserr.KindClone, "materialize", key.String(), err)
		m.store.Fail(lease, err)
		return "", err
	}

	start := time.Now()
	err := m.cloner.Clone(ctx, key, ref, dest)
	metrics.RecordClone(time.Since(start), err)

	if err != nil {
		// Drop any partial checkout so the next attempt starts clean.
		os.RemoveAll(dest)
		m.store.Fail(lease, err)
		logging.Error("clone failed",
			logging.String("repo", key.String()),
			logging.Err(err))
		return "", err
	}

	m.store.Complete(lease, dest)
	metrics.SetRepositoriesReady(m.store.ReadyCount())
	logging.Info("repository cloned",
		logging.String("repo", key.String()),
		logging.Duration("took", time.Since(start)))
	return dest, nil
}

func (m *Materializer) refresh(ctx context.Context, lease *repostate.Lease, key vpath.Key, localRoot string) (string, error) {
	start := time.Now()
	err := m.cloner.Refresh(ctx, localRoot)
	metrics.RecordRefresh(time.Since(start), err)

	if err != nil {
		// The previous working copy stays on disk and servable; only
		// this refresh-triggering caller sees the failure.
		m.store.Fail(lease, err)
		logging.Warn("refresh failed, serving previous working copy",
			logging.String("repo", key.String()),
			logging.Err(err))
		return "", err
	}

	m.store.Complete(lease, localRoot)
	logging.Info("repository refreshed",
		logging.String("repo", key.String()),
		logging.Duration("took", time.Since(start)))
	return localRoot, nil
}

// stale reports whether a Ready state has outlived the TTL.
func (m *Materializer) stale(s repostate.State) bool {
	return m.staleAt(s.LastSynced)
}

func (m *Materializer) staleAt(lastSynced time.Time) bool {
	if m.cfg.TTL <= 0 {
		return false
	}
	return time.Since(lastSynced) > m.cfg.TTL
}

// withinBackoff reports whether a Failed state is still inside its
// backoff window.
func (m *Materializer) withinBackoff(s repostate.State) bool {
	return time.Since(s.LastAttempt) <= m.cfg.Backoff.Backoff(s.Failures)
}

// storedError surfaces the recorded failure without touching the network.
func (m *Materializer) storedError(key vpath.Key, s repostate.State) error {
	if fserr.KindOf(s.LastErr) != fserr.KindUnknown {
		return s.LastErr
	}
	return fserr.New(fserr.KindClone, "materialize", key.String(), s.LastErr)
}

func (m *Materializer) timeoutError(key vpath.Key) error {
	metrics.RecordLeaseTimeout()
	return fserr.Newf(fserr.KindTimeout, "materialize", key.String(),
		"timed out after %v waiting for in-flight clone", m.cfg.WaitTimeout)
}
