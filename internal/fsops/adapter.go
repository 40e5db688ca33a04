// Package fsops is the operation adapter: it resolves virtual paths and
// serves stat, readdir, open, and read against lazily materialized
// repository working copies.
package fsops

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xmonader/githubfuse/internal/dircache"
	"github.com/xmonader/githubfuse/internal/fserr"
	"github.com/xmonader/githubfuse/internal/github"
	"github.com/xmonader/githubfuse/internal/materialize"
	"github.com/xmonader/githubfuse/internal/metrics"
	"github.com/xmonader/githubfuse/internal/repostate"
	"github.com/xmonader/githubfuse/internal/vpath"
)

// FileInfo is the stat result handed to the filesystem binding.
type FileInfo struct {
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	Dir     bool
}

func syntheticDir() FileInfo {
	return FileInfo{Mode: 0o755 | os.ModeDir, ModTime: time.Now(), Dir: true}
}

// Adapter serves filesystem-shaped operations over the materialization
// engine. Safe for concurrent use.
type Adapter struct {
	store *repostate.Store
	mat   *materialize.Materializer
	dirs  *dircache.Cache
	api   *github.Client
}

// New creates an adapter over an already wired store, materializer, and
// directory cache.
func New(store *repostate.Store, mat *materialize.Materializer, dirs *dircache.Cache, api *github.Client) *Adapter {
	return &Adapter{store: store, mat: mat, dirs: dirs, api: api}
}

// Stat resolves path and returns its descriptor. Root and owner paths get
// synthetic directories; repository paths materialize the repository
// first. A repository that does not exist remotely fails with NotFound
// and never triggers a clone.
func (a *Adapter) Stat(ctx context.Context, path string) (info FileInfo, err error) {
	defer func() { metrics.RecordFSOp("stat", err) }()

	res := vpath.Resolve(path)
	switch res.Target {
	case vpath.TargetRoot, vpath.TargetOwner:
		return syntheticDir(), nil

	case vpath.TargetRepoRoot, vpath.TargetInRepo:
		root, err := a.ensure(ctx, res)
		if err != nil {
			return FileInfo{}, err
		}
		fi, err := os.Stat(filepath.Join(root, filepath.FromSlash(res.Inner)))
		if err != nil {
			return FileInfo{}, localError("stat", path, err)
		}
		return FileInfo{
			Size:    fi.Size(),
			Mode:    fi.Mode(),
			ModTime: fi.ModTime(),
			Dir:     fi.IsDir(),
		}, nil

	default:
		return FileInfo{}, fserr.Newf(fserr.KindInvalid, "stat", path, "malformed path")
	}
}

// ReadDir lists the children of path. The root lists observed owners,
// owner paths list repositories via the hosting API, and repository paths
// walk the local working copy. All listings go through the directory
// cache.
func (a *Adapter) ReadDir(ctx context.Context, path string) (entries []dircache.Entry, err error) {
	defer func() { metrics.RecordFSOp("readdir", err) }()

	res := vpath.Resolve(path)
	switch res.Target {
	case vpath.TargetRoot:
		return a.listRoot(), nil

	case vpath.TargetOwner:
		return a.ownerListing(ctx, res.Owner)

	case vpath.TargetRepoRoot, vpath.TargetInRepo:
		root, err := a.ensure(ctx, res)
		if err != nil {
			return nil, err
		}
		local := filepath.Join(root, filepath.FromSlash(res.Inner))
		return a.dirs.List(virtualDir(res), func() ([]dircache.Entry, error) {
			return walkLocal(local, path)
		})

	default:
		return nil, fserr.Newf(fserr.KindInvalid, "readdir", path, "malformed path")
	}
}

// Open prepares a file inside a ready working copy for reading.
func (a *Adapter) Open(ctx context.Context, path string) (h *Handle, err error) {
	defer func() { metrics.RecordFSOp("open", err) }()

	res := vpath.Resolve(path)
	if res.Target != vpath.TargetInRepo {
		return nil, fserr.Newf(fserr.KindInvalid, "open", path, "not a file path")
	}

	root, err := a.ensure(ctx, res)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(root, filepath.FromSlash(res.Inner)))
	if err != nil {
		return nil, localError("open", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, localError("open", path, err)
	}
	if fi.IsDir() {
		f.Close()
		return nil, fserr.Newf(fserr.KindInvalid, "open", path, "is a directory")
	}

	return &Handle{f: f}, nil
}

// Read performs a one-shot byte-range read. Once the repository is ready
// no network access occurs per read.
func (a *Adapter) Read(ctx context.Context, path string, dest []byte, off int64) (n int, err error) {
	h, err := a.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer h.Close()
	return h.ReadAt(dest, off)
}

// ReadLink resolves a symlink inside a ready working copy.
func (a *Adapter) ReadLink(ctx context.Context, path string) (target string, err error) {
	defer func() { metrics.RecordFSOp("readlink", err) }()

	res := vpath.Resolve(path)
	if res.Target != vpath.TargetInRepo {
		return "", fserr.Newf(fserr.KindInvalid, "readlink", path, "not a file path")
	}

	root, err := a.ensure(ctx, res)
	if err != nil {
		return "", err
	}
	target, lerr := os.Readlink(filepath.Join(root, filepath.FromSlash(res.Inner)))
	if lerr != nil {
		return "", localError("readlink", path, lerr)
	}
	return target, nil
}

// ensure gates materialization: an unmaterialized repository is checked
// against the owner's repository listing first, so a typo never causes a
// clone attempt.
func (a *Adapter) ensure(ctx context.Context, res vpath.Resolved) (string, error) {
	s := a.store.Get(res.Key)
	if s.Status == repostate.StatusNotCloned && s.LocalRoot == "" && !a.adoptable(res.Key) {
		known, err := a.repoExists(ctx, res.Key)
		if err != nil {
			return "", err
		}
		if !known {
			return "", fserr.Newf(fserr.KindNotFound, "resolve", res.Key.String(),
				"repository does not exist")
		}
	}
	return a.mat.EnsureReady(ctx, res.Key, res.Ref)
}

// adoptable reports whether a working copy from a previous run exists in
// the staging directory.
func (a *Adapter) adoptable(key vpath.Key) bool {
	fi, err := os.Stat(a.mat.LocalRoot(key))
	return err == nil && fi.IsDir()
}

// repoExists consults the cached owner listing.
func (a *Adapter) repoExists(ctx context.Context, key vpath.Key) (bool, error) {
	entries, err := a.ownerListing(ctx, key.Owner)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Name == key.Repo {
			return true, nil
		}
	}
	return false, nil
}

// ownerListing lists an owner's repositories through the directory cache.
func (a *Adapter) ownerListing(ctx context.Context, owner string) ([]dircache.Entry, error) {
	return a.dirs.List("/"+owner, func() ([]dircache.Entry, error) {
		names, err := a.api.ListRepositories(ctx, owner)
		if err != nil {
			return nil, err
		}
		entries := make([]dircache.Entry, 0, len(names))
		for _, name := range names {
			entries = append(entries, dircache.Entry{Name: name, Kind: dircache.KindDir})
		}
		return entries, nil
	})
}

// listRoot returns the union of owners observed in the state store and
// owners present in the staging directory from earlier runs.
func (a *Adapter) listRoot() []dircache.Entry {
	seen := make(map[string]bool)
	for _, owner := range a.store.Owners() {
		seen[owner] = true
	}
	if des, err := os.ReadDir(a.mat.StagingDir()); err == nil {
		for _, de := range des {
			if de.IsDir() {
				seen[de.Name()] = true
			}
		}
	}

	names := make([]string, 0, len(seen))
	for owner := range seen {
		names = append(names, owner)
	}
	sort.Strings(names)

	entries := make([]dircache.Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, dircache.Entry{Name: name, Kind: dircache.KindDir})
	}
	return entries
}

// virtualDir is the canonical cache key for a directory path: the ref
// qualifier never participates, so @ref aliases share one entry.
func virtualDir(res vpath.Resolved) string {
	p := "/" + res.Key.String()
	if res.Inner != "" {
		p += "/" + res.Inner
	}
	return p
}

// walkLocal enumerates a directory of the working copy.
func walkLocal(local, path string) ([]dircache.Entry, error) {
	des, err := os.ReadDir(local)
	if err != nil {
		return nil, localError("readdir", path, err)
	}

	entries := make([]dircache.Entry, 0, len(des))
	for _, de := range des {
		// The metadata directory is an implementation detail of the
		// working copy, not repository content.
		if de.Name() == ".git" {
			continue
		}
		kind := dircache.KindFile
		switch {
		case de.IsDir():
			kind = dircache.KindDir
		case de.Type()&os.ModeSymlink != 0:
			kind = dircache.KindSymlink
		}
		entries = append(entries, dircache.Entry{Name: de.Name(), Kind: kind})
	}
	return entries, nil
}

// localError classifies a local filesystem error.
func localError(op, path string, err error) error {
	if os.IsNotExist(err) {
		return fserr.New(fserr.KindNotFound, op, path, err)
	}
	if os.IsPermission(err) {
		return fserr.New(fserr.KindAuth, op, path, err)
	}
	return fserr.New(fserr.KindClone, op, path, err)
}

// Handle is an open file inside a working copy.
type Handle struct {
	f *os.File
}

// ReadAt reads up to len(dest) bytes at off. A short read at end of file
// returns the bytes read with no error, matching the binding's contract.
func (h *Handle) ReadAt(dest []byte, off int64) (int, error) {
	n, err := h.f.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return n, fserr.New(fserr.KindClone, "read", h.f.Name(), err)
	}
	metrics.RecordBytesRead(n)
	return n, nil
}

// Size returns the current file size.
func (h *Handle) Size() (int64, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Close releases the handle.
func (h *Handle) Close() error {
	return h.f.Close()
}
