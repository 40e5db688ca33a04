// Package vpath models virtual paths below the mount root and their
// decomposition into owner, repository, and in-repository components.
package vpath

import (
	"path"
	"strings"
)

// Key identifies a repository. It is the sole identity used for
// materialization, locking, and cache invalidation; the in-repository
// path never participates.
type Key struct {
	Owner string
	Repo  string
}

func (k Key) String() string {
	return k.Owner + "/" + k.Repo
}

// IsZero reports whether the key is empty.
func (k Key) IsZero() bool {
	return k.Owner == "" && k.Repo == ""
}

// Target classifies what a virtual path points at.
type Target int

const (
	// TargetInvalid marks a malformed path (empty segments, dot
	// segments, and similar). Never guessed around.
	TargetInvalid Target = iota
	// TargetRoot is the mount root.
	TargetRoot
	// TargetOwner is an owner listing, e.g. /xmonader.
	TargetOwner
	// TargetRepoRoot is the root of a repository working copy.
	TargetRepoRoot
	// TargetInRepo is a path inside a repository working copy.
	TargetInRepo
)

func (t Target) String() string {
	switch t {
	case TargetRoot:
		return "root"
	case TargetOwner:
		return "owner"
	case TargetRepoRoot:
		return "repo"
	case TargetInRepo:
		return "inrepo"
	default:
		return "invalid"
	}
}

// Resolved is the decomposition of one virtual path.
type Resolved struct {
	Target Target
	Key    Key    // set for TargetRepoRoot and TargetInRepo
	Owner  string // set for TargetOwner and deeper
	Ref    string // optional ref from a repo@ref segment
	Inner  string // slash-joined path inside the working copy, "" at the repo root
}

// Resolve classifies a virtual path. Pure string work: no network, no disk.
//
// The repository segment may carry a "@ref" qualifier (plyini@master); the
// ref is reported for the initial clone but does not change the key.
func Resolve(p string) Resolved {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return Resolved{Target: TargetRoot}
	}

	segs := strings.Split(trimmed, "/")
	for _, s := range segs {
		if s == "" || s == "." || s == ".." {
			return Resolved{Target: TargetInvalid}
		}
	}

	owner := segs[0]
	if strings.Contains(owner, "@") {
		return Resolved{Target: TargetInvalid}
	}
	if len(segs) == 1 {
		return Resolved{Target: TargetOwner, Owner: owner}
	}

	repo, ref := splitRef(segs[1])
	if repo == "" {
		return Resolved{Target: TargetInvalid}
	}
	key := Key{Owner: owner, Repo: repo}
	if len(segs) == 2 {
		return Resolved{Target: TargetRepoRoot, Key: key, Owner: owner, Ref: ref}
	}

	return Resolved{
		Target: TargetInRepo,
		Key:    key,
		Owner:  owner,
		Ref:    ref,
		Inner:  path.Join(segs[2:]...),
	}
}

// splitRef splits a "repo@ref" segment. A trailing or missing ref is
// treated as absent.
func splitRef(seg string) (repo, ref string) {
	i := strings.IndexByte(seg, '@')
	if i < 0 {
		return seg, ""
	}
	return seg[:i], seg[i+1:]
}
