// Package gitclone wraps git as an opaque clone/refresh primitive.
package gitclone

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/xmonader/githubfuse/internal/fserr"
	"github.com/xmonader/githubfuse/internal/logging"
	"github.com/xmonader/githubfuse/internal/vpath"
)

// Cloner materializes repository content on local disk.
type Cloner interface {
	// Clone creates a fresh working copy of key at dest. ref, when
	// non-empty, selects the branch or tag to check out.
	Clone(ctx context.Context, key vpath.Key, ref, dest string) error
	// Refresh updates an existing working copy in place.
	Refresh(ctx context.Context, localRoot string) error
}

// GitCloner shells out to git for shallow clones and fast-forward pulls.
type GitCloner struct {
	// RemoteBase is the URL prefix clones are formed from, e.g.
	// https://github.com.
	RemoteBase string
	// Token, when set, authenticates clone URLs for private repositories.
	Token string
	// Timeout bounds a single git invocation. Zero means no bound.
	Timeout time.Duration
}

var _ Cloner = (*GitCloner)(nil)

// cloneURL builds the remote URL for key, embedding the token when one is
// configured.
func (g *GitCloner) cloneURL(key vpath.Key) string {
	base := strings.TrimSuffix(g.RemoteBase, "/")
	if g.Token != "" && strings.HasPrefix(base, "https://") {
		return fmt.Sprintf("https://x-access-token:%s@%s/%s.git",
			g.Token, strings.TrimPrefix(base, "https://"), key)
	}
	return fmt.Sprintf("%s/%s.git", base, key)
}

// Clone performs a shallow clone of key into dest.
func (g *GitCloner) Clone(ctx context.Context, key vpath.Key, ref, dest string) error {
	args := []string{"clone", "--depth", "1"}
	if ref != "" {
		args = append(args, "--branch", ref)
	}
	args = append(args, g.cloneURL(key), dest)

	logging.Debug("cloning repository",
		logging.String("repo", key.String()),
		logging.String("ref", ref),
		logging.String("dest", dest))

	return g.run(ctx, "git clone", key.String(), args...)
}

// Refresh fast-forwards the working copy at localRoot.
func (g *GitCloner) Refresh(ctx context.Context, localRoot string) error {
	logging.Debug("refreshing repository", logging.String("root", localRoot))
	return g.run(ctx, "git pull", localRoot, "-C", localRoot, "pull", "--ff-only", "--depth", "1")
}

func (g *GitCloner) run(ctx context.Context, op, subject string, args ...string) error {
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		// Token-bearing URLs must never leak into errors or logs.
		if g.Token != "" {
			detail = strings.ReplaceAll(detail, g.Token, "***")
		}
		return fserr.Newf(fserr.KindClone, op, subject, "%s", detail)
	}
	return nil
}
