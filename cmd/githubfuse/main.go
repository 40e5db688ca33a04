// githubfuse mounts github.com as a filesystem: /<owner> lists an
// owner's repositories, /<owner>/<repo> is shallow-cloned on first access
// and served from a local staging directory afterwards.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/xmonader/githubfuse/internal/config"
	"github.com/xmonader/githubfuse/internal/dircache"
	"github.com/xmonader/githubfuse/internal/fsops"
	"github.com/xmonader/githubfuse/internal/fusefs"
	"github.com/xmonader/githubfuse/internal/gitclone"
	"github.com/xmonader/githubfuse/internal/github"
	"github.com/xmonader/githubfuse/internal/logging"
	"github.com/xmonader/githubfuse/internal/materialize"
	"github.com/xmonader/githubfuse/internal/metrics"
	"github.com/xmonader/githubfuse/internal/repostate"
	"github.com/xmonader/githubfuse/internal/vpath"
)

func main() {
	mountPoint := flag.String("mountpoint", "", "Mount point (required)")
	githubDir := flag.String("githubdir", "", "Staging directory for cloned repositories (default: ~/.cache/githubfuse)")
	foreground := flag.Bool("foreground", false, "Stay in the foreground")
	debug := flag.Bool("debug", false, "Enable FUSE debug output")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	flag.Parse()

	if *mountPoint == "" {
		fmt.Fprintln(os.Stderr, "Error: -mountpoint is required")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Usage: githubfuse -mountpoint <path> [options]")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Options:")
		fmt.Fprintln(os.Stderr, "  -githubdir <dir>    Staging directory for clones")
		fmt.Fprintln(os.Stderr, "  -foreground         Stay in the foreground")
		fmt.Fprintln(os.Stderr, "  -debug              FUSE debug output")
		fmt.Fprintln(os.Stderr, "  -log-level <level>  debug, info, warn, error")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Environment: GITHUB_TOKEN, GITHUBFUSE_* (see README)")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Example:")
		fmt.Fprintln(os.Stderr, "  githubfuse -mountpoint /mnt/github -foreground")
		os.Exit(1)
	}

	if !*foreground {
		if err := daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to background: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg := config.Load()
	if *githubDir != "" {
		cfg.StagingDir = *githubDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if err := os.MkdirAll(cfg.StagingDir, 0o755); err != nil {
		logging.Fatal("create staging dir", logging.Err(err))
	}

	// Wiring: the directory cache is invalidated from inside the state
	// store's Ready/Failed transitions.
	dirs := dircache.New(cfg.DirCacheTTL)
	store := repostate.New(func(key vpath.Key) {
		dirs.InvalidatePrefix("/" + key.String())
	})

	cloner := &gitclone.GitCloner{
		RemoteBase: cfg.RemoteBase,
		Token:      cfg.Token,
		Timeout:    cfg.CloneTimeout,
	}
	mat := materialize.New(store, cloner, materialize.Config{
		StagingDir:  cfg.StagingDir,
		TTL:         cfg.RepoTTL,
		WaitTimeout: cfg.WaitTimeout,
	})
	api := github.New(github.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.Token,
	})

	adapter := fsops.New(store, mat, dirs, api)
	fsys := fusefs.New(adapter)

	server, err := fsys.Mount(*mountPoint, *debug)
	if err != nil {
		logging.Fatal("mount failed", logging.Err(err))
	}

	logging.Info("mounted",
		logging.String("mountpoint", *mountPoint),
		logging.String("staging", cfg.StagingDir),
		logging.Duration("repo_ttl", cfg.RepoTTL))

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logging.Info("metrics listening", logging.String("addr", cfg.MetricsAddr))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logging.Error("metrics listener failed", logging.Err(err))
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go server.Wait()
	<-quit

	logging.Info("unmounting", logging.String("mountpoint", *mountPoint))
	if err := server.Unmount(); err != nil {
		logging.Error("unmount failed", logging.Err(err))
	}
}

// daemonize re-executes the process detached, with -foreground added so
// the child takes the normal path.
func daemonize() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := append([]string{"-foreground"}, os.Args[1:]...)
	cmd := exec.Command(exe, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd.Start()
}
