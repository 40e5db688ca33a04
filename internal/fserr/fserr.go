// Package fserr defines the error taxonomy shared by the materialization
// engine and the filesystem binding, and its mapping onto POSIX errnos.
package fserr

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies a failure. Callers branch on the kind, never on the
// message.
type Kind int

const (
	// KindUnknown is an unclassified failure, surfaced as EIO.
	KindUnknown Kind = iota
	// KindAuth is a bad or missing credential.
	KindAuth
	// KindNotFound covers missing owners, repositories, and paths inside
	// a ready working copy.
	KindNotFound
	// KindNetwork is a transient failure reaching the remote host,
	// including rate limiting.
	KindNetwork
	// KindClone is a local clone or refresh failure (disk, transfer).
	KindClone
	// KindTimeout means a waiter exceeded its bound while another task
	// held the clone lease.
	KindTimeout
	// KindInvalid is a malformed virtual path.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not found"
	case KindNetwork:
		return "network"
	case KindClone:
		return "clone"
	case KindTimeout:
		return "timeout"
	case KindInvalid:
		return "invalid path"
	default:
		return "unknown"
	}
}

// Error is a classified failure with operation and path context.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, path, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from an error chain, KindUnknown if absent.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is lets errors.Is match two classified errors by kind alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Errno maps an error onto the fixed errno set the filesystem binding
// speaks: EACCES, ENOENT, EIO, EAGAIN.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindAuth:
		return syscall.EACCES
	case KindNotFound, KindInvalid:
		return syscall.ENOENT
	case KindTimeout:
		return syscall.EAGAIN
	default:
		return syscall.EIO
	}
}
