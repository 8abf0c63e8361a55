package engine

import (
	"context"
	"errors"
	"syscall"
)

// ErrKind buckets filesystem failures by how the executor should react.
type ErrKind uint8

const (
	KindNone ErrKind = iota
	// KindTransient: briefly locked files, resource exhaustion,
	// permission races. Retried with backoff, then escalated.
	KindTransient
	// KindPermanent: disk full, read-only destination, path too long.
	// Reported per file; the task keeps processing other paths.
	KindPermanent
	// KindConfigFatal: root inaccessible at task start. The task
	// transitions to Failed and never runs.
	KindConfigFatal
)

var errKindNames = map[ErrKind]string{
	KindNone:        "none",
	KindTransient:   "transient",
	KindPermanent:   "permanent",
	KindConfigFatal: "config_fatal",
}

func (k ErrKind) String() string {
	return errKindNames[k]
}

// Classify maps a filesystem error to its retry class. Unknown errors
// are permanent: an unbounded retry loop is worse than a reported
// per-file failure the next sweep can retry anyway.
func Classify(err error) ErrKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindPermanent
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EBUSY, syscall.EAGAIN, syscall.ETXTBSY, syscall.EINTR,
			syscall.EMFILE, syscall.ENFILE, syscall.EACCES:
			return KindTransient
		case syscall.ENOSPC, syscall.EROFS, syscall.ENAMETOOLONG, syscall.EINVAL:
			return KindPermanent
		}
	}
	return KindPermanent
}
