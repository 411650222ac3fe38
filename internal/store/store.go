package store

import (
	"context"
	"errors"
	"fmt"
)

// Backend is the capability set every snapshot store provides: the local
// folder and each remote variant.
//
// Contract:
//   - Put is atomic from the caller's point of view. After it returns the
//     snapshot is either fully present or absent; no partial blob is ever
//     visible under id.
//   - Get returns ErrNotFound (use errors.Is) when id does not exist.
//   - Delete of an absent id is a successful no-op.
//   - List returns identifiers only. Callers parse and filter them.
//
// Errors from local backends are *LocalIOError. Errors from remote backends
// are *RemoteTransientError or *RemoteFatalError so that callers can decide
// whether to retry.
type Backend interface {
	Put(ctx context.Context, id string, blob []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// Named is implemented by backends that report a short name for logs and
// metrics ("local", "ftp", "s3").
type Named interface {
	Name() string
}

// NameOf returns b's name, or its type when b does not implement Named.
func NameOf(b Backend) string {
	if n, ok := b.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", b)
}

// ErrNotFound is returned when a requested snapshot does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing snapshot.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return "snapshot not found: " + e.ID
	}
	return "snapshot not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// IsNotFound reports whether err is, or wraps, a *NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
