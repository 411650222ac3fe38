package store

import (
	"errors"
	"fmt"
)

// LocalIOError wraps a failure of the local folder. Local storage is treated
// as authoritative, so these errors always reach the caller.
type LocalIOError struct {
	Op  string
	ID  string
	Err error
}

func (e *LocalIOError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("local %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("local %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *LocalIOError) Unwrap() error { return e.Err }

// RemoteTransientError is a remote failure worth retrying: connection
// resets, timeouts, temporary server conditions.
type RemoteTransientError struct {
	Backend string
	Op      string
	ID      string
	Err     error
}

func (e *RemoteTransientError) Error() string {
	return remoteMessage("transient", e.Backend, e.Op, e.ID, e.Err)
}

func (e *RemoteTransientError) Unwrap() error { return e.Err }

// RemoteFatalError is a remote failure that will not go away by retrying:
// bad credentials, permission denied, missing bucket.
type RemoteFatalError struct {
	Backend string
	Op      string
	ID      string
	Err     error
}

func (e *RemoteFatalError) Error() string {
	return remoteMessage("fatal", e.Backend, e.Op, e.ID, e.Err)
}

func (e *RemoteFatalError) Unwrap() error { return e.Err }

func remoteMessage(kind, backend, op, id string, err error) string {
	if id == "" {
		return fmt.Sprintf("%s %s (%s): %v", backend, op, kind, err)
	}
	return fmt.Sprintf("%s %s %s (%s): %v", backend, op, id, kind, err)
}

// IsTransient reports whether err is, or wraps, a *RemoteTransientError.
func IsTransient(err error) bool {
	var te *RemoteTransientError
	return errors.As(err, &te)
}

// IsRemote reports whether err came from a remote backend.
func IsRemote(err error) bool {
	var te *RemoteTransientError
	var fe *RemoteFatalError
	return errors.As(err, &te) || errors.As(err, &fe)
}
