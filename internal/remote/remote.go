// Package remote provides the remote snapshot stores (FTP and S3) and the
// Resilient wrapper that adds retries and a circuit breaker on top of them.
package remote

import (
	"fmt"

	"github.com/cwbudde/sizif/internal/store"
)

// Backend kinds.
const (
	KindNone = "none"
	KindFTP  = "ftp"
	KindS3   = "s3"
)

// Options selects and configures a remote store.
type Options struct {
	Kind   string
	FTP    FTPConfig
	S3     S3Config
	Policy Policy
}

// New builds the remote store described by opts, wrapped in Resilient.
// KindNone (or an empty kind) returns a nil backend and no error.
func New(opts Options) (store.Backend, error) {
	var inner store.Backend
	switch opts.Kind {
	case "", KindNone:
		return nil, nil
	case KindFTP:
		s, err := NewFTPStore(opts.FTP)
		if err != nil {
			return nil, err
		}
		inner = s
	case KindS3:
		s, err := NewS3Store(opts.S3)
		if err != nil {
			return nil, err
		}
		inner = s
	default:
		return nil, fmt.Errorf("unknown remote kind %q (expected none, ftp or s3)", opts.Kind)
	}
	return NewResilient(inner, opts.Policy), nil
}
