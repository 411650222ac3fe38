package remote

import (
	"context"
	"errors"
	"net/textproto"

	"github.com/minio/minio-go/v7"

	"github.com/cwbudde/sizif/internal/store"
)

// FTP reply codes the stores react to.
const (
	ftpSyntaxError         = 500
	ftpNotImplemented      = 502
	ftpParamNotImplemented = 504
	ftpFileUnavailable     = 550
)

// classifyFTPError sorts an FTP client error into the store error taxonomy.
// 4xx replies and network failures are transient, 5xx replies are fatal.
func classifyFTPError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &store.RemoteFatalError{Backend: "ftp", Op: op, ID: id, Err: err}
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 400 && tpErr.Code < 500 {
			return &store.RemoteTransientError{Backend: "ftp", Op: op, ID: id, Err: err}
		}
		return &store.RemoteFatalError{Backend: "ftp", Op: op, ID: id, Err: err}
	}

	// Connection resets, timeouts, EOF on a dropped control connection and
	// anything else below the protocol level.
	return &store.RemoteTransientError{Backend: "ftp", Op: op, ID: id, Err: err}
}

// ftpCode returns the reply code carried by err, or 0.
func ftpCode(err error) int {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}
	return 0
}

// classifyS3Error sorts a minio-go error into the store error taxonomy.
func classifyS3Error(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &store.RemoteFatalError{Backend: "s3", Op: op, ID: id, Err: err}
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey":
		return &store.NotFoundError{ID: id}
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
		"NoSuchBucket", "InvalidBucketName", "AllAccessDisabled":
		return &store.RemoteFatalError{Backend: "s3", Op: op, ID: id, Err: err}
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return &store.RemoteTransientError{Backend: "s3", Op: op, ID: id, Err: err}
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != 408 && resp.StatusCode != 429 {
		return &store.RemoteFatalError{Backend: "s3", Op: op, ID: id, Err: err}
	}

	// 5xx, throttling and network errors (no HTTP status at all).
	return &store.RemoteTransientError{Backend: "s3", Op: op, ID: id, Err: err}
}
