// Package ssh publishes and fetches transfer packages over SFTP.
package ssh

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Operations reported by TransportError.
const (
	OpConnect  = "connect"
	OpSession  = "session"
	OpUpload   = "upload"
	OpDownload = "download"
	OpList     = "list"
)

var errNotConnected = errors.New("not connected")

// TransportError is a failed remote operation.
type TransportError struct {
	Op   string
	Path string
	Err  error

	// Temporary marks failures an identical retry may not hit again.
	Temporary bool

	// Auth marks credential and host key failures.
	Auth bool
}

func (e *TransportError) Error() string {
	if e.Path != "" {
		return e.Op + " " + e.Path + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err is a temporary transport failure.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Temporary
}

// RemoteFile is a regular file in a remote directory.
type RemoteFile struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// retry runs fn until it succeeds, fails permanently, ctx is done or
// attempts are used up. Waits start at delay and double after each attempt.
func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = delay
	policy.RandomizationFactor = 0

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && (!IsTemporary(err) || ctx.Err() != nil) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	)

	// the last attempt returns its error still wrapped
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Unwrap()
	}
	return err
}
