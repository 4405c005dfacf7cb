package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrBreakerOpen reports a fetcher disabled by repeated failures. It needs
	// manual intervention (new credentials and a restart), unlike transient
	// fetch errors.
	ErrBreakerOpen = errors.New("fetcher disabled after consecutive failures, needs manual intervention")

	// ErrUpstreamRejected reports an upstream answer that refused the request.
	ErrUpstreamRejected = errors.New("upstream rejected request")

	// ErrArtifactExists is returned by write-once artifact stores. Callers
	// treat it as success.
	ErrArtifactExists = errors.New("artifact already exists")

	// ErrQueueClosed is returned by Get once the queue is shut down.
	ErrQueueClosed = errors.New("queue closed")

	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("not found")
)

// StorageError wraps any frontier store failure. The orchestrator stops on
// it because frontier consistency cannot be assumed after a partial write.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("frontier store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// WrapStorage tags err as a storage failure of op. A nil err stays nil.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err originated in a frontier store.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
