// Package docstore provides versioned access to named JSON documents held in
// a remote content repository, with optimistic concurrency via an opaque
// version token and pluggable backends selected by DSN.
package docstore

import (
	"context"
	"errors"
)

var (
	ErrNotConfigured = errors.New("document store not configured")
	ErrUnavailable   = errors.New("document host unavailable")
	ErrConflict      = errors.New("version conflict")
	ErrInvalidInput  = errors.New("invalid input")
)

// Document is one revision of a stored JSON blob. An empty VersionToken
// means the document does not exist yet at the remote.
type Document struct {
	Content      []byte
	VersionToken string
}

// ConflictError reports a write made against a stale version token.
type ConflictError struct {
	Path         string
	StaleToken   string
	CurrentToken string
}

func (e *ConflictError) Error() string {
	return "version conflict on " + e.Path
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Client is the low-level document access boundary. Get must fail soft for
// a missing document (empty Document, nil error); transport failures are
// returned as errors for the caller's fallback policy. Put performs an
// optimistic-concurrency write: versionToken is the token from the last
// read, or empty for first-time creation. Retry policy belongs to callers.
type Client interface {
	Get(ctx context.Context, path string) (Document, error)
	Put(ctx context.Context, path string, content []byte, versionToken, message string) (string, error)
}
