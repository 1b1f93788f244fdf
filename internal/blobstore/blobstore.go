// Package blobstore abstracts the durable object store the pipeline runs
// against. The location prefix of an object doubles as a coarse state
// indicator: a file sits in exactly one location at a time and advances by
// being moved between them.
package blobstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotExist is returned when the named object is absent from the store.
var ErrNotExist = errors.New("object does not exist")

// Location is a logical prefix within the processing bucket.
type Location string

const (
	Incoming   Location = "incoming"
	Processing Location = "processing"
	Importing  Location = "importing"
	Completed  Location = "completed"
	Rejected   Location = "rejected"
	Archive    Location = "archive"
	Templates  Location = "templates"
)

// Store is the object storage surface the pipeline depends on. Moves must be
// copy-then-delete-source so a crash between the two operations duplicates an
// object rather than losing it; every consumer tolerates the duplicate.
type Store interface {
	// Put writes data under loc/name.
	Put(ctx context.Context, loc Location, name string, data []byte, contentType string) error
	// Get reads loc/name in full. Returns ErrNotExist when absent.
	Get(ctx context.Context, loc Location, name string) ([]byte, error)
	// Exists reports whether loc/name is present.
	Exists(ctx context.Context, loc Location, name string) (bool, error)
	// Move relocates name from one location to another. Moving an object
	// that is already gone from src is not an error when it is present at
	// dst; that is the crash-recovery no-op case.
	Move(ctx context.Context, src, dst Location, name string) error
	// Presign returns a time-limited GET URL for loc/name.
	Presign(ctx context.Context, loc Location, name string, expiry time.Duration) (string, error)
}

// Key joins a location prefix and object name into a bucket key.
func Key(loc Location, name string) string {
	return string(loc) + "/" + name
}
