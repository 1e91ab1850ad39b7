// This package implements a read/write exFAT filesystem over a sector-
// addressed block device.

package exfat

import (
	"errors"
	"fmt"

	"github.com/dsoprea/go-logging"
)

// These errors may be surfaced by any filesystem operation. Wrapped causes are
// attached with `%w`, so `errors.Is` may be used against all of them.
var (
	// ErrIO wraps an error returned by the underlying block device. The
	// device's native error is preserved in the chain and is never
	// interpreted here.
	ErrIO = errors.New("device I/O error")

	// ErrBadBootSector indicates that the main boot sector failed validation.
	ErrBadBootSector = errors.New("bad boot sector")

	// ErrChecksumMismatch indicates that a stored checksum (boot region or
	// upcase table) does not agree with the recomputed value.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrCorruptChain indicates that a cluster chain walk encountered a bad-
	// cluster sentinel or an out-of-range cluster number.
	ErrCorruptChain = errors.New("corrupt cluster chain")

	// ErrCorruptEntrySet indicates that a directory entry set failed its
	// checksum or structural validation.
	ErrCorruptEntrySet = errors.New("corrupt directory entry set")

	// ErrNoSpace indicates that the allocation bitmap has no free clusters
	// left to satisfy a request.
	ErrNoSpace = errors.New("no space")

	// ErrNameTooLong indicates a filename longer than the configured cap.
	ErrNameTooLong = errors.New("name too long")

	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrDirectoryNotEmpty = errors.New("directory not empty")
	ErrNotADirectory     = errors.New("not a directory")
	ErrNotAFile          = errors.New("not a file")

	// ErrHandleClosed indicates an operation on a closed file or directory
	// handle.
	ErrHandleClosed = errors.New("handle closed")

	// ErrReadOnly indicates a mutation against a read-only mount or a file
	// carrying the read-only attribute.
	ErrReadOnly = errors.New("read-only violation")
)

func wrapIO(err error) error {
	return fmt.Errorf("%w: %w", ErrIO, err)
}

// recoverError converts a recovered panic value back into an error. Taxonomy
// errors raised deliberately pass through untouched so that `errors.Is` still
// resolves them at the caller; anything else is wrapped the way the upstream
// parsing code expects.
func recoverError(errRaw interface{}) error {
	if err, ok := errRaw.(error); ok == true {
		return err
	}

	return log.Errorf("error not an error: [%v]", errRaw)
}
