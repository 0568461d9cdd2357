package accounts

import "fmt"

// StorageError represents an account directory or file I/O failure.
// It is fatal for pool initialization and recoverable for single-account
// reloads.
type StorageError struct {
	// Op is the operation that failed ("load", "reload", "toggle", ...).
	Op string

	// Path is the file or directory involved.
	Path string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("account storage %s failed for %q: %v", e.Op, e.Path, e.Cause)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a StorageError for the given operation and path.
func NewStorageError(op, path string, cause error) *StorageError {
	return &StorageError{Op: op, Path: path, Cause: cause}
}

// NotFoundError indicates a referenced account does not exist.
type NotFoundError struct {
	// ID is the missing account id.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("account %q not found", e.ID)
}
