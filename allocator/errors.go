package allocator

import "errors"

var (
	// ErrInvalidAllocator is returned by an Allocator's allocation methods
	// (Malloc, Calloc, Valloc, Realloc, Free, Strdup, Strndup) and by Cleanup
	// once Delete has torn it down.
	ErrInvalidAllocator = errors.New("allocator: use of a destroyed allocator")
	// ErrPmemNotConfigured is returned by NewPersistent when the owning
	// Runtime was not given a PmemDir.
	ErrPmemNotConfigured = errors.New("allocator: persistent memory backing not configured")
	// ErrAlreadyCleared is returned by Clear when called on a Runtime that
	// has already been torn down.
	ErrAlreadyCleared = errors.New("allocator: runtime already cleared")
)
