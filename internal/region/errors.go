package region

import "errors"

var (
	// ErrOutOfMemory is returned when a region cannot be grown or acquired
	// to satisfy a request.
	ErrOutOfMemory = errors.New("region: out of memory")
	// ErrInvalidFree is returned when Free is given a pointer that does not
	// point at a currently in-use chunk owned by this engine.
	ErrInvalidFree = errors.New("region: invalid free")
	// ErrRequestTooLarge is returned when a request exceeds the engine's
	// configured MaxRequestSize.
	ErrRequestTooLarge = errors.New("region: request exceeds configured maximum")
)
