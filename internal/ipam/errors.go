package ipam

import "errors"

var (
	// ErrRangeExhausted is returned when no free sub-range of the requested
	// size remains in the global range.
	ErrRangeExhausted = errors.New("address range exhausted")

	// ErrAddressExhausted is returned when every host address of a
	// sub-range is in use.
	ErrAddressExhausted = errors.New("address exhausted")

	// ErrAddressConflict is returned when an explicitly requested address
	// is already in use or reserved.
	ErrAddressConflict = errors.New("address conflict")

	// ErrRangeConflict is returned when an explicitly requested sub-range
	// overlaps one that is already allocated.
	ErrRangeConflict = errors.New("range conflict")

	// ErrOutOfRange is returned when a requested block or address does not
	// lie inside the range it was requested from.
	ErrOutOfRange = errors.New("out of range")

	ErrUnknownRange = errors.New("unknown range")
)
