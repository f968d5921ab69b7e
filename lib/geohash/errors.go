package geohash

import "errors"

var (
	// ErrInvalidPrecision is returned for a precision outside 1..32. The
	// value is rejected, never clamped.
	ErrInvalidPrecision = errors.New("invalid geohash precision")
	// ErrInvalidCoordinate is returned for NaN, infinite or out-of-range input.
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	// ErrInvalidGeohash is returned when a geohash has a bad length or character.
	ErrInvalidGeohash = errors.New("invalid geohash")
	// ErrInvalidLevel is returned for an unknown channel level.
	ErrInvalidLevel = errors.New("invalid channel level")
	// ErrInvalidChannel is returned when a channel ID cannot be parsed.
	ErrInvalidChannel = errors.New("invalid channel id")
)
