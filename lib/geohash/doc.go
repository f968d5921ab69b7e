// Package geohash maps coordinates to hierarchical base-32 cell identifiers
// and back, and derives the location-scoped chat channels built on them.
//
// # Encoding
//
// Encode implements the standard interleaved-bit geohash: even bits bisect
// longitude, odd bits bisect latitude, and every five bits select one
// character of the alphabet "0123456789bcdefghjkmnpqrstuvwxyz". Because
// each character only narrows the previous cell, the hash at precision p
// is a prefix of the hash at p+1:
//
//	Encode(52.5200, 13.4050, 6)  // "u33dc0"
//	Encode(52.5200, 13.4050, 8)  // "u33dc0cp"
//
// Precision is bounded to 1..32 and out-of-range values are rejected with
// ErrInvalidPrecision rather than clamped.
//
// # Channels
//
// A channel level selects a fixed precision:
//
//	region=2  province=4  city=6  neighborhood=8  block=10  building=12
//
// The table is part of the compatibility surface. ChannelsFor computes the
// building-level hash once and truncates it for every coarser level.
//
// All functions in this package are pure and safe for concurrent use.
package geohash
