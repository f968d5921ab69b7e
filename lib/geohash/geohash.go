package geohash

import (
	"math"
	"strings"

	"github.com/samber/oops"
)

// Standard geohash base-32 alphabet (no a, i, l, o).
const alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

const (
	MinPrecision = 1
	MaxPrecision = 32

	bitsPerChar = 5
)

// decodeTable maps an ASCII byte to its 5-bit value, or -1.
var decodeTable = func() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		t[alphabet[i]] = int8(i)
		t[strings.ToUpper(alphabet[i:i+1])[0]] = int8(i)
	}
	return t
}()

// Bounds is the latitude/longitude box denoted by a geohash.
type Bounds struct {
	LatMin, LatMax float64
	LonMin, LonMax float64
}

// Contains reports whether the point lies inside the box, edges included.
func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.LatMin && lat <= b.LatMax && lon >= b.LonMin && lon <= b.LonMax
}

// Center returns the midpoint of the box.
func (b Bounds) Center() (lat, lon float64) {
	return (b.LatMin + b.LatMax) / 2, (b.LonMin + b.LonMax) / 2
}

// DiagonalDegrees is the box diagonal in degrees. It only shrinks as the
// geohash grows.
func (b Bounds) DiagonalDegrees() float64 {
	return math.Hypot(b.LatMax-b.LatMin, b.LonMax-b.LonMin)
}

func validatePrecision(precision int) error {
	if precision < MinPrecision || precision > MaxPrecision {
		return oops.
			In("geohash").
			With("precision", precision).
			Wrapf(ErrInvalidPrecision, "precision must be within %d..%d", MinPrecision, MaxPrecision)
	}
	return nil
}

func validateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) ||
		lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return oops.
			In("geohash").
			With("latitude", lat).
			With("longitude", lon).
			Wrapf(ErrInvalidCoordinate, "coordinate out of range")
	}
	return nil
}

// Encode returns the standard interleaved-bit geohash of the coordinate.
// The result is exactly precision characters long, and the encoding at
// precision p is always a prefix of the encoding at p+1.
func Encode(lat, lon float64, precision int) (string, error) {
	if err := validatePrecision(precision); err != nil {
		return "", err
	}
	if err := validateCoordinate(lat, lon); err != nil {
		return "", err
	}

	latMin, latMax := -90.0, 90.0
	lonMin, lonMax := -180.0, 180.0
	out := make([]byte, 0, precision)
	// even bits refine longitude, odd bits refine latitude
	even := true
	for len(out) < precision {
		ch := 0
		for b := 0; b < bitsPerChar; b++ {
			ch <<= 1
			if even {
				mid := (lonMin + lonMax) / 2
				if lon >= mid {
					ch |= 1
					lonMin = mid
				} else {
					lonMax = mid
				}
			} else {
				mid := (latMin + latMax) / 2
				if lat >= mid {
					ch |= 1
					latMin = mid
				} else {
					latMax = mid
				}
			}
			even = !even
		}
		out = append(out, alphabet[ch])
	}
	return string(out), nil
}

// DecodeBounds returns the bounding box of the cell the geohash denotes.
// Upper-case input is accepted.
func DecodeBounds(hash string) (Bounds, error) {
	if len(hash) < MinPrecision || len(hash) > MaxPrecision {
		return Bounds{}, oops.
			In("geohash").
			With("geohash", hash).
			Wrapf(ErrInvalidGeohash, "geohash length %d outside %d..%d", len(hash), MinPrecision, MaxPrecision)
	}

	b := Bounds{LatMin: -90, LatMax: 90, LonMin: -180, LonMax: 180}
	even := true
	for i := 0; i < len(hash); i++ {
		v := decodeTable[hash[i]]
		if v < 0 {
			return Bounds{}, oops.
				In("geohash").
				With("geohash", hash).
				With("offset", i).
				Wrapf(ErrInvalidGeohash, "invalid character %q", hash[i])
		}
		for shift := bitsPerChar - 1; shift >= 0; shift-- {
			bit := (v >> shift) & 1
			if even {
				mid := (b.LonMin + b.LonMax) / 2
				if bit == 1 {
					b.LonMin = mid
				} else {
					b.LonMax = mid
				}
			} else {
				mid := (b.LatMin + b.LatMax) / 2
				if bit == 1 {
					b.LatMin = mid
				} else {
					b.LatMax = mid
				}
			}
			even = !even
		}
	}
	return b, nil
}

// DecodeCenter returns the center of the cell the geohash denotes.
func DecodeCenter(hash string) (lat, lon float64, err error) {
	b, err := DecodeBounds(hash)
	if err != nil {
		return 0, 0, err
	}
	lat, lon = b.Center()
	return lat, lon, nil
}

// Direction indexes the result of Neighbors.
type Direction int

const (
	North Direction = iota
	NorthEast
	East
	SouthEast
	South
	SouthWest
	West
	NorthWest
)

var directionOffsets = [8][2]float64{
	North:     {1, 0},
	NorthEast: {1, 1},
	East:      {0, 1},
	SouthEast: {-1, 1},
	South:     {-1, 0},
	SouthWest: {-1, -1},
	West:      {0, -1},
	NorthWest: {1, -1},
}

var directionNames = [8]string{"n", "ne", "e", "se", "s", "sw", "w", "nw"}

func (d Direction) String() string {
	if d < North || d > NorthWest {
		return "unknown"
	}
	return directionNames[d]
}

// Neighbors returns the eight adjacent cells at the same precision, indexed
// by Direction. Longitude wraps at the antimeridian. Cells beyond a pole do
// not exist, so the polar row reports the cell itself in those directions.
func Neighbors(hash string) ([8]string, error) {
	var out [8]string
	b, err := DecodeBounds(hash)
	if err != nil {
		return out, err
	}
	hash = strings.ToLower(hash)
	lat, lon := b.Center()
	dLat := b.LatMax - b.LatMin
	dLon := b.LonMax - b.LonMin
	for dir, off := range directionOffsets {
		nLat := lat + off[0]*dLat
		nLon := wrapLongitude(lon + off[1]*dLon)
		if nLat > 90 || nLat < -90 {
			out[dir] = hash
			continue
		}
		n, err := Encode(nLat, nLon, len(hash))
		if err != nil {
			return out, err
		}
		out[dir] = n
	}
	return out, nil
}

func wrapLongitude(lon float64) float64 {
	for lon >= 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}
