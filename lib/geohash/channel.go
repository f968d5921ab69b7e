package geohash

import (
	"strings"

	"github.com/samber/oops"
)

// Level is the granularity of a location channel.
type Level int

const (
	Region Level = iota
	Province
	City
	Neighborhood
	Block
	Building
)

// levelPrecision is a compatibility contract: changing an entry changes
// which users share a channel.
var levelPrecision = [...]int{
	Region:       2,
	Province:     4,
	City:         6,
	Neighborhood: 8,
	Block:        10,
	Building:     12,
}

var levelNames = [...]string{
	Region:       "region",
	Province:     "province",
	City:         "city",
	Neighborhood: "neighborhood",
	Block:        "block",
	Building:     "building",
}

// AllLevels returns every level from coarsest to finest.
func AllLevels() []Level {
	return []Level{Region, Province, City, Neighborhood, Block, Building}
}

func (l Level) valid() bool {
	return l >= Region && l <= Building
}

// Precision returns the geohash length used for the level, or 0 for an
// unknown level.
func (l Level) Precision() int {
	if !l.valid() {
		return 0
	}
	return levelPrecision[l]
}

func (l Level) String() string {
	if !l.valid() {
		return "unknown"
	}
	return levelNames[l]
}

// ParseLevel parses a level name such as "city".
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, name := range levelNames {
		if name == s {
			return Level(l), nil
		}
	}
	return 0, oops.In("geohash").With("level", s).Wrapf(ErrInvalidLevel, "unknown level")
}

// LevelForPrecision maps a geohash length back to its level.
func LevelForPrecision(precision int) (Level, error) {
	for l, p := range levelPrecision {
		if p == precision {
			return Level(l), nil
		}
	}
	return 0, oops.In("geohash").With("precision", precision).Wrapf(ErrInvalidLevel, "no level uses this precision")
}

// GeohashChannel is a location-scoped chat channel.
type GeohashChannel struct {
	Geohash string
	Level   Level
}

// ChannelFor returns the channel of the given level containing the coordinate.
func ChannelFor(lat, lon float64, level Level) (GeohashChannel, error) {
	if !level.valid() {
		return GeohashChannel{}, oops.In("geohash").With("level", int(level)).Wrapf(ErrInvalidLevel, "unknown level")
	}
	hash, err := Encode(lat, lon, level.Precision())
	if err != nil {
		return GeohashChannel{}, err
	}
	return GeohashChannel{Geohash: hash, Level: level}, nil
}

// ChannelsFor returns one channel per level for the coordinate. Every
// coarser channel is a truncation of the building channel.
func ChannelsFor(lat, lon float64) ([]GeohashChannel, error) {
	finest, err := Encode(lat, lon, Building.Precision())
	if err != nil {
		return nil, err
	}
	levels := AllLevels()
	out := make([]GeohashChannel, 0, len(levels))
	for _, l := range levels {
		out = append(out, GeohashChannel{Geohash: finest[:l.Precision()], Level: l})
	}
	return out, nil
}

// Parent returns the next coarser channel, or false at region level.
func (c GeohashChannel) Parent() (GeohashChannel, bool) {
	if c.Level <= Region || !c.Level.valid() {
		return GeohashChannel{}, false
	}
	l := c.Level - 1
	return GeohashChannel{Geohash: c.Geohash[:l.Precision()], Level: l}, true
}

// ChannelID names a chat channel: the flat mesh channel or a location channel.
type ChannelID interface {
	String() string
	isChannelID()
}

// MeshChannelID is the default channel shared by every reachable peer.
type MeshChannelID struct{}

// LocationChannelID is a geohash-scoped channel.
type LocationChannelID struct {
	Channel GeohashChannel
}

func (MeshChannelID) isChannelID()     {}
func (LocationChannelID) isChannelID() {}

func (MeshChannelID) String() string { return "mesh" }

func (c LocationChannelID) String() string { return "geo:" + c.Channel.Geohash }

// MeshChannel returns the flat default channel.
func MeshChannel() ChannelID { return MeshChannelID{} }

// LocationChannel wraps a geohash channel as a ChannelID.
func LocationChannel(ch GeohashChannel) ChannelID { return LocationChannelID{Channel: ch} }

// ParseChannelID parses "mesh" or "geo:<geohash>". The level is inferred
// from the geohash length.
func ParseChannelID(s string) (ChannelID, error) {
	s = strings.TrimSpace(s)
	if s == "mesh" {
		return MeshChannel(), nil
	}
	hash, ok := strings.CutPrefix(s, "geo:")
	if !ok {
		return nil, oops.In("geohash").With("channel", s).Wrapf(ErrInvalidChannel, "expected mesh or geo:<hash>")
	}
	if _, err := DecodeBounds(hash); err != nil {
		return nil, err
	}
	level, err := LevelForPrecision(len(hash))
	if err != nil {
		return nil, err
	}
	return LocationChannel(GeohashChannel{Geohash: strings.ToLower(hash), Level: level}), nil
}
