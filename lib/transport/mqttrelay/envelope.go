package mqttrelay

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/meshroute/meshroute/lib/identity"
	"github.com/samber/oops"
)

const envelopeVersion = 1

// Kind tags what an envelope carries.
type Kind string

const (
	KindMessage   Kind = "message"
	KindPrivate   Kind = "private"
	KindLocation  Kind = "location"
	KindHandshake Kind = "handshake"
	KindPresence  Kind = "presence"
)

// envelope is the JSON payload of every relay publish.
type envelope struct {
	V          int                  `json:"v"`
	Kind       Kind                 `json:"kind"`
	ID         string               `json:"id,omitempty"`
	From       identity.PeerAddress `json:"from"`
	Nickname   string               `json:"nickname,omitempty"`
	Content    string               `json:"content,omitempty"`
	Mentions   []string             `json:"mentions,omitempty"`
	ToNickname string               `json:"to_nickname,omitempty"`
	Geohash    string               `json:"geohash,omitempty"`
	Payload    []byte               `json:"payload,omitempty"`
	Online     bool                 `json:"online,omitempty"`
	Timestamp  time.Time            `json:"ts"`
}

func (e envelope) encode() ([]byte, error) {
	e.V = envelopeVersion
	return json.Marshal(e)
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return envelope{}, oops.In("mqttrelay").Wrapf(err, "decode envelope")
	}
	if e.V > envelopeVersion {
		return envelope{}, oops.In("mqttrelay").With("version", e.V).Errorf("unsupported envelope version")
	}
	return e, nil
}

// topics builds and parses the relay topic tree:
//
//	<root>/broadcast
//	<root>/presence/<address>   retained
//	<root>/inbox/<address>      private messages, QoS 1
//	<root>/handshake/<address>  handshake payloads, QoS 1
//	<root>/geo/<geohash>        location channels
type topics struct {
	root string
}

func (t topics) broadcast() string { return t.root + "/broadcast" }

func (t topics) presence(a identity.PeerAddress) string { return t.root + "/presence/" + a.String() }

func (t topics) presenceAll() string { return t.root + "/presence/+" }

func (t topics) inbox(a identity.PeerAddress) string { return t.root + "/inbox/" + a.String() }

func (t topics) handshake(a identity.PeerAddress) string { return t.root + "/handshake/" + a.String() }

func (t topics) geo(geohash string) string { return t.root + "/geo/" + geohash }

// route splits a topic into its branch and trailing segment.
func (t topics) route(topic string) (branch, leaf string, err error) {
	rest, ok := strings.CutPrefix(topic, t.root+"/")
	if !ok {
		return "", "", oops.In("mqttrelay").With("topic", topic, "root", t.root).Errorf("topic outside root")
	}
	branch, leaf, _ = strings.Cut(rest, "/")
	return branch, leaf, nil
}
