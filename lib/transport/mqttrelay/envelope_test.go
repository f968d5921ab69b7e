package mqttrelay

import (
	"testing"
	"time"

	"github.com/meshroute/meshroute/lib/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeEncodingCarriesVersionAndAddress(t *testing.T) {
	from := identity.PeerAddress{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4}
	raw, err := envelope{
		Kind:      KindHandshake,
		From:      from,
		Payload:   []byte{0, 1, 2},
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}.encode()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"v":1`)
	assert.Contains(t, string(raw), `"from":"deadbeef01020304"`)

	env, err := decodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, from, env.From)
	assert.Equal(t, []byte{0, 1, 2}, env.Payload)
}

func TestDecodeRejectsFutureVersionAndGarbage(t *testing.T) {
	_, err := decodeEnvelope([]byte(`{"v":99,"kind":"message","from":"0000000000000000"}`))
	assert.Error(t, err)
	_, err = decodeEnvelope([]byte(`not json`))
	assert.Error(t, err)
	_, err = decodeEnvelope([]byte(`{"v":1,"from":"zz"}`))
	assert.Error(t, err)
}

func TestTopicRouting(t *testing.T) {
	tp := topics{root: "meshroute"}
	a := identity.PeerAddress{1, 2, 3, 4, 5, 6, 7, 8}

	branch, leaf, err := tp.route(tp.inbox(a))
	require.NoError(t, err)
	assert.Equal(t, "inbox", branch)
	assert.Equal(t, a.String(), leaf)

	branch, leaf, err = tp.route(tp.geo("u33dc0"))
	require.NoError(t, err)
	assert.Equal(t, "geo", branch)
	assert.Equal(t, "u33dc0", leaf)

	branch, _, err = tp.route(tp.broadcast())
	require.NoError(t, err)
	assert.Equal(t, "broadcast", branch)

	_, _, err = tp.route("other/broadcast")
	assert.Error(t, err)
}

func TestNewValidatesAndDefaults(t *testing.T) {
	_, err := New("relay", Options{})
	assert.Error(t, err)

	r, err := New("relay", Options{BrokerURL: "tcp://127.0.0.1:1", TopicRoot: "/custom/"})
	require.NoError(t, err)
	assert.Equal(t, "custom", r.topics.root)
	assert.False(t, r.Address().IsZero())
	assert.False(t, r.IsPeerReachable(r.Address()))
}
