package cloudproto

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/montagao/iot-device-agent/pkg/log"
)

func testCodec() *Codec {
	c := NewCodec("dev-1", time.Minute, log.NewPrefixLogger("test"))
	c.SetSessionID("sess-1")
	return c
}

func TestComposeThingKeyTruncates(t *testing.T) {
	require.Equal(t, "dev-1-sess-1", ComposeThingKey("dev-1", "sess-1"))

	long := strings.Repeat("x", 200)
	key := ComposeThingKey("dev-1", long)
	require.LessOrEqual(t, len(key), maxThingKeyBytes)
}

func TestEncodePropertyPublish(t *testing.T) {
	c := testCodec()
	b, err := c.EncodePropertyPublish("temp", IntValue(TypeI32, 42), time.Time{})
	require.NoError(t, err)

	var envelope map[string]struct {
		Command string                 `json:"command"`
		Params  map[string]interface{} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(b, &envelope))
	require.Len(t, envelope, 1)

	for _, cmd := range envelope {
		require.Equal(t, "property.publish", cmd.Command)
		require.Equal(t, "dev-1-sess-1", cmd.Params["thingKey"])
		require.Equal(t, "temp", cmd.Params["key"])
		require.Contains(t, cmd.Params, "ts")
	}
}

func TestEncodeLocationPublishOmitsUnsetFields(t *testing.T) {
	c := testCodec()
	loc := Location{Lat: 1.5, Lng: -2.5}
	b, err := c.EncodeLocationPublish(loc, time.Now())
	require.NoError(t, err)

	var envelope map[string]struct {
		Params map[string]interface{} `json:"params"`
	}
	require.NoError(t, json.Unmarshal(b, &envelope))
	for _, cmd := range envelope {
		require.NotContains(t, cmd.Params, "heading")
		require.NotContains(t, cmd.Params, "speed")
	}

	loc.SetHeading(90)
	b, err = c.EncodeLocationPublish(loc, time.Now())
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, &envelope))
	for _, cmd := range envelope {
		require.Contains(t, cmd.Params, "heading")
	}
}

func TestDecodeReplyDedupesRequestID(t *testing.T) {
	c := testCodec()
	payload := []byte(`{"cmd":{"params":{"messages":[{"id":"r1","params":{"method":"ping","params":{"count":3,"ratio":1.5,"ok":true,"name":"x"}}}]}}}`)

	reqs, err := c.DecodeReply(payload)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.Equal(t, "r1", reqs[0].ID)
	require.Equal(t, "tr50", reqs[0].Source)
	require.Equal(t, "ping", reqs[0].Method)

	count, ok := reqs[0].Params["count"].Int()
	require.True(t, ok)
	require.EqualValues(t, 3, count)

	ratio, ok := reqs[0].Params["ratio"].Float()
	require.True(t, ok)
	require.Equal(t, 1.5, ratio)

	// redelivered message with the same id is dropped
	reqs2, err := c.DecodeReply(payload)
	require.NoError(t, err)
	require.Empty(t, reqs2)
}

func TestIsMailboxActivityFor(t *testing.T) {
	c := testCodec()
	require.True(t, c.IsMailboxActivityFor([]byte(`{"thingKey":"dev-1-sess-1"}`)))
	require.False(t, c.IsMailboxActivityFor([]byte(`{"thingKey":"other"}`)))
}

func TestValueCastToNarrowing(t *testing.T) {
	v := IntValue(TypeI64, 1000)
	_, err := v.CastTo(TypeI8)
	require.Error(t, err)

	v2 := IntValue(TypeI32, 10)
	widened, err := v2.CastTo(TypeI64)
	require.NoError(t, err)
	i, ok := widened.Int()
	require.True(t, ok)
	require.EqualValues(t, 10, i)
}

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Now().UTC().Round(time.Millisecond)
	s := FormatTimestamp(now)
	parsed, err := ParseTimestamp(s)
	require.NoError(t, err)
	require.WithinDuration(t, now, parsed, time.Millisecond)
}
