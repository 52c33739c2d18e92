package cloudproto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/montagao/iot-device-agent/pkg/log"
)

// ActionRequest is a cloud-originated action invocation, decoded from a
// reply/# mailbox message and handed to the action dispatcher (C3).
type ActionRequest struct {
	ID     string
	Source string
	Method string
	Params map[string]Value

	Output  map[string]Value
	Message string
}

// Codec encodes outbound commands and decodes inbound mailbox traffic. One
// Codec is owned per agent instance; it is safe for concurrent use.
type Codec struct {
	msgID int64

	deviceID  string
	sessionID atomic.Value // string

	seen     *ttlcache.Cache[string, struct{}]
	dedupTTL time.Duration
	log      *log.PrefixLogger
}

// NewCodec constructs a Codec for deviceID. dedupTTL bounds how long a
// recently-acked cloud request id is remembered, so a redelivered reply
// message within the window is not dispatched twice.
func NewCodec(deviceID string, dedupTTL time.Duration, logger *log.PrefixLogger) *Codec {
	seen := ttlcache.New[string, struct{}](ttlcache.WithTTL[string, struct{}](dedupTTL))
	go seen.Start()
	c := &Codec{deviceID: deviceID, seen: seen, dedupTTL: dedupTTL, log: logger}
	c.sessionID.Store("")
	return c
}

// Close stops the dedup cache's background eviction goroutine.
func (c *Codec) Close() {
	c.seen.Stop()
}

// SetSessionID records the library-assigned session id. ThingKey is
// recomposed on every call, including after each reconnect.
func (c *Codec) SetSessionID(sessionID string) {
	c.sessionID.Store(sessionID)
}

// ThingKey returns device_id + "-" + session_id, truncated per protocol.
func (c *Codec) ThingKey() string {
	return ComposeThingKey(c.deviceID, c.sessionID.Load().(string))
}

func (c *Codec) nextMessageID() string {
	id := atomic.AddInt64(&c.msgID, 1)
	return strconv.FormatInt(id, 10)
}

func (c *Codec) encode(command string, params map[string]interface{}) ([]byte, error) {
	id := c.nextMessageID()
	envelope := map[string]interface{}{
		id: map[string]interface{}{
			"command": command,
			"params":  params,
		},
	}
	b, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", command, err)
	}
	return b, nil
}

// EncodePropertyPublish encodes a property.publish command for a
// bool/numeric sample. ts defaults to now when the zero time is passed.
func (c *Codec) EncodePropertyPublish(key string, v Value, ts time.Time) ([]byte, error) {
	params := map[string]interface{}{
		"thingKey": c.ThingKey(),
		"key":      key,
		"value":    valueToWire(v),
	}
	stampTimestamp(params, ts)
	return c.encode("property.publish", params)
}

// EncodeAttributePublish encodes an attribute.publish command for a
// string or raw (base64) value.
func (c *Codec) EncodeAttributePublish(key string, v Value, ts time.Time) ([]byte, error) {
	params := map[string]interface{}{
		"thingKey": c.ThingKey(),
		"key":      key,
		"value":    valueToWire(v),
	}
	stampTimestamp(params, ts)
	return c.encode("attribute.publish", params)
}

// EncodeLocationPublish encodes a location.publish command, omitting every
// optional field whose presence bit is unset.
func (c *Codec) EncodeLocationPublish(l Location, ts time.Time) ([]byte, error) {
	params := map[string]interface{}{
		"thingKey": c.ThingKey(),
		"lat":      l.Lat,
		"lng":      l.Lng,
	}
	if l.has(fieldHeading) {
		params["heading"] = l.heading
	}
	if l.has(fieldAltitude) {
		params["altitude"] = l.altitude
	}
	if l.has(fieldSpeed) {
		params["speed"] = l.speed
	}
	if l.has(fieldAccuracy) {
		params["fixAcc"] = l.accuracy
	}
	if fixType := l.Source.wireValue(); fixType != "" {
		params["fixType"] = fixType
	}
	if l.has(fieldTag) {
		params["street"] = l.tag
	}
	stampTimestamp(params, ts)
	return c.encode("location.publish", params)
}

// EncodeMailboxCheck encodes a mailbox.check poll.
func (c *Codec) EncodeMailboxCheck() ([]byte, error) {
	return c.encode("mailbox.check", map[string]interface{}{"autoComplete": false})
}

// EncodeMailboxAck encodes the result of a dispatched action as a
// mailbox.ack, carrying the same request id exactly once.
func (c *Codec) EncodeMailboxAck(req *ActionRequest, errorCode int, errorMessage string) ([]byte, error) {
	params := map[string]interface{}{
		"id":        req.ID,
		"errorCode": errorCode,
	}
	if errorMessage != "" {
		params["errorMessage"] = errorMessage
	}
	if len(req.Output) > 0 {
		out := make(map[string]interface{}, len(req.Output))
		for k, v := range req.Output {
			out[k] = valueToWire(v)
		}
		params["params"] = out
	}
	return c.encode("mailbox.ack", params)
}

func stampTimestamp(params map[string]interface{}, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	params["ts"] = FormatTimestamp(ts)
}

func valueToWire(v Value) interface{} {
	switch v.Type() {
	case TypeBool:
		b, _ := v.Bool()
		return b
	case TypeString:
		s, _ := v.String()
		return s
	case TypeRaw:
		raw, _ := v.Raw()
		return base64.StdEncoding.EncodeToString(raw)
	case TypeF32, TypeF64:
		f, _ := v.Float()
		return f
	default:
		i, _ := v.Int()
		return i
	}
}
