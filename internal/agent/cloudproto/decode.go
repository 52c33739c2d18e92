package cloudproto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type mailboxActivity struct {
	ThingKey string `json:"thingKey"`
}

// IsMailboxActivityFor reports whether payload is a notify/mailbox_activity
// message addressed to thingKey, triggering a mailbox.check.
func (c *Codec) IsMailboxActivityFor(payload []byte) bool {
	var activity mailboxActivity
	if err := json.Unmarshal(payload, &activity); err != nil {
		return false
	}
	return activity.ThingKey != "" && activity.ThingKey == c.ThingKey()
}

type replyEnvelope struct {
	Cmd struct {
		Params struct {
			Messages []replyMessage `json:"messages"`
		} `json:"params"`
	} `json:"cmd"`
}

type replyMessage struct {
	ID     string `json:"id"`
	Params struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	} `json:"params"`
}

// DecodeReply parses a reply/# payload into zero or more ActionRequest
// values, decoding each JSON parameter by its dynamic type (bool, integer
// i64, real f64, UTF-8 string) and skipping arrays/objects/null. Requests
// whose id has been seen within the dedup window are silently dropped so a
// redelivered mailbox message is not dispatched twice.
func (c *Codec) DecodeReply(payload []byte) ([]*ActionRequest, error) {
	var env replyEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}

	requests := make([]*ActionRequest, 0, len(env.Cmd.Params.Messages))
	for _, m := range env.Cmd.Params.Messages {
		if m.ID != "" {
			if c.seen.Get(m.ID) != nil {
				continue
			}
			c.seen.Set(m.ID, struct{}{}, c.dedupTTL)
		}
		requests = append(requests, &ActionRequest{
			ID:     m.ID,
			Source: "tr50",
			Method: m.Params.Method,
			Params: decodeParams(m.Params.Params),
			Output: make(map[string]Value),
		})
	}
	return requests, nil
}

// decodeParams converts a raw JSON params object into typed Values:
// bool -> bool, number without a fraction/exponent -> i64, number with
// one -> f64, string -> string. Arrays, objects, and null are ignored, per
// protocol. An absent or malformed object yields an empty map.
func decodeParams(raw json.RawMessage) map[string]Value {
	out := make(map[string]Value)
	if len(raw) == 0 {
		return out
	}
	// Decode with json.Number so integers and reals stay distinguishable;
	// a plain map[string]interface{} unmarshal collapses both to float64.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var numbered map[string]interface{}
	if err := dec.Decode(&numbered); err != nil {
		return out
	}
	for k, v := range numbered {
		switch val := v.(type) {
		case bool:
			out[k] = BoolValue(val)
		case string:
			out[k] = StringValue(val)
		case json.Number:
			if strings.ContainsAny(string(val), ".eE") {
				f, err := val.Float64()
				if err == nil {
					out[k] = FloatValue(TypeF64, f)
				}
			} else if i, err := val.Int64(); err == nil {
				out[k] = IntValue(TypeI64, i)
			}
		default:
			// arrays, objects, null: ignored per protocol.
		}
	}
	return out
}
