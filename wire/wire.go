// Package wire implements the dual binary/text frame codec used on the
// edge WebSocket stream and the msgpack payload codec used on topics.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/telemetry-broker/types"
)

// ErrMissingType is returned when a decoded envelope has no "type" field.
var ErrMissingType = errors.New("wire: envelope missing type field")

// DecodeEdgeFrame decodes a single edge frame into the logical envelope
// `{type, ...payload}`. Binary frames are MessagePack, text frames are
// JSON; both decode to the same DataEnvelope shape.
func DecodeEdgeFrame(binary bool, data []byte) (types.DataEnvelope, error) {
	var raw map[string]any
	var err error
	if binary {
		raw, err = decodeMsgpackMap(data)
	} else {
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return types.DataEnvelope{}, fmt.Errorf("wire: decode frame: %w", err)
	}

	typeVal, ok := raw["type"]
	if !ok {
		return types.DataEnvelope{}, ErrMissingType
	}
	typeStr, ok := typeVal.(string)
	if !ok {
		return types.DataEnvelope{}, ErrMissingType
	}

	payload := make(types.Payload, len(raw)-1)
	for k, v := range raw {
		if k == "type" {
			continue
		}
		payload[k] = v
	}

	return types.DataEnvelope{Type: types.MessageType(typeStr), Payload: payload}, nil
}

// decodeMsgpackMap decodes a msgpack-encoded map without requiring a fixed
// struct, mirroring the teacher's map-probing decode idiom.
func decodeMsgpackMap(data []byte) (map[string]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeJSON encodes v as JSON, the encoding of server-to-edge and
// server-to-consumer frames. The edge and consumer handlers marshal those
// frames with encoding/json directly and do not call it.
func EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// EncodePayload msgpack-encodes a payload tree for transport over a topic.
func EncodePayload(p types.Payload) ([]byte, error) {
	return msgpack.Marshal(p)
}

// DecodePayload msgpack-decodes a topic payload back into a payload tree.
func DecodePayload(data []byte) (types.Payload, error) {
	return decodeMsgpackMap(data)
}
