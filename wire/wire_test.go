package wire

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/justapithecus/telemetry-broker/types"
)

func TestDecodeEdgeFrameJSON(t *testing.T) {
	env, err := DecodeEdgeFrame(false, []byte(`{"type":"features","workload":0.7,"confidence":0.9}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != types.MessageTypeFeatures {
		t.Fatalf("unexpected type: %v", env.Type)
	}
	if env.Payload["workload"] != 0.7 {
		t.Fatalf("unexpected workload: %v", env.Payload["workload"])
	}
}

func TestDecodeEdgeFrameMsgpack(t *testing.T) {
	body, err := msgpack.Marshal(map[string]any{"type": "raw", "ch1": 1.23})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env, err := DecodeEdgeFrame(true, body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != types.MessageTypeRaw {
		t.Fatalf("unexpected type: %v", env.Type)
	}
	if env.Payload["ch1"] != 1.23 {
		t.Fatalf("unexpected ch1: %v", env.Payload["ch1"])
	}
}

func TestDecodeEdgeFrameMissingType(t *testing.T) {
	_, err := DecodeEdgeFrame(false, []byte(`{"workload":0.7}`))
	if err != ErrMissingType {
		t.Fatalf("expected ErrMissingType, got %v", err)
	}
}

func TestJSONAndMsgpackEnvelopesAgreeOnEqualContents(t *testing.T) {
	jsonEnv, err := DecodeEdgeFrame(false, []byte(`{"type":"features","workload":0.5}`))
	if err != nil {
		t.Fatalf("json decode: %v", err)
	}

	body, err := msgpack.Marshal(map[string]any{"type": "features", "workload": 0.5})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	mpEnv, err := DecodeEdgeFrame(true, body)
	if err != nil {
		t.Fatalf("msgpack decode: %v", err)
	}

	if jsonEnv.Type != mpEnv.Type || jsonEnv.Payload["workload"] != mpEnv.Payload["workload"] {
		t.Fatalf("expected equal logical contents, got %+v vs %+v", jsonEnv, mpEnv)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	original := types.Payload{
		"a": "str",
		"b": int64(7),
		"c": 3.5,
		"d": true,
		"e": nil,
		"f": map[string]any{"nested": []any{1.0, 2.0, "x"}},
	}

	encoded, err := EncodePayload(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodePayload(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded["a"] != "str" || decoded["d"] != true {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	nested, ok := decoded["f"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested map, got %T", decoded["f"])
	}
	arr, ok := nested["nested"].([]any)
	if !ok || len(arr) != 3 {
		t.Fatalf("expected 3-element nested array, got %+v", nested["nested"])
	}
}
