package codec

import (
	"encoding/json"
	"strings"
	"testing"

	"hmdriver/message"
)

func TestJSONCodec(t *testing.T) {
	jsonCodec := GetCodec(CodecTypeJSON)

	call := message.NewHypiumCall("On.text", message.Handle("On#seed"), []any{"<设置>&"})
	data, err := jsonCodec.Encode(call)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}

	// no HTML escaping, no trailing newline
	if !strings.Contains(string(data), `"args":["<设置>&"]`) {
		t.Errorf("args escaped: %s", data)
	}
	if strings.HasSuffix(string(data), "\n") {
		t.Errorf("trailing newline in %q", data)
	}

	var decoded message.Call
	if err := jsonCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	if decoded.Params.API != "On.text" || *decoded.Params.This != "On#seed" {
		t.Errorf("decoded call mismatch: %+v", decoded.Params)
	}
}

func TestJSONCodecNumbers(t *testing.T) {
	jsonCodec := GetCodec(CodecTypeJSON)

	var v map[string]any
	if err := jsonCodec.Decode([]byte(`{"n":9007199254740993}`), &v); err != nil {
		t.Fatal(err)
	}
	n, ok := v["n"].(json.Number)
	if !ok || n.String() != "9007199254740993" {
		t.Fatalf("expect exact json.Number, got %#v", v["n"])
	}
}

func TestJSONCodecRejectsTrailingData(t *testing.T) {
	jsonCodec := GetCodec(CodecTypeJSON)

	var resp message.Response
	if err := jsonCodec.Decode([]byte("{\"result\":1}\n  "), &resp); err != nil {
		t.Fatalf("trailing whitespace must be accepted: %v", err)
	}
	for _, body := range []string{`{"result":1}garbage`, `{"result":1}{"result":2}`, `{"result":1}]`} {
		if err := jsonCodec.Decode([]byte(body), &resp); err == nil {
			t.Fatalf("expect error for %q", body)
		}
	}
}
