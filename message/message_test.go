package message

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestHypiumCallWireShape(t *testing.T) {
	call := NewHypiumCall("Driver.create", NoHandle, nil)
	call.RequestID = "20240815161352267072"

	data, err := json.Marshal(call)
	if err != nil {
		t.Fatalf("Failed to marshal call: %v", err)
	}
	want := `{"module":"com.ohos.devicetest.hypiumApiHelper","method":"callHypiumApi","params":{"api":"Driver.create","this":null,"args":[],"message_type":"hypium"},"request_id":"20240815161352267072"}`
	if string(data) != want {
		t.Fatalf("wire mismatch:\n got %s\nwant %s", data, want)
	}
}

func TestHypiumCallWithHandle(t *testing.T) {
	call := NewHypiumCall("Component.getText", Handle("Component#3"), []any{1, "a", map[string]int{"x": 2}})
	data, err := json.Marshal(call)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"this":"Component#3"`) {
		t.Fatalf("expect handle in this, got %s", data)
	}
	if !strings.Contains(string(data), `"args":[1,"a",{"x":2}]`) {
		t.Fatalf("unexpected args: %s", data)
	}
}

func TestCapturesCallWireShape(t *testing.T) {
	call := NewCapturesCall("captureLayout", nil)
	call.RequestID = "1"
	data, err := json.Marshal(call)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"module":"com.ohos.devicetest.hypiumApiHelper","method":"Captures","params":{"api":"captureLayout","args":[]},"request_id":"1"}`
	if string(data) != want {
		t.Fatalf("wire mismatch:\n got %s\nwant %s", data, want)
	}
}

func TestNewRequestID(t *testing.T) {
	ts := time.Date(2024, 8, 15, 16, 13, 52, 267072*1000, time.Local)
	id := NewRequestID(ts)
	if id != "20240815161352267072" {
		t.Fatalf("expect 20240815161352267072, got %s", id)
	}
	if len(NewRequestID(time.Now())) != 20 {
		t.Fatalf("request id must be 20 digits")
	}
}

func TestResponseDecoding(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		failed bool
	}{
		{"handle", `{"result":"Driver#0"}`, false},
		{"null exception", `{"result":true,"exception":null}`, false},
		{"object exception", `{"result":null,"exception":{"code":401,"message":"bad args"}}`, true},
		{"string exception", `{"result":null,"exception":"component not found"}`, true},
		{"false exception", `{"result":1,"exception":false}`, false},
		{"zero code exception", `{"result":null,"exception":{"code":0,"message":""}}`, true},
		{"string code exception", `{"result":null,"exception":{"code":"401","message":"bad args"}}`, true},
		{"list exception", `{"result":null,"exception":["bad args"]}`, true},
		{"empty object exception", `{"result":1,"exception":{}}`, false},
		{"zero exception", `{"result":1,"exception":0}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp Response
			if err := json.Unmarshal([]byte(tc.body), &resp); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if resp.Failed() != tc.failed {
				t.Fatalf("Failed() = %v, want %v", resp.Failed(), tc.failed)
			}
		})
	}
}

func TestResultHelpers(t *testing.T) {
	var resp Response
	if err := json.Unmarshal([]byte(`{"result":"Driver#0"}`), &resp); err != nil {
		t.Fatal(err)
	}
	h, err := resp.Result.Handle()
	if err != nil || h != DefaultRoot {
		t.Fatalf("expect Driver#0, got %q (%v)", h, err)
	}

	if err := json.Unmarshal([]byte(`{"result":{"x":1260,"y":2720}}`), &resp); err != nil {
		t.Fatal(err)
	}
	var size struct{ X, Y int }
	if err := resp.Result.Decode(&size); err != nil {
		t.Fatal(err)
	}
	if size.X != 1260 || size.Y != 2720 {
		t.Fatalf("unexpected size %+v", size)
	}

	b, err := Result(`"true"`).Bool()
	if err != nil || !b {
		t.Fatalf("expect true, got %v (%v)", b, err)
	}
	if !Result(`null`).IsNull() || !Result(nil).IsNull() {
		t.Fatalf("expect null results")
	}
}

func TestErrorKinds(t *testing.T) {
	remote := NewRemoteError(KindCaptures, "captureLayout", &Exception{Code: 1, Message: "busy"})
	if !errors.Is(remote, ErrRemote) || !errors.Is(remote, ErrCaptures) {
		t.Fatalf("capture remote error should match ErrRemote and ErrCaptures")
	}
	if errors.Is(remote, ErrTransport) {
		t.Fatalf("remote error must not match ErrTransport")
	}

	cause := errors.New("read timeout")
	transport := &TransportError{Kind: KindInvoke, API: "Driver.click", Cause: cause}
	if !errors.Is(transport, ErrTransport) || !errors.Is(transport, cause) {
		t.Fatalf("transport error should match ErrTransport and its cause")
	}
	if errors.Is(transport, ErrCaptures) {
		t.Fatalf("invoke transport error must not match ErrCaptures")
	}
}
