package client

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"hmdriver/message"
	"hmdriver/middleware"
	"hmdriver/protocol"
	"hmdriver/server"
	"hmdriver/testutil/testlog"
	"hmdriver/transport"
)

func startAgent(t *testing.T, svr *server.Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve(ln)
	t.Cleanup(func() { svr.Shutdown(2 * time.Second) })
	return svr.Addr().String()
}

func dial(t *testing.T, addr string, cfg transport.Config) *transport.ClientTransport {
	t.Helper()
	ct, err := transport.Dial(context.Background(), addr, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ct.Close() })
	return ct
}

func newAgent() *server.Server {
	svr := server.NewServer()
	svr.Handle("Driver.create", func(req *server.Request) (any, error) {
		return message.DefaultRoot, nil
	})
	svr.Handle("Driver.getDisplaySize", func(req *server.Request) (any, error) {
		if req.This() != message.DefaultRoot {
			return nil, &server.Error{Code: 400, Message: "unexpected this " + string(req.This())}
		}
		return map[string]int{"x": 1260, "y": 2720}, nil
	})
	svr.Handle("Driver.click", func(req *server.Request) (any, error) {
		return nil, &server.Error{Code: 401, Message: "bad args"}
	})
	svr.HandleCaptures("captureLayout", func(req *server.Request) (any, error) {
		if req.Call.Params.This != nil || req.Call.Params.MessageType != "" {
			return nil, errors.New("captures call carries this or message_type")
		}
		return map[string]any{"attributes": map[string]string{"type": "root"}}, nil
	})
	return svr
}

func TestClientInvoke(t *testing.T) {
	testlog.Start(t)
	addr := startAgent(t, newAgent())
	c := New(dial(t, addr, transport.Config{}))

	res, err := c.InvokeOn(context.Background(), message.NoHandle, "Driver.create")
	if err != nil {
		t.Fatal(err)
	}
	root, err := res.Handle()
	if err != nil {
		t.Fatal(err)
	}
	if root != "Driver#0" {
		t.Fatalf("expect Driver#0, got %s", root)
	}
	c.SetRoot(root)

	res, err = c.Invoke(context.Background(), "Driver.getDisplaySize")
	if err != nil {
		t.Fatal(err)
	}
	var size struct{ X, Y int }
	if err := res.Decode(&size); err != nil {
		t.Fatal(err)
	}
	if size.X != 1260 || size.Y != 2720 {
		t.Fatalf("unexpected size %+v", size)
	}
}

func TestClientRemoteError(t *testing.T) {
	testlog.Start(t)
	addr := startAgent(t, newAgent())
	c := New(dial(t, addr, transport.Config{}))

	_, err := c.Invoke(context.Background(), "Driver.click", 100, 200)
	var remote *message.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expect RemoteError, got %v", err)
	}
	if remote.Code != 401 || remote.Message != "bad args" || remote.Kind != message.KindInvoke {
		t.Fatalf("unexpected remote error %+v", remote)
	}
	if errors.Is(err, message.ErrCaptures) {
		t.Fatal("invoke failure must not match ErrCaptures")
	}

	// the connection stays usable after a remote exception
	if _, err := c.Invoke(context.Background(), "Driver.getDisplaySize"); err != nil {
		t.Fatalf("call after remote error: %v", err)
	}
}

func TestClientCaptures(t *testing.T) {
	testlog.Start(t)
	addr := startAgent(t, newAgent())
	c := New(dial(t, addr, transport.Config{}))

	res, err := c.InvokeCaptures(context.Background(), "captureLayout")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.String(), `"root"`) {
		t.Fatalf("unexpected layout %s", res)
	}

	_, err = c.InvokeCaptures(context.Background(), "missing")
	if !errors.Is(err, message.ErrCaptures) || !errors.Is(err, message.ErrRemote) {
		t.Fatalf("expect captures remote error, got %v", err)
	}
}

func TestClientTimeout(t *testing.T) {
	testlog.Start(t)
	svr := newAgent()
	svr.Handle("Driver.waitForIdle", func(req *server.Request) (any, error) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-req.Context().Done():
		}
		return true, nil
	})
	addr := startAgent(t, svr)
	c := New(dial(t, addr, transport.Config{ReadTimeout: 50 * time.Millisecond}))

	_, err := c.Invoke(context.Background(), "Driver.waitForIdle")
	var te *message.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expect TransportError, got %v", err)
	}
	if !errors.Is(err, protocol.ErrTimeout) {
		t.Fatalf("expect timeout cause, got %v", te.Cause)
	}
}

func TestClientUndecodableReply(t *testing.T) {
	testlog.Start(t)
	svr := newAgent()
	svr.Handle("Driver.garbage", func(req *server.Request) (any, error) {
		return server.RawReply("{not json"), nil
	})
	svr.Handle("Driver.empty", func(req *server.Request) (any, error) {
		return server.RawReply(""), nil
	})
	addr := startAgent(t, svr)
	c := New(dial(t, addr, transport.Config{}))

	for _, api := range []string{"Driver.garbage", "Driver.empty"} {
		_, err := c.Invoke(context.Background(), api)
		if !errors.Is(err, message.ErrTransport) {
			t.Fatalf("%s: expect transport error, got %v", api, err)
		}
	}
}

func TestClientConnectionClosed(t *testing.T) {
	testlog.Start(t)
	svr := newAgent()
	addr := startAgent(t, svr)
	c := New(dial(t, addr, transport.Config{}))

	if _, err := c.Invoke(context.Background(), "Driver.getDisplaySize"); err != nil {
		t.Fatal(err)
	}
	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	_, err := c.Invoke(context.Background(), "Driver.getDisplaySize")
	if !errors.Is(err, message.ErrTransport) {
		t.Fatalf("expect transport error, got %v", err)
	}
}

func TestClientMiddleware(t *testing.T) {
	testlog.Start(t)
	addr := startAgent(t, newAgent())

	var apis []string
	record := func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, call *message.Call) (*message.Response, error) {
			apis = append(apis, call.Params.API)
			return next(ctx, call)
		}
	}
	c := New(dial(t, addr, transport.Config{}), WithMiddleware(middleware.LoggingMiddleware()))
	c.Use(record)

	c.Invoke(context.Background(), "Driver.getDisplaySize")
	c.Invoke(context.Background(), "Driver.click", 1, 2)
	if len(apis) != 2 || apis[0] != "Driver.getDisplaySize" || apis[1] != "Driver.click" {
		t.Fatalf("unexpected calls %v", apis)
	}
}

type fakeRoundtripper struct {
	reply []byte
	err   error
	sent  []byte
}

func (f *fakeRoundtripper) Roundtrip(ctx context.Context, payload []byte) ([]byte, error) {
	f.sent = payload
	return f.reply, f.err
}

func TestClientWireShape(t *testing.T) {
	rt := &fakeRoundtripper{reply: []byte(`{"result":"Driver#0"}`)}
	c := New(rt)

	if _, err := c.InvokeOn(context.Background(), message.NoHandle, "Driver.create"); err != nil {
		t.Fatal(err)
	}
	sent := string(rt.sent)
	for _, want := range []string{
		`"module":"com.ohos.devicetest.hypiumApiHelper"`,
		`"method":"callHypiumApi"`,
		`"api":"Driver.create"`,
		`"this":null`,
		`"args":[]`,
		`"message_type":"hypium"`,
	} {
		if !strings.Contains(sent, want) {
			t.Fatalf("payload %s missing %s", sent, want)
		}
	}

	rt.err = protocol.ErrConnectionClosed
	_, err := c.Invoke(context.Background(), "Driver.click", 1, 2)
	if !errors.Is(err, message.ErrTransport) || !errors.Is(err, protocol.ErrConnectionClosed) {
		t.Fatalf("expect transport error wrapping closed, got %v", err)
	}
}

func TestClientExceptionShapes(t *testing.T) {
	cases := []struct {
		name    string
		reply   string
		remote  bool
		code    int
		message string
	}{
		{"zero code object", `{"exception":{"code":0,"message":""}}`, true, 0, `{"code":0,"message":""}`},
		{"string code", `{"exception":{"code":"401","message":"bad args"}}`, true, 401, "bad args"},
		{"object message", `{"exception":{"code":17000004,"message":{"detail":"gone"}}}`, true, 17000004, `{"detail":"gone"}`},
		{"no known fields", `{"exception":{"reason":"busy"}}`, true, 0, `{"reason":"busy"}`},
		{"true", `{"exception":true}`, true, 0, "true"},
		{"number", `{"exception":1}`, true, 0, "1"},
		{"list", `{"exception":["bad args"]}`, true, 0, `["bad args"]`},
		{"string", `{"exception":"component not found"}`, true, 0, "component not found"},
		{"null", `{"result":1,"exception":null}`, false, 0, ""},
		{"false", `{"result":1,"exception":false}`, false, 0, ""},
		{"zero", `{"result":1,"exception":0}`, false, 0, ""},
		{"empty string", `{"result":1,"exception":""}`, false, 0, ""},
		{"empty object", `{"result":1,"exception":{}}`, false, 0, ""},
		{"empty list", `{"result":1,"exception":[]}`, false, 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(&fakeRoundtripper{reply: []byte(tc.reply)})
			_, err := c.Invoke(context.Background(), "Driver.click", 1, 2)
			if errors.Is(err, message.ErrTransport) {
				t.Fatalf("reply classified as transport error: %v", err)
			}
			if !tc.remote {
				if err != nil {
					t.Fatalf("expect success, got %v", err)
				}
				return
			}
			var remote *message.RemoteError
			if !errors.As(err, &remote) {
				t.Fatalf("expect RemoteError, got %v", err)
			}
			if remote.Code != tc.code || remote.Message != tc.message {
				t.Fatalf("expect code %d message %q, got %d %q", tc.code, tc.message, remote.Code, remote.Message)
			}
		})
	}
}

func TestClientTrailingGarbage(t *testing.T) {
	c := New(&fakeRoundtripper{reply: []byte(`{"result":1}garbage`)})
	if _, err := c.Invoke(context.Background(), "Driver.getDisplaySize"); !errors.Is(err, message.ErrTransport) {
		t.Fatalf("expect transport error, got %v", err)
	}
}
