package main

import (
	"context"
	"encoding/binary"
	"time"

	"hmdriver/message"
	"hmdriver/server"
)

type agentOptions struct {
	Width, Height int
	// FrameInterval paces startCaptureScreen frames.
	FrameInterval time.Duration
}

// layout is what captureLayout returns: a root with one button.
var layout = map[string]any{
	"attributes": map[string]string{"type": "root", "bounds": "[0,0][1260,2720]"},
	"children": []any{
		map[string]any{
			"attributes": map[string]string{
				"type": "Button", "text": "OK", "id": "ok", "bounds": "[480,1300][780,1420]",
			},
			"children": []any{},
		},
	},
}

func newAgent(opts agentOptions) *server.Server {
	svr := server.NewServer()
	null := func(req *server.Request) (any, error) { return nil, nil }

	svr.Handle("Driver.create", func(req *server.Request) (any, error) {
		return message.DefaultRoot, nil
	})
	svr.Handle("Driver.getDisplaySize", func(req *server.Request) (any, error) {
		return map[string]int{"x": opts.Width, "y": opts.Height}, nil
	})
	svr.Handle("Driver.getDisplayRotation", func(req *server.Request) (any, error) {
		return 0, nil
	})
	for _, api := range []string{
		"Driver.click", "Driver.doubleClick", "Driver.longClick", "Driver.swipe",
		"Driver.inputText", "Driver.triggerCombineKeys",
	} {
		svr.Handle(api, null)
	}
	svr.HandleCaptures("captureLayout", func(req *server.Request) (any, error) {
		return layout, nil
	})
	svr.HandleCaptures("startCaptureScreen", func(req *server.Request) (any, error) {
		req.Stream(func(ctx context.Context, w *server.StreamWriter) {
			streamFrames(ctx, w, opts.FrameInterval)
		})
		return true, nil
	})
	svr.HandleCaptures("stopCaptureScreen", func(req *server.Request) (any, error) {
		svr.StopStreams()
		return true, nil
	})
	return svr
}

// streamFrames sends a placeholder JPEG per tick until ctx ends.
func streamFrames(ctx context.Context, w *server.StreamWriter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for seq := uint32(1); ; seq++ {
		if err := w.Send(placeholderJPEG(seq)); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func placeholderJPEG(seq uint32) []byte {
	img := []byte{0xFF, 0xD8, 0, 0, 0, 0, 0xFF, 0xD9}
	binary.BigEndian.PutUint32(img[2:6], seq)
	return img
}
