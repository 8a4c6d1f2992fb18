package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/ocrserve/internal/codec"
	"github.com/andresmejia3/ocrserve/internal/recognizer"
	"github.com/andresmejia3/ocrserve/internal/types"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

type message struct {
	kind int
	data []byte
}

// fakeConn replays scripted messages and records everything the session sends.
type fakeConn struct {
	in      []message
	readErr error
	reads   int

	writeErr error
	written  [][]byte
	closes   []int
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.reads++
	if len(c.in) == 0 {
		return 0, nil, c.readErr
	}
	m := c.in[0]
	c.in = c.in[1:]
	return m.kind, m.data, nil
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) WriteControl(kind int, data []byte, _ time.Time) error {
	if kind == websocket.CloseMessage && len(data) >= 2 {
		c.closes = append(c.closes, int(data[0])<<8|int(data[1]))
	}
	return nil
}

func binary(t *testing.T, v any) message {
	t.Helper()
	b, err := msgpack.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return message{kind: websocket.BinaryMessage, data: b}
}

func frameMsg(t *testing.T, data []byte, h, w, c int) message {
	return binary(t, map[string]any{"data": data, "height": h, "width": w, "channels": c})
}

var abnormal = &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: io.ErrUnexpectedEOF.Error()}

func fixed(dets ...types.Detection) recognizer.Recognizer {
	return recognizer.Func(func(ctx context.Context, img types.Tensor) ([]types.Detection, error) {
		return dets, nil
	})
}

func newTestSession(conn Conn, rec recognizer.Recognizer) (*Session, *bytes.Buffer) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewSession("test", conn, codec.New(), rec, logger), &logs
}

func decodeReply(t *testing.T, b []byte) []types.Detection {
	t.Helper()
	var dets []types.Detection
	if err := msgpack.Unmarshal(b, &dets); err != nil {
		t.Fatalf("reply is not a detection list: %v", err)
	}
	return dets
}

func TestSessionInvalidParametersClosesImmediately(t *testing.T) {
	conn := &fakeConn{
		in: []message{
			binary(t, map[string]any{"min_length": 0}),
			frameMsg(t, []byte{1}, 1, 1, 1),
		},
		readErr: abnormal,
	}
	sess, _ := newTestSession(conn, fixed())

	if code := sess.Run(context.Background()); code != CloseInvalidParameters {
		t.Fatalf("Run() = %v, want %v", code, CloseInvalidParameters)
	}
	if conn.reads != 1 {
		t.Errorf("session read %d messages, want 1", conn.reads)
	}
	if len(conn.written) != 0 {
		t.Errorf("session sent %d replies, want none", len(conn.written))
	}
	if len(conn.closes) != 1 || conn.closes[0] != int(CloseInvalidParameters) {
		t.Errorf("close frames = %v, want [%d]", conn.closes, CloseInvalidParameters)
	}
	if sess.State() != Closed {
		t.Errorf("state = %v, want closed", sess.State())
	}
}

func TestSessionDisconnectAfterSecondFrame(t *testing.T) {
	conn := &fakeConn{
		in: []message{
			binary(t, map[string]any{}),
			frameMsg(t, []byte{1, 2, 3, 4}, 2, 2, 1),
			frameMsg(t, []byte{5, 6, 7, 8}, 2, 2, 1),
		},
		readErr: abnormal,
	}
	sess, logs := newTestSession(conn, fixed(types.Detection{Text: "ok", Score: 0.5}))

	if code := sess.Run(context.Background()); code != CloseNormal {
		t.Fatalf("Run() = %v, want %v", code, CloseNormal)
	}
	if len(conn.written) != 2 {
		t.Fatalf("session sent %d replies, want 2", len(conn.written))
	}
	if len(conn.closes) != 0 {
		t.Errorf("sent close frames %v to a departed peer", conn.closes)
	}
	if sess.Frames() != 2 || sess.Detections() != 2 {
		t.Errorf("frames=%d detections=%d, want 2 and 2", sess.Frames(), sess.Detections())
	}
	if !strings.Contains(logs.String(), "level=INFO msg=\"peer disconnected\"") {
		t.Errorf("missing informational disconnect log:\n%s", logs.String())
	}
}

func TestSessionCloseCodes(t *testing.T) {
	params := binary(t, map[string]any{"top_k": 1})
	boom := recognizer.Func(func(ctx context.Context, img types.Tensor) ([]types.Detection, error) {
		return nil, errors.New("model exploded")
	})

	tests := []struct {
		name string
		in   []message
		rec  recognizer.Recognizer
		want CloseCode
	}{
		{"text parameters", []message{{websocket.TextMessage, []byte("{}")}}, fixed(), CloseInvalidParameters},
		{"malformed parameters", []message{{websocket.BinaryMessage, []byte{0xC1}}}, fixed(), CloseInvalidParameters},
		{"parameters not a map", []message{binary(t, []any{1})}, fixed(), CloseInvalidParameters},
		{"frame fails validation", []message{params, binary(t, map[string]any{"data": "abc", "height": 1, "width": 3, "channels": 1})}, fixed(), CloseInvalidImage},
		{"frame shape mismatch", []message{params, frameMsg(t, []byte{1, 2, 3}, 2, 2, 1)}, fixed(), CloseInvalidImage},
		{"malformed frame", []message{params, {websocket.BinaryMessage, []byte{0x92, 0x01}}}, fixed(), CloseInvalidImage},
		{"text frame", []message{params, {websocket.TextMessage, []byte("frame")}}, fixed(), CloseInvalidImage},
		{"recognizer failure", []message{params, frameMsg(t, []byte{1}, 1, 1, 1)}, boom, CloseUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{in: tt.in, readErr: abnormal}
			sess, _ := newTestSession(conn, tt.rec)
			if code := sess.Run(context.Background()); code != tt.want {
				t.Fatalf("Run() = %v, want %v", code, tt.want)
			}
			if len(conn.closes) != 1 || conn.closes[0] != int(tt.want) {
				t.Errorf("close frames = %v, want [%d]", conn.closes, tt.want)
			}
		})
	}
}

func TestSessionUnexpectedReadError(t *testing.T) {
	conn := &fakeConn{readErr: errors.New("tls: bad record MAC")}
	sess, _ := newTestSession(conn, fixed())
	if code := sess.Run(context.Background()); code != CloseUnexpected {
		t.Errorf("Run() = %v, want %v", code, CloseUnexpected)
	}
}

func TestSessionWriteFailureIsDisconnect(t *testing.T) {
	conn := &fakeConn{
		in: []message{
			binary(t, map[string]any{}),
			frameMsg(t, []byte{1}, 1, 1, 1),
		},
		writeErr: errors.New("write: broken pipe"),
	}
	sess, _ := newTestSession(conn, fixed(types.Detection{Text: "x", Score: 1}))
	if code := sess.Run(context.Background()); code != CloseNormal {
		t.Fatalf("Run() = %v, want %v", code, CloseNormal)
	}
	if len(conn.closes) != 0 {
		t.Errorf("sent close frames %v after write failure", conn.closes)
	}
}

func TestSessionBindsParametersForEveryFrame(t *testing.T) {
	conn := &fakeConn{
		in: []message{
			binary(t, map[string]any{"top_k": 1, "min_length": 2, "keywords": []string{"no"}}),
			frameMsg(t, []byte{1}, 1, 1, 1),
			frameMsg(t, []byte{2}, 1, 1, 1),
		},
		readErr: abnormal,
	}
	rec := fixed(
		types.Detection{Text: "hello", Score: 0.9},
		types.Detection{Text: "no", Score: 0.9},
		types.Detection{Text: "a", Score: 0.9},
		types.Detection{Text: "world", Score: 0.4},
	)
	sess, _ := newTestSession(conn, rec)
	sess.Run(context.Background())

	if len(conn.written) != 2 {
		t.Fatalf("session sent %d replies, want 2", len(conn.written))
	}
	for i, reply := range conn.written {
		dets := decodeReply(t, reply)
		if len(dets) != 1 || dets[0].Text != "hello" {
			t.Errorf("reply %d = %+v, want only hello", i, dets)
		}
	}
}

func TestSessionPassesTensorToRecognizer(t *testing.T) {
	var got types.Tensor
	rec := recognizer.Func(func(ctx context.Context, img types.Tensor) ([]types.Detection, error) {
		got = img
		return nil, nil
	})
	conn := &fakeConn{
		in: []message{
			binary(t, map[string]any{}),
			frameMsg(t, []byte{1, 2, 3, 4, 5, 6}, 1, 2, 3),
		},
		readErr: abnormal,
	}
	sess, _ := newTestSession(conn, rec)
	sess.Run(context.Background())

	if got.Height != 1 || got.Width != 2 || got.Channels != 3 || got.At(0, 1, 2) != 6 {
		t.Errorf("recognizer got %+v", got)
	}
	if len(conn.written) != 1 || len(decodeReply(t, conn.written[0])) != 0 {
		t.Errorf("want one empty reply, got %v", conn.written)
	}
}
