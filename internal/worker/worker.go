package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/ocrserve/internal/codec"
	"github.com/andresmejia3/ocrserve/internal/types"
	"github.com/andresmejia3/ocrserve/internal/utils"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	statusOK    byte = 0
	statusError byte = 1
)

// Config describes how to launch a recognizer worker process.
type Config struct {
	Command     []string
	ReadTimeout time.Duration
}

// RemoteError is an exception reported by the worker itself. The worker
// stays usable after one.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "python worker error: " + e.Message }

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	readTimeout time.Duration
	codec       codec.Codec
}

func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("worker command is empty")
	}
	py := utils.NewSafeCommand(ctx, cfg.Command[0], cfg.Command[1:]...)

	// Side-channel pipe (FD 3) keeps results apart from anything the model prints.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now.
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		readTimeout: cfg.ReadTimeout,
		codec:       codec.New(),
	}, nil
}

// Communicate sends one framed request and reads one framed response.
// Protocol: [uint32 BE length][payload] in both directions.
func (w *PythonWorker) Communicate(ctx context.Context, data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
		if deadline, set := w.deadline(ctx); set {
			if err := d.SetReadDeadline(deadline); err != nil {
				return nil, err
			}
		}
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

func (w *PythonWorker) deadline(ctx context.Context) (time.Time, bool) {
	deadline, set := ctx.Deadline()
	if w.readTimeout > 0 {
		if t := time.Now().Add(w.readTimeout); !set || t.Before(deadline) {
			return t, true
		}
	}
	return deadline, set
}

// Recognize ships img to the worker and decodes its detections.
// Response body: [status] then either a msgpack list of [text, score, box]
// triples or [uint32 msgLen][msg].
func (w *PythonWorker) Recognize(ctx context.Context, img types.Tensor) ([]types.Detection, error) {
	req, err := w.codec.Encode(map[string]any{
		"data":     img.Pix,
		"height":   img.Height,
		"width":    img.Width,
		"channels": img.Channels,
	})
	if err != nil {
		return nil, fmt.Errorf("encode worker request: %w", err)
	}

	resp, err := w.Communicate(ctx, req)
	if err != nil {
		if w.Cmd != nil {
			utils.ShowError(fmt.Sprintf("Python worker %d crashed", w.ID), err, w.Cmd)
		}
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errors.New("empty worker response")
	}

	switch resp[0] {
	case statusOK:
		var dets []types.Detection
		if err := msgpack.Unmarshal(resp[1:], &dets); err != nil {
			return nil, fmt.Errorf("malformed worker response: %w", err)
		}
		if dets == nil {
			dets = []types.Detection{}
		}
		return dets, nil
	case statusError:
		body := resp[1:]
		if len(body) < 4 {
			return nil, errors.New("truncated worker error")
		}
		msgLen := binary.BigEndian.Uint32(body[:4])
		if uint64(len(body)-4) < uint64(msgLen) {
			return nil, errors.New("truncated worker error")
		}
		return nil, &RemoteError{Message: string(body[4 : 4+msgLen])}
	default:
		return nil, fmt.Errorf("unknown worker status %d", resp[0])
	}
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
