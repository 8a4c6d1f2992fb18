package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/ocrserve/internal/codec"
	"github.com/andresmejia3/ocrserve/internal/filter"
	"github.com/andresmejia3/ocrserve/internal/recognizer"
	"github.com/andresmejia3/ocrserve/internal/types"
	"github.com/andresmejia3/ocrserve/internal/validate"
	"github.com/gorilla/websocket"
)

// State is a streaming session's position in its lifecycle.
type State int

const (
	AwaitingParameters State = iota
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingParameters:
		return "awaiting_parameters"
	case Streaming:
		return "streaming"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is the message transport a Session runs over. *websocket.Conn
// satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

const closeWriteTimeout = time.Second

var errTextMessage = errors.New("expected a binary message")

// Session runs the streaming protocol over one connection: the first
// message binds Parameters, every later message is an ImageFrame answered
// by exactly one detection list.
type Session struct {
	ID string

	conn  Conn
	codec codec.Codec
	rec   recognizer.Recognizer
	log   *slog.Logger

	state      State
	code       CloseCode
	params     types.Parameters
	frames     int
	detections int
}

// NewSession prepares a session in AwaitingParameters.
func NewSession(id string, conn Conn, c codec.Codec, rec recognizer.Recognizer, logger *slog.Logger) *Session {
	return &Session{
		ID:    id,
		conn:  conn,
		codec: c,
		rec:   rec,
		log:   logger.With("session", id),
		state: AwaitingParameters,
	}
}

// State reports the current state.
func (s *Session) State() State { return s.state }

// Frames reports how many frames were answered.
func (s *Session) Frames() int { return s.frames }

// Detections reports how many detections were sent in total.
func (s *Session) Detections() int { return s.detections }

// Run drives the session until it is Closed and returns the closure code.
// It blocks indefinitely while the peer is connected and silent.
func (s *Session) Run(ctx context.Context) CloseCode {
	s.log.Debug("session opened")
	for s.state != Closed {
		switch s.state {
		case AwaitingParameters:
			s.bind()
		case Streaming:
			s.serveFrame(ctx)
		}
	}
	return s.code
}

func (s *Session) bind() {
	v, err := s.receive()
	if err != nil {
		s.fail(err, CloseInvalidParameters)
		return
	}
	p, err := validate.Parameters(v)
	if err != nil {
		s.fail(err, CloseInvalidParameters)
		return
	}
	s.params = p
	s.state = Streaming
	s.log.Debug("parameters bound", "min_length", p.MinLength, "top_k", p.TopK, "keywords", len(p.Keywords), "exclude", p.Exclude)
}

func (s *Session) serveFrame(ctx context.Context) {
	v, err := s.receive()
	if err != nil {
		s.fail(err, CloseInvalidImage)
		return
	}
	frame, err := validate.ImageFrame(v)
	if err != nil {
		s.fail(err, CloseInvalidImage)
		return
	}
	img, err := frame.Reshape()
	if err != nil {
		s.fail(err, CloseInvalidImage)
		return
	}

	raw, err := s.rec.Recognize(ctx, img)
	if err != nil {
		s.fail(fmt.Errorf("recognize frame %d: %w", s.frames, err), CloseUnexpected)
		return
	}
	dets := filter.Apply(s.params, raw)

	reply, err := s.codec.Encode(dets)
	if err != nil {
		s.fail(fmt.Errorf("encode frame %d: %w", s.frames, err), CloseUnexpected)
		return
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
		s.fail(fmt.Errorf("%w: %v", types.ErrPeerDisconnect, err), CloseUnexpected)
		return
	}
	s.frames++
	s.detections += len(dets)
}

// receive reads and decodes one message. Transport failures are reported
// as disconnects or unexpected errors; anything wrong with the payload is
// a DecodeError.
func (s *Session) receive() (any, error) {
	mt, data, err := s.conn.ReadMessage()
	switch {
	case err == nil:
	case errors.Is(err, websocket.ErrReadLimit):
		return nil, &types.DecodeError{Err: err}
	case isDisconnect(err):
		return nil, fmt.Errorf("%w: %v", types.ErrPeerDisconnect, err)
	default:
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, &types.DecodeError{Err: errTextMessage}
	}
	return s.codec.Decode(data)
}

// fail moves the session to Closed. invalid is the code used when err is a
// payload problem; disconnects close normally and anything else is
// unexpected.
func (s *Session) fail(err error, invalid CloseCode) {
	s.state = Closed
	switch classify(err) {
	case kindDisconnect:
		// The peer is gone; there is nobody to send a close frame to.
		s.code = CloseNormal
		s.log.Info("peer disconnected", "frames", s.frames, "error", err)
		return
	case kindInvalid:
		s.code = invalid
		s.log.Info("closing session", "code", int(s.code), "reason", s.code.String(), "error", err)
	default:
		s.code = CloseUnexpected
		s.log.Error("session failed", "frames", s.frames, "error", err)
	}

	msg := websocket.FormatCloseMessage(int(s.code), s.code.String())
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil {
		s.log.Debug("close frame not delivered", "error", err)
	}
}
