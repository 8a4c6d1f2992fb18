// Package server exposes a Recognizer over HTTP and WebSocket using the
// msgpack codec for every payload.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/andresmejia3/ocrserve/internal/codec"
	"github.com/andresmejia3/ocrserve/internal/filter"
	"github.com/andresmejia3/ocrserve/internal/recognizer"
	"github.com/andresmejia3/ocrserve/internal/store"
	"github.com/andresmejia3/ocrserve/internal/types"
	"github.com/andresmejia3/ocrserve/internal/validate"
	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultMaxMessage bounds request bodies and stream messages.
const DefaultMaxMessage = 64 << 20

// Journal records finished exchanges. *store.Store satisfies it.
type Journal interface {
	Record(ctx context.Context, e store.Entry) error
}

type noJournal struct{}

func (noJournal) Record(context.Context, store.Entry) error { return nil }

// Config wires a Server.
type Config struct {
	Codec      codec.Codec
	Recognizer recognizer.Recognizer
	// Journal may be nil.
	Journal Journal
	Logger  *slog.Logger
	// AccessLogger gets one line per request. Nil disables the access log.
	AccessLogger *slog.Logger
	// MaxMessage defaults to DefaultMaxMessage.
	MaxMessage int64
}

// Server routes /single, /streaming and /healthz.
type Server struct {
	codec    codec.Codec
	rec      recognizer.Recognizer
	journal  Journal
	log      *slog.Logger
	access   *slog.Logger
	maxBytes int64
	upgrader websocket.Upgrader
	handler  http.Handler

	mu       sync.Mutex
	sessions map[*websocket.Conn]struct{}
	closing  bool
	active   sync.WaitGroup
}

// New builds the route table once.
func New(cfg Config) *Server {
	s := &Server{
		codec:    cfg.Codec,
		rec:      cfg.Recognizer,
		journal:  cfg.Journal,
		log:      cfg.Logger,
		access:   cfg.AccessLogger,
		maxBytes: cfg.MaxMessage,
		sessions: make(map[*websocket.Conn]struct{}),
	}
	if s.journal == nil {
		s.journal = noJournal{}
	}
	if s.log == nil {
		s.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxMessage
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 64 << 10,
	}

	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /single", s.handleSingle},
		{"GET /streaming", s.handleStreaming},
		{"GET /healthz", s.handleHealth},
	}
	mux := http.NewServeMux()
	for _, r := range routes {
		mux.HandleFunc(r.pattern, r.handler)
	}
	s.handler = s.accessLog(mux)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	if s.access == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.access.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", m.Code,
			"bytes", m.Written,
			"duration", m.Duration,
			"remote", r.RemoteAddr,
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok")
}

func (s *Server) handleSingle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id := uuid.NewString()
	log := s.log.With("request_id", id)

	entry := store.Entry{RequestID: id, Endpoint: "/single", Frames: 1, Outcome: "ok"}
	defer func() {
		entry.Duration = time.Since(start)
		s.record(entry)
	}()

	dets, err := s.single(w, r)
	if err == nil {
		var body []byte
		if body, err = s.codec.Encode(dets); err == nil {
			entry.Detections = len(dets)
			w.Header().Set("Content-Type", codec.ContentType)
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		err = fmt.Errorf("encode response: %w", err)
	}
	entry.Frames = 0
	entry.Outcome = writeError(w, s.codec, log, err)
}

// single decodes, validates, reshapes, recognizes and filters one request.
func (s *Server) single(w http.ResponseWriter, r *http.Request) ([]types.Detection, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, &types.DecodeError{Err: err}
		}
		return nil, fmt.Errorf("%w: %v", types.ErrPeerDisconnect, err)
	}

	v, err := s.codec.Decode(body)
	if err != nil {
		return nil, err
	}
	params, frame, err := validate.SingleRequest(v)
	if err != nil {
		return nil, err
	}
	img, err := frame.Reshape()
	if err != nil {
		return nil, err
	}
	raw, err := s.rec.Recognize(r.Context(), img)
	if err != nil {
		if r.Context().Err() != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrPeerDisconnect, err)
		}
		return nil, fmt.Errorf("recognize: %w", err)
	}
	return filter.Apply(params, raw), nil
}

func (s *Server) handleStreaming(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	if !s.track(conn) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(closeWriteTimeout))
		conn.Close()
		return
	}
	defer s.untrack(conn)
	conn.SetReadLimit(s.maxBytes)

	start := time.Now()
	sess := NewSession(uuid.NewString(), conn, s.codec, s.rec, s.log)
	code := sess.Run(r.Context())

	s.record(store.Entry{
		RequestID:  sess.ID,
		Endpoint:   "/streaming",
		Frames:     sess.Frames(),
		Detections: sess.Detections(),
		Outcome:    code.String(),
		Duration:   time.Since(start),
	})
}

func (s *Server) track(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[conn] = struct{}{}
	s.active.Add(1)
	return true
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.sessions, conn)
	s.mu.Unlock()
	conn.Close()
	s.active.Done()
}

// record journals e. Journal failures never reach the client.
func (s *Server) record(e store.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.journal.Record(ctx, e); err != nil {
		s.log.Warn("journal write failed", "request_id", e.RequestID, "error", err)
	}
}

// Shutdown drops every open streaming session and waits for their handlers
// to finish or for ctx to expire. Hijacked connections are invisible to
// http.Server.Shutdown, so this must be called alongside it.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for conn := range s.sessions {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
