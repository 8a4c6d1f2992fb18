package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"

	"github.com/andresmejia3/ocrserve/internal/codec"
	"github.com/andresmejia3/ocrserve/internal/types"
	"github.com/gorilla/websocket"
)

// CloseCode is the terminal code of a streaming session.
type CloseCode int

const (
	CloseNormal            CloseCode = websocket.CloseNormalClosure
	CloseInvalidParameters CloseCode = 4400
	CloseInvalidImage      CloseCode = 4422
	CloseUnexpected        CloseCode = 4500
)

func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseInvalidParameters:
		return "invalid_parameters"
	case CloseInvalidImage:
		return "invalid_image"
	case CloseUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// kind is the failure category an error maps to.
type kind int

const (
	kindNone kind = iota
	kindInvalid
	kindDisconnect
	kindUnexpected
)

func classify(err error) kind {
	var (
		decodeErr *types.DecodeError
		validErr  *types.ValidationError
		imageErr  *types.InvalidImageError
	)
	switch {
	case err == nil:
		return kindNone
	case errors.As(err, &decodeErr), errors.As(err, &validErr), errors.As(err, &imageErr):
		return kindInvalid
	case errors.Is(err, types.ErrPeerDisconnect):
		return kindDisconnect
	default:
		return kindUnexpected
	}
}

// detail lists the violations reported back to the client for an invalid
// request.
func detail(err error) []types.Violation {
	var (
		decodeErr *types.DecodeError
		validErr  *types.ValidationError
		imageErr  *types.InvalidImageError
	)
	switch {
	case errors.As(err, &validErr):
		return validErr.Violations
	case errors.As(err, &imageErr):
		return []types.Violation{{Field: "image", Message: imageErr.Error()}}
	case errors.As(err, &decodeErr):
		return []types.Violation{{Field: "body", Message: decodeErr.Error()}}
	}
	return nil
}

// writeError turns err into the HTTP outcome of a single-shot request.
// It returns the outcome name recorded in the journal.
func writeError(w http.ResponseWriter, c codec.Codec, log *slog.Logger, err error) string {
	switch classify(err) {
	case kindInvalid:
		log.Info("rejected request", "error", err)
		body, encErr := c.Encode(map[string]any{"detail": detail(err)})
		if encErr != nil {
			log.Error("encode error detail", "error", encErr)
			w.WriteHeader(http.StatusInternalServerError)
			return "unexpected"
		}
		w.Header().Set("Content-Type", codec.ContentType)
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write(body)
		return "invalid"
	case kindDisconnect:
		log.Info("client disconnected", "error", err)
		return "disconnected"
	default:
		log.Error("request failed", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return "unexpected"
	}
}

// isDisconnect reports whether a transport read error means the peer is gone.
func isDisconnect(err error) bool {
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
