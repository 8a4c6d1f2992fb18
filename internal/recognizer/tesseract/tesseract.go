// Package tesseract provides a Recognizer backed by the Tesseract engine.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/andresmejia3/ocrserve/internal/recognizer"
	"github.com/andresmejia3/ocrserve/internal/types"
	"github.com/otiai10/gosseract/v2"
)

// Engine recognizes text lines with a fresh gosseract client per call.
// gosseract clients are not safe for concurrent use, so none are shared.
type Engine struct {
	recognizer.PerCall

	languages     []string
	clientFactory func() *gosseract.Client
}

// New constructs an engine for the given tesseract language codes.
func New(languages ...string) *Engine {
	e := &Engine{
		languages:     append([]string(nil), languages...),
		clientFactory: gosseract.NewClient,
	}
	e.PerCall = recognizer.PerCall{New: e.open}
	return e
}

func (e *Engine) open(ctx context.Context) (recognizer.Instance, error) {
	c := e.clientFactory()
	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			c.Close()
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	return &session{client: c}, nil
}

type session struct {
	client *gosseract.Client
}

func (s *session) Close() error { return s.client.Close() }

func (s *session) Recognize(ctx context.Context, img types.Tensor) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raster, err := img.Image()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, raster); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	if err := s.client.SetImageFromBytes(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}
	boxes, err := s.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("recognize text: %w", err)
	}

	dets := make([]types.Detection, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		dets = append(dets, types.Detection{
			Text:  text,
			Score: b.Confidence / 100.0,
			Box:   quad(b.Box),
		})
	}
	return dets, nil
}

// quad expands an axis-aligned rectangle into four clockwise corners.
func quad(r image.Rectangle) types.Box {
	x0, y0 := float64(r.Min.X), float64(r.Min.Y)
	x1, y1 := float64(r.Max.X), float64(r.Max.Y)
	return types.Box{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}}
}
