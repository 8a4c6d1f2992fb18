package types

import "math/bits"

// Parameters narrows what a recognition call returns to the caller.
// A validated value is never mutated afterwards.
type Parameters struct {
	MinLength int
	TopK      int // 0 means no top-k selection
	Keywords  map[string]struct{}
	Exclude   bool
}

// DefaultParameters returns the values used for fields the caller omits.
func DefaultParameters() Parameters {
	return Parameters{
		MinLength: 1,
		Keywords:  map[string]struct{}{},
		Exclude:   true,
	}
}

// HasKeyword reports whether text is one of the configured keywords.
func (p Parameters) HasKeyword(text string) bool {
	_, ok := p.Keywords[text]
	return ok
}

// ImageFrame is a raw, uncompressed image as sent by the client.
type ImageFrame struct {
	Data     []byte
	Height   int
	Width    int
	Channels int
}

// Point is an (x, y) pair in pixel coordinates.
type Point [2]float64

// Box is the quadrilateral around a recognized span, in clockwise order
// starting at the top-left corner.
type Box [4]Point

// Detection is one recognized text span. It encodes as the [text, score, box]
// triple clients expect.
type Detection struct {
	_msgpack struct{} `msgpack:",as_array"`

	Text  string
	Score float64
	Box   Box
}

// Reshape views the frame data as a Height x Width x Channels tensor.
// It fails with *InvalidImageError when the byte count does not match.
func (f ImageFrame) Reshape() (Tensor, error) {
	if f.Height <= 0 || f.Width <= 0 || f.Channels <= 0 {
		return Tensor{}, &InvalidImageError{Length: len(f.Data), Height: f.Height, Width: f.Width, Channels: f.Channels}
	}
	hi, plane := bits.Mul64(uint64(f.Height), uint64(f.Width))
	hi2, total := bits.Mul64(plane, uint64(f.Channels))
	if hi != 0 || hi2 != 0 || total != uint64(len(f.Data)) {
		return Tensor{}, &InvalidImageError{Length: len(f.Data), Height: f.Height, Width: f.Width, Channels: f.Channels}
	}
	return Tensor{
		Height:   f.Height,
		Width:    f.Width,
		Channels: f.Channels,
		Pix:      f.Data,
	}, nil
}
