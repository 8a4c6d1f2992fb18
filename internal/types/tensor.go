package types

import (
	"fmt"
	"image"
)

// Tensor is a row-major Height x Width x Channels byte buffer.
type Tensor struct {
	Height   int
	Width    int
	Channels int
	Pix      []byte
}

// At returns the sample at row y, column x, channel c.
func (t Tensor) At(y, x, c int) byte {
	return t.Pix[(y*t.Width+x)*t.Channels+c]
}

// Image converts the tensor into an image.Image.
// Three and four channel tensors are read as BGR / BGRA, the layout OpenCV clients send.
func (t Tensor) Image() (image.Image, error) {
	rect := image.Rect(0, 0, t.Width, t.Height)
	switch t.Channels {
	case 1:
		img := image.NewGray(rect)
		copy(img.Pix, t.Pix)
		return img, nil
	case 3, 4:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < len(t.Pix); i, j = i+t.Channels, j+4 {
			img.Pix[j] = t.Pix[i+2]
			img.Pix[j+1] = t.Pix[i+1]
			img.Pix[j+2] = t.Pix[i]
			if t.Channels == 4 {
				img.Pix[j+3] = t.Pix[i+3]
			} else {
				img.Pix[j+3] = 0xFF
			}
		}
		return img, nil
	default:
		return nil, fmt.Errorf("unsupported channel count %d", t.Channels)
	}
}
