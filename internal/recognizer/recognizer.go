// Package recognizer defines the contract the protocol layer consumes from a
// text recognition model, and the ways an implementation can be provided.
package recognizer

import (
	"context"
	"fmt"

	"github.com/andresmejia3/ocrserve/internal/types"
)

// Recognizer turns an image tensor into raw detections. Calls may be slow and
// CPU bound; implementations must be safe for concurrent use.
type Recognizer interface {
	Recognize(ctx context.Context, img types.Tensor) ([]types.Detection, error)
}

// Func adapts a plain function to Recognizer.
type Func func(ctx context.Context, img types.Tensor) ([]types.Detection, error)

// Recognize calls f.
func (f Func) Recognize(ctx context.Context, img types.Tensor) ([]types.Detection, error) {
	return f(ctx, img)
}

// Instance is a single-use collaborator that holds resources until closed.
type Instance interface {
	Recognize(ctx context.Context, img types.Tensor) ([]types.Detection, error)
	Close() error
}

// PerCall builds a fresh Instance for every call and closes it afterwards.
// Nothing is shared between calls, so the underlying model does not need to
// be safe for concurrent use.
type PerCall struct {
	New func(ctx context.Context) (Instance, error)
}

// Recognize constructs an instance, runs it once, and releases it.
func (p PerCall) Recognize(ctx context.Context, img types.Tensor) (dets []types.Detection, err error) {
	inst, err := p.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("construct recognizer: %w", err)
	}
	defer func() {
		if cerr := inst.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close recognizer: %w", cerr)
		}
	}()
	return inst.Recognize(ctx, img)
}
