package recognizer

import (
	"context"
	"errors"
	"testing"

	"github.com/andresmejia3/ocrserve/internal/types"
)

type fakeInstance struct {
	closed *int
	err    error
}

func (f *fakeInstance) Recognize(ctx context.Context, img types.Tensor) ([]types.Detection, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []types.Detection{{Text: "hi", Score: float64(img.Height)}}, nil
}

func (f *fakeInstance) Close() error {
	*f.closed++
	return nil
}

func TestPerCallConstructsFreshInstance(t *testing.T) {
	built, closed := 0, 0
	p := PerCall{New: func(ctx context.Context) (Instance, error) {
		built++
		return &fakeInstance{closed: &closed}, nil
	}}

	for i := 1; i <= 3; i++ {
		dets, err := p.Recognize(context.Background(), types.Tensor{Height: i})
		if err != nil {
			t.Fatalf("Recognize failed: %v", err)
		}
		if len(dets) != 1 || dets[0].Score != float64(i) {
			t.Errorf("call %d: got %+v", i, dets)
		}
	}
	if built != 3 || closed != 3 {
		t.Errorf("built=%d closed=%d, want 3 and 3", built, closed)
	}
}

func TestPerCallClosesOnError(t *testing.T) {
	closed := 0
	boom := errors.New("model exploded")
	p := PerCall{New: func(ctx context.Context) (Instance, error) {
		return &fakeInstance{closed: &closed, err: boom}, nil
	}}

	if _, err := p.Recognize(context.Background(), types.Tensor{}); !errors.Is(err, boom) {
		t.Fatalf("Recognize error = %v, want %v", err, boom)
	}
	if closed != 1 {
		t.Errorf("instance closed %d times, want 1", closed)
	}
}

func TestPerCallConstructionFailure(t *testing.T) {
	boom := errors.New("no model")
	p := PerCall{New: func(ctx context.Context) (Instance, error) { return nil, boom }}
	if _, err := p.Recognize(context.Background(), types.Tensor{}); !errors.Is(err, boom) {
		t.Fatalf("Recognize error = %v, want %v", err, boom)
	}
}
