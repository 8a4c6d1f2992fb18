package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/andresmejia3/ocrserve/internal/recognizer"
	"github.com/andresmejia3/ocrserve/internal/types"
)

// ErrPoolClosed is returned by Recognize once Close has been called.
var ErrPoolClosed = errors.New("worker pool closed")

// SpawnFunc starts one worker.
type SpawnFunc func(ctx context.Context, id int) (recognizer.Instance, error)

// Spawner returns a SpawnFunc launching Python workers with cfg.
func Spawner(cfg Config) SpawnFunc {
	return func(ctx context.Context, id int) (recognizer.Instance, error) {
		return NewPythonWorker(ctx, id, cfg)
	}
}

// Pool hands each call its own long-lived worker. A worker is never used by
// two calls at once. Workers that break the protocol are discarded and a
// replacement is spawned on the next checkout of that slot.
type Pool struct {
	ctx   context.Context
	spawn SpawnFunc
	log   *slog.Logger

	// slots holds one entry per worker; nil marks a slot awaiting respawn.
	slots chan recognizer.Instance
	size  int

	mu     sync.Mutex
	nextID int

	done      chan struct{}
	closeOnce sync.Once
}

// NewPool starts size workers one after another, calling progress after each.
// Workers live until Close or until ctx is cancelled.
func NewPool(ctx context.Context, size int, spawn SpawnFunc, logger *slog.Logger, progress func()) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be >= 1, got %d", size)
	}
	p := &Pool{
		ctx:   ctx,
		spawn: spawn,
		log:   logger,
		slots: make(chan recognizer.Instance, size),
		size:  size,
		done:  make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		inst, err := p.start()
		if err != nil {
			close(p.done)
			for j := 0; j < i; j++ {
				if w := <-p.slots; w != nil {
					w.Close()
				}
			}
			return nil, err
		}
		p.slots <- inst
		if progress != nil {
			progress()
		}
	}
	return p, nil
}

func (p *Pool) start() (recognizer.Instance, error) {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.mu.Unlock()
	return p.spawn(p.ctx, id)
}

// Size reports the number of worker slots.
func (p *Pool) Size() int { return p.size }

// Recognize checks out a worker, runs img through it, and returns it.
func (p *Pool) Recognize(ctx context.Context, img types.Tensor) ([]types.Detection, error) {
	var inst recognizer.Instance
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case inst = <-p.slots:
	}

	if inst == nil {
		var err error
		if inst, err = p.start(); err != nil {
			p.slots <- nil
			return nil, fmt.Errorf("respawn worker: %w", err)
		}
	}

	dets, err := inst.Recognize(ctx, img)
	var remote *RemoteError
	if err != nil && !errors.As(err, &remote) {
		// The pipe is in an unknown state; this worker cannot be reused.
		p.log.Warn("discarding recognizer worker", "error", err)
		inst.Close()
		inst = nil
	}
	p.slots <- inst
	return dets, err
}

// Close stops accepting calls, waits for checked-out workers to come back,
// and shuts every worker down.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		for i := 0; i < p.size; i++ {
			if inst := <-p.slots; inst != nil {
				if err := inst.Close(); err != nil {
					p.log.Debug("worker exited", "error", err)
				}
			}
		}
	})
}
