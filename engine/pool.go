package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"TileSegServer/errs"
	iface "TileSegServer/interface"
	"TileSegServer/logger"
	"TileSegServer/monitor"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type PoolOptions struct {
	// AcquireTimeout > 0 bounds how long Acquire waits for a free handle.
	AcquireTimeout time.Duration
	// WarmUp runs one dummy prediction per handle, only on accelerated devices.
	WarmUp bool
}

// Pool hands out a fixed set of predictor handles. Waiting callers are served
// in FIFO order by the channel.
type Pool struct {
	model       iface.Model
	handles     chan *Handle
	all         []*Handle
	opts        PoolOptions
	done        chan struct{}
	mu          sync.Mutex
	closed      bool
	outstanding atomic.Int64
	closeOnce   sync.Once
	closeErr    error
}

// NewPool creates size predictors from model. The pool does not own the model.
func NewPool(ctx context.Context, model iface.Model, size int, opts PoolOptions) (*Pool, error) {
	if size < 1 {
		return nil, errs.Invalid("numPredictors must be at least 1, got %d", size)
	}
	p := &Pool{
		model:   model,
		handles: make(chan *Handle, size),
		opts:    opts,
		done:    make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		pred, err := model.NewPredictor()
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("%w: predictor %d: %w", errs.ErrModelLoad, i, err)
		}
		h := &Handle{ID: uuid.NewString(), Device: model.Device(), predictor: pred}
		h.state.Store(IDLE)
		p.all = append(p.all, h)
		if opts.WarmUp && h.Device.Accelerated() {
			p.warmUp(ctx, h)
		}
		p.handles <- h
	}
	logger.Log().Info("predictor pool ready",
		zap.String("model", model.Info().Name),
		zap.String("device", string(model.Device())),
		zap.Int("size", size))
	return p, nil
}

func (p *Pool) warmUp(ctx context.Context, h *Handle) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Warn("warm-up panic", zap.String("handle", h.ID), zap.Any("panic", r))
		}
	}()
	info := p.model.Info()
	w, hh := info.InputWidth, info.InputHeight
	if w <= 0 || hh <= 0 {
		w, hh = 64, 64
	}
	c := info.NumChannels
	if c <= 0 {
		c = 1
	}
	in := iface.NewTensor(c, hh, w).ToLayout(info.Layout)
	start := time.Now()
	if _, err := h.predictor.Predict(ctx, in); err != nil {
		logger.Log().Warn("warm-up prediction failed", zap.String("handle", h.ID), zap.Error(err))
		return
	}
	logger.Log().Debug("warm-up done", zap.String("handle", h.ID), zap.Duration("took", time.Since(start)))
}

// Acquire blocks until a handle is free, ctx is done, the acquire timeout expires or the pool closes.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	var timeout <-chan time.Time
	if p.opts.AcquireTimeout > 0 {
		t := time.NewTimer(p.opts.AcquireTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-p.done:
		return nil, fmt.Errorf("%w: predictor pool closed", errs.ErrResourceExhausted)
	default:
	}
	select {
	case h := <-p.handles:
		h.state.Store(BUSY)
		p.outstanding.Add(1)
		monitor.HandlesOutstanding.Inc()
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%w: no predictor free after %v", errs.ErrResourceExhausted, p.opts.AcquireTimeout)
	case <-p.done:
		return nil, fmt.Errorf("%w: predictor pool closed", errs.ErrResourceExhausted)
	}
}

// Release returns a handle. Handles released after Close are closed instead.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	if !h.state.CompareAndSwap(BUSY, IDLE) {
		logger.Log().Warn("release of handle not in use", zap.String("handle", h.ID), zap.String("state", StateName(h.State())))
		return
	}
	p.outstanding.Add(-1)
	monitor.HandlesOutstanding.Dec()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.closeHandle(h)
		return
	}
	p.handles <- h
}

// With runs fn while holding a handle. The handle is released on every path, a panic in fn becomes a TilePredictionError.
func (p *Pool) With(ctx context.Context, fn func(h *Handle) error) (err error) {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(h)
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("predictor panic", zap.String("handle", h.ID), zap.Any("panic", r))
			err = fmt.Errorf("%w: predictor panic: %v", errs.ErrTilePrediction, r)
		}
	}()
	return fn(h)
}

// Close closes idle predictors now and busy ones when they are released.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.done)
		var all []error
	drain:
		for {
			select {
			case h := <-p.handles:
				all = append(all, p.closeHandle(h))
			default:
				break drain
			}
		}
		p.mu.Unlock()
		p.closeErr = errors.Join(all...)
		if n := p.Outstanding(); n > 0 {
			logger.Log().Warn("predictor pool closed with handles in use", zap.Int("outstanding", n))
		}
	})
	return p.closeErr
}

func (p *Pool) closeHandle(h *Handle) error {
	h.state.Store(CLOSED)
	if err := h.predictor.Close(); err != nil {
		logger.Log().Warn("close predictor", zap.String("handle", h.ID), zap.Error(err))
		return err
	}
	return nil
}

// Outstanding is the number of acquired, unreleased handles.
func (p *Pool) Outstanding() int {
	return int(p.outstanding.Load())
}

func (p *Pool) Size() int {
	return len(p.all)
}

func (p *Pool) Idle() int {
	return len(p.handles)
}

func (p *Pool) Handles() []*Handle {
	return append([]*Handle(nil), p.all...)
}
