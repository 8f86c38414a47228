package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TileSegServer/errs"
	iface "TileSegServer/interface"
	"TileSegServer/preprocess"
	"TileSegServer/tiler"
)

// Processor runs one tile through preprocessing, the model and back to interior coordinates.
// It holds no per-tile state and is shared by all workers of a run.
type Processor struct {
	Pool           *Pool
	Info           iface.ModelInfo
	Preprocess     preprocess.Transform
	InputLayout    iface.Layout
	OutputLayout   iface.Layout
	PadToInputSize bool
	Resizer        iface.Resizer
	TileTimeout    time.Duration
	// FinishInFlight lets a predict call that already holds a handle run to
	// completion after ctx is cancelled. Waiting for a handle still stops.
	FinishInFlight bool
}

// Process takes the CHW pixels of tile.Bounds and returns the CHW model output cropped to tile.Interior.
// Cancellation of ctx is returned as is, tile failures come back as *errs.TileError.
func (p *Processor) Process(ctx context.Context, tile tiler.Tile, pixels iface.Tensor) (iface.Tensor, error) {
	out, err := p.process(ctx, tile, pixels)
	if ctx.Err() != nil {
		return iface.Tensor{}, ctx.Err()
	}
	if err == nil {
		return out, nil
	}
	if errors.Is(err, errs.ErrResourceExhausted) {
		return iface.Tensor{}, err
	}
	if !errors.Is(err, errs.ErrShapeMismatch) && !errors.Is(err, errs.ErrTilePrediction) {
		err = fmt.Errorf("%w: %w", errs.ErrTilePrediction, err)
	}
	return iface.Tensor{}, &errs.TileError{Index: tile.Index, Col: tile.Col, Row: tile.Row, Bounds: tile.Bounds, Err: err}
}

func (p *Processor) process(ctx context.Context, tile tiler.Tile, pixels iface.Tensor) (iface.Tensor, error) {
	w, h := tile.Bounds.Dx(), tile.Bounds.Dy()
	if pixels.Width != w || pixels.Height != h {
		return iface.Tensor{}, errs.ShapeMismatch("pixels %dx%d, tile bounds %dx%d", pixels.Width, pixels.Height, w, h)
	}
	if err := pixels.Validate(); err != nil {
		return iface.Tensor{}, errs.ShapeMismatch("%v", err)
	}

	buf := pixels.ToLayout(iface.LayoutCHW)
	if p.Preprocess != nil {
		var err error
		if buf, err = p.Preprocess.Apply(buf); err != nil {
			return iface.Tensor{}, fmt.Errorf("preprocess: %w", err)
		}
	}

	plan, err := PlanInput(w, h, p.Info, p.PadToInputSize, p.Resizer != nil)
	if err != nil {
		return iface.Tensor{}, err
	}
	in, err := plan.Apply(buf, p.Resizer)
	if err != nil {
		return iface.Tensor{}, err
	}
	in = in.ToLayout(p.InputLayout)

	predCtx := ctx
	if p.FinishInFlight {
		predCtx = context.WithoutCancel(ctx)
	}
	if p.TileTimeout > 0 {
		var cancel context.CancelFunc
		predCtx, cancel = context.WithTimeout(predCtx, p.TileTimeout)
		defer cancel()
	}
	var raw iface.Tensor
	err = p.Pool.With(ctx, func(hd *Handle) error {
		var perr error
		raw, perr = hd.Predict(predCtx, in)
		return perr
	})
	if err != nil {
		if ctx.Err() == nil && predCtx.Err() != nil {
			return iface.Tensor{}, fmt.Errorf("%w: no result within %v: %w", errs.ErrTilePrediction, p.TileTimeout, predCtx.Err())
		}
		return iface.Tensor{}, err
	}

	if raw.Layout == "" {
		raw.Layout = p.OutputLayout
	}
	if err := raw.Validate(); err != nil {
		return iface.Tensor{}, errs.ShapeMismatch("model output: %v", err)
	}
	if p.Info.OutputChannels > 0 && raw.Channels != p.Info.OutputChannels {
		return iface.Tensor{}, errs.ShapeMismatch("model output has %d channels, declared %d", raw.Channels, p.Info.OutputChannels)
	}
	restored, err := plan.Invert(raw.ToLayout(iface.LayoutCHW), p.Resizer)
	if err != nil {
		return iface.Tensor{}, err
	}
	return Crop(restored, tile.LocalInterior())
}
