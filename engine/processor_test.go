package engine

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"TileSegServer/config"
	"TileSegServer/engine/enginetest"
	"TileSegServer/errs"
	iface "TileSegServer/interface"
	"TileSegServer/preprocess"
	"TileSegServer/tiler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nearestResizer struct{}

func (nearestResizer) Resize(t iface.Tensor, w, h int, _ bool) (iface.Tensor, error) {
	src := t.ToLayout(iface.LayoutCHW)
	out := iface.NewTensor(src.Channels, h, w)
	for c := 0; c < src.Channels; c++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out.Set(c, y, x, src.At(c, y*src.Height/h, x*src.Width/w))
			}
		}
	}
	return out, nil
}

func grid1024(t *testing.T) tiler.Grid {
	g, err := tiler.Compute(tiler.Options{RegionWidth: 1024, RegionHeight: 1024, TileWidth: 512, TileHeight: 512, Padding: 16})
	require.NoError(t, err)
	return g
}

func halfBright(w, h int, at int, v float32) iface.Tensor {
	px := iface.NewTensor(1, h, w)
	for y := 0; y < h; y++ {
		for x := 0; x < at; x++ {
			px.Set(0, y, x, v)
		}
	}
	return px
}

func newProcessor(t *testing.T, model *enginetest.Model, info iface.ModelInfo) *Processor {
	p, err := NewPool(context.Background(), model, 1, PoolOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	pre, err := preprocess.Build(config.DefaultRun().Preprocessing)
	require.NoError(t, err)
	return &Processor{
		Pool:           p,
		Info:           info,
		Preprocess:     pre,
		InputLayout:    iface.LayoutCHW,
		OutputLayout:   iface.LayoutCHW,
		PadToInputSize: true,
	}
}

func TestPadRoundTrip(t *testing.T) {
	info := iface.ModelInfo{InputWidth: 256, InputHeight: 256}
	for _, size := range [][2]int{{256, 256}, {200, 150}, {1, 256}, {17, 3}} {
		plan, err := PlanInput(size[0], size[1], info, true, false)
		require.NoError(t, err)

		in := iface.NewTensor(2, size[1], size[0])
		for i := range in.Data {
			in.Data[i] = float32(i)
		}
		padded, err := plan.Apply(in, nil)
		require.NoError(t, err)
		assert.Equal(t, 256, padded.Width)
		assert.Equal(t, 256, padded.Height)

		back, err := plan.Invert(padded, nil)
		require.NoError(t, err)
		assert.Equal(t, size[0], back.Width)
		assert.Equal(t, size[1], back.Height)
		assert.Equal(t, in.Data, back.Data)
	}
}

func TestPlanInput(t *testing.T) {
	fixed := iface.ModelInfo{InputWidth: 256, InputHeight: 256}

	plan, err := PlanInput(300, 300, iface.ModelInfo{}, true, false)
	require.NoError(t, err)
	assert.Equal(t, FitNone, plan.Mode)

	plan, err = PlanInput(256, 256, fixed, false, false)
	require.NoError(t, err)
	assert.Equal(t, FitNone, plan.Mode)

	_, err = PlanInput(300, 200, fixed, true, false)
	assert.ErrorIs(t, err, errs.ErrShapeMismatch)

	plan, err = PlanInput(300, 200, fixed, true, true)
	require.NoError(t, err)
	assert.Equal(t, FitResize, plan.Mode)

	plan, err = PlanInput(100, 200, fixed, false, true)
	require.NoError(t, err)
	assert.Equal(t, FitResize, plan.Mode)

	_, err = plan.Invert(iface.NewTensor(1, 10, 10), nearestResizer{})
	assert.ErrorIs(t, err, errs.ErrShapeMismatch)
}

func TestCrop(t *testing.T) {
	in := iface.NewTensor(1, 4, 4)
	for i := range in.Data {
		in.Data[i] = float32(i)
	}
	out, err := Crop(in, image.Rect(1, 2, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 10, 13, 14}, out.Data)

	_, err = Crop(in, image.Rect(2, 2, 5, 4))
	assert.ErrorIs(t, err, errs.ErrShapeMismatch)
}

func TestProcessPadsBorderTile(t *testing.T) {
	g := grid1024(t)
	tile, _ := g.Tile(0)
	require.Equal(t, image.Rect(0, 0, 496, 496), tile.Bounds)

	var seen image.Point
	model := &enginetest.Model{Fn: func(in iface.Tensor) (iface.Tensor, error) {
		seen = image.Pt(in.Width, in.Height)
		return enginetest.Foreground(in)
	}}
	p := newProcessor(t, model, iface.ModelInfo{InputWidth: 512, InputHeight: 512, OutputChannels: 1})

	out, err := p.Process(context.Background(), tile, halfBright(496, 496, 240, 200))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(512, 512), seen)
	assert.Equal(t, 480, out.Width)
	assert.Equal(t, 480, out.Height)
	assert.Equal(t, float32(1), out.At(0, 10, 239))
	assert.Equal(t, float32(0), out.At(0, 10, 240))
	assert.Equal(t, 0, p.Pool.Outstanding())
}

func TestProcessCropsInteriorOfInnerTile(t *testing.T) {
	g := grid1024(t)
	tile, _ := g.Tile(4)
	require.Equal(t, image.Rect(16, 16, 496, 496), tile.LocalInterior())

	p := newProcessor(t, &enginetest.Model{}, iface.ModelInfo{InputWidth: 512, InputHeight: 512})
	// bright up to region x = 480, the first interior column
	out, err := p.Process(context.Background(), tile, halfBright(512, 512, 17, 200))
	require.NoError(t, err)
	assert.Equal(t, 480, out.Width)
	assert.Equal(t, float32(1), out.At(0, 0, 0))
	assert.Equal(t, float32(0), out.At(0, 0, 1))
}

func TestProcessResizePath(t *testing.T) {
	g := grid1024(t)
	tile, _ := g.Tile(0)
	p := newProcessor(t, &enginetest.Model{}, iface.ModelInfo{InputWidth: 512, InputHeight: 512})
	p.PadToInputSize = false
	p.Resizer = nearestResizer{}

	out, err := p.Process(context.Background(), tile, halfBright(496, 496, 240, 200))
	require.NoError(t, err)
	assert.Equal(t, 480, out.Width)
	assert.Equal(t, 480, out.Height)
	assert.Equal(t, float32(1), out.At(0, 100, 100))
	assert.Equal(t, float32(0), out.At(0, 100, 400))
}

func TestProcessErrorsCarryTileLocation(t *testing.T) {
	g := grid1024(t)
	tile, _ := g.Tile(5)
	px := iface.NewTensor(1, tile.Bounds.Dy(), tile.Bounds.Dx())

	boom := errors.New("device lost")
	p := newProcessor(t, &enginetest.Model{Fail: func(int) error { return boom }}, iface.ModelInfo{})
	_, err := p.Process(context.Background(), tile, px)
	var te *errs.TileError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 5, te.Index)
	assert.Equal(t, 2, te.Col)
	assert.Equal(t, 1, te.Row)
	assert.Equal(t, tile.Bounds, te.Bounds)
	assert.ErrorIs(t, err, errs.ErrTilePrediction)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Pool.Outstanding())
}

func TestProcessShapeMismatch(t *testing.T) {
	g := grid1024(t)
	tile, _ := g.Tile(0)
	px := iface.NewTensor(1, 496, 496)

	wrongSize := &enginetest.Model{Fn: func(iface.Tensor) (iface.Tensor, error) { return iface.NewTensor(1, 10, 10), nil }}
	p := newProcessor(t, wrongSize, iface.ModelInfo{})
	_, err := p.Process(context.Background(), tile, px)
	assert.ErrorIs(t, err, errs.ErrShapeMismatch)
	assert.ErrorIs(t, err, errs.ErrTilePrediction)

	p = newProcessor(t, &enginetest.Model{}, iface.ModelInfo{OutputChannels: 2})
	_, err = p.Process(context.Background(), tile, px)
	assert.ErrorIs(t, err, errs.ErrShapeMismatch)

	_, err = p.Process(context.Background(), tile, iface.NewTensor(1, 100, 100))
	assert.ErrorIs(t, err, errs.ErrShapeMismatch)
	assert.Equal(t, 0, p.Pool.Outstanding())
}

func TestProcessTileTimeout(t *testing.T) {
	g := grid1024(t)
	tile, _ := g.Tile(0)
	p := newProcessor(t, &enginetest.Model{Delay: time.Second}, iface.ModelInfo{})
	p.TileTimeout = 20 * time.Millisecond

	_, err := p.Process(context.Background(), tile, iface.NewTensor(1, 496, 496))
	assert.ErrorIs(t, err, errs.ErrTilePrediction)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.Pool.Outstanding())
}

func TestProcessCancelled(t *testing.T) {
	g := grid1024(t)
	tile, _ := g.Tile(0)
	p := newProcessor(t, &enginetest.Model{Delay: time.Second}, iface.ModelInfo{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := p.Process(ctx, tile, iface.NewTensor(1, 496, 496))
	assert.ErrorIs(t, err, context.Canceled)
	var te *errs.TileError
	assert.False(t, errors.As(err, &te))
	assert.Equal(t, 0, p.Pool.Outstanding())
}

func TestFit(t *testing.T) {
	in := iface.NewTensor(1, 2, 3)
	copy(in.Data, []float32{1, 2, 3, 4, 5, 6})
	assert.Equal(t, []float32{1, 2, 4, 5, 0, 0}, Fit(in, 2, 3).Data)
	assert.Equal(t, in, Fit(in, 3, 2))
}

func TestProcessFinishInFlight(t *testing.T) {
	g := grid1024(t)
	tile, _ := g.Tile(0)
	model := &enginetest.Model{Delay: 50 * time.Millisecond}
	p := newProcessor(t, model, iface.ModelInfo{})
	p.FinishInFlight = true

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	start := time.Now()
	_, err := p.Process(ctx, tile, iface.NewTensor(1, 496, 496))
	// the prediction ran to the end, its result is dropped
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1, model.Calls())
	assert.Equal(t, 0, p.Pool.Outstanding())
}
