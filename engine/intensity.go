package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"TileSegServer/errs"
	iface "TileSegServer/interface"
)

// IntensityModel is the built-in reference network: the mean over input
// channels, as a probability map or thresholded to a foreground label.
type IntensityModel struct {
	info      iface.ModelInfo
	device    iface.Device
	threshold float32
	prob      bool
	open      atomic.Int64
}

func NewIntensityModel(m Manifest, device iface.Device) *IntensityModel {
	info := m.ModelInfo
	if info.OutputChannels <= 0 {
		info.OutputChannels = 1
	}
	th := float32(m.Threshold)
	if th <= 0 {
		th = 0.5
	}
	return &IntensityModel{info: info, device: device, threshold: th, prob: m.ProbabilityMap}
}

func (m *IntensityModel) Info() iface.ModelInfo { return m.info }

func (m *IntensityModel) Device() iface.Device { return m.device }

func (m *IntensityModel) NewPredictor() (iface.Predictor, error) {
	m.open.Add(1)
	return &intensityPredictor{model: m}, nil
}

// Open is the number of predictors created and not closed yet.
func (m *IntensityModel) Open() int {
	return int(m.open.Load())
}

func (m *IntensityModel) Close() error {
	if n := m.Open(); n > 0 {
		return fmt.Errorf("%d predictors still open", n)
	}
	return nil
}

type intensityPredictor struct {
	model  *IntensityModel
	busy   atomic.Bool
	closed atomic.Bool
}

func (p *intensityPredictor) Predict(ctx context.Context, in iface.Tensor) (iface.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return iface.Tensor{}, err
	}
	if p.closed.Load() {
		return iface.Tensor{}, errors.New("predictor closed")
	}
	if !p.busy.CompareAndSwap(false, true) {
		return iface.Tensor{}, errors.New("predictor is busy")
	}
	defer p.busy.Store(false)

	info := p.model.info
	if err := in.Validate(); err != nil {
		return iface.Tensor{}, errs.ShapeMismatch("%v", err)
	}
	if info.FixedInput() && (in.Width != info.InputWidth || in.Height != info.InputHeight) {
		return iface.Tensor{}, errs.ShapeMismatch("input %dx%d, model needs %dx%d", in.Width, in.Height, info.InputWidth, info.InputHeight)
	}
	if info.NumChannels > 0 && in.Channels != info.NumChannels {
		return iface.Tensor{}, errs.ShapeMismatch("input has %d channels, model needs %d", in.Channels, info.NumChannels)
	}
	if in.Layout == "" {
		in.Layout = info.Layout
	}

	out := iface.NewTensor(info.OutputChannels, in.Height, in.Width)
	plane := out.Plane(0)
	for y := 0; y < in.Height; y++ {
		for x := 0; x < in.Width; x++ {
			var sum float32
			for c := 0; c < in.Channels; c++ {
				sum += in.At(c, y, x)
			}
			v := sum / float32(in.Channels)
			switch {
			case p.model.prob:
				v = min(max(v, 0), 1)
			case v > p.model.threshold:
				v = 1
			default:
				v = 0
			}
			plane[y*in.Width+x] = v
		}
	}
	for c := 1; c < out.Channels; c++ {
		copy(out.Plane(c), plane)
	}
	return out.ToLayout(info.OutputLayout), nil
}

func (p *intensityPredictor) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		p.model.open.Add(-1)
	}
	return nil
}
