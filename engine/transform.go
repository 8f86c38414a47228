package engine

import (
	"image"

	"TileSegServer/errs"
	iface "TileSegServer/interface"
)

const (
	FitNone   = "none"
	FitPad    = "pad"
	FitResize = "resize"
)

// InputTransform records how a tile was fitted to the model input so the output can be mapped back.
type InputTransform struct {
	Mode       string
	OrigWidth  int
	OrigHeight int
	Width      int
	Height     int
}

// PlanInput decides how a w x h tile meets the model's input contract.
// Padding is only possible when the tile is not larger than the input.
func PlanInput(w, h int, info iface.ModelInfo, padToInputSize bool, haveResizer bool) (InputTransform, error) {
	t := InputTransform{Mode: FitNone, OrigWidth: w, OrigHeight: h, Width: w, Height: h}
	if !info.FixedInput() || (w == info.InputWidth && h == info.InputHeight) {
		return t, nil
	}
	t.Width, t.Height = info.InputWidth, info.InputHeight
	switch {
	case padToInputSize && w <= info.InputWidth && h <= info.InputHeight:
		t.Mode = FitPad
	case haveResizer:
		t.Mode = FitResize
	default:
		return InputTransform{}, errs.ShapeMismatch("tile %dx%d does not fit model input %dx%d", w, h, info.InputWidth, info.InputHeight)
	}
	return t, nil
}

// Apply fits a CHW tensor to the model input.
func (t InputTransform) Apply(in iface.Tensor, resizer iface.Resizer) (iface.Tensor, error) {
	if in.Width != t.OrigWidth || in.Height != t.OrigHeight {
		return iface.Tensor{}, errs.ShapeMismatch("tensor %dx%d, expected %dx%d", in.Width, in.Height, t.OrigWidth, t.OrigHeight)
	}
	switch t.Mode {
	case FitPad:
		return Pad(in, t.Width, t.Height), nil
	case FitResize:
		return resizer.Resize(in, t.Width, t.Height, false)
	default:
		return in, nil
	}
}

// Invert maps a model output back to the original tile size.
func (t InputTransform) Invert(out iface.Tensor, resizer iface.Resizer) (iface.Tensor, error) {
	if out.Width != t.Width || out.Height != t.Height {
		return iface.Tensor{}, errs.ShapeMismatch("model output %dx%d, expected %dx%d", out.Width, out.Height, t.Width, t.Height)
	}
	switch t.Mode {
	case FitPad:
		return Crop(out, image.Rect(0, 0, t.OrigWidth, t.OrigHeight))
	case FitResize:
		// nearest keeps label values intact
		return resizer.Resize(out, t.OrigWidth, t.OrigHeight, true)
	default:
		return out, nil
	}
}

// Pad places t in the top-left corner of a zeroed w x h tensor.
func Pad(t iface.Tensor, w, h int) iface.Tensor {
	src := t.ToLayout(iface.LayoutCHW)
	out := iface.NewTensor(src.Channels, h, w)
	out.Type = src.Type
	for c := 0; c < src.Channels; c++ {
		for y := 0; y < src.Height; y++ {
			copy(out.Data[out.Index(c, y, 0):out.Index(c, y, 0)+src.Width], src.Data[src.Index(c, y, 0):src.Index(c, y, 0)+src.Width])
		}
	}
	return out
}

// Crop returns the r part of a tensor as a new CHW tensor.
func Crop(t iface.Tensor, r image.Rectangle) (iface.Tensor, error) {
	if r.Empty() || !r.In(image.Rect(0, 0, t.Width, t.Height)) {
		return iface.Tensor{}, errs.ShapeMismatch("crop %v outside %dx%d", r, t.Width, t.Height)
	}
	src := t.ToLayout(iface.LayoutCHW)
	if r.Min == (image.Point{}) && r.Dx() == src.Width && r.Dy() == src.Height {
		return src, nil
	}
	out := iface.NewTensor(src.Channels, r.Dy(), r.Dx())
	out.Type = src.Type
	for c := 0; c < src.Channels; c++ {
		for y := 0; y < r.Dy(); y++ {
			i := src.Index(c, r.Min.Y+y, r.Min.X)
			copy(out.Data[out.Index(c, y, 0):out.Index(c, y, 0)+r.Dx()], src.Data[i:i+r.Dx()])
		}
	}
	return out, nil
}

// Fit pads with zeros or crops at the bottom/right so t is exactly w x h.
// Region reads at a fractional downsample can be off by a pixel.
func Fit(t iface.Tensor, w, h int) iface.Tensor {
	if t.Width == w && t.Height == h {
		return t
	}
	src := t.ToLayout(iface.LayoutCHW)
	out := iface.NewTensor(src.Channels, h, w)
	out.Type = src.Type
	cw, ch := min(w, src.Width), min(h, src.Height)
	for c := 0; c < src.Channels; c++ {
		for y := 0; y < ch; y++ {
			copy(out.Data[out.Index(c, y, 0):out.Index(c, y, 0)+cw], src.Data[src.Index(c, y, 0):src.Index(c, y, 0)+cw])
		}
	}
	return out
}
