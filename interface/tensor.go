package iface

import (
	"fmt"
)

// Tensor is a dense float32 buffer of Channels x Height x Width values.
type Tensor struct {
	Layout   Layout
	Type     PixelType
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// NewTensor allocates a zeroed CHW float32 tensor.
func NewTensor(channels, height, width int) Tensor {
	return Tensor{
		Layout:   LayoutCHW,
		Type:     PixelFloat32,
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*height*width),
	}
}

func (t Tensor) Len() int {
	return t.Channels * t.Height * t.Width
}

func (t Tensor) Validate() error {
	if t.Channels <= 0 || t.Height <= 0 || t.Width <= 0 {
		return fmt.Errorf("invalid tensor shape %dx%dx%d", t.Channels, t.Height, t.Width)
	}
	if len(t.Data) != t.Len() {
		return fmt.Errorf("tensor data has %d values, shape %dx%dx%d needs %d", len(t.Data), t.Channels, t.Height, t.Width, t.Len())
	}
	return nil
}

func (t Tensor) Index(c, y, x int) int {
	if t.Layout == LayoutHWC {
		return (y*t.Width+x)*t.Channels + c
	}
	return (c*t.Height+y)*t.Width + x
}

func (t Tensor) At(c, y, x int) float32 {
	return t.Data[t.Index(c, y, x)]
}

func (t Tensor) Set(c, y, x int, v float32) {
	t.Data[t.Index(c, y, x)] = v
}

func (t Tensor) Clone() Tensor {
	out := t
	out.Data = append([]float32(nil), t.Data...)
	return out
}

// ToLayout returns t in the requested memory order, sharing data when already there.
func (t Tensor) ToLayout(l Layout) Tensor {
	if l == "" || t.Layout == l || t.Channels == 1 {
		t.Layout = defaultLayout(l, t.Layout)
		return t
	}
	out := t
	out.Layout = l
	out.Data = make([]float32, len(t.Data))
	for c := 0; c < t.Channels; c++ {
		for y := 0; y < t.Height; y++ {
			for x := 0; x < t.Width; x++ {
				out.Data[out.Index(c, y, x)] = t.At(c, y, x)
			}
		}
	}
	return out
}

func defaultLayout(want, have Layout) Layout {
	if want != "" {
		return want
	}
	if have == "" {
		return LayoutCHW
	}
	return have
}

// Plane returns channel c of a CHW tensor without copying.
func (t Tensor) Plane(c int) []float32 {
	t = t.ToLayout(LayoutCHW)
	n := t.Height * t.Width
	return t.Data[c*n : (c+1)*n]
}

// SelectChannels keeps the listed channels in order. An empty list keeps everything.
func (t Tensor) SelectChannels(channels []int) (Tensor, error) {
	if len(channels) == 0 {
		return t, nil
	}
	src := t.ToLayout(LayoutCHW)
	out := NewTensor(len(channels), t.Height, t.Width)
	out.Type = t.Type
	n := t.Height * t.Width
	for i, c := range channels {
		if c < 0 || c >= t.Channels {
			return Tensor{}, fmt.Errorf("channel %d out of range [0,%d)", c, t.Channels)
		}
		copy(out.Data[i*n:(i+1)*n], src.Data[c*n:(c+1)*n])
	}
	return out, nil
}
