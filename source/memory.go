// Package source holds in-memory image sources.
package source

import (
	"context"
	"fmt"
	"math"

	iface "TileSegServer/interface"
)

// Memory serves regions of a CHW tensor held in memory. Downsampling averages
// the covered full-resolution pixels, reads outside the image are zero.
type Memory struct {
	Pixels iface.Tensor
	Cal    iface.PixelCalibration
}

func NewMemory(pixels iface.Tensor, cal iface.PixelCalibration) (*Memory, error) {
	if err := pixels.Validate(); err != nil {
		return nil, err
	}
	return &Memory{Pixels: pixels.ToLayout(iface.LayoutCHW), Cal: cal}, nil
}

func (m *Memory) Width() int                           { return m.Pixels.Width }
func (m *Memory) Height() int                          { return m.Pixels.Height }
func (m *Memory) Channels() int                        { return m.Pixels.Channels }
func (m *Memory) Calibration() iface.PixelCalibration { return m.Cal }

// ScaledSize is the size of a w x h full-resolution area read at downsample ds.
func ScaledSize(w, h int, ds float64) (int, int) {
	return int(math.Ceil(float64(w)/ds - 1e-9)), int(math.Ceil(float64(h)/ds - 1e-9))
}

func (m *Memory) ReadRegion(ctx context.Context, x, y, w, h int, ds float64) (iface.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return iface.Tensor{}, err
	}
	if w <= 0 || h <= 0 || ds <= 0 {
		return iface.Tensor{}, fmt.Errorf("invalid region %dx%d at downsample %g", w, h, ds)
	}
	ow, oh := ScaledSize(w, h, ds)
	src := m.Pixels
	out := iface.NewTensor(src.Channels, oh, ow)
	out.Type = src.Type
	for c := 0; c < src.Channels; c++ {
		for oy := 0; oy < oh; oy++ {
			y0, y1 := span(y, h, oy, ds)
			for ox := 0; ox < ow; ox++ {
				x0, x1 := span(x, w, ox, ds)
				var sum float64
				n := 0
				for yy := y0; yy < y1; yy++ {
					if yy < 0 || yy >= src.Height {
						n += x1 - x0
						continue
					}
					for xx := x0; xx < x1; xx++ {
						n++
						if xx >= 0 && xx < src.Width {
							sum += float64(src.At(c, yy, xx))
						}
					}
				}
				if n > 0 {
					out.Set(c, oy, ox, float32(sum/float64(n)))
				}
			}
		}
	}
	return out, nil
}

// span is the full-resolution range covered by output index o.
func span(origin, size, o int, ds float64) (int, int) {
	a := origin + int(math.Floor(float64(o)*ds))
	b := origin + int(math.Floor(float64(o+1)*ds))
	if b <= a {
		b = a + 1
	}
	if end := origin + size; b > end {
		b = end
	}
	return a, b
}
