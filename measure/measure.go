// Package measure attaches per-object measurements after merging.
package measure

import (
	"context"
	"fmt"
	"image"

	iface "TileSegServer/interface"
	"TileSegServer/stitch"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	AreaPixels  = "Area px^2"
	AreaMicrons = "Area µm^2"
	CentroidX   = "Centroid X px"
	CentroidY   = "Centroid Y px"
)

// Options place instance masks, which are at processing resolution relative to
// the region, back onto the full-resolution image.
type Options struct {
	Origin     image.Point
	Downsample float64
	// Channels limits intensity measurements, empty means every image channel.
	Channels []int
}

func (o Options) downsample() float64 {
	if o.Downsample <= 0 {
		return 1
	}
	return o.Downsample
}

// Measure fills Measurements of every instance in place.
func Measure(ctx context.Context, src iface.ImageSource, instances []stitch.Instance, opts Options) error {
	ds := opts.downsample()
	cal := src.Calibration()
	channels := opts.Channels
	if len(channels) == 0 {
		for c := 0; c < src.Channels(); c++ {
			channels = append(channels, c)
		}
	}

	for i := range instances {
		if err := ctx.Err(); err != nil {
			return err
		}
		in := &instances[i]
		b := in.Mask.Bounds()
		if b.Empty() {
			continue
		}
		m := map[string]float64{}
		area := float64(in.Mask.Area()) * ds * ds
		m[AreaPixels] = area
		if cal.Calibrated() {
			m[AreaMicrons] = area * cal.PixelWidth * cal.PixelHeight
		}
		cx, cy := in.Mask.Centroid()
		m[CentroidX] = float64(opts.Origin.X) + cx*ds
		m[CentroidY] = float64(opts.Origin.Y) + cy*ds

		pixels, err := src.ReadRegion(ctx,
			opts.Origin.X+int(float64(b.Min.X)*ds), opts.Origin.Y+int(float64(b.Min.Y)*ds),
			int(float64(b.Dx())*ds+0.5), int(float64(b.Dy())*ds+0.5), ds)
		if err != nil {
			return fmt.Errorf("measure instance %d: %w", in.ID, err)
		}
		for _, c := range channels {
			if c < 0 || c >= pixels.Channels {
				return fmt.Errorf("measure instance %d: channel %d out of range", in.ID, c)
			}
			values := make([]float64, 0, in.Mask.Area())
			in.Mask.Pixels(func(x, y int) {
				lx, ly := x-b.Min.X, y-b.Min.Y
				if lx < pixels.Width && ly < pixels.Height {
					values = append(values, float64(pixels.At(c, ly, lx)))
				}
			})
			if len(values) == 0 {
				continue
			}
			addIntensity(m, c, values)
		}
		in.Measurements = m
	}
	return nil
}

func addIntensity(m map[string]float64, c int, values []float64) {
	mean, std := stat.MeanStdDev(values, nil)
	if len(values) < 2 {
		std = 0
	}
	prefix := fmt.Sprintf("Channel %d: ", c)
	m[prefix+"Mean"] = mean
	m[prefix+"Std.Dev."] = std
	m[prefix+"Min"] = floats.Min(values)
	m[prefix+"Max"] = floats.Max(values)
}
