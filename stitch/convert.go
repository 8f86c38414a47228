package stitch

import (
	"fmt"
	"math"
	"sort"

	"TileSegServer/config"
	"TileSegServer/errs"
	iface "TileSegServer/interface"
	"TileSegServer/tiler"
)

// Converter turns the interior crop of one tile's output into tile-local instances.
// channels maps output planes to output channel numbers; nil means plane i is channel i.
type Converter interface {
	Convert(output iface.Tensor, tile tiler.Tile, channels []int) ([]Instance, error)
	Name() string
}

// Labeller groups 4-connected pixels of equal non-zero class in a w*h class grid.
// Every component is a list of ascending row-major pixel indices, components are
// ordered by their first pixel.
type Labeller interface {
	Components(classes []int32, w, h int) ([][]int, error)
}

// NewConverter picks the strategy named in the run configuration. A nil
// labeller falls back to FloodLabeller.
func NewConverter(run config.Run, lab Labeller) (Converter, error) {
	switch run.Converter {
	case "", config.ConverterLabels:
		return LabelConverter{Labeller: lab}, nil
	case config.ConverterThreshold:
		return ThresholdConverter{Threshold: float32(run.ProbabilityThreshold), Labeller: lab}, nil
	default:
		return nil, errs.Invalid("unknown converter %q", run.Converter)
	}
}

// LabelConverter reads each plane as a label image. Every 4-connected group of
// pixels sharing a non-zero label becomes one instance.
type LabelConverter struct {
	Labeller Labeller
}

func (LabelConverter) Name() string { return config.ConverterLabels }

func (c LabelConverter) Convert(output iface.Tensor, tile tiler.Tile, channels []int) ([]Instance, error) {
	return convert(output, tile, channels, c.Labeller, func(v float32) int32 {
		if v <= 0 || math.IsNaN(float64(v)) {
			return 0
		}
		return int32(math.Round(float64(v)))
	})
}

// ThresholdConverter reads each plane as a probability map, pixels above Threshold are foreground.
type ThresholdConverter struct {
	Threshold float32
	Labeller  Labeller
}

func (ThresholdConverter) Name() string { return config.ConverterThreshold }

func (c ThresholdConverter) Convert(output iface.Tensor, tile tiler.Tile, channels []int) ([]Instance, error) {
	return convert(output, tile, channels, c.Labeller, func(v float32) int32 {
		if v > c.Threshold {
			return 1
		}
		return 0
	})
}

func convert(output iface.Tensor, tile tiler.Tile, channels []int, lab Labeller, classify func(float32) int32) ([]Instance, error) {
	w, h := tile.Interior.Dx(), tile.Interior.Dy()
	if output.Width != w || output.Height != h {
		return nil, errs.ShapeMismatch("tile %d output is %dx%d, interior is %dx%d", tile.Index, output.Width, output.Height, w, h)
	}
	if err := output.Validate(); err != nil {
		return nil, errs.ShapeMismatch("tile %d: %v", tile.Index, err)
	}
	if channels != nil && len(channels) != output.Channels {
		return nil, fmt.Errorf("tile %d: %d channel ids for %d output planes", tile.Index, len(channels), output.Channels)
	}
	if lab == nil {
		lab = FloodLabeller{}
	}

	var out []Instance
	classes := make([]int32, w*h)
	for p := 0; p < output.Channels; p++ {
		ch := p
		if channels != nil {
			ch = channels[p]
		}
		plane := output.Plane(p)
		for i, v := range plane {
			classes[i] = classify(v)
		}
		comps, err := lab.Components(classes, w, h)
		if err != nil {
			return nil, fmt.Errorf("tile %d: label components: %w", tile.Index, err)
		}
		for n, pixels := range comps {
			m := maskFromIndices(pixels, w, tile.Interior.Min.X, tile.Interior.Min.Y)
			out = append(out, Instance{Channel: ch, Tile: tile.Index, Label: n + 1, Mask: m})
		}
	}
	return out, nil
}

// FloodLabeller is the pure Go Labeller, a breadth-first flood fill seeded in row-major order.
type FloodLabeller struct{}

func (FloodLabeller) Components(classes []int32, w, h int) ([][]int, error) {
	if len(classes) != w*h {
		return nil, fmt.Errorf("%d classes for a %dx%d grid", len(classes), w, h)
	}
	visited := make([]bool, w*h)
	var comps [][]int
	var queue []int
	dirs := [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

	for seed, cls := range classes {
		if cls == 0 || visited[seed] {
			continue
		}
		var pixels []int
		visited[seed] = true
		queue = append(queue[:0], seed)
		for len(queue) > 0 {
			ci := queue[0]
			queue = queue[1:]
			pixels = append(pixels, ci)
			cx, cy := ci%w, ci/w
			for _, d := range dirs {
				nx, ny := cx+d[0], cy+d[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				ni := ny*w + nx
				if !visited[ni] && classes[ni] == cls {
					visited[ni] = true
					queue = append(queue, ni)
				}
			}
		}
		sort.Ints(pixels)
		comps = append(comps, pixels)
	}
	return comps, nil
}

// SortComponents drops empty components and puts the rest in the order Labeller promises.
func SortComponents(comps [][]int) [][]int {
	out := comps[:0]
	for _, c := range comps {
		if len(c) > 0 {
			sort.Ints(c)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func maskFromIndices(pixels []int, w, ox, oy int) Mask {
	sort.Ints(pixels)
	var spans []Span
	for _, i := range pixels {
		x, y := i%w+ox, i/w+oy
		if n := len(spans); n > 0 && spans[n-1].Y == y && spans[n-1].X1 == x {
			spans[n-1].X1++
			continue
		}
		spans = append(spans, Span{Y: y, X0: x, X1: x + 1})
	}
	return Mask{Spans: spans}
}
