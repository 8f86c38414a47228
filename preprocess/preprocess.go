// Package preprocess holds the per-tile numeric transforms applied before inference.
// Transforms never modify their input and keep no state, so tiles can be processed concurrently.
package preprocess

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"TileSegServer/config"
	iface "TileSegServer/interface"

	"gonum.org/v1/gonum/stat"
)

type Transform interface {
	Apply(t iface.Tensor) (iface.Tensor, error)
	Name() string
}

type sequential []Transform

// Sequential composes transforms in order.
func Sequential(steps ...Transform) Transform {
	return sequential(steps)
}

func (s sequential) Apply(t iface.Tensor) (iface.Tensor, error) {
	current := t
	for _, step := range s {
		out, err := step.Apply(current)
		if err != nil {
			return iface.Tensor{}, fmt.Errorf("step %s failed: %w", step.Name(), err)
		}
		current = out
	}
	return current, nil
}

func (s sequential) Name() string {
	names := make([]string, len(s))
	for i, step := range s {
		names[i] = step.Name()
	}
	return "sequential(" + strings.Join(names, ",") + ")"
}

type ensureType struct {
	pixelType iface.PixelType
}

// EnsureType casts values to the precision of the given pixel type:
// integer types are rounded and clamped to their range.
func EnsureType(pt iface.PixelType) (Transform, error) {
	switch pt {
	case iface.PixelUint8, iface.PixelUint16, iface.PixelFloat32:
		return ensureType{pixelType: pt}, nil
	default:
		return nil, fmt.Errorf("unsupported pixel type %q", pt)
	}
}

func (e ensureType) Apply(t iface.Tensor) (iface.Tensor, error) {
	out := t.Clone()
	out.Type = e.pixelType
	var limit float64
	switch e.pixelType {
	case iface.PixelUint8:
		limit = math.MaxUint8
	case iface.PixelUint16:
		limit = math.MaxUint16
	default:
		return out, nil
	}
	for i, v := range out.Data {
		out.Data[i] = float32(math.Min(limit, math.Max(0, math.Round(float64(v)))))
	}
	return out, nil
}

func (e ensureType) Name() string {
	return "ensureType[" + string(e.pixelType) + "]"
}

type percentile struct {
	low, high  float64
	eps        float64
	perChannel bool
}

// Percentile clips values to the [low,high] percentiles and rescales that range to [0,1].
// eps floors the divisor when the range is degenerate.
func Percentile(low, high, eps float64, perChannel bool) (Transform, error) {
	if low < 0 || high > 100 || low >= high {
		return nil, fmt.Errorf("invalid percentiles %g-%g", low, high)
	}
	if eps <= 0 {
		eps = 1e-6
	}
	return percentile{low: low, high: high, eps: eps, perChannel: perChannel}, nil
}

func (p percentile) Apply(t iface.Tensor) (iface.Tensor, error) {
	out := t.ToLayout(iface.LayoutCHW).Clone()
	out.Type = iface.PixelFloat32
	if p.perChannel {
		for c := 0; c < out.Channels; c++ {
			p.normalize(out.Plane(c))
		}
	} else {
		p.normalize(out.Data)
	}
	return out.ToLayout(t.Layout), nil
}

func (p percentile) normalize(values []float32) {
	if len(values) == 0 {
		return
	}
	lo, hi := Percentiles(values, p.low, p.high)
	scale := math.Max(hi-lo, p.eps)
	for i, v := range values {
		x := math.Min(hi, math.Max(lo, float64(v)))
		values[i] = float32((x - lo) / scale)
	}
}

func (p percentile) Name() string {
	return fmt.Sprintf("percentile[%g,%g]", p.low, p.high)
}

// Percentiles returns the low and high percentiles (0-100) of values using linear interpolation.
func Percentiles(values []float32, low, high float64) (float64, float64) {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(float64(v)) {
			sorted = append(sorted, float64(v))
		}
	}
	if len(sorted) == 0 {
		return 0, 0
	}
	sort.Float64s(sorted)
	return stat.Quantile(low/100, stat.LinInterp, sorted, nil), stat.Quantile(high/100, stat.LinInterp, sorted, nil)
}

type scale struct {
	factor float64
}

// Scale multiplies every value by factor, e.g. 1/255 for 8-bit images.
func Scale(factor float64) (Transform, error) {
	if factor == 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return nil, fmt.Errorf("invalid scale factor %g", factor)
	}
	return scale{factor: factor}, nil
}

func (s scale) Apply(t iface.Tensor) (iface.Tensor, error) {
	out := t.Clone()
	out.Type = iface.PixelFloat32
	for i, v := range out.Data {
		out.Data[i] = float32(float64(v) * s.factor)
	}
	return out, nil
}

func (s scale) Name() string {
	return fmt.Sprintf("scale[%g]", s.factor)
}

// Build turns the configured transform list into one composed Transform.
func Build(specs []config.TransformSpec) (Transform, error) {
	steps := make([]Transform, 0, len(specs))
	for i, spec := range specs {
		var (
			step Transform
			err  error
		)
		switch strings.ToLower(spec.Type) {
		case "ensuretype":
			pt := iface.PixelType(strings.ToLower(spec.PixelType))
			if pt == "" {
				pt = iface.PixelFloat32
			}
			step, err = EnsureType(pt)
		case "percentile":
			step, err = Percentile(spec.Low, spec.High, spec.Epsilon, spec.PerChannel)
		case "scale", "divide":
			factor := spec.Factor
			if strings.EqualFold(spec.Type, "divide") && factor != 0 {
				factor = 1 / factor
			}
			step, err = Scale(factor)
		default:
			err = fmt.Errorf("unknown transform type %q", spec.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("preprocessing[%d]: %w", i, err)
		}
		steps = append(steps, step)
	}
	return Sequential(steps...), nil
}
