package measure

import (
	"context"
	"image"
	"testing"

	iface "TileSegServer/interface"
	"TileSegServer/source"
	"TileSegServer/stitch"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square(x0, y0, x1, y1 int) stitch.Mask {
	var spans []stitch.Span
	for y := y0; y < y1; y++ {
		spans = append(spans, stitch.Span{Y: y, X0: x0, X1: x1})
	}
	return stitch.Mask{Spans: spans}
}

func TestMeasure(t *testing.T) {
	px := iface.NewTensor(2, 8, 8)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			px.Set(0, y, x, float32(x))
			px.Set(1, y, x, 7)
		}
	}
	src, err := source.NewMemory(px, iface.PixelCalibration{PixelWidth: 0.5, PixelHeight: 0.5})
	require.NoError(t, err)

	instances := []stitch.Instance{{ID: 1, Mask: square(2, 2, 4, 4)}}
	require.NoError(t, Measure(context.Background(), src, instances, Options{}))

	m := instances[0].Measurements
	assert.Equal(t, 4.0, m[AreaPixels])
	assert.Equal(t, 1.0, m[AreaMicrons])
	assert.Equal(t, 3.0, m[CentroidX])
	assert.Equal(t, 3.0, m[CentroidY])
	assert.Equal(t, 2.5, m["Channel 0: Mean"])
	assert.Equal(t, 2.0, m["Channel 0: Min"])
	assert.Equal(t, 3.0, m["Channel 0: Max"])
	assert.InDelta(t, 0.57735, m["Channel 0: Std.Dev."], 1e-4)
	assert.Equal(t, 7.0, m["Channel 1: Mean"])
	assert.Equal(t, 0.0, m["Channel 1: Std.Dev."])
}

func TestMeasureDownsampledRegion(t *testing.T) {
	px := iface.NewTensor(1, 8, 8)
	for i := range px.Data {
		px.Data[i] = 1
	}
	src, err := source.NewMemory(px, iface.PixelCalibration{})
	require.NoError(t, err)

	// one processing pixel at downsample 2 covers 2x2 full-resolution pixels
	instances := []stitch.Instance{{ID: 1, Mask: square(0, 0, 1, 1)}}
	opts := Options{Origin: image.Pt(4, 2), Downsample: 2, Channels: []int{0}}
	require.NoError(t, Measure(context.Background(), src, instances, opts))

	m := instances[0].Measurements
	assert.Equal(t, 4.0, m[AreaPixels])
	assert.NotContains(t, m, AreaMicrons)
	assert.Equal(t, 5.0, m[CentroidX])
	assert.Equal(t, 3.0, m[CentroidY])
	assert.Equal(t, 1.0, m["Channel 0: Mean"])
	assert.Equal(t, 0.0, m["Channel 0: Std.Dev."])
}

func TestMeasureBadChannel(t *testing.T) {
	src, err := source.NewMemory(iface.NewTensor(1, 4, 4), iface.PixelCalibration{})
	require.NoError(t, err)
	instances := []stitch.Instance{{ID: 1, Mask: square(0, 0, 1, 1)}}
	assert.Error(t, Measure(context.Background(), src, instances, Options{Channels: []int{3}}))
}
