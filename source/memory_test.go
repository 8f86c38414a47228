package source

import (
	"context"
	"testing"

	iface "TileSegServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(w, h int) iface.Tensor {
	t := iface.NewTensor(1, h, w)
	for i := range t.Data {
		t.Data[i] = float32(i)
	}
	return t
}

func TestReadRegionFullResolution(t *testing.T) {
	src, err := NewMemory(ramp(4, 4), iface.PixelCalibration{})
	require.NoError(t, err)

	out, err := src.ReadRegion(context.Background(), 1, 1, 2, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6, 9, 10}, out.Data)

	// partly outside: zero filled
	out, err = src.ReadRegion(context.Background(), 3, 3, 2, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{15, 0, 0, 0}, out.Data)
}

func TestReadRegionDownsampled(t *testing.T) {
	src, err := NewMemory(ramp(4, 4), iface.PixelCalibration{PixelWidth: 0.25, PixelHeight: 0.25})
	require.NoError(t, err)

	out, err := src.ReadRegion(context.Background(), 0, 0, 4, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Width)
	// mean of {0,1,4,5}, {2,3,6,7}, ...
	assert.Equal(t, []float32{2.5, 4.5, 10.5, 12.5}, out.Data)

	w, h := ScaledSize(5, 4, 2)
	assert.Equal(t, 3, w)
	assert.Equal(t, 2, h)
	assert.True(t, src.Calibration().Calibrated())
}

func TestReadRegionCancelled(t *testing.T) {
	src, err := NewMemory(ramp(2, 2), iface.PixelCalibration{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.ReadRegion(ctx, 0, 0, 2, 2, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
