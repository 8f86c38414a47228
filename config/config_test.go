package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"TileSegServer/errs"
	iface "TileSegServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
RPCPort: 6000
run:
  tileWidth: 512
  tileHeight: 512
  padding: 32
  numThreads: 4
  acquireTimeout: 2s
  preprocessing:
    - type: scale
      factor: 0.0039
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.RPCPort)
	assert.Equal(t, 8080, cfg.HTTPPort, "defaults survive")
	assert.Equal(t, 512, cfg.Run.TileWidth)
	assert.Equal(t, 32, cfg.Run.Padding)
	assert.Equal(t, 2*time.Second, cfg.Run.AcquireTimeout)
	require.Len(t, cfg.Run.Preprocessing, 1)
	assert.Equal(t, "scale", cfg.Run.Preprocessing[0].Type)
	assert.Equal(t, DefaultMergeThreshold, cfg.Run.MergeThreshold)
	require.NoError(t, cfg.Run.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run: [oops"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestRepoConfigParses(t *testing.T) {
	cfg, err := Load("../config.yaml")
	require.NoError(t, err)
	assert.NoError(t, cfg.Run.Validate())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(r *Run){
		"no interior":        func(r *Run) { r.Padding = 128 },
		"negative padding":   func(r *Run) { r.Padding = -1 },
		"threshold above 1":  func(r *Run) { r.MergeThreshold = 1.5 },
		"zero downsample":    func(r *Run) { r.Downsample = 0 },
		"bad device":         func(r *Run) { r.Device = "tpu" },
		"bad layout":         func(r *Run) { r.ChannelLayout = "NCHW" },
		"bad alignment":      func(r *Run) { r.Alignment = "bottom" },
		"bad converter":      func(r *Run) { r.Converter = "watershed" },
		"bad probability":    func(r *Run) { r.Converter = ConverterThreshold; r.ProbabilityThreshold = 1 },
		"duplicate channel":  func(r *Run) { r.InputChannels = []int{0, 0} },
		"negative output":    func(r *Run) { r.OutputChannels = []int{-1} },
		"zero threads":       func(r *Run) { r.NumThreads = 0 },
		"negative timeout":   func(r *Run) { r.TileTimeout = -time.Second },
		"zero tile":          func(r *Run) { r.TileHeight = 0 },
		"negative pixelsize": func(r *Run) { r.TargetPixelSize = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			r := DefaultRun()
			mutate(&r)
			assert.ErrorIs(t, r.Validate(), errs.ErrInvalidConfiguration)
		})
	}
	assert.NoError(t, DefaultRun().Validate())
}

func TestNormalize(t *testing.T) {
	r := Run{}
	warnings := r.Normalize()
	assert.Equal(t, 1, r.NumThreads)
	assert.Equal(t, 1, r.NumPredictors)
	assert.Equal(t, AlignTopLeft, r.Alignment)
	assert.Equal(t, float64(1), r.Downsample)
	assert.Empty(t, r.ChannelLayout)
	assert.Len(t, warnings, 2)
}

func TestLayoutsFor(t *testing.T) {
	hwc := iface.ModelInfo{Name: "hwc", Layout: iface.LayoutHWC, OutputLayout: iface.LayoutCHW}
	r := DefaultRun()
	in, out := r.LayoutsFor(hwc)
	assert.Equal(t, iface.LayoutHWC, in)
	assert.Equal(t, iface.LayoutCHW, out)
	assert.NoError(t, r.ValidateFor(hwc, 3))

	in, out = r.LayoutsFor(iface.ModelInfo{})
	assert.Equal(t, iface.LayoutCHW, in)
	assert.Equal(t, iface.LayoutCHW, out)

	r.ChannelLayout = "hwc"
	in, out = r.LayoutsFor(iface.ModelInfo{})
	assert.Equal(t, iface.LayoutHWC, in)
	assert.Equal(t, iface.LayoutHWC, out)
	assert.NoError(t, r.ValidateFor(hwc, 3))

	r.ChannelLayout = "CHW"
	assert.ErrorIs(t, r.ValidateFor(hwc, 3), errs.ErrInvalidConfiguration)

	r = DefaultRun()
	r.OutputLayout = "HWC"
	assert.ErrorIs(t, r.ValidateFor(hwc, 3), errs.ErrInvalidConfiguration)
}

func TestCloneSharesNothing(t *testing.T) {
	r := DefaultRun()
	r.InputChannels = []int{0, 1}
	r.OutputChannels = []int{0}
	c := r.Clone()
	c.Preprocessing[0].Type = "scale"
	c.InputChannels[0] = 7
	c.OutputChannels[0] = 7
	assert.Equal(t, "ensureType", r.Preprocessing[0].Type)
	assert.Equal(t, []int{0, 1}, r.InputChannels)
	assert.Equal(t, []int{0}, r.OutputChannels)
}

func TestValidateFor(t *testing.T) {
	info := iface.ModelInfo{Name: "instanseg", InputWidth: 256, InputHeight: 256, NumChannels: 3, OutputChannels: 2}
	r := DefaultRun()
	assert.NoError(t, r.ValidateFor(info, 3))
	assert.ErrorIs(t, r.ValidateFor(info, 4), errs.ErrInvalidConfiguration)

	r.InputChannels = []int{0, 1}
	assert.ErrorIs(t, r.ValidateFor(info, 3), errs.ErrInvalidConfiguration)

	info.NumChannels = iface.AnyChannels
	assert.NoError(t, r.ValidateFor(info, 3))

	r.InputChannels = []int{5}
	assert.ErrorIs(t, r.ValidateFor(info, 3), errs.ErrInvalidConfiguration)

	r = DefaultRun()
	r.OutputChannels = []int{2}
	assert.ErrorIs(t, r.ValidateFor(info, 3), errs.ErrInvalidConfiguration)

	r = DefaultRun()
	r.TileWidth = 512
	assert.ErrorIs(t, r.ValidateFor(info, 3), errs.ErrInvalidConfiguration)
	r.PadToInputSize = false
	assert.NoError(t, r.ValidateFor(info, 3))
}
