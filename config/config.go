// Package config loads config.yaml and validates the run configuration consumed by the tiling core.
package config

import (
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"TileSegServer/errs"
	iface "TileSegServer/interface"

	"gopkg.in/yaml.v3"
)

const (
	AlignTopLeft = "top-left"
	AlignCenter  = "center"

	ConverterLabels    = "labels"
	ConverterThreshold = "threshold"

	DefaultMergeThreshold = 0.25
)

// TransformSpec is one preprocessing step, applied in list order.
type TransformSpec struct {
	Type       string  `yaml:"type" json:"type"`
	PixelType  string  `yaml:"pixelType,omitempty" json:"pixelType,omitempty"`
	Low        float64 `yaml:"low,omitempty" json:"low,omitempty"`
	High       float64 `yaml:"high,omitempty" json:"high,omitempty"`
	Epsilon    float64 `yaml:"epsilon,omitempty" json:"epsilon,omitempty"`
	PerChannel bool    `yaml:"perChannel,omitempty" json:"perChannel,omitempty"`
	Factor     float64 `yaml:"factor,omitempty" json:"factor,omitempty"`
}

// Run is everything one tiled inference run needs.
type Run struct {
	TileWidth            int             `yaml:"tileWidth" json:"tileWidth"`
	TileHeight           int             `yaml:"tileHeight" json:"tileHeight"`
	Padding              int             `yaml:"padding" json:"padding"`
	Alignment            string          `yaml:"alignment" json:"alignment"`
	Downsample           float64         `yaml:"downsample" json:"downsample"`
	TargetPixelSize      float64         `yaml:"targetPixelSize" json:"targetPixelSize"`
	Device               string          `yaml:"device" json:"device"`
	NumThreads           int             `yaml:"numThreads" json:"numThreads"`
	NumPredictors        int             `yaml:"numPredictors" json:"numPredictors"`
	MergeThreshold       float64         `yaml:"mergeThreshold" json:"mergeThreshold"`
	PadToInputSize       bool            `yaml:"padToInputSize" json:"padToInputSize"`
	ChannelLayout        string          `yaml:"channelLayout" json:"channelLayout"`
	OutputLayout         string          `yaml:"outputLayout" json:"outputLayout"`
	InputChannels        []int           `yaml:"inputChannels" json:"inputChannels"`
	OutputChannels       []int           `yaml:"outputChannels" json:"outputChannels"`
	Converter            string          `yaml:"converter" json:"converter"`
	ProbabilityThreshold float64         `yaml:"probabilityThreshold" json:"probabilityThreshold"`
	Preprocessing        []TransformSpec `yaml:"preprocessing" json:"preprocessing"`
	MakeMeasurements     bool            `yaml:"makeMeasurements" json:"makeMeasurements"`
	WarmUp               bool            `yaml:"warmUp" json:"warmUp"`
	AcquireTimeout       time.Duration   `yaml:"acquireTimeout" json:"acquireTimeout"`
	TileTimeout          time.Duration   `yaml:"tileTimeout" json:"tileTimeout"`
}

type Registry struct {
	Enabled  bool          `yaml:"enabled"`
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Interval time.Duration `yaml:"interval"`
}

// Server is the content of config.yaml.
type Server struct {
	RPCPort     int      `yaml:"RPCPort"`
	HTTPPort    int      `yaml:"HTTPPort"`
	MonitorPort int      `yaml:"MonitorPort"`
	LogLevel    string   `yaml:"logLevel"`
	Development bool     `yaml:"development"`
	ModelDir    string   `yaml:"modelDir"`
	OutputDir   string   `yaml:"outputDir"`
	MaxRuns     int      `yaml:"maxRuns"`
	Registry    Registry `yaml:"registry"`
	Run         Run      `yaml:"run"`
}

// DefaultRun uses 256px input and 16px padding, with a float32 cast
// followed by 1-99 percentile normalisation.
func DefaultRun() Run {
	return Run{
		TileWidth:            256,
		TileHeight:           256,
		Padding:              16,
		Alignment:            AlignTopLeft,
		Downsample:           1,
		Device:               string(iface.DeviceCPU),
		NumThreads:           1,
		NumPredictors:        1,
		MergeThreshold:       DefaultMergeThreshold,
		PadToInputSize:       true,
		Converter:            ConverterLabels,
		ProbabilityThreshold: 0.5,
		Preprocessing: []TransformSpec{
			{Type: "ensureType", PixelType: string(iface.PixelFloat32)},
			{Type: "percentile", Low: 1, High: 99, Epsilon: 1e-6, PerChannel: true},
		},
	}
}

func Default() Server {
	return Server{
		RPCPort:     50051,
		HTTPPort:    8080,
		MonitorPort: 50052,
		LogLevel:    "info",
		ModelDir:    "models",
		OutputDir:   "output",
		MaxRuns:     64,
		Run:         DefaultRun(),
	}
}

// Load reads a yaml file over the defaults.
func Load(path string) (Server, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Normalize fixes values that have a safe default and returns a warning per change.
func (r *Run) Normalize() []string {
	var warnings []string
	if r.NumThreads <= 0 {
		r.NumThreads = 1
		warnings = append(warnings, "invalid numThreads, defaulting to 1")
	} else if r.NumThreads > runtime.NumCPU() {
		warnings = append(warnings, "numThreads exceeds CPU cores, which may lead to performance degradation")
	}
	if r.NumPredictors <= 0 {
		r.NumPredictors = 1
		warnings = append(warnings, "invalid numPredictors, defaulting to 1")
	}
	if r.Alignment == "" {
		r.Alignment = AlignTopLeft
	}
	if r.Converter == "" {
		r.Converter = ConverterLabels
	}
	if r.Downsample == 0 {
		r.Downsample = 1
	}
	return warnings
}

// Validate reports errs.ErrInvalidConfiguration before any work starts.
func (r Run) Validate() error {
	if r.TileWidth <= 0 || r.TileHeight <= 0 {
		return errs.Invalid("tile size %dx%d must be positive", r.TileWidth, r.TileHeight)
	}
	if r.Padding < 0 {
		return errs.Invalid("padding %d must not be negative", r.Padding)
	}
	if r.TileWidth-2*r.Padding <= 0 || r.TileHeight-2*r.Padding <= 0 {
		return errs.Invalid("tile %dx%d with padding %d leaves no interior", r.TileWidth, r.TileHeight, r.Padding)
	}
	if r.Downsample <= 0 {
		return errs.Invalid("downsample %g must be positive", r.Downsample)
	}
	if r.TargetPixelSize < 0 {
		return errs.Invalid("targetPixelSize %g must not be negative", r.TargetPixelSize)
	}
	if r.MergeThreshold < 0 || r.MergeThreshold > 1 {
		return errs.Invalid("mergeThreshold %g must be within [0,1]", r.MergeThreshold)
	}
	if r.NumThreads <= 0 || r.NumPredictors <= 0 {
		return errs.Invalid("numThreads (%d) and numPredictors (%d) must be positive", r.NumThreads, r.NumPredictors)
	}
	if _, err := iface.ParseDevice(r.Device); err != nil {
		return errs.Invalid("%v", err)
	}
	if _, err := iface.ParseLayout(r.ChannelLayout); err != nil {
		return errs.Invalid("%v", err)
	}
	if _, err := iface.ParseLayout(r.OutputLayout); err != nil {
		return errs.Invalid("%v", err)
	}
	switch r.Alignment {
	case AlignTopLeft, AlignCenter:
	default:
		return errs.Invalid("unsupported alignment %q", r.Alignment)
	}
	switch r.Converter {
	case ConverterLabels:
	case ConverterThreshold:
		if r.ProbabilityThreshold <= 0 || r.ProbabilityThreshold >= 1 {
			return errs.Invalid("probabilityThreshold %g must be within (0,1)", r.ProbabilityThreshold)
		}
	default:
		return errs.Invalid("unsupported converter %q", r.Converter)
	}
	if err := uniqueNonNegative("inputChannels", r.InputChannels); err != nil {
		return err
	}
	if err := uniqueNonNegative("outputChannels", r.OutputChannels); err != nil {
		return err
	}
	if r.AcquireTimeout < 0 || r.TileTimeout < 0 {
		return errs.Invalid("timeouts must not be negative")
	}
	return nil
}

// ValidateFor checks the run against what the loaded model declares.
func (r Run) ValidateFor(info iface.ModelInfo, imageChannels int) error {
	selected := len(r.InputChannels)
	if selected == 0 {
		selected = imageChannels
	}
	for _, c := range r.InputChannels {
		if c >= imageChannels {
			return errs.Invalid("input channel %d not present in a %d channel image", c, imageChannels)
		}
	}
	if info.NumChannels != iface.AnyChannels && info.NumChannels > 0 && info.NumChannels != selected {
		return errs.Invalid("model %q expects %d channels, %d selected", info.Name, info.NumChannels, selected)
	}
	if info.OutputChannels > 0 {
		for _, c := range r.OutputChannels {
			if c >= info.OutputChannels {
				return errs.Invalid("output channel %d not produced by model %q (%d outputs)", c, info.Name, info.OutputChannels)
			}
		}
	}
	if err := sameLayout("channelLayout", r.ChannelLayout, info.Layout, info.Name); err != nil {
		return err
	}
	if err := sameLayout("outputLayout", r.OutputLayout, info.OutputLayout, info.Name); err != nil {
		return err
	}
	if info.FixedInput() && r.PadToInputSize && (r.TileWidth > info.InputWidth || r.TileHeight > info.InputHeight) {
		return errs.Invalid("tile %dx%d does not fit model input %dx%d", r.TileWidth, r.TileHeight, info.InputWidth, info.InputHeight)
	}
	return nil
}

// sameLayout accepts an unset layout on either side.
func sameLayout(name, configured string, declared iface.Layout, model string) error {
	if strings.TrimSpace(configured) == "" || declared == "" {
		return nil
	}
	l, err := iface.ParseLayout(configured)
	if err != nil {
		return errs.Invalid("%v", err)
	}
	if l != declared {
		return errs.Invalid("%s %s contradicts model %q (%s)", name, l, model, declared)
	}
	return nil
}

func uniqueNonNegative(name string, values []int) error {
	seen := map[int]bool{}
	for _, v := range values {
		if v < 0 {
			return errs.Invalid("%s contains negative index %d", name, v)
		}
		if seen[v] {
			return errs.Invalid("%s contains duplicate index %d", name, v)
		}
		seen[v] = true
	}
	return nil
}

// DeviceOf returns the parsed device, CPU when unset.
func (r Run) DeviceOf() iface.Device {
	d, err := iface.ParseDevice(r.Device)
	if err != nil {
		return iface.DeviceCPU
	}
	return d
}

// LayoutsFor resolves the tensor layouts for info. An unset layout follows the
// model, then CHW. outputLayout falls back to the input layout last.
func (r Run) LayoutsFor(info iface.ModelInfo) (in, out iface.Layout) {
	in = resolveLayout(r.ChannelLayout, info.Layout)
	out = info.OutputLayout
	if strings.TrimSpace(r.OutputLayout) != "" || out == "" {
		out = resolveLayout(r.OutputLayout, in)
	}
	return in, out
}

func resolveLayout(configured string, fallback iface.Layout) iface.Layout {
	if strings.TrimSpace(configured) == "" && fallback != "" {
		return fallback
	}
	l, _ := iface.ParseLayout(configured)
	return l
}

// Clone returns a copy that shares no slices with r.
func (r Run) Clone() Run {
	c := r
	c.InputChannels = slices.Clone(r.InputChannels)
	c.OutputChannels = slices.Clone(r.OutputChannels)
	c.Preprocessing = slices.Clone(r.Preprocessing)
	return c
}

func (r Run) String() string {
	steps := make([]string, 0, len(r.Preprocessing))
	for _, s := range r.Preprocessing {
		steps = append(steps, s.Type)
	}
	return fmt.Sprintf("tile=%dx%d pad=%d align=%s ds=%g dev=%s threads=%d predictors=%d merge=%.2f pre=[%s]",
		r.TileWidth, r.TileHeight, r.Padding, r.Alignment, r.Downsample, r.Device, r.NumThreads, r.NumPredictors,
		r.MergeThreshold, strings.Join(steps, ","))
}
