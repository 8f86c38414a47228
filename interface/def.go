package iface

import (
	"fmt"
	"strings"
)

// Device 每个 predictor handle 固定绑定一个设备，运行期间不迁移
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceGPU  Device = "gpu"
	DeviceCUDA Device = "cuda"
	DeviceMPS  Device = "mps"
)

func ParseDevice(name string) (Device, error) {
	switch d := Device(strings.ToLower(strings.TrimSpace(name))); d {
	case DeviceCPU, DeviceGPU, DeviceCUDA, DeviceMPS:
		return d, nil
	case "":
		return DeviceCPU, nil
	default:
		return "", fmt.Errorf("unsupported device: %s", name)
	}
}

// Accelerated reports whether the device is not the CPU.
func (d Device) Accelerated() bool {
	return d != DeviceCPU && d != ""
}

// Layout is the memory order of a Tensor.
type Layout string

const (
	LayoutCHW Layout = "CHW"
	LayoutHWC Layout = "HWC"
)

func ParseLayout(name string) (Layout, error) {
	switch l := Layout(strings.ToUpper(strings.TrimSpace(name))); l {
	case LayoutCHW, LayoutHWC:
		return l, nil
	case "":
		return LayoutCHW, nil
	default:
		return "", fmt.Errorf("unsupported channel layout: %s", name)
	}
}

// PixelType is the numeric precision the values of a Tensor have been cast to.
// Storage is always float32.
type PixelType string

const (
	PixelUint8   PixelType = "uint8"
	PixelUint16  PixelType = "uint16"
	PixelFloat32 PixelType = "float32"
)

const AnyChannels = -1

// ModelInfo is what a loaded model declares about its input/output contract.
type ModelInfo struct {
	Name           string `yaml:"name" json:"name"`
	InputWidth     int    `yaml:"inputWidth" json:"inputWidth"`   // 0 = any size
	InputHeight    int    `yaml:"inputHeight" json:"inputHeight"` // 0 = any size
	NumChannels    int    `yaml:"numChannels" json:"numChannels"` // AnyChannels = no constraint
	OutputChannels int    `yaml:"outputChannels" json:"outputChannels"`
	Layout         Layout `yaml:"layout" json:"layout"`
	OutputLayout   Layout `yaml:"outputLayout" json:"outputLayout"`
}

// FixedInput reports whether the model requires an exact input size.
func (m ModelInfo) FixedInput() bool {
	return m.InputWidth > 0 && m.InputHeight > 0
}

type EngineConfig struct {
	ID            string    `json:"id"`
	Description   string    `json:"description"`
	ModelPath     string    `json:"modelPath"`
	Device        Device    `json:"device"`
	NumPredictors int       `json:"numPredictors"`
	State         string    `json:"state"`
	ActiveRuns    int       `json:"activeRuns"`
	Info          ModelInfo `json:"info"`
}

// PixelCalibration maps pixels to physical size (microns).
type PixelCalibration struct {
	PixelWidth  float64
	PixelHeight float64
}

func (p PixelCalibration) Calibrated() bool {
	return p.PixelWidth > 0 && p.PixelHeight > 0
}

func (p PixelCalibration) Averaged() float64 {
	if !p.Calibrated() {
		return 0
	}
	return (p.PixelWidth + p.PixelHeight) / 2
}
