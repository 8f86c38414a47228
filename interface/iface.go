package iface

import (
	"context"
)

// Predictor is one loaded instance of the model on a device.
// It is stateful and not safe for concurrent use.
type Predictor interface {
	Predict(ctx context.Context, input Tensor) (Tensor, error)
	Close() error
}

// Model is a loaded model artifact acting as a Predictor factory.
type Model interface {
	Info() ModelInfo
	Device() Device
	NewPredictor() (Predictor, error)
	Close() error
}

// ModelLoader fails with errs.ModelNotFound or errs.MalformedModel.
type ModelLoader interface {
	Load(ctx context.Context, modelPath string, device Device) (Model, error)
}

// ImageSource reads pixels in full resolution coordinates at a given downsample.
type ImageSource interface {
	Width() int
	Height() int
	Channels() int
	Calibration() PixelCalibration
	ReadRegion(ctx context.Context, x, y, width, height int, downsample float64) (Tensor, error)
}

// Resizer rescales a tensor to an exact spatial size. Nearest neighbour is used
// when nearest is true so label values survive.
type Resizer interface {
	Resize(t Tensor, width, height int, nearest bool) (Tensor, error)
}
