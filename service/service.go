// Package service is the control plane shared by the gRPC and HTTP surfaces:
// engines by id, segmentation runs by id.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"

	"TileSegServer/config"
	"TileSegServer/engine"
	"TileSegServer/errs"
	iface "TileSegServer/interface"
	"TileSegServer/logger"
	"TileSegServer/source"
	"TileSegServer/stitch"
	"TileSegServer/task"

	"go.uber.org/zap"
)

type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r *Region) Rect() image.Rectangle {
	if r == nil {
		return image.Rectangle{}
	}
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Area is one selected parent area. Mask spans are in full-resolution image
// coordinates, a zero-sized Region then takes the mask bounds.
type Area struct {
	Region
	Mask *stitch.Mask `json:"mask,omitempty"`
}

// SegmentRequest names the engine and exactly one image: a path, encoded
// image bytes or raw pixels. Config is applied over the server defaults.
type SegmentRequest struct {
	EngineID    string             `json:"engineId"`
	RunID       string             `json:"runId,omitempty"`
	ImagePath   string             `json:"imagePath,omitempty"`
	ImageData   []byte             `json:"imageData,omitempty"`
	Pixels      *engine.WireTensor `json:"pixels,omitempty"`
	PixelWidth  float64            `json:"pixelWidth,omitempty"`
	PixelHeight float64            `json:"pixelHeight,omitempty"`
	Region      *Region            `json:"region,omitempty"`
	Areas       []Area             `json:"areas,omitempty"`
	Config      json.RawMessage    `json:"config,omitempty"`
	Wait        bool               `json:"wait,omitempty"`
}

type ImageOpener func(path string, cal iface.PixelCalibration) (iface.ImageSource, error)
type ImageDecoder func(data []byte, cal iface.PixelCalibration) (iface.ImageSource, error)

type Service struct {
	Engines  *engine.Registry
	Runs     *task.Manager
	Defaults config.Run
	Sink     task.Sink
	Open     ImageOpener
	Decode   ImageDecoder
	ModelDir string
}

// RunConfig applies a JSON override on top of a copy of the defaults.
func (s *Service) RunConfig(override json.RawMessage) (config.Run, error) {
	cfg := s.Defaults.Clone()
	if len(bytes.TrimSpace(override)) == 0 || bytes.Equal(bytes.TrimSpace(override), []byte("null")) {
		return cfg, nil
	}
	dec := json.NewDecoder(bytes.NewReader(override))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errs.Invalid("config: %v", err)
	}
	return cfg, nil
}

func (s *Service) source(req *SegmentRequest) (iface.ImageSource, error) {
	cal := iface.PixelCalibration{PixelWidth: req.PixelWidth, PixelHeight: req.PixelHeight}
	given := 0
	for _, set := range []bool{req.ImagePath != "", len(req.ImageData) > 0, req.Pixels != nil} {
		if set {
			given++
		}
	}
	if given != 1 {
		return nil, errs.Invalid("exactly one of imagePath, imageData or pixels is required")
	}
	switch {
	case req.Pixels != nil:
		t, err := engine.DecodeTensor(*req.Pixels)
		if err != nil {
			return nil, errs.Invalid("pixels: %v", err)
		}
		return source.NewMemory(t, cal)
	case req.ImagePath != "":
		if s.Open == nil {
			return nil, errs.Invalid("image files are not supported by this server")
		}
		src, err := s.Open(req.ImagePath, cal)
		if err != nil {
			return nil, errs.Invalid("open image: %v", err)
		}
		return src, nil
	default:
		if s.Decode == nil {
			return nil, errs.Invalid("encoded images are not supported by this server")
		}
		src, err := s.Decode(req.ImageData, cal)
		if err != nil {
			return nil, errs.Invalid("decode image: %v", err)
		}
		return src, nil
	}
}

// Segment submits a run. With Wait set it blocks until the run ends and
// cancels the run when ctx ends first.
func (s *Service) Segment(ctx context.Context, req SegmentRequest) (task.RunInfo, *task.Result, error) {
	e, err := s.Engines.Get(req.EngineID)
	if err != nil {
		return task.RunInfo{}, nil, err
	}
	cfg, err := s.RunConfig(req.Config)
	if err != nil {
		return task.RunInfo{}, nil, err
	}
	src, err := s.source(&req)
	if err != nil {
		return task.RunInfo{}, nil, err
	}
	closeSource := func() {
		if c, ok := src.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Log().Warn("close image source", zap.Error(err))
			}
		}
	}
	id, err := s.Runs.SubmitEngine(e, task.Request{
		ID:       req.RunID,
		Source:   src,
		Region:   req.Region.Rect(),
		Areas:    areas(req.Areas),
		Config:   cfg,
		Sink:     s.Sink,
		OnFinish: func(*task.Result, error) { closeSource() },
	})
	if err != nil {
		closeSource()
		return task.RunInfo{}, nil, err
	}
	if !req.Wait {
		info, err := s.Runs.Status(id)
		return info, nil, err
	}
	info, err := s.Runs.Wait(ctx, id)
	if err != nil {
		_ = s.Runs.Cancel(id)
		return task.RunInfo{ID: id}, nil, fmt.Errorf("%w: %w", errs.ErrCancelled, err)
	}
	res, err := s.Runs.Result(id)
	return info, res, err
}

func areas(in []Area) []task.Area {
	if len(in) == 0 {
		return nil
	}
	out := make([]task.Area, len(in))
	for i := range in {
		out[i] = task.Area{Bounds: in[i].Region.Rect(), Mask: in[i].Mask}
	}
	return out
}

// Shutdown cancels every run, then closes the engines.
func (s *Service) Shutdown(ctx context.Context) error {
	return errors.Join(s.Runs.Shutdown(ctx), s.Engines.DestroyAll())
}
