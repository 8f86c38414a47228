package task

import (
	"context"
	"image"
	"time"

	"TileSegServer/config"
	iface "TileSegServer/interface"
	"TileSegServer/stitch"
)

// Sink receives the merged objects of a successful run. It is never called
// when a run fails or is cancelled.
type Sink interface {
	AddObjects(ctx context.Context, res *Result) error
}

// OutlineFunc traces a mask outline in mask coordinates.
type OutlineFunc func(stitch.Mask) ([]image.Point, error)

const (
	StageTiles   = "tiles"
	StageMerge   = "merge"
	StageMeasure = "measure"
	StageDone    = "done"
)

type Progress struct {
	RunID string `json:"runId"`
	Stage string `json:"stage"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Area is one selected parent area in full-resolution image coordinates.
// Mask, when set, narrows the area to a non-rectangular selection; an empty
// Bounds then defaults to the mask bounds.
type Area struct {
	Bounds image.Rectangle
	Mask   *stitch.Mask
}

type Request struct {
	ID     string
	Source iface.ImageSource
	// Region in full-resolution image coordinates, empty means the whole image.
	// Ignored when Areas is set.
	Region image.Rectangle
	// Areas are tiled and merged one by one. An object is kept in the first area
	// whose bounds and mask hold its centroid, so overlapping areas report it once.
	Areas  []Area
	Model  iface.Model
	Config config.Run
	Sink   Sink
	// Progress is called from worker goroutines, it must not block.
	Progress func(Progress)
	// OnFinish runs once the run has released every predictor.
	OnFinish func(*Result, error)
}

// AreaResult describes one selected area of a run.
type AreaResult struct {
	Index   int             `json:"index"`
	Region  image.Rectangle `json:"region"`
	Cols    int             `json:"cols"`
	Rows    int             `json:"rows"`
	Tiles   int             `json:"tiles"`
	Objects int             `json:"objects"`
	// Dropped counts merged objects whose centroid lies outside the selection
	// or inside an earlier overlapping area.
	Dropped int           `json:"dropped"`
	Merge   stitch.Report `json:"merge"`
}

// Result is what a successful run returns. Object masks are at processing
// resolution relative to Areas[Parent].Region, polygons in full-resolution
// image coordinates. Region is the union of the area regions, Cols and Rows
// are those of the first area, Tiles and Merge cover every area.
type Result struct {
	RunID      string            `json:"runId"`
	Model      string            `json:"model"`
	Region     image.Rectangle   `json:"region"`
	Downsample float64           `json:"downsample"`
	Cols       int               `json:"cols"`
	Rows       int               `json:"rows"`
	Tiles      int               `json:"tiles"`
	Objects    []stitch.Instance `json:"objects"`
	Merge      stitch.Report     `json:"merge"`
	Areas      []AreaResult      `json:"areas"`
	Warnings   []string          `json:"warnings,omitempty"`
	Started    time.Time         `json:"started"`
	Duration   time.Duration     `json:"duration"`
}
