package task

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"
	"time"

	"TileSegServer/config"
	"TileSegServer/engine"
	"TileSegServer/errs"
	iface "TileSegServer/interface"
	"TileSegServer/logger"
	"TileSegServer/measure"
	"TileSegServer/monitor"
	"TileSegServer/preprocess"
	"TileSegServer/source"
	"TileSegServer/stitch"
	"TileSegServer/tiler"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Runner drives the selected areas of one image through tiling, inference,
// merge and the optional post-merge steps. A Runner can serve concurrent runs.
type Runner struct {
	Resizer iface.Resizer
	Outline OutlineFunc
	// Labeller finds connected components in tile outputs, nil uses stitch.FloodLabeller.
	Labeller stitch.Labeller
}

type areaPlan struct {
	index  int
	region image.Rectangle
	mask   *stitch.Mask
	grid   tiler.Grid
}

type plan struct {
	id       string
	cfg      config.Run
	areas    []areaPlan
	tiles    int
	ds       float64
	pre      preprocess.Transform
	conv     stitch.Converter
	warnings []string
}

type job struct {
	area int
	tile tiler.Tile
}

// Run blocks until the run ends. Fatal errors unwind the whole run after every
// predictor handle has been released. Cancellation discards partial results.
func (r *Runner) Run(ctx context.Context, req Request) (res *Result, err error) {
	started := time.Now()
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	log := logger.Log().With(zap.String("run", id))
	defer func() {
		outcome := "succeeded"
		switch {
		case err == nil:
			monitor.ObjectsTotal.Add(float64(len(res.Objects)))
		case errors.Is(err, errs.ErrCancelled):
			outcome = "cancelled"
		default:
			outcome = "failed"
		}
		monitor.RunsTotal.WithLabelValues(outcome).Inc()
		if err != nil {
			log.Warn("run ended", zap.String("outcome", outcome), zap.Error(err))
		}
		if req.OnFinish != nil {
			req.OnFinish(res, err)
		}
	}()

	p, err := r.prepare(id, req)
	if err != nil {
		return nil, err
	}
	for _, w := range p.warnings {
		log.Warn(w)
	}
	log.Info("run started",
		zap.String("model", req.Model.Info().Name),
		zap.Int("areas", len(p.areas)),
		zap.Stringer("region", p.areas[0].region),
		zap.Float64("downsample", p.ds),
		zap.Int("tiles", p.tiles),
		zap.String("config", p.cfg.String()))

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrCancelled, ctx.Err())
	}
	pool, err := engine.NewPool(ctx, req.Model, p.cfg.NumPredictors, engine.PoolOptions{
		AcquireTimeout: p.cfg.AcquireTimeout,
		WarmUp:         p.cfg.WarmUp,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if n := pool.Outstanding(); n != 0 {
			log.Error("predictor handles still outstanding", zap.Int("outstanding", n))
		}
		if cerr := pool.Close(); cerr != nil {
			log.Warn("close predictor pool", zap.Error(cerr))
		}
	}()

	in, out := p.cfg.LayoutsFor(req.Model.Info())
	proc := &engine.Processor{
		Pool:           pool,
		Info:           req.Model.Info(),
		Preprocess:     p.pre,
		InputLayout:    in,
		OutputLayout:   out,
		PadToInputSize: p.cfg.PadToInputSize,
		Resizer:        r.Resizer,
		TileTimeout:    p.cfg.TileTimeout,
		FinishInFlight: true,
	}
	perTile, err := r.runTiles(ctx, p, req, proc)
	if err != nil {
		return nil, err
	}

	report(req, Progress{RunID: id, Stage: StageMerge, Done: p.tiles, Total: p.tiles})
	res = &Result{
		RunID:      id,
		Model:      req.Model.Info().Name,
		Downsample: p.ds,
		Cols:       p.areas[0].grid.Cols,
		Rows:       p.areas[0].grid.Rows,
		Tiles:      p.tiles,
		Warnings:   append([]string(nil), p.warnings...),
		Started:    started,
	}
	merger := stitch.Merger{Threshold: p.cfg.MergeThreshold}
	owners := newAreaIndex(p.areas)
	spans := make([][2]int, len(p.areas))
	for _, a := range p.areas {
		var all []stitch.Instance
		for _, set := range perTile[a.index] {
			all = append(all, set...)
		}
		objects, rep := merger.Merge(a.grid, all)
		kept := owners.keep(a, objects, p.ds)
		spans[a.index] = [2]int{len(res.Objects), len(res.Objects) + len(kept)}
		res.Objects = append(res.Objects, kept...)
		res.Region = res.Region.Union(a.region)
		res.Merge.Add(rep)
		res.Warnings = append(res.Warnings, rep.Warnings...)
		res.Areas = append(res.Areas, AreaResult{
			Index:   a.index,
			Region:  a.region,
			Cols:    a.grid.Cols,
			Rows:    a.grid.Rows,
			Tiles:   len(a.grid.Tiles),
			Objects: len(kept),
			Dropped: len(objects) - len(kept),
			Merge:   rep,
		})
	}
	for i := range res.Objects {
		res.Objects[i].ID = i + 1
	}

	if p.cfg.MakeMeasurements {
		report(req, Progress{RunID: id, Stage: StageMeasure, Done: p.tiles, Total: p.tiles})
	}
	for _, a := range p.areas {
		sp := spans[a.index]
		if err := r.postMerge(ctx, p, a, req, res, res.Objects[sp[0]:sp[1]]); err != nil {
			return nil, err
		}
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrCancelled, ctx.Err())
	}
	res.Duration = time.Since(started)
	if req.Sink != nil {
		if err := req.Sink.AddObjects(ctx, res); err != nil {
			return nil, fmt.Errorf("object sink: %w", err)
		}
	}
	report(req, Progress{RunID: id, Stage: StageDone, Done: p.tiles, Total: p.tiles})
	log.Info("run finished",
		zap.Int("objects", len(res.Objects)),
		zap.Int("fused", res.Merge.FusedPairs),
		zap.Duration("took", res.Duration))
	return res, nil
}

// prepare validates everything before any predictor is created.
func (r *Runner) prepare(id string, req Request) (*plan, error) {
	if req.Source == nil || req.Model == nil {
		return nil, errs.Invalid("run needs an image source and a model")
	}
	cfg := req.Config
	warnings := cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateFor(req.Model.Info(), req.Source.Channels()); err != nil {
		return nil, err
	}

	areas, err := selectAreas(req, image.Rect(0, 0, req.Source.Width(), req.Source.Height()))
	if err != nil {
		return nil, err
	}

	ds := cfg.Downsample
	if cfg.TargetPixelSize > 0 {
		if cal := req.Source.Calibration(); cal.Calibrated() {
			ds = cfg.TargetPixelSize / cal.Averaged()
		} else {
			warnings = append(warnings, "image has no pixel calibration, targetPixelSize ignored")
		}
	}
	tiles := 0
	for i := range areas {
		w, h := source.ScaledSize(areas[i].region.Dx(), areas[i].region.Dy(), ds)
		grid, err := tiler.Compute(tiler.Options{
			RegionWidth:  w,
			RegionHeight: h,
			TileWidth:    cfg.TileWidth,
			TileHeight:   cfg.TileHeight,
			Padding:      cfg.Padding,
			Alignment:    cfg.Alignment,
		})
		if err != nil {
			return nil, err
		}
		areas[i].grid = grid
		tiles += len(grid.Tiles)
	}
	pre, err := preprocess.Build(cfg.Preprocessing)
	if err != nil {
		return nil, errs.Invalid("%v", err)
	}
	conv, err := stitch.NewConverter(cfg, r.Labeller)
	if err != nil {
		return nil, err
	}
	return &plan{id: id, cfg: cfg, areas: areas, tiles: tiles, ds: ds, pre: pre, conv: conv, warnings: warnings}, nil
}

// selectAreas clips the requested areas to the image. Without areas the run
// covers Region, or the whole image when Region is empty too.
func selectAreas(req Request, full image.Rectangle) ([]areaPlan, error) {
	if len(req.Areas) == 0 {
		region := full
		if !req.Region.Empty() {
			region = req.Region.Intersect(full)
		}
		if region.Empty() {
			return nil, errs.Invalid("region %v is outside the %dx%d image", req.Region, full.Dx(), full.Dy())
		}
		return []areaPlan{{index: 0, region: region}}, nil
	}
	areas := make([]areaPlan, 0, len(req.Areas))
	for i, a := range req.Areas {
		bounds := a.Bounds
		if a.Mask != nil {
			if a.Mask.Empty() || !a.Mask.WellFormed() {
				return nil, errs.Invalid("area %d: selection mask is empty or malformed", i)
			}
			if bounds.Empty() {
				bounds = a.Mask.Bounds()
			} else {
				bounds = bounds.Intersect(a.Mask.Bounds())
			}
		}
		region := bounds.Intersect(full)
		if region.Empty() {
			return nil, errs.Invalid("area %d %v is empty or outside the %dx%d image", i, a.Bounds, full.Dx(), full.Dy())
		}
		areas = append(areas, areaPlan{index: i, region: region, mask: a.Mask})
	}
	return areas, nil
}

// runTiles fans the tiles of every area out to NumThreads workers. The first
// fatal error stops dispatch, tiles already running are allowed to finish.
func (r *Runner) runTiles(ctx context.Context, p *plan, req Request, proc *engine.Processor) ([][][]stitch.Instance, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once     sync.Once
		firstErr error
		mu       sync.Mutex
		done     int
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}
	results := make([][][]stitch.Instance, len(p.areas))
	for _, a := range p.areas {
		results[a.index] = make([][]stitch.Instance, len(a.grid.Tiles))
	}
	jobs := make(chan job)

	var wg sync.WaitGroup
	for w := 0; w < p.cfg.NumThreads; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for j := range jobs {
				if runCtx.Err() != nil {
					continue
				}
				instances, err := r.processTile(runCtx, p, p.areas[j.area], req, proc, j.tile, workerID)
				if err != nil {
					if runCtx.Err() != nil && isContextErr(err) {
						monitor.TilesTotal.WithLabelValues("cancelled").Inc()
						continue
					}
					monitor.TilesTotal.WithLabelValues("failed").Inc()
					fail(err)
					continue
				}
				results[j.area][j.tile.Index] = instances
				monitor.TilesTotal.WithLabelValues("ok").Inc()
				mu.Lock()
				done++
				n := done
				mu.Unlock()
				report(req, Progress{RunID: p.id, Stage: StageTiles, Done: n, Total: p.tiles})
			}
		}(w)
	}

dispatch:
	for _, a := range p.areas {
		for _, tile := range a.grid.Tiles {
			select {
			case jobs <- job{area: a.index, tile: tile}:
			case <-runCtx.Done():
				break dispatch
			}
		}
	}
	close(jobs)
	wg.Wait()

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrCancelled, ctx.Err())
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

func (r *Runner) processTile(ctx context.Context, p *plan, a areaPlan, req Request, proc *engine.Processor, tile tiler.Tile, workerID int) (instances []stitch.Instance, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			buf := make([]byte, 4096)
			buf = buf[:runtime.Stack(buf, false)]
			logger.Log().Error("tile worker panic",
				zap.String("run", p.id), zap.Int("worker", workerID), zap.Int("area", a.index), zap.Int("tile", tile.Index),
				zap.Any("panic", rec), zap.ByteString("stack", buf))
			err = &errs.TileError{Index: tile.Index, Col: tile.Col, Row: tile.Row, Bounds: tile.Bounds,
				Err: fmt.Errorf("%w: panic: %v", errs.ErrTilePrediction, rec)}
		}
	}()
	tileErr := func(err error) error {
		return &errs.TileError{Index: tile.Index, Col: tile.Col, Row: tile.Row, Bounds: tile.Bounds, Err: err}
	}

	b := tile.Bounds
	fx, fy := a.region.Min.X+int(float64(b.Min.X)*p.ds), a.region.Min.Y+int(float64(b.Min.Y)*p.ds)
	fw, fh := int(float64(b.Dx())*p.ds+0.5), int(float64(b.Dy())*p.ds+0.5)
	pixels, err := req.Source.ReadRegion(ctx, fx, fy, max(fw, 1), max(fh, 1), p.ds)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, tileErr(fmt.Errorf("read region: %w", err))
	}
	pixels = engine.Fit(pixels, b.Dx(), b.Dy())
	if pixels, err = pixels.SelectChannels(p.cfg.InputChannels); err != nil {
		return nil, tileErr(errs.ShapeMismatch("%v", err))
	}

	out, err := proc.Process(ctx, tile, pixels)
	if err != nil {
		return nil, err
	}
	var ids []int
	if len(p.cfg.OutputChannels) > 0 {
		if out, err = out.SelectChannels(p.cfg.OutputChannels); err != nil {
			return nil, tileErr(errs.ShapeMismatch("%v", err))
		}
		ids = p.cfg.OutputChannels
	}
	instances, err = p.conv.Convert(out, tile, ids)
	if err != nil {
		return nil, tileErr(err)
	}
	logger.Log().Debug("tile done",
		zap.String("run", p.id), zap.Int("worker", workerID), zap.Int("area", a.index), zap.Int("tile", tile.Index),
		zap.Int("instances", len(instances)))
	return instances, nil
}

// postMerge adds outlines and measurements to the objects of one area.
// Both run after the barrier on the merged set.
func (r *Runner) postMerge(ctx context.Context, p *plan, a areaPlan, req Request, res *Result, objects []stitch.Instance) error {
	if r.Outline != nil {
		for i := range objects {
			pts, err := r.Outline(objects[i].Mask)
			if err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("object %d: outline: %v", objects[i].ID, err))
				continue
			}
			for j := range pts {
				pts[j] = image.Pt(
					a.region.Min.X+int(float64(pts[j].X)*p.ds+0.5),
					a.region.Min.Y+int(float64(pts[j].Y)*p.ds+0.5))
			}
			objects[i].Polygon = pts
		}
	}
	if p.cfg.MakeMeasurements {
		err := measure.Measure(ctx, req.Source, objects, measure.Options{
			Origin:     a.region.Min,
			Downsample: p.ds,
			Channels:   p.cfg.InputChannels,
		})
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %w", errs.ErrCancelled, ctx.Err())
			}
			return fmt.Errorf("measurements: %w", err)
		}
	}
	return nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func report(req Request, p Progress) {
	if req.Progress != nil {
		req.Progress(p)
	}
}
