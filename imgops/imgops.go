// Package imgops is the OpenCV side of the pipeline: reading image files as
// region sources, resizing tensors and tracing mask outlines.
package imgops

import (
	"context"
	"errors"
	"fmt"
	"image"

	iface "TileSegServer/interface"
	"TileSegServer/source"
	"TileSegServer/stitch"

	"gocv.io/x/gocv"
)

// MatSource serves regions of an image held as a float32 Mat.
// Color files are read in OpenCV's BGR channel order.
type MatSource struct {
	mat gocv.Mat
	cal iface.PixelCalibration
}

// Open reads an image file, keeping its bit depth and channel count.
func Open(path string, cal iface.PixelCalibration) (*MatSource, error) {
	img := gocv.IMRead(path, gocv.IMReadUnchanged)
	if img.Empty() {
		_ = img.Close()
		return nil, fmt.Errorf("cannot read image %s", path)
	}
	defer img.Close()
	return FromMat(img, cal)
}

// Decode reads an encoded image (png, tiff, ...) from memory.
func Decode(data []byte, cal iface.PixelCalibration) (*MatSource, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadUnchanged)
	if err != nil {
		return nil, err
	}
	defer img.Close()
	if img.Empty() {
		return nil, errors.New("decoded image is empty or unsupported format")
	}
	return FromMat(img, cal)
}

// FromMat copies m, the caller keeps ownership of m.
func FromMat(m gocv.Mat, cal iface.PixelCalibration) (*MatSource, error) {
	if m.Empty() {
		return nil, errors.New("empty image")
	}
	f := gocv.NewMat()
	m.ConvertTo(&f, gocv.MatTypeCV32F)
	if f.Empty() {
		_ = f.Close()
		return nil, errors.New("cannot convert image to float32")
	}
	return &MatSource{mat: f, cal: cal}, nil
}

func (s *MatSource) Width() int                           { return s.mat.Cols() }
func (s *MatSource) Height() int                          { return s.mat.Rows() }
func (s *MatSource) Channels() int                        { return s.mat.Channels() }
func (s *MatSource) Calibration() iface.PixelCalibration { return s.cal }

func (s *MatSource) Close() error {
	return s.mat.Close()
}

func (s *MatSource) ReadRegion(ctx context.Context, x, y, w, h int, ds float64) (iface.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return iface.Tensor{}, err
	}
	if w <= 0 || h <= 0 || ds <= 0 {
		return iface.Tensor{}, fmt.Errorf("invalid region %dx%d at downsample %g", w, h, ds)
	}
	ow, oh := source.ScaledSize(w, h, ds)
	out := iface.NewTensor(s.Channels(), oh, ow)
	clip := image.Rect(x, y, x+w, y+h).Intersect(image.Rect(0, 0, s.Width(), s.Height()))
	if clip.Empty() {
		return out, nil
	}

	region := s.mat.Region(clip)
	defer region.Close()
	scaled := gocv.NewMat()
	defer scaled.Close()
	cw, ch := source.ScaledSize(clip.Dx(), clip.Dy(), ds)
	if ds == 1 {
		region.CopyTo(&scaled)
	} else {
		gocv.Resize(region, &scaled, image.Pt(cw, ch), 0, 0, gocv.InterpolationArea)
	}
	if scaled.Empty() {
		return iface.Tensor{}, fmt.Errorf("cannot read region %v", clip)
	}

	planes := gocv.Split(scaled)
	defer func() {
		for _, p := range planes {
			_ = p.Close()
		}
	}()
	ox := int(float64(clip.Min.X-x) / ds)
	oy := int(float64(clip.Min.Y-y) / ds)
	for c, p := range planes {
		data, err := p.DataPtrFloat32()
		if err != nil {
			return iface.Tensor{}, err
		}
		pw := p.Cols()
		for row := 0; row < p.Rows() && oy+row < oh; row++ {
			n := min(pw, ow-ox)
			if n <= 0 {
				break
			}
			dst := out.Index(c, oy+row, ox)
			copy(out.Data[dst:dst+n], data[row*pw:row*pw+n])
		}
	}
	return out, nil
}

// Resizer resizes tensors plane by plane with OpenCV.
type Resizer struct{}

func (Resizer) Resize(t iface.Tensor, w, h int, nearest bool) (iface.Tensor, error) {
	if w <= 0 || h <= 0 {
		return iface.Tensor{}, fmt.Errorf("invalid size %dx%d", w, h)
	}
	src := t.ToLayout(iface.LayoutCHW)
	out := iface.NewTensor(src.Channels, h, w)
	out.Type = src.Type
	interp := gocv.InterpolationLinear
	if nearest {
		interp = gocv.InterpolationNearestNeighbor
	}
	for c := 0; c < src.Channels; c++ {
		in, err := matFromPlane(src.Plane(c), src.Width, src.Height)
		if err != nil {
			return iface.Tensor{}, err
		}
		dst := gocv.NewMat()
		gocv.Resize(in, &dst, image.Pt(w, h), 0, 0, interp)
		var data []float32
		if data, err = dst.DataPtrFloat32(); err == nil {
			copy(out.Plane(c), data)
		}
		_ = in.Close()
		_ = dst.Close()
		if err != nil {
			return iface.Tensor{}, err
		}
	}
	return out, nil
}

func matFromPlane(plane []float32, w, h int) (gocv.Mat, error) {
	m := gocv.NewMatWithSize(h, w, gocv.MatTypeCV32FC1)
	data, err := m.DataPtrFloat32()
	if err != nil {
		_ = m.Close()
		return gocv.Mat{}, err
	}
	copy(data, plane)
	return m, nil
}

// Outline traces the outer contour of a mask, in the mask's coordinates.
// For masks with several parts the largest one is used.
func Outline(m stitch.Mask) ([]image.Point, error) {
	if m.Empty() {
		return nil, nil
	}
	b := m.Bounds()
	// 1px frame so contours touching the box still close
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), b.Dy()+2, b.Dx()+2, gocv.MatTypeCV8UC1)
	defer mat.Close()
	m.Pixels(func(x, y int) {
		mat.SetUCharAt(y-b.Min.Y+1, x-b.Min.X+1, 255)
	})

	contours := gocv.FindContours(mat, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()
	if contours.Size() == 0 {
		return nil, errors.New("no contour found")
	}
	best, bestArea, bestLen := 0, -1.0, 0
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		area := gocv.ContourArea(c)
		if area > bestArea || (area == bestArea && c.Size() > bestLen) {
			best, bestArea, bestLen = i, area, c.Size()
		}
	}
	pts := contours.At(best).ToPoints()
	off := b.Min.Sub(image.Pt(1, 1))
	for i := range pts {
		pts[i] = pts[i].Add(off)
	}
	return pts, nil
}
