package stitch

import (
	"image"
	"sort"
)

// Span is a horizontal run of foreground pixels [X0, X1) on row Y.
type Span struct {
	Y  int `json:"y"`
	X0 int `json:"x0"`
	X1 int `json:"x1"`
}

// Mask is a run-length encoded binary mask in region coordinates.
// Spans are kept sorted by (Y, X0) and never overlap.
type Mask struct {
	Spans []Span `json:"spans"`
}

func (m Mask) Empty() bool {
	return len(m.Spans) == 0
}

func (m Mask) Area() int {
	n := 0
	for _, s := range m.Spans {
		n += s.X1 - s.X0
	}
	return n
}

// Centroid is the mean pixel centre, in mask coordinates.
func (m Mask) Centroid() (float64, float64) {
	var sx, sy, n float64
	for _, s := range m.Spans {
		w := float64(s.X1 - s.X0)
		// 行内像素中心之和
		sx += w * (float64(s.X0+s.X1) / 2)
		sy += w * (float64(s.Y) + 0.5)
		n += w
	}
	if n == 0 {
		return 0, 0
	}
	return sx / n, sy / n
}

// Bounds is the smallest rectangle holding every foreground pixel.
func (m Mask) Bounds() image.Rectangle {
	if len(m.Spans) == 0 {
		return image.Rectangle{}
	}
	r := image.Rect(m.Spans[0].X0, m.Spans[0].Y, m.Spans[0].X1, m.Spans[0].Y+1)
	for _, s := range m.Spans[1:] {
		r = r.Union(image.Rect(s.X0, s.Y, s.X1, s.Y+1))
	}
	return r
}

func (m Mask) Contains(x, y int) bool {
	i := sort.Search(len(m.Spans), func(i int) bool {
		s := m.Spans[i]
		return s.Y > y || (s.Y == y && s.X1 > x)
	})
	return i < len(m.Spans) && m.Spans[i].Y == y && m.Spans[i].X0 <= x
}

// Within reports whether every pixel lies inside r.
func (m Mask) Within(r image.Rectangle) bool {
	return m.Empty() || m.Bounds().In(r)
}

// Well-formed masks have sorted, non-empty, non-overlapping spans.
func (m Mask) WellFormed() bool {
	for i, s := range m.Spans {
		if s.X1 <= s.X0 {
			return false
		}
		if i == 0 {
			continue
		}
		p := m.Spans[i-1]
		if s.Y < p.Y || (s.Y == p.Y && s.X0 < p.X1) {
			return false
		}
	}
	return true
}

func (m Mask) Translate(dx, dy int) Mask {
	out := Mask{Spans: make([]Span, len(m.Spans))}
	for i, s := range m.Spans {
		out.Spans[i] = Span{Y: s.Y + dy, X0: s.X0 + dx, X1: s.X1 + dx}
	}
	return out
}

// Union merges masks into one normalized mask.
func Union(masks ...Mask) Mask {
	var all []Span
	for _, m := range masks {
		all = append(all, m.Spans...)
	}
	if len(all) == 0 {
		return Mask{}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Y != all[j].Y {
			return all[i].Y < all[j].Y
		}
		return all[i].X0 < all[j].X0
	})
	out := []Span{all[0]}
	for _, s := range all[1:] {
		last := &out[len(out)-1]
		if s.Y == last.Y && s.X0 <= last.X1 {
			if s.X1 > last.X1 {
				last.X1 = s.X1
			}
			continue
		}
		out = append(out, s)
	}
	return Mask{Spans: out}
}

// Pixels calls fn for every foreground pixel in row-major order.
func (m Mask) Pixels(fn func(x, y int)) {
	for _, s := range m.Spans {
		for x := s.X0; x < s.X1; x++ {
			fn(x, s.Y)
		}
	}
}

// Raster paints the mask into a w*h row-major grid whose origin is at (ox, oy).
func (m Mask) Raster(ox, oy, w, h int) []bool {
	grid := make([]bool, w*h)
	m.Pixels(func(x, y int) {
		lx, ly := x-ox, y-oy
		if lx >= 0 && ly >= 0 && lx < w && ly < h {
			grid[ly*w+lx] = true
		}
	})
	return grid
}

// MaskFromGrid run-length encodes a row-major boolean grid placed at (ox, oy).
func MaskFromGrid(grid []bool, w, h, ox, oy int) Mask {
	var spans []Span
	for y := 0; y < h; y++ {
		x := 0
		for x < w {
			if !grid[y*w+x] {
				x++
				continue
			}
			start := x
			for x < w && grid[y*w+x] {
				x++
			}
			spans = append(spans, Span{Y: y + oy, X0: start + ox, X1: x + ox})
		}
	}
	return Mask{Spans: spans}
}
