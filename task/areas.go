package task

import (
	"image"
	"math"
	"sync"

	"TileSegServer/stitch"

	flatbush "github.com/bmharper/flatbush-go"
)

// areaIndex answers which selected area owns a full-resolution point.
type areaIndex struct {
	areas []areaPlan
	fb    *flatbush.Flatbush64

	mu     sync.Mutex
	nearby []int
}

func newAreaIndex(areas []areaPlan) *areaIndex {
	fb := flatbush.NewFlatbush64()
	fb.Reserve(len(areas))
	for _, a := range areas {
		r := a.region
		fb.Add(float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y))
	}
	fb.Finish()
	return &areaIndex{areas: areas, fb: fb}
}

// owner returns the lowest area index holding (x, y), or -1.
func (ix *areaIndex) owner(x, y int) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cx, cy := float64(x)+0.5, float64(y)+0.5
	ix.nearby = ix.fb.SearchFast(cx, cy, cx, cy, ix.nearby)
	best := -1
	for _, i := range ix.nearby {
		if best >= 0 && i >= best {
			continue
		}
		a := ix.areas[i]
		if !image.Pt(x, y).In(a.region) {
			continue
		}
		if a.mask != nil && !a.mask.Contains(x, y) {
			continue
		}
		best = i
	}
	return best
}

// keep tags the merged objects of one area with its index and drops those the
// area does not own. Centroids are clamped into the area region so objects
// touching its border still map back to it.
func (ix *areaIndex) keep(a areaPlan, objects []stitch.Instance, ds float64) []stitch.Instance {
	kept := objects[:0]
	for _, in := range objects {
		cx, cy := in.Mask.Centroid()
		x := clampInt(a.region.Min.X+int(math.Floor(cx*ds)), a.region.Min.X, a.region.Max.X-1)
		y := clampInt(a.region.Min.Y+int(math.Floor(cy*ds)), a.region.Min.Y, a.region.Max.Y-1)
		if ix.owner(x, y) != a.index {
			continue
		}
		in.Parent = a.index
		kept = append(kept, in)
	}
	return kept
}

func clampInt(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
