package stitch

import (
	"cmp"
	"fmt"
	"sort"

	"TileSegServer/errs"
	"TileSegServer/logger"
	"TileSegServer/tiler"

	"go.uber.org/zap"
)

// Merger fuses instances split by tile seams.
//
// For a seam between tiles A and B and a pair (a, b) of the same output channel,
// E(a) is the number of seam positions where a covers the last interior pixel
// of A, E(b) the same on B's side, and overlap(a, b) the positions covered by
// both. The pair fuses when overlap > 0 and overlap/min(E(a), E(b)) >= Threshold.
// Fusion is transitive. The result does not depend on the input order.
type Merger struct {
	Threshold float64
}

// Report summarises one merge.
type Report struct {
	Input        int      `json:"input"`
	Output       int      `json:"output"`
	Candidates   int      `json:"candidates"` // pairs touching across a seam
	FusedPairs   int      `json:"fusedPairs"`
	Inconsistent int      `json:"inconsistent"`
	Warnings     []string `json:"warnings,omitempty"`
}

type pairKey struct{ a, b int }

// Merge runs single-threaded after every tile has been converted.
func (m Merger) Merge(grid tiler.Grid, instances []Instance) ([]Instance, Report) {
	rep := Report{Input: len(instances)}
	items := append([]Instance(nil), instances...)
	sort.SliceStable(items, func(i, j int) bool { return lessInstance(items[i], items[j]) })

	usable := make([]bool, len(items))
	for i, in := range items {
		if err := checkInstance(grid, in); err != nil {
			rep.warn(err, in.Key())
			continue
		}
		if i > 0 && items[i-1].Key() == in.Key() {
			rep.warn(fmt.Errorf("%w: duplicate instance key", errs.ErrMergeInconsistency), in.Key())
			continue
		}
		usable[i] = true
	}

	byTile := make(map[int][]int)
	for i, ok := range usable {
		if ok {
			byTile[items[i].Tile] = append(byTile[items[i].Tile], i)
		}
	}

	uf := newUnionFind(len(items))
	for _, seam := range grid.Seams() {
		if len(byTile[seam.A]) == 0 || len(byTile[seam.B]) == 0 {
			continue
		}
		a, _ := grid.Tile(seam.A)
		b, _ := grid.Tile(seam.B)
		for pair, score := range m.scoreSeam(seam, a, b, items, byTile, &rep) {
			rep.Candidates++
			if score >= m.Threshold {
				rep.FusedPairs++
				uf.union(pair.a, pair.b)
			}
		}
	}

	groups := make(map[int][]int)
	for i := range items {
		r := uf.find(i)
		groups[r] = append(groups[r], i)
	}
	out := make([]Instance, 0, len(groups))
	for _, members := range groups {
		out = append(out, fuse(items, members))
	}
	sort.Slice(out, func(i, j int) bool {
		bi, bj := out[i].Bounds(), out[j].Bounds()
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		if bi.Min.Y != bj.Min.Y {
			return bi.Min.Y < bj.Min.Y
		}
		if bi.Min.X != bj.Min.X {
			return bi.Min.X < bj.Min.X
		}
		return lessInstance(out[i], out[j])
	})
	for i := range out {
		out[i].ID = i + 1
	}
	rep.Output = len(out)
	return out, rep
}

// scoreSeam returns the normalised overlap of every touching pair across one seam.
func (m Merger) scoreSeam(seam tiler.Seam, a, b tiler.Tile, items []Instance, byTile map[int][]int, rep *Report) map[pairKey]float64 {
	var length, lineA, lineB, start int
	if seam.Vertical {
		length, start = a.Interior.Dy(), a.Interior.Min.Y
		lineA, lineB = a.Interior.Max.X-1, b.Interior.Min.X
	} else {
		length, start = a.Interior.Dx(), a.Interior.Min.X
		lineA, lineB = a.Interior.Max.Y-1, b.Interior.Min.Y
	}

	scores := make(map[pairKey]float64)
	var channels []int
	for _, i := range byTile[seam.A] {
		if n := len(channels); n == 0 || channels[n-1] != items[i].Channel {
			channels = append(channels, items[i].Channel)
		}
	}
	for _, ch := range channels {
		ownA, extA := seamOwners(items, byTile[seam.A], ch, seam.Vertical, lineA, start, length, rep)
		ownB, extB := seamOwners(items, byTile[seam.B], ch, seam.Vertical, lineB, start, length, rep)
		overlap := make(map[pairKey]int)
		for p := 0; p < length; p++ {
			if ownA[p] >= 0 && ownB[p] >= 0 {
				overlap[pairKey{ownA[p], ownB[p]}]++
			}
		}
		for pk, n := range overlap {
			smaller := min(extA[pk.a], extB[pk.b])
			scores[pk] = float64(n) / float64(smaller)
		}
	}
	return scores
}

// seamOwners maps each position along a seam line to the instance covering it, -1 for none.
func seamOwners(items []Instance, members []int, channel int, vertical bool, line, start, length int, rep *Report) ([]int, map[int]int) {
	owners := make([]int, length)
	for i := range owners {
		owners[i] = -1
	}
	extent := make(map[int]int)
	warned := make(map[int]bool)
	claim := func(i, p int) {
		if p < 0 || p >= length {
			return
		}
		if owners[p] >= 0 && owners[p] != i {
			if warned[i] {
				return
			}
			warned[i] = true
			rep.warn(fmt.Errorf("%w: seam pixel also owned by %s", errs.ErrMergeInconsistency, items[owners[p]].Key()), items[i].Key())
			return
		}
		if owners[p] < 0 {
			owners[p] = i
			extent[i]++
		}
	}
	for _, i := range members {
		in := items[i]
		if in.Channel != channel {
			continue
		}
		for _, s := range in.Mask.Spans {
			if vertical {
				if s.X0 <= line && line < s.X1 {
					claim(i, s.Y-start)
				}
				continue
			}
			if s.Y != line {
				continue
			}
			for x := s.X0; x < s.X1; x++ {
				claim(i, x-start)
			}
		}
	}
	return owners, extent
}

func fuse(items []Instance, members []int) Instance {
	sort.Ints(members)
	rep := items[members[0]]
	if len(members) == 1 {
		rep.Sources = []Key{rep.Key()}
		return rep
	}
	masks := make([]Mask, len(members))
	keys := make([]Key, len(members))
	for i, idx := range members {
		masks[i] = items[idx].Mask
		keys[i] = items[idx].Key()
	}
	rep.Mask = Union(masks...)
	rep.Sources = keys
	rep.Polygon = nil
	rep.Measurements = nil
	return rep
}

func checkInstance(grid tiler.Grid, in Instance) error {
	tile, ok := grid.Tile(in.Tile)
	if !ok {
		return fmt.Errorf("%w: unknown tile %d", errs.ErrMergeInconsistency, in.Tile)
	}
	if in.Mask.Empty() {
		return fmt.Errorf("%w: empty mask", errs.ErrMergeInconsistency)
	}
	if !in.Mask.WellFormed() {
		return fmt.Errorf("%w: malformed mask", errs.ErrMergeInconsistency)
	}
	if !in.Mask.Within(tile.Interior) {
		return fmt.Errorf("%w: mask %v outside tile interior %v", errs.ErrMergeInconsistency, in.Mask.Bounds(), tile.Interior)
	}
	return nil
}

// Add folds the counts and warnings of o into r.
func (r *Report) Add(o Report) {
	r.Input += o.Input
	r.Output += o.Output
	r.Candidates += o.Candidates
	r.FusedPairs += o.FusedPairs
	r.Inconsistent += o.Inconsistent
	r.Warnings = append(r.Warnings, o.Warnings...)
}

func (r *Report) warn(err error, key Key) {
	r.Inconsistent++
	r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %v", key, err))
	logger.Log().Warn("instance kept unmerged", zap.String("instance", key.String()), zap.Error(err))
}

// Total order used before merging, so indices do not depend on input order.
func lessInstance(a, b Instance) bool {
	if a.Key() != b.Key() {
		return a.Key().Less(b.Key())
	}
	ba, bb := a.Bounds(), b.Bounds()
	if ba.Min != bb.Min {
		return ba.Min.Y < bb.Min.Y || (ba.Min.Y == bb.Min.Y && ba.Min.X < bb.Min.X)
	}
	if na, nb := a.Mask.Area(), b.Mask.Area(); na != nb {
		return na < nb
	}
	return compareMasks(a.Mask, b.Mask) < 0
}

// compareMasks orders masks span by span, a shorter prefix first.
func compareMasks(a, b Mask) int {
	for i := 0; i < len(a.Spans) && i < len(b.Spans); i++ {
		sa, sb := a.Spans[i], b.Spans[i]
		switch {
		case sa.Y != sb.Y:
			return cmp.Compare(sa.Y, sb.Y)
		case sa.X0 != sb.X0:
			return cmp.Compare(sa.X0, sb.X0)
		case sa.X1 != sb.X1:
			return cmp.Compare(sa.X1, sb.X1)
		}
	}
	return cmp.Compare(len(a.Spans), len(b.Spans))
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the smaller index as root.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
