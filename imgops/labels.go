package imgops

import (
	"fmt"
	"image"

	"TileSegServer/stitch"

	"gocv.io/x/gocv"
)

// Labeller labels 4-connected components with OpenCV. Every class value gets its
// own binary Mat cropped to the bounding box of that class.
type Labeller struct{}

func (Labeller) Components(classes []int32, w, h int) ([][]int, error) {
	if len(classes) != w*h {
		return nil, fmt.Errorf("%d classes for a %dx%d grid", len(classes), w, h)
	}
	boxes := map[int32]image.Rectangle{}
	for i, c := range classes {
		if c == 0 {
			continue
		}
		px := image.Rect(i%w, i/w, i%w+1, i/w+1)
		if b, ok := boxes[c]; ok {
			boxes[c] = b.Union(px)
		} else {
			boxes[c] = px
		}
	}
	var comps [][]int
	for cls, b := range boxes {
		found, err := classComponents(classes, w, cls, b)
		if err != nil {
			return nil, err
		}
		comps = append(comps, found...)
	}
	return stitch.SortComponents(comps), nil
}

func classComponents(classes []int32, w int, cls int32, b image.Rectangle) ([][]int, error) {
	bw, bh := b.Dx(), b.Dy()
	bin := gocv.NewMatWithSize(bh, bw, gocv.MatTypeCV8UC1)
	defer bin.Close()
	data, err := bin.DataPtrUint8()
	if err != nil {
		return nil, err
	}
	for y := 0; y < bh; y++ {
		row := classes[(y+b.Min.Y)*w+b.Min.X : (y+b.Min.Y)*w+b.Max.X]
		for x, c := range row {
			if c == cls {
				data[y*bw+x] = 255
			} else {
				data[y*bw+x] = 0
			}
		}
	}

	labels := gocv.NewMat()
	defer labels.Close()
	n := gocv.ConnectedComponentsWithParams(bin, &labels, 4, gocv.MatTypeCV32S, gocv.CCL_WU)
	if n <= 1 {
		return nil, nil
	}
	// label 0 是背景
	comps := make([][]int, n-1)
	for y := 0; y < bh; y++ {
		for x := 0; x < bw; x++ {
			if l := int(labels.GetIntAt(y, x)); l > 0 && l < n {
				comps[l-1] = append(comps[l-1], (y+b.Min.Y)*w+x+b.Min.X)
			}
		}
	}
	return comps, nil
}
