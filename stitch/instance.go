package stitch

import (
	"fmt"
	"image"
)

// Key identifies an instance by where it was first found.
type Key struct {
	Tile    int `json:"tile"`
	Channel int `json:"channel"`
	Label   int `json:"label"`
}

func (k Key) Less(o Key) bool {
	if k.Tile != o.Tile {
		return k.Tile < o.Tile
	}
	if k.Channel != o.Channel {
		return k.Channel < o.Channel
	}
	return k.Label < o.Label
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.Tile, k.Channel, k.Label)
}

// Instance is one object, with its mask in region coordinates at processing resolution.
// After a merge ID is 1..n and Sources lists every tile-local piece that was fused into it.
// Parent is the index of the selected area the object was found in.
type Instance struct {
	ID           int                `json:"id"`
	Parent       int                `json:"parent"`
	Channel      int                `json:"channel"`
	Tile         int                `json:"tile"`
	Label        int                `json:"label"`
	Mask         Mask               `json:"mask"`
	Sources      []Key              `json:"sources,omitempty"`
	Polygon      []image.Point      `json:"polygon,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
}

func (in Instance) Key() Key {
	return Key{Tile: in.Tile, Channel: in.Channel, Label: in.Label}
}

func (in Instance) Bounds() image.Rectangle {
	return in.Mask.Bounds()
}
