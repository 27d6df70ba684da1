package pose

import (
	iface "ArucoPoseServer/interface"
	"ArucoPoseServer/registry"

	"gonum.org/v1/gonum/spatial/r3"
)

// Correspondences pairs projected image points with world points.
// Pairs come in groups of four, one group per matched marker.
type Correspondences struct {
	Image   []iface.Point2
	World   []r3.Vec
	Matched []iface.DetectedMarker
}

func (c Correspondences) Len() int    { return len(c.World) }
func (c Correspondences) Empty() bool { return len(c.World) == 0 }

// IDs returns the matched marker ids in detection order.
func (c Correspondences) IDs() []int {
	ids := make([]int, len(c.Matched))
	for i, m := range c.Matched {
		ids[i] = m.ID
	}
	return ids
}

// BuildCorrespondences resolves detections against the registry and pools
// every matched marker's corners into a single set.
func BuildCorrespondences(reg *registry.Registry, detections []iface.DetectedMarker) Correspondences {
	var c Correspondences
	reg.View(func(lookup func(int) (registry.KnownMarker, bool)) {
		for _, d := range detections {
			known, ok := lookup(d.ID)
			if !ok {
				continue
			}
			for k := 0; k < 4; k++ {
				c.Image = append(c.Image, d.Corners[k])
				c.World = append(c.World, known.World[k])
			}
			c.Matched = append(c.Matched, d)
		}
	})
	return c
}
