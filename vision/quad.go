package vision

import (
	iface "ArucoPoseServer/interface"
	"math"
)

// QuadFilter rejects marker candidates the ArUco detector accepted but whose
// outline is too small or too far from a square to give a stable pose.
type QuadFilter struct {
	// MinArea is the smallest accepted outline area in square pixels.
	MinArea float64
	// CosineLimit bounds |cos| of every corner angle; 0 is a right angle.
	CosineLimit float64
}

// Area of the outline by the shoelace formula.
func Area(c [4]iface.Point2) float64 {
	var s float64
	for i := range c {
		j := (i + 1) % 4
		s += c[i].X*c[j].Y - c[j].X*c[i].Y
	}
	return math.Abs(s) / 2
}

// MaxCosine returns the largest |cos| over the four corner angles.
func MaxCosine(c [4]iface.Point2) float64 {
	var worst float64
	for i := range c {
		prev := c[(i+3)%4]
		next := c[(i+1)%4]
		ax, ay := prev.X-c[i].X, prev.Y-c[i].Y
		bx, by := next.X-c[i].X, next.Y-c[i].Y
		na := math.Hypot(ax, ay)
		nb := math.Hypot(bx, by)
		if na == 0 || nb == 0 {
			return 1
		}
		cos := math.Abs((ax*bx + ay*by) / (na * nb))
		if cos > worst {
			worst = cos
		}
	}
	return worst
}

func (f QuadFilter) Accept(c [4]iface.Point2) bool {
	if f.MinArea > 0 && Area(c) < f.MinArea {
		return false
	}
	if f.CosineLimit > 0 && MaxCosine(c) > f.CosineLimit {
		return false
	}
	return true
}

// Apply keeps the accepted markers in their original order.
func (f QuadFilter) Apply(in []iface.DetectedMarker) []iface.DetectedMarker {
	out := in[:0:0]
	for _, m := range in {
		if f.Accept(m.Corners) {
			out = append(out, m)
		}
	}
	return out
}
