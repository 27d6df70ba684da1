package geometry

import "gonum.org/v1/gonum/spatial/r3"

// Converter maps vectors between the vision axis convention
// (X right, Y down, Z forward) and the consumer convention
// (X forward, Y left, Z up).
type Converter struct {
	Native bool
}

// ToConsumer converts a native vector into the selected output convention.
func (c Converter) ToConsumer(v r3.Vec) r3.Vec {
	if c.Native {
		return v
	}
	return r3.Vec{X: v.Z, Y: -v.X, Z: -v.Y}
}

// FromConsumer converts a vector expressed in the selected convention back to native.
func (c Converter) FromConsumer(v r3.Vec) r3.Vec {
	if c.Native {
		return v
	}
	return r3.Vec{X: -v.Y, Y: -v.Z, Z: v.X}
}
