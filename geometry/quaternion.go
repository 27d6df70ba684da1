package geometry

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// AxisAngleToQuat encodes an axis-angle rotation as a unit quaternion.
// The zero vector maps to the identity quaternion.
func AxisAngleToQuat(v r3.Vec) quat.Number {
	angle := r3.Norm(v)
	if angle == 0 {
		return quat.Number{Real: 1}
	}
	axis := r3.Scale(1/angle, v)
	s := math.Sin(angle / 2)
	return quat.Number{
		Real: math.Cos(angle / 2),
		Imag: axis.X * s,
		Jmag: axis.Y * s,
		Kmag: axis.Z * s,
	}
}

// XYZW returns the quaternion in vector-then-scalar order.
func XYZW(q quat.Number) [4]float64 {
	return [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real}
}
