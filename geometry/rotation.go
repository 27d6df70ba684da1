package geometry

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	axisX = r3.Vec{X: 1}
	axisY = r3.Vec{Y: 1}
	axisZ = r3.Vec{Z: 1}
)

// FromRows builds a matrix from three row vectors.
func FromRows(a, b, c r3.Vec) *r3.Mat {
	return r3.NewMat([]float64{a.X, a.Y, a.Z, b.X, b.Y, b.Z, c.X, c.Y, c.Z})
}

// FromCols builds a matrix from three column vectors.
func FromCols(a, b, c r3.Vec) *r3.Mat {
	return r3.NewMat([]float64{a.X, b.X, c.X, a.Y, b.Y, c.Y, a.Z, b.Z, c.Z})
}

// Product returns a·b as a new matrix.
func Product(a, b *r3.Mat) *r3.Mat {
	m := r3.NewMat(nil)
	m.Mul(a, b)
	return m
}

// Transpose returns mᵀ as a new matrix.
func Transpose(m *r3.Mat) *r3.Mat {
	t := r3.NewMat(nil)
	t.CloneFrom(m.T())
	return t
}

// RodriguesToMat converts an axis-angle vector into a rotation matrix.
func RodriguesToMat(rvec r3.Vec) *r3.Mat {
	theta := r3.Norm(rvec)
	if theta < 1e-12 {
		// first order term keeps the result smooth around zero
		m := r3.Eye()
		m.Add(m, r3.Skew(rvec))
		return m
	}
	return r3.NewRotation(theta, rvec).Mat()
}

// MatToRodrigues converts a rotation matrix into an axis-angle vector whose
// magnitude is the rotation angle in radians, in [0, pi].
func MatToRodrigues(m *r3.Mat) r3.Vec {
	v := r3.Vec{
		X: (m.At(2, 1) - m.At(1, 2)) / 2,
		Y: (m.At(0, 2) - m.At(2, 0)) / 2,
		Z: (m.At(1, 0) - m.At(0, 1)) / 2,
	}
	s := r3.Norm(v)
	c := (m.At(0, 0) + m.At(1, 1) + m.At(2, 2) - 1) / 2
	c = math.Max(-1, math.Min(1, c))

	if s > 1e-5 {
		theta := math.Atan2(s, c)
		return r3.Scale(theta/s, v)
	}
	if c > 0 {
		return r3.Vec{}
	}

	// theta close to pi: (R + I) / 2 = k kᵀ, so any row with a large
	// diagonal entry is parallel to the axis
	kk := r3.NewMat(nil)
	kk.Add(m, r3.Eye())
	kk.Scale(0.5, kk)
	best := 0
	for i := 1; i < 3; i++ {
		if kk.At(i, i) > kk.At(best, best) {
			best = i
		}
	}
	return r3.Scale(math.Pi, r3.Unit(kk.VecRow(best)))
}

// EulerToMat builds Rz(z)·Ry(y)·Rx(x) from euler angles in radians.
func EulerToMat(e r3.Vec) *r3.Mat {
	rz := r3.NewRotation(e.Z, axisZ).Mat()
	ry := r3.NewRotation(e.Y, axisY).Mat()
	rx := r3.NewRotation(e.X, axisX).Mat()
	return Product(Product(rz, ry), rx)
}
