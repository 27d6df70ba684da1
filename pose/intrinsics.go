package pose

import (
	iface "ArucoPoseServer/interface"
	"ArucoPoseServer/logger"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/spatial/r3"
)

// Intrinsics holds the camera matrix (row major) and the distortion
// coefficients k1, k2, p1, p2, k3.
type Intrinsics struct {
	K [9]float64
	D [5]float64
}

// DefaultIntrinsics matches the reference test camera and is used until a
// calibration arrives.
func DefaultIntrinsics() Intrinsics {
	return Intrinsics{
		K: [9]float64{570.3422241210938, 0, 319.5, 0, 570.3422241210938, 239.5, 0, 0, 1},
	}
}

func (in Intrinsics) fx() float64 { return in.K[0] }
func (in Intrinsics) fy() float64 { return in.K[4] }
func (in Intrinsics) cx() float64 { return in.K[2] }
func (in Intrinsics) cy() float64 { return in.K[5] }

// distort applies the radial/tangential model to normalized coordinates.
func (in Intrinsics) distort(x, y float64) (float64, float64) {
	k1, k2, p1, p2, k3 := in.D[0], in.D[1], in.D[2], in.D[3], in.D[4]
	r2 := x*x + y*y
	radial := 1 + r2*(k1+r2*(k2+r2*k3))
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

// Project maps a camera frame point to pixels.
func (in Intrinsics) Project(p r3.Vec) iface.Point2 {
	x, y := in.distort(p.X/p.Z, p.Y/p.Z)
	return iface.Point2{
		X: in.fx()*x + in.K[1]*y + in.cx(),
		Y: in.fy()*y + in.cy(),
	}
}

// Normalize removes the camera matrix and lens distortion from a pixel,
// returning ideal normalized image coordinates.
func (in Intrinsics) Normalize(p iface.Point2) (float64, float64) {
	yd := (p.Y - in.cy()) / in.fy()
	xd := (p.X - in.cx() - in.K[1]*yd) / in.fx()
	x, y := xd, yd
	if in.D == [5]float64{} {
		return x, y
	}
	k1, k2, p1, p2, k3 := in.D[0], in.D[1], in.D[2], in.D[3], in.D[4]
	for i := 0; i < 20; i++ {
		r2 := x*x + y*y
		icdist := 1 / (1 + r2*(k1+r2*(k2+r2*k3)))
		dx := 2*p1*x*y + p2*(r2+2*x*x)
		dy := p1*(r2+2*y*y) + 2*p2*x*y
		x = (xd - dx) * icdist
		y = (yd - dy) * icdist
	}
	return x, y
}

// Calibration latches the first intrinsics it receives.
type Calibration struct {
	mu         sync.RWMutex
	intrinsics Intrinsics
	calibrated bool
}

func NewCalibration(defaults Intrinsics) *Calibration {
	return &Calibration{intrinsics: defaults}
}

// Apply stores in if no calibration was applied yet. Later calls are ignored.
func (c *Calibration) Apply(in Intrinsics) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calibrated {
		return false
	}
	c.intrinsics = in
	c.calibrated = true
	logger.Log().Info("Camera calibration applied",
		zap.Float64s("k", in.K[:]),
		zap.Float64s("d", in.D[:]))
	return true
}

func (c *Calibration) Get() (Intrinsics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.intrinsics, c.calibrated
}
