package pose

import (
	"ArucoPoseServer/geometry"
	iface "ArucoPoseServer/interface"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	ErrNoCorrespondences = errors.New("no correspondences")
	ErrSolveFailed       = errors.New("pose solve failed")
	ErrDegenerate        = errors.New("degenerate point configuration")
)

// Extrinsics is the object-to-camera transform: x_cam = R(Rvec)·x_world + Tvec.
type Extrinsics struct {
	Rvec r3.Vec
	Tvec r3.Vec
}

// Solver estimates the object-to-camera transform from 2D-3D correspondences.
type Solver interface {
	Solve(image []iface.Point2, world []r3.Vec, in Intrinsics) (Extrinsics, error)
}

// Result is the camera pose in the world frame, native convention.
type Result struct {
	Extrinsics Extrinsics
	Position   r3.Vec
	Rotation   r3.Vec
	// RMSError is the reprojection error of Extrinsics in pixels.
	RMSError float64
}

// Solve runs solver on a non-empty correspondence set and inverts the result
// into the camera-centric world pose.
func Solve(solver Solver, c Correspondences, in Intrinsics) (Result, error) {
	if c.Empty() {
		return Result{}, ErrNoCorrespondences
	}
	if len(c.Image) != len(c.World) || c.Len()%4 != 0 {
		return Result{}, fmt.Errorf("%w: %d image points for %d world points", ErrDegenerate, len(c.Image), len(c.World))
	}
	ext, err := solver.Solve(c.Image, c.World, in)
	if err != nil {
		return Result{}, err
	}
	pos, rot := CameraPose(ext)
	return Result{
		Extrinsics: ext,
		Position:   pos,
		Rotation:   rot,
		RMSError:   ReprojectionError(c.Image, c.World, in, ext),
	}, nil
}

// CameraPose inverts an object-to-camera transform.
func CameraPose(ext Extrinsics) (position, rotation r3.Vec) {
	r := geometry.RodriguesToMat(ext.Rvec)
	position = r3.Scale(-1, r.MulVecTrans(ext.Tvec))
	rotation = geometry.MatToRodrigues(geometry.Transpose(r))
	return position, rotation
}

// ReprojectionError returns the RMS pixel error of ext over the correspondences.
func ReprojectionError(image []iface.Point2, world []r3.Vec, in Intrinsics, ext Extrinsics) float64 {
	if len(world) == 0 {
		return 0
	}
	r := geometry.RodriguesToMat(ext.Rvec)
	var sum float64
	for i, w := range world {
		p := in.Project(r3.Add(r.MulVec(w), ext.Tvec))
		dx, dy := p.X-image[i].X, p.Y-image[i].Y
		sum += dx*dx + dy*dy
	}
	return math.Sqrt(sum / float64(len(world)))
}
