package vision

import (
	iface "ArucoPoseServer/interface"
	"ArucoPoseServer/pose"
	"fmt"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/spatial/r3"
)

// solvePnPIterative is cv::SOLVEPNP_ITERATIVE.
const solvePnPIterative = 0

// CVSolver solves PnP with OpenCV's iterative method and no extrinsic guess.
type CVSolver struct{}

func (CVSolver) Solve(image []iface.Point2, world []r3.Vec, in pose.Intrinsics) (pose.Extrinsics, error) {
	if len(image) != len(world) || len(image) < 4 {
		return pose.Extrinsics{}, fmt.Errorf("%w: %d image and %d world points", pose.ErrDegenerate, len(image), len(world))
	}
	obj := make([]gocv.Point3f, len(world))
	for i, w := range world {
		obj[i] = gocv.Point3f{X: float32(w.X), Y: float32(w.Y), Z: float32(w.Z)}
	}
	img := make([]gocv.Point2f, len(image))
	for i, p := range image {
		img[i] = gocv.Point2f{X: float32(p.X), Y: float32(p.Y)}
	}
	objVec := gocv.NewPoint3fVectorFromPoints(obj)
	defer objVec.Close()
	imgVec := gocv.NewPoint2fVectorFromPoints(img)
	defer imgVec.Close()

	camera := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	defer camera.Close()
	for i, v := range in.K {
		camera.SetDoubleAt(i/3, i%3, v)
	}
	dist := gocv.NewMatWithSize(1, 5, gocv.MatTypeCV64F)
	defer dist.Close()
	for i, v := range in.D {
		dist.SetDoubleAt(0, i, v)
	}

	rvec := gocv.NewMat()
	defer rvec.Close()
	tvec := gocv.NewMat()
	defer tvec.Close()
	if !gocv.SolvePnP(objVec, imgVec, camera, dist, &rvec, &tvec, false, solvePnPIterative) {
		return pose.Extrinsics{}, pose.ErrSolveFailed
	}
	if rvec.Total() != 3 || tvec.Total() != 3 {
		return pose.Extrinsics{}, fmt.Errorf("%w: unexpected result shape", pose.ErrSolveFailed)
	}
	return pose.Extrinsics{
		Rvec: r3.Vec{X: rvec.GetDoubleAt(0, 0), Y: rvec.GetDoubleAt(1, 0), Z: rvec.GetDoubleAt(2, 0)},
		Tvec: r3.Vec{X: tvec.GetDoubleAt(0, 0), Y: tvec.GetDoubleAt(1, 0), Z: tvec.GetDoubleAt(2, 0)},
	}, nil
}
