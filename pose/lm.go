package pose

import (
	"ArucoPoseServer/geometry"
	iface "ArucoPoseServer/interface"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// LMSolver estimates the pose without an initial guess: a closed form
// estimate (homography for planar targets, DLT otherwise) is refined with
// Levenberg-Marquardt on the pixel reprojection error.
type LMSolver struct {
	MaxIterations int
	Epsilon       float64
}

func NewLMSolver() *LMSolver {
	return &LMSolver{MaxIterations: 100, Epsilon: 1e-12}
}

func (s *LMSolver) Solve(image []iface.Point2, world []r3.Vec, in Intrinsics) (Extrinsics, error) {
	n := len(world)
	if n < 4 || len(image) != n {
		return Extrinsics{}, fmt.Errorf("%w: need at least 4 paired points, got %d/%d", ErrDegenerate, len(image), n)
	}
	norm := make([][2]float64, n)
	for i, p := range image {
		x, y := in.Normalize(p)
		norm[i] = [2]float64{x, y}
	}
	guess, err := initialGuess(norm, world)
	if err != nil {
		return Extrinsics{}, err
	}
	ext := s.refine(image, world, in, guess)
	if !finiteVec(ext.Rvec) || !finiteVec(ext.Tvec) {
		return Extrinsics{}, fmt.Errorf("%w: non finite result", ErrSolveFailed)
	}
	return ext, nil
}

func finiteVec(v r3.Vec) bool {
	for _, f := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func initialGuess(norm [][2]float64, world []r3.Vec) (Extrinsics, error) {
	centroid, basis, planar, err := planeFrame(world)
	if err != nil {
		return Extrinsics{}, err
	}
	if planar {
		return planarGuess(norm, world, centroid, basis)
	}
	if len(world) < 6 {
		return Extrinsics{}, fmt.Errorf("%w: %d non coplanar points", ErrDegenerate, len(world))
	}
	return dltGuess(norm, world, centroid)
}

// planeFrame returns the centroid and a right handed basis whose rows are the
// principal directions of the points, largest first. planar reports whether
// the points lie on the plane spanned by the first two rows.
func planeFrame(world []r3.Vec) (r3.Vec, *r3.Mat, bool, error) {
	var c r3.Vec
	for _, w := range world {
		c = r3.Add(c, w)
	}
	c = r3.Scale(1/float64(len(world)), c)

	cov := mat.NewSymDense(3, nil)
	for _, w := range world {
		d := r3.Sub(w, c)
		v := [3]float64{d.X, d.Y, d.Z}
		for i := 0; i < 3; i++ {
			for j := i; j < 3; j++ {
				cov.SetSym(i, j, cov.At(i, j)+v[i]*v[j])
			}
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return c, nil, false, fmt.Errorf("%w: eigen decomposition failed", ErrSolveFailed)
	}
	vals := eig.Values(nil)
	vecs := mat.NewDense(3, 3, nil)
	eig.VectorsTo(vecs)

	idx := []int{0, 1, 2}
	sort.Slice(idx, func(a, b int) bool { return vals[idx[a]] > vals[idx[b]] })
	if vals[idx[1]] <= 1e-12*math.Max(vals[idx[0]], 1e-300) {
		return c, nil, false, fmt.Errorf("%w: points are collinear", ErrDegenerate)
	}
	e1 := r3.Unit(r3.Vec{X: vecs.At(0, idx[0]), Y: vecs.At(1, idx[0]), Z: vecs.At(2, idx[0])})
	e2 := r3.Unit(r3.Vec{X: vecs.At(0, idx[1]), Y: vecs.At(1, idx[1]), Z: vecs.At(2, idx[1])})
	e3 := r3.Cross(e1, e2)
	basis := geometry.FromRows(e1, e2, e3)
	planar := vals[idx[2]] <= 1e-9*vals[idx[0]]
	return c, basis, planar, nil
}

// hartley returns the similarity that centers points at the origin with a
// mean distance of sqrt(2).
func hartley(pts [][2]float64) *r3.Mat {
	var mx, my float64
	for _, p := range pts {
		mx += p[0]
		my += p[1]
	}
	mx /= float64(len(pts))
	my /= float64(len(pts))
	var d float64
	for _, p := range pts {
		d += math.Hypot(p[0]-mx, p[1]-my)
	}
	d /= float64(len(pts))
	s := 1.0
	if d > 0 {
		s = math.Sqrt2 / d
	}
	return r3.NewMat([]float64{s, 0, -s * mx, 0, s, -s * my, 0, 0, 1})
}

func inverseSimilarity(t *r3.Mat) *r3.Mat {
	s := t.At(0, 0)
	return r3.NewMat([]float64{1 / s, 0, -t.At(0, 2) / s, 0, 1 / s, -t.At(1, 2) / s, 0, 0, 1})
}

// nullVector returns the right singular vector of the smallest singular value.
func nullVector(a *mat.Dense) ([]float64, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, fmt.Errorf("%w: svd failed", ErrSolveFailed)
	}
	var v mat.Dense
	svd.VTo(&v)
	_, c := v.Dims()
	return mat.Col(nil, c-1, &v), nil
}

func planarGuess(norm [][2]float64, world []r3.Vec, centroid r3.Vec, basis *r3.Mat) (Extrinsics, error) {
	n := len(world)
	plane := make([][2]float64, n)
	for i, w := range world {
		p := basis.MulVec(r3.Sub(w, centroid))
		plane[i] = [2]float64{p.X, p.Y}
	}
	tu, tx := hartley(plane), hartley(norm)

	a := mat.NewDense(2*n, 9, nil)
	for i := 0; i < n; i++ {
		u := tu.MulVec(r3.Vec{X: plane[i][0], Y: plane[i][1], Z: 1})
		m := tx.MulVec(r3.Vec{X: norm[i][0], Y: norm[i][1], Z: 1})
		a.SetRow(2*i, []float64{-u.X, -u.Y, -1, 0, 0, 0, m.X * u.X, m.X * u.Y, m.X})
		a.SetRow(2*i+1, []float64{0, 0, 0, -u.X, -u.Y, -1, m.Y * u.X, m.Y * u.Y, m.Y})
	}
	h, err := nullVector(a)
	if err != nil {
		return Extrinsics{}, err
	}
	hm := geometry.Product(geometry.Product(inverseSimilarity(tx), r3.NewMat(h)), tu)

	h1, h2, h3 := hm.VecCol(0), hm.VecCol(1), hm.VecCol(2)
	den := r3.Norm(h1) + r3.Norm(h2)
	if den == 0 {
		return Extrinsics{}, fmt.Errorf("%w: zero homography", ErrDegenerate)
	}
	lambda := 2 / den
	if h3.Z*lambda < 0 {
		lambda = -lambda
	}
	r1, r2 := r3.Scale(lambda, h1), r3.Scale(lambda, h2)
	rp, err := orthonormalize(geometry.FromCols(r1, r2, r3.Cross(r1, r2)))
	if err != nil {
		return Extrinsics{}, err
	}
	tp := r3.Scale(lambda, h3)

	r := geometry.Product(rp, basis)
	t := r3.Sub(tp, r.MulVec(centroid))
	return Extrinsics{Rvec: geometry.MatToRodrigues(r), Tvec: t}, nil
}

func dltGuess(norm [][2]float64, world []r3.Vec, centroid r3.Vec) (Extrinsics, error) {
	n := len(world)
	a := mat.NewDense(2*n, 12, nil)
	for i, w := range world {
		d := r3.Sub(w, centroid)
		x, y := norm[i][0], norm[i][1]
		a.SetRow(2*i, []float64{d.X, d.Y, d.Z, 1, 0, 0, 0, 0, -x * d.X, -x * d.Y, -x * d.Z, -x})
		a.SetRow(2*i+1, []float64{0, 0, 0, 0, d.X, d.Y, d.Z, 1, -y * d.X, -y * d.Y, -y * d.Z, -y})
	}
	p, err := nullVector(a)
	if err != nil {
		return Extrinsics{}, err
	}
	m := r3.NewMat([]float64{p[0], p[1], p[2], p[4], p[5], p[6], p[8], p[9], p[10]})
	tcol := r3.Vec{X: p[3], Y: p[7], Z: p[11]}
	if m.Det() < 0 {
		m.Scale(-1, m)
		tcol = r3.Scale(-1, tcol)
	}
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return Extrinsics{}, fmt.Errorf("%w: svd failed", ErrSolveFailed)
	}
	sv := svd.Values(nil)
	scale := (sv[0] + sv[1] + sv[2]) / 3
	if scale == 0 {
		return Extrinsics{}, fmt.Errorf("%w: zero projection matrix", ErrDegenerate)
	}
	r, err := orthonormalize(m)
	if err != nil {
		return Extrinsics{}, err
	}
	t := r3.Sub(r3.Scale(1/scale, tcol), r.MulVec(centroid))
	return Extrinsics{Rvec: geometry.MatToRodrigues(r), Tvec: t}, nil
}

// orthonormalize projects m onto the closest rotation matrix.
func orthonormalize(m *r3.Mat) (*r3.Mat, error) {
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDFull) {
		return nil, fmt.Errorf("%w: svd failed", ErrSolveFailed)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	out := r3.NewMat(nil)
	out.CloneFrom(&r)
	return out, nil
}

type params [6]float64

func toParams(e Extrinsics) params {
	return params{e.Rvec.X, e.Rvec.Y, e.Rvec.Z, e.Tvec.X, e.Tvec.Y, e.Tvec.Z}
}

func (p params) extrinsics() Extrinsics {
	return Extrinsics{
		Rvec: r3.Vec{X: p[0], Y: p[1], Z: p[2]},
		Tvec: r3.Vec{X: p[3], Y: p[4], Z: p[5]},
	}
}

func residuals(dst []float64, p params, image []iface.Point2, world []r3.Vec, in Intrinsics) float64 {
	e := p.extrinsics()
	r := geometry.RodriguesToMat(e.Rvec)
	var cost float64
	for i, w := range world {
		q := in.Project(r3.Add(r.MulVec(w), e.Tvec))
		dst[2*i] = q.X - image[i].X
		dst[2*i+1] = q.Y - image[i].Y
		cost += dst[2*i]*dst[2*i] + dst[2*i+1]*dst[2*i+1]
	}
	return cost
}

func (s *LMSolver) refine(image []iface.Point2, world []r3.Vec, in Intrinsics, guess Extrinsics) Extrinsics {
	const step = 1e-7
	m := 2 * len(world)
	p := toParams(guess)
	res := make([]float64, m)
	plus := make([]float64, m)
	minus := make([]float64, m)
	trial := make([]float64, m)
	cost := residuals(res, p, image, world, in)
	jac := mat.NewDense(m, 6, nil)
	lambda := 1e-3

	for iter := 0; iter < s.MaxIterations && cost > 1e-24; iter++ {
		for k := 0; k < 6; k++ {
			pp, pm := p, p
			pp[k] += step
			pm[k] -= step
			residuals(plus, pp, image, world, in)
			residuals(minus, pm, image, world, in)
			for i := 0; i < m; i++ {
				jac.Set(i, k, (plus[i]-minus[i])/(2*step))
			}
		}
		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		var jtr mat.VecDense
		jtr.MulVec(jac.T(), mat.NewVecDense(m, res))

		accepted := false
		var delta mat.VecDense
		for try := 0; try < 12; try++ {
			a := mat.DenseCopyOf(&jtj)
			for k := 0; k < 6; k++ {
				a.Set(k, k, jtj.At(k, k)+lambda*math.Max(jtj.At(k, k), 1e-9))
			}
			if err := delta.SolveVec(a, &jtr); err != nil {
				lambda *= 10
				continue
			}
			var cand params
			for k := 0; k < 6; k++ {
				cand[k] = p[k] - delta.AtVec(k)
			}
			c := residuals(trial, cand, image, world, in)
			if c < cost {
				p, cost = cand, c
				copy(res, trial)
				lambda = math.Max(lambda/10, 1e-15)
				accepted = true
				break
			}
			lambda *= 10
		}
		if !accepted || mat.Norm(&delta, 2) < s.Epsilon {
			break
		}
	}
	return p.extrinsics()
}
