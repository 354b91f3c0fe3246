// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package structure

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/backbone/internal/workerspool"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// DRMSD returns the distance-based RMSD between two chains with the same number of atoms:
// the root-mean-square difference of the distances over all pairs of distinct atoms.
//
// It returns 0 for chains with fewer than 2 atoms.
func DRMSD(a, b Chain) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.Errorf("dRMSD requires chains of the same length, got %d and %d atoms", len(a), len(b))
	}
	var sum float64
	var count int
	for i := range a {
		for j := i + 1; j < len(a); j++ {
			d := r3.Norm(r3.Sub(a[i], a[j])) - r3.Norm(r3.Sub(b[i], b[j]))
			sum += d * d
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return math.Sqrt(sum / float64(count)), nil
}

// KabschRMSD returns the coordinate RMSD between a and b after the optimal superposition
// (rotation and translation) of a onto b, using the Kabsch algorithm.
func KabschRMSD(a, b Chain) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.Errorf("RMSD requires chains of the same length, got %d and %d atoms", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, errors.New("RMSD of empty chains")
	}
	ca, cb := a.Centroid(), b.Centroid()

	// Covariance H = Σ a_i·b_iᵀ of the centered coordinates, and their total squared norm.
	h := mat.NewDense(3, 3, nil)
	var e0 float64
	for i := range a {
		pa, pb := r3.Sub(a[i], ca), r3.Sub(b[i], cb)
		e0 += r3.Dot(pa, pa) + r3.Dot(pb, pb)
		va, vb := [3]float64{pa.X, pa.Y, pa.Z}, [3]float64{pb.X, pb.Y, pb.Z}
		for r := range 3 {
			for c := range 3 {
				h.Set(r, c, h.At(r, c)+va[r]*vb[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return 0, errors.New("SVD factorization of the covariance matrix failed")
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	// Improper rotation (reflection): flip the smallest singular value.
	if mat.Det(&u)*mat.Det(&v) < 0 {
		values[2] = -values[2]
	}
	msd := (e0 - 2*(values[0]+values[1]+values[2])) / float64(len(a))
	return math.Sqrt(math.Max(msd, 0)), nil
}

// RandomRotation returns a uniformly distributed random proper rotation matrix (3x3), built
// from a random unit quaternion.
func RandomRotation(rng *rand.Rand) *mat.Dense {
	u1, u2, u3 := rng.Float64(), rng.Float64(), rng.Float64()
	s1, s2 := math.Sqrt(1-u1), math.Sqrt(u1)
	x, y := s1*math.Sin(2*math.Pi*u2), s1*math.Cos(2*math.Pi*u2)
	z, w := s2*math.Sin(2*math.Pi*u3), s2*math.Cos(2*math.Pi*u3)
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	})
}

// Transform returns a new chain with rotation (3x3) applied to every atom, followed by translation.
func (c Chain) Transform(rotation mat.Matrix, translation r3.Vec) Chain {
	out := make(Chain, len(c))
	var rotated mat.VecDense
	for ii, p := range c {
		rotated.MulVec(rotation, mat.NewVecDense(3, []float64{p.X, p.Y, p.Z}))
		out[ii] = r3.Add(r3.Vec{X: rotated.AtVec(0), Y: rotated.AtVec(1), Z: rotated.AtVec(2)}, translation)
	}
	return out
}

// Metrics comparing a predicted chain to its reference.
type Metrics struct {
	DRMSD, RMSD float64
}

// Compare predicted and reference chains, one pair per sequence, computing the sequences in
// parallel with pool. If pool is nil, a default one is used.
func Compare(pool *workerspool.Pool, predicted, reference []Chain) ([]Metrics, error) {
	if len(predicted) != len(reference) {
		return nil, errors.Errorf("got %d predicted chains and %d reference chains", len(predicted), len(reference))
	}
	if pool == nil {
		pool = workerspool.New()
	}
	results := make([]Metrics, len(predicted))
	err := pool.ForEach(len(predicted), func(i int) error {
		var err error
		results[i].DRMSD, err = DRMSD(predicted[i], reference[i])
		if err != nil {
			return errors.WithMessagef(err, "sequence #%d", i)
		}
		results[i].RMSD, err = KabschRMSD(predicted[i], reference[i])
		return errors.WithMessagef(err, "sequence #%d", i)
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
