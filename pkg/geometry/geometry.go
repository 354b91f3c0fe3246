// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package geometry implements the differentiable 3D geometry used to build protein backbones:
// vector helpers on graph nodes, the local reference frame defined by three consecutive atoms
// and the NeRF ("Natural extension of Reference Frame") placement of the next atom.
//
// All functions work on points shaped [..., 3]: any number of leading (batch) axes and a
// last axis holding the x, y, z coordinates.
package geometry

import (
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
)

// Backbone atom types, in the order they are appended to a chain.
const (
	AtomN = iota
	AtomCA
	AtomC

	// AtomsPerResidue is the number of backbone atoms placed per residue.
	AtomsPerResidue
)

// AtomNames of the backbone atoms, indexed by atom type.
var AtomNames = [AtomsPerResidue]string{"N", "CA", "C"}

// BondLengths (in Å) of the bond ending in each atom type: C–N, N–Cα and Cα–C.
var BondLengths = [AtomsPerResidue]float64{1.329, 1.458, 1.525}

// BondAngles (in radians) at the atom preceding each atom type: Cα-C-N, C-N-Cα and N-Cα-C.
var BondAngles = [AtomsPerResidue]float64{2.028, 2.124, 1.941}

const (
	// Epsilon32 is the norm clamp for float32 (and lower precision) vectors.
	Epsilon32 = 1e-6

	// Epsilon64 is the norm clamp for float64 vectors.
	Epsilon64 = 1e-12
)

// Epsilon returns the clamp used for vector norms for the given dtype.
func Epsilon(dtype dtypes.DType) float64 {
	switch dtype {
	case dtypes.Float64:
		return Epsilon64
	case dtypes.Float32:
		return Epsilon32
	default:
		exceptions.Panicf("geometry only supports float32 and float64, got %s", dtype)
	}
	return 0
}

// checkPoints panics if the points are not float vectors in 3D, all with the same shape.
func checkPoints(fnName string, points ...*graph.Node) {
	first := points[0]
	if first.Rank() < 1 || first.Shape().Dim(-1) != 3 {
		exceptions.Panicf("%s: points must be shaped [..., 3], got %s", fnName, first.Shape())
	}
	if !first.DType().IsFloat() {
		exceptions.Panicf("%s: points must be float, got %s", fnName, first.DType())
	}
	for ii, p := range points[1:] {
		if !p.Shape().Equal(first.Shape()) {
			exceptions.Panicf("%s: point #%d has shape %s, but point #0 has shape %s -- all must match",
				fnName, ii+1, p.Shape(), first.Shape())
		}
	}
}

// components splits v into its x, y, z components, each shaped [..., 1].
func components(v *graph.Node) (x, y, z *graph.Node) {
	axis := v.Rank() - 1
	x = graph.SliceAxis(v, axis, graph.AxisElem(0))
	y = graph.SliceAxis(v, axis, graph.AxisElem(1))
	z = graph.SliceAxis(v, axis, graph.AxisElem(2))
	return
}

func fromComponents(x, y, z *graph.Node) *graph.Node {
	return graph.Concatenate([]*graph.Node{x, y, z}, x.Rank()-1)
}

// Cross returns the cross product a × b, both shaped [..., 3].
func Cross(a, b *graph.Node) *graph.Node {
	checkPoints("Cross", a, b)
	ax, ay, az := components(a)
	bx, by, bz := components(b)
	return fromComponents(
		graph.Sub(graph.Mul(ay, bz), graph.Mul(az, by)),
		graph.Sub(graph.Mul(az, bx), graph.Mul(ax, bz)),
		graph.Sub(graph.Mul(ax, by), graph.Mul(ay, bx)))
}

// Dot returns the dot product of a and b over the last axis, shaped [..., 1].
func Dot(a, b *graph.Node) *graph.Node {
	return graph.ReduceAndKeep(graph.Mul(a, b), graph.ReduceSum, -1)
}

// Norm returns the Euclidean norm of v over the last axis, shaped [..., 1].
// The squared norm is clamped to Epsilon², so the gradient is finite for v = 0.
func Norm(v *graph.Node) *graph.Node {
	eps := Epsilon(v.DType())
	return graph.Sqrt(graph.MaxScalar(Dot(v, v), eps*eps))
}

// SafeNormalize returns v / max(|v|, ε).
//
// Degenerate (near zero) vectors are shrunk towards zero instead of producing NaNs.
func SafeNormalize(v *graph.Node) *graph.Node {
	return graph.Div(v, Norm(v))
}

// isDegenerate returns a boolean mask shaped like v: true where |v| < ε.
func isDegenerate(v *graph.Node) *graph.Node {
	eps := Epsilon(v.DType())
	cond := graph.LessThan(Dot(v, v), graph.ConstAsDType(v.Graph(), v.DType(), eps*eps))
	return graph.BroadcastToDims(cond, v.Shape().Dimensions...)
}

// LocalFrame returns the orthonormal frame anchored at p3, built from the three preceding atoms:
//
//   - bc: the unit vector along the last bond, p2→p3 ("forward").
//   - m: n × bc ("left").
//   - n: the unit normal to the plane (p1, p2, p3) ("up").
//
// If p1, p2 and p3 are collinear the plane is undefined, and the normal falls back to bc × ẑ
// (or bc × ŷ if bc is parallel to ẑ), so the frame stays orthonormal.
func LocalFrame(p1, p2, p3 *graph.Node) (bc, m, n *graph.Node) {
	checkPoints("LocalFrame", p1, p2, p3)
	bc = SafeNormalize(graph.Sub(p3, p2))
	normal := Cross(graph.Sub(p2, p1), bc)

	bx, by, bz := components(bc)
	zero := graph.ZerosLike(bx)
	crossZ := fromComponents(by, graph.Neg(bx), zero) // bc × ẑ
	crossY := fromComponents(graph.Neg(bz), zero, bx) // bc × ŷ
	normal = graph.Where(isDegenerate(normal), crossZ, normal)
	normal = graph.Where(isDegenerate(normal), crossY, normal)

	n = SafeNormalize(normal)
	m = Cross(n, bc)
	return
}

// FrameMatrix stacks the frame vectors as the columns of a rotation matrix, shaped [..., 3, 3].
func FrameMatrix(bc, m, n *graph.Node) *graph.Node {
	return graph.Stack([]*graph.Node{bc, m, n}, bc.Rank())
}

// PlaceAtom returns the position of the atom that follows p1, p2, p3 in the chain, given the
// length of the new bond (p3→new), the bond angle at p3 (between p3→p2 and p3→new) and the
// dihedral angle of (p1, p2, p3, new) around the p2→p3 bond.
//
// The points are shaped [..., 3] and the dihedral is shaped [...] (the points' leading axes).
// The new atom is at p3 + M·d, where M is the FrameMatrix of LocalFrame(p1, p2, p3) and
//
//	d = bondLength * (−cos(bondAngle), sin(bondAngle)*cos(dihedral), sin(bondAngle)*sin(dihedral))
func PlaceAtom(p1, p2, p3 *graph.Node, bondLength, bondAngle float64, dihedral *graph.Node) *graph.Node {
	return PlaceAtomCosSin(p1, p2, p3, bondLength, bondAngle, graph.Cos(dihedral), graph.Sin(dihedral))
}

// PlaceAtomCosSin is like PlaceAtom, but the dihedral is given by its cosine and sine.
func PlaceAtomCosSin(p1, p2, p3 *graph.Node, bondLength, bondAngle float64, cosDihedral, sinDihedral *graph.Node) *graph.Node {
	checkPoints("PlaceAtom", p1, p2, p3)
	leading := p3.Shape().Dimensions[:p3.Rank()-1]
	for _, v := range []*graph.Node{cosDihedral, sinDihedral} {
		if !slices.Equal(v.Shape().Dimensions, leading) {
			exceptions.Panicf("PlaceAtom: dihedral must be shaped %v (the leading axes of the points %s), got %s",
				leading, p3.Shape(), v.Shape())
		}
	}
	dtype := p3.DType()
	cosDihedral = graph.ExpandAxes(graph.ConvertDType(cosDihedral, dtype), -1)
	sinDihedral = graph.ExpandAxes(graph.ConvertDType(sinDihedral, dtype), -1)

	bc, m, n := LocalFrame(p1, p2, p3)
	radial := bondLength * math.Sin(bondAngle)
	along := -bondLength * math.Cos(bondAngle)

	// M·d, written column by column: M = [bc, m, n].
	offset := graph.Add(
		graph.MulScalar(bc, along),
		graph.Add(graph.Mul(m, graph.MulScalar(cosDihedral, radial)), graph.Mul(n, graph.MulScalar(sinDihedral, radial))))
	return graph.Add(p3, offset)
}

