// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package chain builds protein backbone chains (N, Cα, C atoms) from per-residue torsion angles,
// placing one atom at a time with geometry.PlaceAtom.
//
// Chains are built for a whole batch at once: sequences are processed in lockstep along the
// residue axis, and positions past a sequence's true length are computed anyway. Use AtomMask
// to exclude them downstream.
package chain

import (
	"math"

	"github.com/gomlx/backbone/pkg/geometry"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NumSeeds is the number of seed atoms a chain starts from.
const NumSeeds = 3

// DefaultSeeds returns the three fixed (non-collinear) atoms every chain starts from, in Å.
//
// They are not part of the chain returned by Build.
func DefaultSeeds() [][]float64 {
	return [][]float64{
		{-math.Sqrt(0.5), math.Sqrt(1.5), 0},
		{-math.Sqrt(2), 0, 0},
		{0, 0, 0},
	}
}

// Build the backbone chain for torsions shaped [batchSize, numResidues, 3] (φ, ψ, ω in radians),
// starting from DefaultSeeds.
//
// It returns the atom positions shaped [batchSize, 3*numResidues, 3], with atoms N, Cα, C for
// each residue, in order.
func Build(torsions *Node) *Node {
	return BuildWithSeeds(torsions, nil)
}

// BuildWithSeeds is like Build, but starts from the given seeds, shaped [numSeeds, 3] (shared
// by every sequence) or [batchSize, numSeeds, 3]. Only the last 3 seeds are used to place
// the first atom, so a previously built chain can be extended by passing it as seeds.
//
// If seeds is nil, DefaultSeeds is used.
func BuildWithSeeds(torsions, seeds *Node) *Node {
	checkTorsions("BuildWithSeeds", torsions)
	return BuildFromCosSin(Cos(torsions), Sin(torsions), seeds)
}

// BuildFromCosSin is like BuildWithSeeds, but the torsions are given by their cosines and
// sines, both shaped [batchSize, numResidues, 3].
func BuildFromCosSin(cosTorsions, sinTorsions, seeds *Node) *Node {
	checkTorsions("BuildFromCosSin", cosTorsions)
	if !cosTorsions.Shape().Equal(sinTorsions.Shape()) {
		exceptions.Panicf("BuildFromCosSin: cosines shaped %s and sines shaped %s must match",
			cosTorsions.Shape(), sinTorsions.Shape())
	}
	g := cosTorsions.Graph()
	dtype := cosTorsions.DType()
	batchSize, numResidues := cosTorsions.Shape().Dim(0), cosTorsions.Shape().Dim(1)
	if seeds == nil {
		seeds = Const(g, DefaultSeeds())
	}
	seeds = broadcastSeeds(seeds, batchSize, dtype)
	klog.V(1).Infof("chain: building %d atoms for batch of %d", numResidues*geometry.AtomsPerResidue, batchSize)

	// Sliding window with the last 3 placed atoms, each shaped [batchSize, 3].
	numSeeds := seeds.Shape().Dim(1)
	seedAt := func(idx int) *Node {
		return Reshape(SliceAxis(seeds, 1, AxisElem(idx)), batchSize, 3)
	}
	p1, p2, p3 := seedAt(numSeeds-3), seedAt(numSeeds-2), seedAt(numSeeds-1)

	atoms := make([]*Node, 0, numResidues*geometry.AtomsPerResidue)
	for residue := range numResidues {
		residueCos := Reshape(SliceAxis(cosTorsions, 1, AxisElem(residue)), batchSize, 3)
		residueSin := Reshape(SliceAxis(sinTorsions, 1, AxisElem(residue)), batchSize, 3)
		for atomType := range geometry.AtomsPerResidue {
			cosDihedral := Reshape(SliceAxis(residueCos, 1, AxisElem(atomType)), batchSize)
			sinDihedral := Reshape(SliceAxis(residueSin, 1, AxisElem(atomType)), batchSize)
			next := geometry.PlaceAtomCosSin(p1, p2, p3,
				geometry.BondLengths[atomType], geometry.BondAngles[atomType], cosDihedral, sinDihedral)
			atoms = append(atoms, next)
			p1, p2, p3 = p2, p3, next
		}
	}
	return Stack(atoms, 1)
}

func checkTorsions(fnName string, torsions *Node) {
	if torsions.Rank() != 3 || torsions.Shape().Dim(-1) != geometry.AtomsPerResidue {
		exceptions.Panicf("%s: torsions must be shaped [batchSize, numResidues, %d], got %s",
			fnName, geometry.AtomsPerResidue, torsions.Shape())
	}
	if !torsions.DType().IsFloat() {
		exceptions.Panicf("%s: torsions must be float, got %s", fnName, torsions.DType())
	}
	if torsions.Shape().Dim(0) == 0 || torsions.Shape().Dim(1) == 0 {
		exceptions.Panicf("%s: empty batch or no residues, torsions shaped %s", fnName, torsions.Shape())
	}
}

// broadcastSeeds returns seeds shaped [batchSize, numSeeds, 3] with the given dtype.
func broadcastSeeds(seeds *Node, batchSize int, dtype dtypes.DType) *Node {
	if seeds.Rank() < 2 || seeds.Rank() > 3 || seeds.Shape().Dim(-1) != 3 {
		exceptions.Panicf("seeds must be shaped [numSeeds, 3] or [batchSize, numSeeds, 3], got %s", seeds.Shape())
	}
	if seeds.Shape().Dim(-2) < NumSeeds {
		exceptions.Panicf("at least %d seed atoms are required, got seeds shaped %s", NumSeeds, seeds.Shape())
	}
	seeds = ConvertDType(seeds, dtype)
	if seeds.Rank() == 2 {
		return BroadcastPrefix(seeds, batchSize)
	}
	if seeds.Shape().Dim(0) != batchSize {
		exceptions.Panicf("seeds batch size (%d) doesn't match torsions batch size (%d)", seeds.Shape().Dim(0), batchSize)
	}
	return seeds
}

// AtomMask returns the validity mask of the atoms of chains built for sequences with the given
// lengths (number of residues), shaped [batchSize]. The mask is shaped [batchSize, 3*maxResidues].
//
// It lets a dataset carry the sequence lengths instead of a mask, see drmsd.LossFn.
func AtomMask(lengths *Node, maxResidues int) *Node {
	if lengths.Rank() != 1 {
		exceptions.Panicf("AtomMask: lengths must be shaped [batchSize], got %s", lengths.Shape())
	}
	g := lengths.Graph()
	batchSize := lengths.Shape().Dim(0)
	numAtoms := maxResidues * geometry.AtomsPerResidue
	atomIdx := Iota(g, shapes.Make(dtypes.Int32, batchSize, numAtoms), 1)
	numValid := MulScalar(ConvertDType(lengths, dtypes.Int32), geometry.AtomsPerResidue)
	return LessThan(atomIdx, ExpandAxes(numValid, -1))
}

// ValidateLengths checks that every sequence length is in [1, maxResidues].
// It returns an error describing the first offending sequence.
func ValidateLengths(lengths []int32, maxResidues int) error {
	if len(lengths) == 0 {
		return errors.Errorf("empty batch of sequence lengths")
	}
	for ii, length := range lengths {
		if length < 1 || int(length) > maxResidues {
			return errors.Errorf("sequence #%d has length %d, it must be in [1, %d]", ii, length, maxResidues)
		}
	}
	return nil
}
