// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package structure holds host-side (pure Go, float64) utilities for backbone chains: measuring
// bond angles and dihedrals, recovering torsions, comparing structures (dRMSD and RMSD after
// optimal superposition) and writing PDB files.
//
// They complement the graph functions in the chain and drmsd packages: they are used to
// inspect and report results, and as reference implementations in tests.
package structure

import (
	"math"

	"github.com/gomlx/backbone/pkg/chain"
	"github.com/gomlx/backbone/pkg/geometry"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/spatial/r3"
)

// Chain of atom positions in Å, for one sequence.
type Chain []r3.Vec

// DefaultSeeds returns chain.DefaultSeeds as a Chain.
func DefaultSeeds() Chain {
	seeds := chain.DefaultSeeds()
	c := make(Chain, len(seeds))
	for ii, s := range seeds {
		c[ii] = r3.Vec{X: s[0], Y: s[1], Z: s[2]}
	}
	return c
}

// NumResidues in the chain, assuming it has 3 atoms (N, Cα, C) per residue.
func (c Chain) NumResidues() int {
	return len(c) / geometry.AtomsPerResidue
}

// Centroid returns the mean position of the atoms.
func (c Chain) Centroid() r3.Vec {
	var sum r3.Vec
	for _, p := range c {
		sum = r3.Add(sum, p)
	}
	if len(c) == 0 {
		return sum
	}
	return r3.Scale(1/float64(len(c)), sum)
}

// Flat returns the coordinates as a flat slice, x, y, z for each atom.
func (c Chain) Flat() []float64 {
	flat := make([]float64, 0, 3*len(c))
	for _, p := range c {
		flat = append(flat, p.X, p.Y, p.Z)
	}
	return flat
}

// ChainsFromTensor converts coordinates shaped [batchSize, numAtoms, 3] (float32 or float64) to
// one Chain per sequence. If lengths (number of residues per sequence) is not nil, each chain
// is trimmed to its 3*lengths[i] valid atoms.
func ChainsFromTensor(coords *tensors.Tensor, lengths []int32) ([]Chain, error) {
	shape := coords.Shape()
	if shape.Rank() != 3 || shape.Dim(-1) != 3 {
		return nil, errors.Errorf("coordinates must be shaped [batchSize, numAtoms, 3], got %s", shape)
	}
	batchSize, numAtoms := shape.Dim(0), shape.Dim(1)
	if lengths != nil && len(lengths) != batchSize {
		return nil, errors.Errorf("got %d lengths for a batch of %d coordinates", len(lengths), batchSize)
	}
	var chains []Chain
	var err error
	switch shape.DType {
	case dtypes.Float32:
		err = tensors.ConstFlatData(coords, func(flat []float32) {
			chains = chainsFromFlat(flat, batchSize, numAtoms)
		})
	case dtypes.Float64:
		err = tensors.ConstFlatData(coords, func(flat []float64) {
			chains = chainsFromFlat(flat, batchSize, numAtoms)
		})
	default:
		return nil, errors.Errorf("coordinates must be float32 or float64, got %s", shape.DType)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "failed to read coordinates")
	}
	for ii, length := range lengths {
		numValid := int(length) * geometry.AtomsPerResidue
		if length < 0 || numValid > numAtoms {
			return nil, errors.Errorf("sequence #%d has length %d, but the chains have only %d atoms",
				ii, length, numAtoms)
		}
		chains[ii] = chains[ii][:numValid]
	}
	return chains, nil
}

func chainsFromFlat[T constraints.Float](flat []T, batchSize, numAtoms int) []Chain {
	chains := make([]Chain, batchSize)
	for b := range batchSize {
		c := make(Chain, numAtoms)
		for ii := range numAtoms {
			base := 3 * (b*numAtoms + ii)
			c[ii] = r3.Vec{X: float64(flat[base]), Y: float64(flat[base+1]), Z: float64(flat[base+2])}
		}
		chains[b] = c
	}
	return chains
}

// BondAngle returns the angle at b formed by the atoms a-b-c, in radians in [0, π].
func BondAngle(a, b, c r3.Vec) float64 {
	u, v := r3.Unit(r3.Sub(a, b)), r3.Unit(r3.Sub(c, b))
	cos := math.Max(-1, math.Min(1, r3.Dot(u, v)))
	return math.Acos(cos)
}

// Dihedral returns the dihedral (torsion) angle of the atoms a-b-c-d around the bond b-c,
// in radians in (-π, π].
func Dihedral(a, b, c, d r3.Vec) float64 {
	b1, b2, b3 := r3.Sub(b, a), r3.Sub(c, b), r3.Sub(d, c)
	n1, n2 := r3.Cross(b1, b2), r3.Cross(b2, b3)
	return math.Atan2(r3.Norm(b2)*r3.Dot(b1, n2), r3.Dot(n1, n2))
}

// Torsions recovers the per-residue torsions (φ, ψ, ω) used to build the chain, as in
// chain.BuildWithSeeds: channel k of residue r is the dihedral formed by atom 3r+k and the
// three atoms preceding it (including the seeds).
func Torsions(seeds, c Chain) ([][3]float64, error) {
	if len(seeds) < chain.NumSeeds {
		return nil, errors.Errorf("at least %d seeds are required, got %d", chain.NumSeeds, len(seeds))
	}
	if len(c)%geometry.AtomsPerResidue != 0 {
		return nil, errors.Errorf("chain has %d atoms, which is not a multiple of %d",
			len(c), geometry.AtomsPerResidue)
	}
	full := make(Chain, 0, len(seeds)+len(c))
	full = append(append(full, seeds...), c...)
	offset := len(seeds)
	torsions := make([][3]float64, c.NumResidues())
	for ii := range c {
		atom := offset + ii
		torsions[ii/geometry.AtomsPerResidue][ii%geometry.AtomsPerResidue] =
			Dihedral(full[atom-3], full[atom-2], full[atom-1], full[atom])
	}
	return torsions, nil
}
