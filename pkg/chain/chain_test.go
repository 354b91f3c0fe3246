// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package chain_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/backbone/internal/graphtest"
	"github.com/gomlx/backbone/pkg/chain"
	"github.com/gomlx/backbone/pkg/geometry"
	"github.com/gomlx/backbone/pkg/structure"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomTorsions returns torsions shaped [batchSize, numResidues, 3] uniformly in (-π, π].
func randomTorsions(rng *rand.Rand, batchSize, numResidues int) [][][]float64 {
	torsions := make([][][]float64, batchSize)
	for b := range torsions {
		torsions[b] = make([][]float64, numResidues)
		for r := range numResidues {
			torsions[b][r] = []float64{
				math.Pi * (2*rng.Float64() - 1),
				math.Pi * (2*rng.Float64() - 1),
				math.Pi * (2*rng.Float64() - 1),
			}
		}
	}
	return torsions
}

func TestBuildShapeAndDeterminism(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	torsions := randomTorsions(rng, 2, 5)
	first := graphtest.ExecOnce(t, chain.Build, torsions)[0]
	require.Equal(t, []int{2, 15, 3}, first.Shape().Dimensions)
	second := graphtest.ExecOnce(t, chain.Build, torsions)[0]
	require.Equal(t, first.Value(), second.Value())
}

func TestBuildGeometry(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	const batchSize, numResidues = 3, 7
	torsions := randomTorsions(rng, batchSize, numResidues)
	coords := graphtest.ExecOnce(t, chain.Build, torsions)[0]
	chains, err := structure.ChainsFromTensor(coords, nil)
	require.NoError(t, err)
	seeds := structure.DefaultSeeds()

	for b, c := range chains {
		require.Len(t, c, numResidues*geometry.AtomsPerResidue)
		full := append(append(structure.Chain{}, seeds...), c...)
		for ii := range c {
			atomType := ii % geometry.AtomsPerResidue
			atom := ii + len(seeds)
			bondLength := math.Sqrt(
				math.Pow(full[atom].X-full[atom-1].X, 2) +
					math.Pow(full[atom].Y-full[atom-1].Y, 2) +
					math.Pow(full[atom].Z-full[atom-1].Z, 2))
			assert.InDeltaf(t, geometry.BondLengths[atomType], bondLength, 1e-9, "sequence %d atom %d", b, ii)
			assert.InDeltaf(t, geometry.BondAngles[atomType],
				structure.BondAngle(full[atom-2], full[atom-1], full[atom]), 1e-9, "sequence %d atom %d", b, ii)
		}

		// Round trip: torsions measured on the chain are the ones used to build it.
		got, err := structure.Torsions(seeds, c)
		require.NoError(t, err)
		for r := range numResidues {
			for k := range 3 {
				diff := math.Remainder(got[r][k]-torsions[b][r][k], 2*math.Pi)
				assert.InDeltaf(t, 0.0, diff, 1e-9, "sequence %d residue %d channel %d", b, r, k)
			}
		}
	}
}

func TestBuildWithSeeds(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	torsions := randomTorsions(rng, 2, 6)

	// Building in two steps, using the end of the first half as seeds, yields the same chain.
	outputs := graphtest.ExecOnce(t, func(torsions *Node) (*Node, *Node) {
		whole := chain.Build(torsions)
		firstHalf := chain.Build(Slice(torsions, AxisRange(), AxisRange(0, 3)))
		secondHalf := chain.BuildWithSeeds(Slice(torsions, AxisRange(), AxisRange(3, 6)), firstHalf)
		return whole, Concatenate([]*Node{firstHalf, secondHalf}, 1)
	}, torsions)
	require.True(t, outputs[0].InDelta(outputs[1], 1e-9))

	// Seeds per example.
	seeds := [][][]float64{chain.DefaultSeeds(), {{0, 0, 0}, {1.5, 0, 0}, {2, 1.4, 0}}}
	outputs = graphtest.ExecOnce(t, chain.BuildWithSeeds, torsions, seeds)
	require.Equal(t, []int{2, 18, 3}, outputs[0].Shape().Dimensions)
	chains, err := structure.ChainsFromTensor(outputs[0], nil)
	require.NoError(t, err)
	got, err := structure.Torsions(structure.Chain{{}, {X: 1.5}, {X: 2, Y: 1.4}}, chains[1])
	require.NoError(t, err)
	assert.InDelta(t, 0.0, math.Remainder(got[4][1]-torsions[1][4][1], 2*math.Pi), 1e-9)
}

func TestBuildErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	require.Panics(t, func() {
		_ = MustExecOnce(backend, chain.Build, [][]float32{{1, 2, 3}})
	}, "torsions must be rank 3")
	require.Panics(t, func() {
		_ = MustExecOnce(backend, chain.Build, [][][]float32{{{1, 2}}})
	}, "torsions last axis must be 3")
	require.Panics(t, func() {
		_ = MustExecOnce(backend, chain.Build, [][][]int32{{{1, 2, 3}}})
	}, "torsions must be float")
	require.Panics(t, func() {
		_ = MustExecOnce(backend, chain.BuildWithSeeds, [][][]float32{{{1, 2, 3}}}, [][]float32{{0, 0, 0}, {1, 0, 0}})
	}, "fewer than 3 seeds")
	require.Panics(t, func() {
		_ = MustExecOnce(backend, chain.BuildWithSeeds, [][][]float32{{{1, 2, 3}}},
			[][][]float32{{{0, 0, 0}, {1, 0, 0}, {1, 1, 0}}, {{0, 0, 0}, {1, 0, 0}, {1, 1, 0}}})
	}, "mismatched seeds batch size")
}

func TestAtomMask(t *testing.T) {
	graphtest.RunTestGraphFn(t, "AtomMask", func(g *Graph) (inputs, outputs []*Node) {
		lengths := Const(g, []int32{1, 3, 2})
		inputs = []*Node{lengths}
		outputs = []*Node{chain.AtomMask(lengths, 3)}
		return
	}, []any{
		[][]bool{
			{true, true, true, false, false, false, false, false, false},
			{true, true, true, true, true, true, true, true, true},
			{true, true, true, true, true, true, false, false, false},
		},
	}, -1)
}

func TestValidateLengths(t *testing.T) {
	require.NoError(t, chain.ValidateLengths([]int32{4, 6}, 6))
	require.Error(t, chain.ValidateLengths(nil, 6))
	require.Error(t, chain.ValidateLengths([]int32{4, 0}, 6))
	require.ErrorContains(t, chain.ValidateLengths([]int32{4, 7}, 6), "sequence #1")
}
