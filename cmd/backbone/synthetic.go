// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/backbone/pkg/chain"
	"github.com/gomlx/backbone/pkg/geometry"
	"github.com/gomlx/backbone/pkg/model"
	"github.com/gomlx/backbone/pkg/structure"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// secondaryStructures are typical (φ, ψ) of the common backbone conformations, in degrees:
// α-helix, β-sheet and left-handed helix.
var secondaryStructures = [][2]float64{{-57, -47}, {-119, 113}, {57, 47}}

// SyntheticConfig defines the generated data.
type SyntheticConfig struct {
	NumSequences             int
	MinResidues, MaxResidues int
	FeaturesDim              int
	Noise                    float64 // Standard deviation of the noise added to the features.
	Seed                     uint64
}

// GenerateExamples creates random sequences of torsions, built as segments of common secondary
// structures, their reference backbones and their features.
//
// The features are a fixed random linear function of the cosine and sine of the torsions, plus noise,
// so the torsions can be recovered from them.
func GenerateExamples(backend backends.Backend, cfg SyntheticConfig) ([]model.Example, error) {
	if cfg.NumSequences < 1 || cfg.MinResidues < 1 || cfg.MaxResidues < cfg.MinResidues || cfg.FeaturesDim < 1 {
		return nil, errors.Errorf("invalid synthetic data configuration %+v", cfg)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x5eed))
	numInputs := 2 * geometry.AtomsPerResidue
	projection := make([][]float64, numInputs)
	for ii := range projection {
		projection[ii] = make([]float64, cfg.FeaturesDim)
		for jj := range projection[ii] {
			projection[ii][jj] = rng.NormFloat64() / math.Sqrt(float64(numInputs))
		}
	}

	// Torsions padded to MaxResidues.
	lengths := make([]int32, cfg.NumSequences)
	torsions := make([][][]float64, cfg.NumSequences)
	for b := range torsions {
		lengths[b] = int32(cfg.MinResidues + rng.IntN(cfg.MaxResidues-cfg.MinResidues+1))
		torsions[b] = randomTorsions(rng, int(lengths[b]), cfg.MaxResidues)
	}

	var coords *tensors.Tensor
	if err := exceptions.TryCatch[error](func() {
		coords = graph.MustExecOnce(backend, chain.Build, torsions)
	}); err != nil {
		return nil, errors.WithMessage(err, "failed to build reference chains")
	}
	references, err := structure.ChainsFromTensor(coords, lengths)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Generated %d reference chains with %d to %d residues", len(references), cfg.MinResidues, cfg.MaxResidues)

	examples := make([]model.Example, cfg.NumSequences)
	inputs := make([]float64, numInputs)
	for b := range examples {
		example := model.Example{Reference: references[b], Features: make([][]float32, lengths[b])}
		for r := range example.Features {
			for k, angle := range torsions[b][r] {
				inputs[2*k], inputs[2*k+1] = math.Cos(angle), math.Sin(angle)
			}
			residue := make([]float32, cfg.FeaturesDim)
			for jj := range residue {
				value := cfg.Noise * rng.NormFloat64()
				for ii, input := range inputs {
					value += input * projection[ii][jj]
				}
				residue[jj] = float32(value)
			}
			example.Features[r] = residue
		}
		examples[b] = example
	}
	return examples, nil
}

// randomTorsions of numResidues residues, padded with zeros to maxResidues.
//
// Each channel is the dihedral that places one atom, so a residue's channels are (ψ, ω) of the
// previous residue, placing N and Cα, followed by its own φ, placing C. The first residue uses
// the ψ of its own segment and a trans ω.
func randomTorsions(rng *rand.Rand, numResidues, maxResidues int) [][]float64 {
	const deg = math.Pi / 180
	torsions := make([][]float64, maxResidues)
	var phi, psi float64
	prevPsi, prevOmega := 0.0, math.Pi
	for r := range torsions {
		if r >= numResidues {
			torsions[r] = []float64{0, 0, 0}
			continue
		}
		// New segment every ~6 residues.
		if r == 0 || rng.IntN(6) == 0 {
			ss := secondaryStructures[rng.IntN(len(secondaryStructures))]
			phi, psi = ss[0], ss[1]
		}
		residuePhi := wrapAngle((phi + 10*rng.NormFloat64()) * deg)
		residuePsi := wrapAngle((psi + 10*rng.NormFloat64()) * deg)
		residueOmega := wrapAngle(math.Pi + 3*deg*rng.NormFloat64()) // Trans peptide bond.
		if r == 0 {
			prevPsi = residuePsi
		}
		torsions[r] = []float64{prevPsi, prevOmega, residuePhi}
		prevPsi, prevOmega = residuePsi, residueOmega
	}
	return torsions
}

// wrapAngle to (-π, π].
func wrapAngle(angle float64) float64 {
	angle = math.Remainder(angle, 2*math.Pi)
	if angle <= -math.Pi {
		angle += 2 * math.Pi
	}
	return angle
}
