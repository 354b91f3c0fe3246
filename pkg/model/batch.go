// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/backbone/pkg/chain"
	"github.com/gomlx/backbone/pkg/geometry"
	"github.com/gomlx/backbone/pkg/structure"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Example is one sequence: its per-residue features and, optionally, its reference backbone.
type Example struct {
	// Features shaped [numResidues][featuresDim].
	Features [][]float32

	// Reference backbone, with 3*numResidues atoms (N, Cα, C per residue). Optional.
	Reference structure.Chain
}

// Batch of examples padded to the same number of residues.
type Batch struct {
	// Features shaped [batchSize, maxResidues, featuresDim], float32. Padding is zero.
	Features *tensors.Tensor

	// Reference coordinates shaped [batchSize, 3*maxResidues, 3], float32. Padding is zero.
	// Nil if the examples have no reference.
	Reference *tensors.Tensor

	// Mask of the valid atoms shaped [batchSize, 3*maxResidues], bool.
	Mask *tensors.Tensor

	// Lengths (number of residues) of each sequence, shaped [batchSize], int32.
	Lengths *tensors.Tensor

	// MaxResidues is the padded number of residues.
	MaxResidues int
}

// BuildBatch pads the examples to maxResidues residues, or to the longest example if maxResidues is 0.
//
// Either all examples have a reference or none has.
func BuildBatch(examples []Example, maxResidues int) (*Batch, error) {
	if len(examples) == 0 {
		return nil, errors.New("empty batch of examples")
	}
	lengths := make([]int32, len(examples))
	var featuresDim int
	if len(examples[0].Features) > 0 {
		featuresDim = len(examples[0].Features[0])
	}
	padToLongest := maxResidues == 0
	withReference := examples[0].Reference != nil
	for ii, example := range examples {
		lengths[ii] = int32(len(example.Features))
		if padToLongest {
			maxResidues = max(maxResidues, len(example.Features))
		}
		for r, residue := range example.Features {
			if len(residue) != featuresDim {
				return nil, errors.Errorf("example #%d residue #%d has %d features, expected %d",
					ii, r, len(residue), featuresDim)
			}
		}
		if (example.Reference != nil) != withReference {
			return nil, errors.Errorf("either all examples have a reference or none has, example #%d differs", ii)
		}
		if withReference && len(example.Reference) != len(example.Features)*geometry.AtomsPerResidue {
			return nil, errors.Errorf("example #%d has %d residues but its reference has %d atoms, expected %d",
				ii, len(example.Features), len(example.Reference), len(example.Features)*geometry.AtomsPerResidue)
		}
	}
	if featuresDim == 0 {
		return nil, errors.New("examples have no features")
	}
	if err := chain.ValidateLengths(lengths, maxResidues); err != nil {
		return nil, errors.WithMessage(err, "invalid batch")
	}

	batchSize := len(examples)
	numAtoms := maxResidues * geometry.AtomsPerResidue
	features := make([]float32, batchSize*maxResidues*featuresDim)
	mask := make([]bool, batchSize*numAtoms)
	var reference []float32
	if withReference {
		reference = make([]float32, batchSize*numAtoms*3)
	}
	for b, example := range examples {
		for r, residue := range example.Features {
			copy(features[(b*maxResidues+r)*featuresDim:], residue)
		}
		for ii := range len(example.Features) * geometry.AtomsPerResidue {
			mask[b*numAtoms+ii] = true
		}
		for ii, p := range example.Reference {
			base := (b*numAtoms + ii) * 3
			reference[base], reference[base+1], reference[base+2] = float32(p.X), float32(p.Y), float32(p.Z)
		}
	}

	batch := &Batch{
		Features:    tensors.FromFlatDataAndDimensions(features, batchSize, maxResidues, featuresDim),
		Mask:        tensors.FromFlatDataAndDimensions(mask, batchSize, numAtoms),
		Lengths:     tensors.FromValue(lengths),
		MaxResidues: maxResidues,
	}
	if withReference {
		batch.Reference = tensors.FromFlatDataAndDimensions(reference, batchSize, numAtoms, 3)
	}
	return batch, nil
}
