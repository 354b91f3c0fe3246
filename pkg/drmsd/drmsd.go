// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package drmsd implements the distance-based root-mean-square deviation (dRMSD) between two
// sets of atom coordinates.
//
// dRMSD compares the matrices of pairwise distances of the two chains, so it is invariant to any
// rotation or translation applied to either of them, and needs no structural alignment.
package drmsd

import (
	"github.com/gomlx/backbone/pkg/chain"
	"github.com/gomlx/backbone/pkg/geometry"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Epsilon added to the mean squared deviation before the square root, so the gradient is
// finite when the chains match exactly.
func Epsilon(dtype dtypes.DType) float64 {
	if dtype == dtypes.Float64 {
		return 1e-14
	}
	return 1e-8
}

// checkCoords panics if coords is not shaped [batchSize, numAtoms, 3].
func checkCoords(name string, coords *Node) {
	if coords.Rank() != 3 || coords.Shape().Dim(-1) != 3 {
		exceptions.Panicf("%s must be shaped [batchSize, numAtoms, 3], got %s", name, coords.Shape())
	}
	if !coords.DType().IsFloat() {
		exceptions.Panicf("%s must be float, got %s", name, coords.DType())
	}
}

// PairwiseDistances returns the Euclidean distances between every pair of atoms of coords
// shaped [batchSize, numAtoms, 3]. The result is shaped [batchSize, numAtoms, numAtoms],
// symmetric and with an exact zero diagonal.
func PairwiseDistances(coords *Node) *Node {
	checkCoords("coords", coords)
	g := coords.Graph()
	dtype := coords.DType()
	batchSize, numAtoms := coords.Shape().Dim(0), coords.Shape().Dim(1)
	zero := ScalarZero(g, dtype)
	eps := Scalar(g, dtype, geometry.Epsilon(dtype))

	diff := Sub(ExpandAxes(coords, 2), ExpandAxes(coords, 1)) // [batchSize, numAtoms, numAtoms, 3]
	distances := ReduceSum(Square(diff), -1)
	// The gradient of Sqrt is infinite at 0 (e.g.: the diagonal), so those entries are set to
	// epsilon before the square root and to exactly 0 after.
	mask := LessThan(distances, eps)
	distances = Where(mask, eps, distances)
	distances = Sqrt(distances)
	distances = Where(mask, zero, distances)
	distances.AssertDims(batchSize, numAtoms, numAtoms)
	return distances
}

// PairMask returns the mask of the valid pairs of atoms, given the validity of each atom shaped
// [batchSize, numAtoms]: a pair (i, j) is valid if both atoms are valid and i != j.
// The result is shaped [batchSize, numAtoms, numAtoms].
func PairMask(mask *Node) *Node {
	if mask.Rank() != 2 || mask.DType() != dtypes.Bool {
		exceptions.Panicf("mask must be a boolean shaped [batchSize, numAtoms], got %s", mask.Shape())
	}
	g := mask.Graph()
	batchSize, numAtoms := mask.Shape().Dim(0), mask.Shape().Dim(1)
	pairsShape := shapes.Make(dtypes.Int32, numAtoms, numAtoms)
	offDiagonal := NotEqual(Iota(g, pairsShape, 0), Iota(g, pairsShape, 1))
	pairs := LogicalAnd(
		BroadcastToDims(ExpandAxes(mask, 2), batchSize, numAtoms, numAtoms),
		BroadcastToDims(ExpandAxes(mask, 1), batchSize, numAtoms, numAtoms))
	return LogicalAnd(pairs, BroadcastPrefix(offDiagonal, batchSize))
}

func checkInputs(predicted, reference, mask *Node) {
	checkCoords("predicted", predicted)
	checkCoords("reference", reference)
	if !predicted.Shape().Equal(reference.Shape()) {
		exceptions.Panicf("predicted (%s) and reference (%s) coordinates must have the same shape",
			predicted.Shape(), reference.Shape())
	}
	if mask.Rank() != 2 || mask.DType() != dtypes.Bool ||
		mask.Shape().Dim(0) != predicted.Shape().Dim(0) || mask.Shape().Dim(1) != predicted.Shape().Dim(1) {
		exceptions.Panicf("mask must be a boolean shaped [%d, %d] to match the coordinates, got %s",
			predicted.Shape().Dim(0), predicted.Shape().Dim(1), mask.Shape())
	}
}

// PerSequence returns the dRMSD of each sequence, shaped [batchSize], between predicted and
// reference coordinates, both shaped [batchSize, numAtoms, 3].
//
// The mask, shaped [batchSize, numAtoms], marks the valid atoms: pairs involving padding atoms
// are ignored. A sequence with no valid pairs gets sqrt(Epsilon).
func PerSequence(predicted, reference, mask *Node) *Node {
	checkInputs(predicted, reference, mask)
	dtype := predicted.DType()
	reference = ConvertDType(reference, dtype)
	pairMask := PairMask(mask)

	sqDeviation := Square(Sub(PairwiseDistances(predicted), PairwiseDistances(reference)))
	sum := MaskedReduceSum(sqDeviation, pairMask, 1, 2)
	count := ReduceSum(ConvertDType(pairMask, dtype), 1, 2)
	meanSq := Div(sum, MaxScalar(count, 1))
	return Sqrt(AddScalar(meanSq, Epsilon(dtype)))
}

// Loss returns the scalar dRMSD loss: the mean over the batch of PerSequence.
// Every sequence weighs the same, regardless of its length.
func Loss(predicted, reference, mask *Node) *Node {
	return ReduceAllMean(PerSequence(predicted, reference, mask))
}

// LossFn adapts Loss to the train.LossFn signature, so it can be used with train.Trainer:
// labels are [reference, mask] and predictions[0] are the predicted coordinates. Any extra
// predictions are ignored.
//
// Instead of the mask, labels[1] can hold the integer lengths (number of residues) of the
// sequences, shaped [batchSize], and the mask is built with chain.AtomMask.
func LossFn(labels, predictions []*Node) *Node {
	if len(labels) != 2 || len(predictions) < 1 {
		exceptions.Panicf("drmsd.LossFn requires labels=[reference, mask or lengths] and predictions=[coords, ...], got %d labels and %d predictions",
			len(labels), len(predictions))
	}
	coords, mask := predictions[0], labels[1]
	if mask.DType().IsInt() {
		checkCoords("predictions", coords)
		numAtoms := coords.Shape().Dim(1)
		if numAtoms%geometry.AtomsPerResidue != 0 {
			exceptions.Panicf("drmsd.LossFn with lengths requires a multiple of %d atoms, got coordinates shaped %s",
				geometry.AtomsPerResidue, coords.Shape())
		}
		mask = chain.AtomMask(mask, numAtoms/geometry.AtomsPerResidue)
	}
	return Loss(coords, labels[0], mask)
}

// Compute the dRMSD loss for the given tensors on backend.
//
// It returns an error, as opposed to panicking, if the tensors are not valid.
func Compute(backend backends.Backend, predicted, reference, mask *tensors.Tensor) (loss float64, err error) {
	var result *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		result = MustExecOnce(backend, func(predicted, reference, mask *Node) *Node {
			return ConvertDType(Loss(predicted, reference, mask), dtypes.Float64)
		}, predicted, reference, mask)
	})
	if err != nil {
		return 0, errors.WithMessage(err, "failed to compute dRMSD")
	}
	defer result.FinalizeAll()
	return tensors.ToScalar[float64](result), nil
}
