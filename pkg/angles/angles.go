// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package angles predicts backbone torsion angles (φ, ψ, ω) from per-residue features, as a
// mixture over a learned alphabet of torsion triplets.
//
// Each residue's features are projected to mixture weights over the alphabet (softmax), and each
// torsion channel is the weighted circular mean of the alphabet's angles for that channel. The
// circular mean respects the wrap-around at ±π: a mixture of 179° and -179° averages to 180°, not 0°.
//
// Hyperparameters are read from the context, see ParamAlphabetSize and ParamUseBias.
package angles

import (
	"math"

	"github.com/gomlx/backbone/pkg/geometry"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"k8s.io/klog/v2"
)

const (
	// ParamAlphabetSize is the context hyperparameter with the number of torsion triplets in the
	// learned alphabet. Default is 20.
	ParamAlphabetSize = "angles_alphabet_size"

	// ParamUseBias is the context hyperparameter that defines whether the projection from features
	// to mixture weights uses a bias term. Default is true.
	ParamUseBias = "angles_use_bias"

	// Scope used for the variables of the predictor.
	Scope = "angles"

	// AlphabetVariable is the name of the alphabet variable, in Scope.
	AlphabetVariable = "alphabet"

	// ProjectionScope is the sub-scope (of Scope) of the projection weights and biases.
	ProjectionScope = "projection"
)

// NumChannels is the number of torsion channels per residue: φ, ψ and ω.
const NumChannels = geometry.AtomsPerResidue

// AlphabetSize returns the configured alphabet size.
func AlphabetSize(ctx *context.Context) int {
	size := context.GetParamOr(ctx, ParamAlphabetSize, 20)
	if size < 1 {
		exceptions.Panicf("%q must be >= 1, got %d", ParamAlphabetSize, size)
	}
	return size
}

// AlphabetVar returns the alphabet variable, shaped [alphabetSize, 3], creating it if needed.
// It is initialized uniformly in (-π, π).
//
// The variable can be accessed more than once in the same graph.
func AlphabetVar(ctx *context.Context, dtype dtypes.DType) *context.Variable {
	ctx = ctx.In(Scope).Checked(false)
	initFn := func(g *Graph, shape shapes.Shape) *Node {
		// RandomUniform is in [0, 1), and halfRange stays a few ulps short of π.
		halfRange := math.Pi * (1 - geometry.Epsilon(dtype))
		values := ctx.RandomUniform(g, shape)
		return AddScalar(MulScalar(values, 2*halfRange), -halfRange)
	}
	return ctx.WithInitializer(initFn).VariableWithShape(AlphabetVariable, shapes.Make(dtype, AlphabetSize(ctx), NumChannels))
}

// Alphabet returns the value of the alphabet in graph g, shaped [alphabetSize, 3].
func Alphabet(ctx *context.Context, g *Graph, dtype dtypes.DType) *Node {
	return AlphabetVar(ctx, dtype).ValueGraph(g)
}

// MixtureWeights projects features shaped [batchSize, numResidues, featuresDim] to the weights of
// the mixture over the alphabet, shaped [batchSize, numResidues, alphabetSize]. The weights for each
// residue sum to 1.
func MixtureWeights(ctx *context.Context, features *Node) *Node {
	if features.Rank() != 3 {
		exceptions.Panicf("features must be shaped [batchSize, numResidues, featuresDim], got %s", features.Shape())
	}
	if !features.DType().IsFloat() {
		exceptions.Panicf("features must be float, got %s", features.DType())
	}
	ctx = ctx.In(Scope)
	alphabetSize := AlphabetSize(ctx)
	useBias := context.GetParamOr(ctx, ParamUseBias, true)
	klog.V(1).Infof("angles: projecting %d features to an alphabet of %d", features.Shape().Dim(-1), alphabetSize)
	logits := layers.Dense(ctx.In(ProjectionScope), features, useBias, alphabetSize)
	return Softmax(logits, -1)
}

// mixtureSums returns the weighted sums of the cosines and sines of the alphabet angles, each
// shaped [batchSize, numResidues, 3].
func mixtureSums(weights, alphabet *Node) (cosSum, sinSum *Node) {
	if weights.Rank() != 3 {
		exceptions.Panicf("mixture weights must be shaped [batchSize, numResidues, alphabetSize], got %s",
			weights.Shape())
	}
	if alphabet.Rank() != 2 || alphabet.Shape().Dim(1) != NumChannels ||
		alphabet.Shape().Dim(0) != weights.Shape().Dim(-1) {
		exceptions.Panicf("alphabet must be shaped [%d, %d] to match the mixture weights %s, got %s",
			weights.Shape().Dim(-1), NumChannels, weights.Shape(), alphabet.Shape())
	}
	alphabet = ConvertDType(alphabet, weights.DType())
	cosSum = Einsum("blk,kc->blc", weights, Cos(alphabet))
	sinSum = Einsum("blk,kc->blc", weights, Sin(alphabet))
	return
}

// CircularMean returns the weighted circular mean of the alphabet angles for each torsion channel:
// atan2(Σ w·sin(a), Σ w·cos(a)), shaped [batchSize, numResidues, 3] with values in (-π, π].
//
// weights are shaped [batchSize, numResidues, alphabetSize] and alphabet [alphabetSize, 3].
// If the weighted sines and cosines cancel out, the result is 0.
func CircularMean(weights, alphabet *Node) *Node {
	cosSum, sinSum := mixtureSums(weights, alphabet)
	mean := Atan2(sinSum, cosSum)
	// Atan2 returns -π for a negative zero (or underflowing) sine sum: fold it to π.
	minusPi := Scalar(mean.Graph(), mean.DType(), -math.Pi)
	return Where(LessOrEqual(mean, minusPi), AddScalar(ZerosLike(mean), math.Pi), mean)
}

// CircularMeanCosSin returns the cosine and sine of CircularMean, without computing the angle:
// the weighted sums are normalized to a unit vector. Where their magnitude is below epsilon, it
// returns (1, 0), the cosine and sine of 0.
func CircularMeanCosSin(weights, alphabet *Node) (cosMean, sinMean *Node) {
	cosSum, sinSum := mixtureSums(weights, alphabet)
	g := weights.Graph()
	dtype := weights.DType()
	eps := geometry.Epsilon(dtype)
	sqNorm := Add(Square(cosSum), Square(sinSum))
	degenerate := LessThan(sqNorm, Scalar(g, dtype, eps*eps))
	norm := Sqrt(MaxScalar(sqNorm, eps*eps))
	cosMean = Where(degenerate, OnesLike(cosSum), Div(cosSum, norm))
	sinMean = Where(degenerate, ZerosLike(sinSum), Div(sinSum, norm))
	return
}

// Predict the torsions for features shaped [batchSize, numResidues, featuresDim].
// It returns torsions shaped [batchSize, numResidues, 3] in (-π, π].
func Predict(ctx *context.Context, features *Node) *Node {
	weights := MixtureWeights(ctx, features)
	return CircularMean(weights, Alphabet(ctx, features.Graph(), features.DType()))
}
