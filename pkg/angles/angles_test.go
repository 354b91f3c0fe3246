// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package angles_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/backbone/internal/graphtest"
	"github.com/gomlx/backbone/pkg/angles"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomFeatures(rng *rand.Rand, batchSize, numResidues, featuresDim int) [][][]float64 {
	features := make([][][]float64, batchSize)
	for b := range features {
		features[b] = make([][]float64, numResidues)
		for r := range features[b] {
			features[b][r] = make([]float64, featuresDim)
			for f := range features[b][r] {
				features[b][r][f] = rng.NormFloat64()
			}
		}
	}
	return features
}

func requireFinite(t *testing.T, values []float64) {
	t.Helper()
	for ii, v := range values {
		require.Falsef(t, math.IsNaN(v) || math.IsInf(v, 0), "value #%d is not finite: %g", ii, v)
	}
}

func TestPredict(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	require.NoError(t, ctx.SetRNGStateFromSeed(42))
	ctx.SetParam(angles.ParamAlphabetSize, 7)
	features := randomFeatures(rand.New(rand.NewPCG(1, 0)), 2, 5, 4)

	outputs := must.M1(context.ExecOnceN(backend, ctx, func(ctx *context.Context, features *Node) (*Node, *Node) {
		weights := angles.MixtureWeights(ctx, features)
		alphabet := angles.Alphabet(ctx, features.Graph(), features.DType())
		return weights, angles.CircularMean(weights, alphabet)
	}, features))
	weights, torsions := outputs[0], outputs[1]
	require.Equal(t, []int{2, 5, 7}, weights.Shape().Dimensions)
	require.Equal(t, []int{2, 5, 3}, torsions.Shape().Dimensions)

	for b, perResidue := range weights.Value().([][][]float64) {
		for r, w := range perResidue {
			var sum float64
			for _, v := range w {
				assert.GreaterOrEqual(t, v, 0.0)
				sum += v
			}
			assert.InDeltaf(t, 1.0, sum, 1e-9, "weights of sequence %d residue %d", b, r)
		}
	}
	for _, v := range tensors.MustCopyFlatData[float64](torsions) {
		assert.Greater(t, v, -math.Pi)
		assert.LessOrEqual(t, v, math.Pi)
	}

	// Alphabet created with the configured size, in range.
	alphabetVar := ctx.GetVariableByScopeAndName("/"+angles.Scope, angles.AlphabetVariable)
	require.NotNil(t, alphabetVar)
	alphabet := alphabetVar.MustValue()
	require.Equal(t, []int{7, 3}, alphabet.Shape().Dimensions)
	for _, v := range tensors.MustCopyFlatData[float64](alphabet) {
		assert.Greater(t, v, -math.Pi)
		assert.Less(t, v, math.Pi)
	}

	// Predict builds the same model, reusing the variables.
	torsions2 := must.M1(context.ExecOnce(backend, ctx.Reuse(), angles.Predict, features))
	require.True(t, torsions.InDelta(torsions2, 1e-12))
}

func TestCircularMean(t *testing.T) {
	deg := math.Pi / 180
	graphtest.RunTestGraphFn(t, "CircularMean", func(g *Graph) (inputs, outputs []*Node) {
		// Residue 0: 179° and -179° average to 180°, not 0°.
		// Residue 1: all the weight on the second entry.
		// Residue 2: 10° and 30° average to 20°.
		weights := Const(g, [][][]float64{{{0.5, 0.5}, {0, 1}, {0.5, 0.5}}})
		alphabet := Const(g, [][]float64{
			{179 * deg, 10 * deg, 60 * deg},
			{-179 * deg, 30 * deg, 120 * deg},
		})
		inputs = []*Node{weights, alphabet}
		outputs = []*Node{angles.CircularMean(weights, alphabet)}
		return
	}, []any{
		[][][]float64{{
			{math.Pi, 20 * deg, 90 * deg},
			{179 * deg, 30 * deg, 120 * deg},
			{math.Pi, 20 * deg, 90 * deg},
		}},
	}, 1e-9)
}

func TestCircularMeanAtMinusPi(t *testing.T) {
	// Atan2 of -π itself (sin(-π) is a tiny negative) is -π, which must be reported as π.
	graphtest.RunTestGraphFn(t, "CircularMean(-π)", func(g *Graph) (inputs, outputs []*Node) {
		weights := Const(g, [][][]float64{{{1, 0}, {0.5, 0.5}}})
		alphabet := Const(g, [][]float64{{-math.Pi, 0, -math.Pi}, {-math.Pi, 0, math.Pi}})
		inputs = []*Node{weights, alphabet}
		outputs = []*Node{angles.CircularMean(weights, alphabet)}
		return
	}, []any{
		[][][]float64{{{math.Pi, 0, math.Pi}, {math.Pi, 0, math.Pi}}},
	}, 1e-12)

	outputs := graphtest.ExecOnce(t, angles.CircularMean,
		[][][]float32{{{1}}}, [][]float32{{-math.Pi, math.Pi, -3}})
	got := tensors.MustCopyFlatData[float32](outputs[0])
	for ii, v := range got {
		assert.Greaterf(t, float64(v), -math.Pi, "channel %d: %g", ii, v)
		assert.LessOrEqualf(t, float64(v), float64(float32(math.Pi)), "channel %d: %g", ii, v)
	}
	assert.InDelta(t, -3.0, float64(got[2]), 1e-6)
}

func TestCircularMeanContinuity(t *testing.T) {
	// The weight moves smoothly from 170° to -170°: the mean crosses ±π without jumps.
	const numSteps = 200
	deg := math.Pi / 180
	weights := make([][][]float64, 1)
	weights[0] = make([][]float64, numSteps+1)
	for ii := range weights[0] {
		w := float64(ii) / numSteps
		weights[0][ii] = []float64{1 - w, w}
	}
	alphabet := [][]float64{{170 * deg, -170 * deg, 10 * deg}, {-170 * deg, 170 * deg, -10 * deg}}
	outputs := graphtest.ExecOnce(t, angles.CircularMean, weights, alphabet)
	means := outputs[0].Value().([][][]float64)[0]
	assert.InDeltaSlice(t, []float64{170 * deg, -170 * deg, 10 * deg}, means[0], 1e-9)
	assert.InDeltaSlice(t, []float64{-170 * deg, 170 * deg, -10 * deg}, means[numSteps], 1e-9)
	assert.InDelta(t, math.Pi, means[numSteps/2][0], 1e-9)
	for ii, mean := range means {
		for k, v := range mean {
			require.Greaterf(t, v, -math.Pi, "step %d channel %d", ii, k)
			require.LessOrEqualf(t, v, math.Pi, "step %d channel %d", ii, k)
			if ii > 0 {
				step := math.Remainder(v-means[ii-1][k], 2*math.Pi)
				require.Lessf(t, math.Abs(step), 0.5*deg, "step %d channel %d jumps from %g to %g",
					ii, k, means[ii-1][k], v)
			}
		}
	}
}

func TestCircularMeanDegenerate(t *testing.T) {
	// Opposite angles with equal weights: the mean direction is undefined, but the result is finite.
	outputs := graphtest.ExecOnce(t, func(weights, alphabet *Node) (*Node, *Node, *Node) {
		cosMean, sinMean := angles.CircularMeanCosSin(weights, alphabet)
		return angles.CircularMean(weights, alphabet), cosMean, sinMean
	}, [][][]float32{{{0.5, 0.5}}}, [][]float32{{0, 1, -2}, {math.Pi, 1 + math.Pi, math.Pi - 2}})
	for _, output := range outputs {
		for _, v := range tensors.MustCopyFlatData[float32](output) {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0))
		}
	}
	assert.Equal(t, []float32{1, 1, 1}, tensors.MustCopyFlatData[float32](outputs[1]))
	assert.Equal(t, []float32{0, 0, 0}, tensors.MustCopyFlatData[float32](outputs[2]))
}

func TestCircularMeanCosSin(t *testing.T) {
	rng := rand.New(rand.NewPCG(2, 0))
	weights := make([][][]float64, 1)
	weights[0] = make([][]float64, 4)
	for r := range weights[0] {
		weights[0][r] = []float64{rng.Float64(), rng.Float64(), rng.Float64()}
	}
	alphabet := [][]float64{{0.3, -2, 3}, {1, 2.5, -3}, {-1.2, 0.1, 2}}
	outputs := graphtest.ExecOnce(t, func(weights, alphabet *Node) (*Node, *Node) {
		cosMean, sinMean := angles.CircularMeanCosSin(weights, alphabet)
		mean := angles.CircularMean(weights, alphabet)
		return Sub(cosMean, Cos(mean)), Sub(sinMean, Sin(mean))
	}, weights, alphabet)
	for _, output := range outputs {
		for _, v := range tensors.MustCopyFlatData[float64](output) {
			assert.InDelta(t, 0.0, v, 1e-9)
		}
	}
}

func TestFixedAlphabet(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(angles.ParamAlphabetSize, 1)
	ctx.In(angles.Scope).VariableWithValue(angles.AlphabetVariable, [][]float64{{1, -2, 3}})
	features := randomFeatures(rand.New(rand.NewPCG(3, 0)), 3, 2, 5)
	torsions := must.M1(context.ExecOnce(backend, ctx, angles.Predict, features))
	for _, perResidue := range torsions.Value().([][][]float64) {
		for _, got := range perResidue {
			assert.InDeltaSlice(t, []float64{1, -2, 3}, got, 1e-9)
		}
	}
}

func TestGradients(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	require.NoError(t, ctx.SetRNGStateFromSeed(7))
	ctx.SetParam(angles.ParamAlphabetSize, 5)
	features := randomFeatures(rand.New(rand.NewPCG(4, 0)), 2, 3, 4)
	// All the gradients flattened and concatenated.
	grads := must.M1(context.ExecOnce(backend, ctx, func(ctx *context.Context, features *Node) *Node {
		cosMean, sinMean := angles.CircularMeanCosSin(
			angles.MixtureWeights(ctx, features), angles.Alphabet(ctx, features.Graph(), features.DType()))
		loss := ReduceAllSum(Add(cosMean, MulScalar(sinMean, 2)))
		var flat []*Node
		for _, grad := range ctx.BuildTrainableVariablesGradientsGraph(loss) {
			flat = append(flat, Reshape(grad, grad.Shape().Size()))
		}
		return Concatenate(flat, 0)
	}, features))
	values := tensors.MustCopyFlatData[float64](grads)
	requireFinite(t, values)
	// alphabet [5, 3] + projection weights [4, 5] + biases [5].
	assert.Len(t, values, 5*3+4*5+5)
}
