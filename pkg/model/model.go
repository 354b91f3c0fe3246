// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model wires the backbone prediction end-to-end: residue features are mapped to torsions
// (package angles), torsions to atom coordinates (package chain) and, for training or evaluation,
// coordinates are scored against a reference structure (package drmsd).
//
// ModelGraph can be used directly with train.Trainer, with drmsd.LossFn as the loss. Predictor and
// Evaluate are host-side helpers that take and return tensors.
package model

import (
	"github.com/gomlx/backbone/pkg/angles"
	"github.com/gomlx/backbone/pkg/chain"
	"github.com/gomlx/backbone/pkg/drmsd"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// CreateDefaultContext returns a context with all the hyperparameters of the model set to their
// default values.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		angles.ParamAlphabetSize: 20,
		angles.ParamUseBias:      true,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}

// Forward builds the model for features shaped [batchSize, numResidues, featuresDim].
//
// It returns the predicted torsions shaped [batchSize, numResidues, 3] and the coordinates of the
// backbone atoms shaped [batchSize, 3*numResidues, 3].
//
// The chain is built from the cosines and sines of the circular mean of the angles, so the
// gradient doesn't go through atan2.
func Forward(ctx *context.Context, features *Node) (torsions, coords *Node) {
	weights := angles.MixtureWeights(ctx, features)
	alphabet := angles.Alphabet(ctx, features.Graph(), features.DType())
	torsions = angles.CircularMean(weights, alphabet)
	cosTorsions, sinTorsions := angles.CircularMeanCosSin(weights, alphabet)
	coords = chain.BuildFromCosSin(cosTorsions, sinTorsions, nil)
	return
}

// ModelGraph implements train.ModelFn: inputs[0] are the features, and it returns the
// predicted coordinates followed by the torsions.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec // Not used.
	if len(inputs) < 1 {
		exceptions.Panicf("model requires the features as its first input, got %d inputs", len(inputs))
	}
	torsions, coords := Forward(ctx, inputs[0])
	return []*Node{coords, torsions}
}

// Predictor runs the model on features, using the variables of a context.
//
// The graph is compiled once per features shape. It is not safe for concurrent use.
type Predictor struct {
	backend backends.Backend
	ctx     *context.Context
	exec    *context.Exec
}

// NewPredictor returns a Predictor for the model with the variables in ctx. Variables not yet
// in the context are initialized on the first call to Predict.
func NewPredictor(backend backends.Backend, ctx *context.Context) (*Predictor, error) {
	ctx = ctx.Checked(false)
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, features *Node) (torsions, coords *Node) {
		return Forward(ctx, features)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create the model predictor")
	}
	return &Predictor{backend: backend, ctx: ctx, exec: exec}, nil
}

// Predict torsions and backbone coordinates for the features (a tensor or a Go slice) shaped
// [batchSize, numResidues, featuresDim].
func (p *Predictor) Predict(features any) (torsions, coords *tensors.Tensor, err error) {
	var execErr error
	err = exceptions.TryCatch[error](func() {
		torsions, coords, execErr = p.exec.Exec2(features)
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, nil, errors.WithMessage(err, "failed to predict backbone")
	}
	return
}

// Finalize frees the compiled graphs. The Predictor can't be used afterwards.
func (p *Predictor) Finalize() {
	p.exec.Finalize()
}

// Evaluate returns the dRMSD loss (see drmsd.Loss) of the model on features against the reference
// coordinates shaped [batchSize, 3*numResidues, 3], with the validity mask of the atoms shaped
// [batchSize, 3*numResidues].
func Evaluate(backend backends.Backend, ctx *context.Context, features, reference, mask any) (loss float64, err error) {
	var result *tensors.Tensor
	var execErr error
	err = exceptions.TryCatch[error](func() {
		result, execErr = context.ExecOnce(backend, ctx.Checked(false),
			func(ctx *context.Context, features, reference, mask *Node) *Node {
				_, coords := Forward(ctx, features)
				return ConvertDType(drmsd.Loss(coords, reference, mask), dtypes.Float64)
			}, features, reference, mask)
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return 0, errors.WithMessage(err, "failed to evaluate model")
	}
	loss = tensors.ToScalar[float64](result)
	_ = result.FinalizeAll()
	return
}
