// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// backbone trains the backbone predictor on synthetic data: random backbones built from typical
// secondary structure torsions, with features derived from the torsions plus noise.
//
// It reports the dRMSD and the RMSD (after optimal superposition) of the predicted backbones, and
// optionally writes the predicted and reference backbones of the first sequence to a PDB file.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/backbone/internal/workerspool"
	"github.com/gomlx/backbone/pkg/drmsd"
	"github.com/gomlx/backbone/pkg/model"
	"github.com/gomlx/backbone/pkg/structure"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagSteps        = flag.Int("steps", 2000, "Number of training steps.")
	flagBatchSize    = flag.Int("batch", 16, "Number of sequences per training batch.")
	flagNumSequences = flag.Int("sequences", 256, "Number of synthetic sequences to generate.")
	flagMinResidues  = flag.Int("min_residues", 8, "Minimum number of residues per sequence.")
	flagMaxResidues  = flag.Int("max_residues", 32, "Maximum number of residues per sequence.")
	flagFeaturesDim  = flag.Int("features", 16, "Dimension of the per-residue features.")
	flagNoise        = flag.Float64("noise", 0.1, "Standard deviation of the noise added to the features.")
	flagSeed         = flag.Uint64("seed", 42, "Seed for the synthetic data.")
	flagReport       = flag.Int("report", 10, "Number of sequences listed in the final report.")
	flagCheckpoint   = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagPDB          = flag.String("pdb", "", "If set, writes the predicted (chain A) and reference (chain B) backbones of the first sequence to this PDB file.")
)

func main() {
	ctx := model.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := check1(commandline.ParseContextSettings(ctx, *settings))

	backend := backends.MustNew()
	fmt.Printf("Backend: %s, %s\n", backend.Name(), backend.Description())
	err := exceptions.TryCatch[error](func() {
		check(run(backend, ctx, paramsSet))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func run(backend backends.Backend, ctx *context.Context, paramsSet []string) error {
	examples, err := GenerateExamples(backend, SyntheticConfig{
		NumSequences: *flagNumSequences,
		MinResidues:  *flagMinResidues,
		MaxResidues:  *flagMaxResidues,
		FeaturesDim:  *flagFeaturesDim,
		Noise:        *flagNoise,
		Seed:         *flagSeed,
	})
	if err != nil {
		return err
	}
	batch, err := model.BuildBatch(examples, *flagMaxResidues)
	if err != nil {
		return err
	}
	fmt.Printf("Training data: features %s, reference %s\n", batch.Features.Shape(), batch.Reference.Shape())

	// Labels carry the lengths of the sequences, drmsd.LossFn builds the atom mask from them.
	dataset := must.M1(datasets.InMemoryFromData(backend, "backbone",
		[]any{batch.Features}, []any{batch.Reference, batch.Lengths}))
	dataset = dataset.Infinite(true).Shuffle().BatchSize(*flagBatchSize, false)

	// Checkpoints: loads the previous state (if any), and saves it every minute and at the end of training.
	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		checkpoint, err = checkpoints.Build(ctx).Dir(*flagCheckpoint).Keep(3).ExcludeParams(paramsSet...).Done()
		if err != nil {
			return errors.WithMessagef(err, "failed to open checkpoint %q", *flagCheckpoint)
		}
	}

	trainer := train.NewTrainer(backend, ctx, model.ModelGraph, drmsd.LossFn,
		optimizers.FromContext(ctx), nil, nil)
	if optimizers.GetGlobalStep(ctx) > 0 {
		// Variables loaded from the checkpoint.
		trainer.SetContext(ctx.Reuse())
	}
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)
	if checkpoint != nil {
		train.PeriodicCallback(loop, time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}
	if _, err = loop.RunSteps(dataset, *flagSteps); err != nil {
		return errors.WithMessage(err, "failed training")
	}
	fmt.Printf("Model parameters: %s (%s)\n",
		humanize.Comma(int64(ctx.NumParameters())), humanize.Bytes(uint64(ctx.Memory())))

	loss, err := model.Evaluate(backend, ctx, batch.Features, batch.Reference, batch.Mask)
	if err != nil {
		return err
	}
	fmt.Printf("Final dRMSD loss: %.3f Å\n", loss)
	return report(backend, ctx, batch, examples)
}

// report prints the per-sequence metrics of the trained model and writes the PDB output.
func report(backend backends.Backend, ctx *context.Context, batch *model.Batch, examples []model.Example) error {
	predictor, err := model.NewPredictor(backend, ctx)
	if err != nil {
		return err
	}
	defer predictor.Finalize()
	_, coords, err := predictor.Predict(batch.Features)
	if err != nil {
		return err
	}
	predicted, err := structure.ChainsFromTensor(coords, batch.Lengths.Value().([]int32))
	if err != nil {
		return err
	}
	references := make([]structure.Chain, len(examples))
	for ii, example := range examples {
		references[ii] = example.Reference
	}
	metrics, err := structure.Compare(workerspool.New(), predicted, references)
	if err != nil {
		return err
	}

	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Sequence", "Residues", "dRMSD (Å)", "RMSD (Å)")
	var meanDRMSD, meanRMSD float64
	for ii, m := range metrics {
		meanDRMSD += m.DRMSD / float64(len(metrics))
		meanRMSD += m.RMSD / float64(len(metrics))
		if ii < *flagReport {
			table.Row(fmt.Sprintf("#%d", ii), fmt.Sprintf("%d", predicted[ii].NumResidues()),
				fmt.Sprintf("%.3f", m.DRMSD), fmt.Sprintf("%.3f", m.RMSD))
		}
	}
	table.Row("Mean", humanize.Comma(int64(len(metrics)))+" seqs",
		fmt.Sprintf("%.3f", meanDRMSD), fmt.Sprintf("%.3f", meanRMSD))
	fmt.Println(table.String())

	if *flagPDB == "" {
		return nil
	}
	f, err := os.Create(*flagPDB)
	if err != nil {
		return errors.Wrapf(err, "failed to create PDB file %q", *flagPDB)
	}
	if err = structure.WritePDB(f, []structure.Chain{predicted[0], references[0]}); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close PDB file %q", *flagPDB)
	}
	fmt.Printf("Backbones of sequence #0 written to %q\n", *flagPDB)
	return nil
}

// check reports and exits on error.
func check(err error) {
	if err == nil {
		return
	}
	klog.Fatalf("Fatal error: %+v", err)
}

// check1 reports and exits on error. Otherwise returns the value passed.
func check1[T any](v T, err error) T {
	check(err)
	return v
}
