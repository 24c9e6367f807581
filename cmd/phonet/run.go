package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"phonet/dataio"
	"phonet/dataprep"
	"phonet/decoders"
	"phonet/features"
	"phonet/hparams"
	"phonet/optimizer"
	"phonet/training"
)

// signalContext cancels the command context on SIGINT or SIGTERM so batch
// loops stop between batches and main reports a clean cancellation.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// loadParams reads and merges the hyperparameters for a command invocation.
func loadParams(hparamsFlag string, setFlags []string) (hparams.Hyperparams, error) {
	if hparamsFlag == "" {
		return hparams.Hyperparams{}, fmt.Errorf("--hparams is required")
	}
	return hparams.Load(hparamsFlag, setFlags)
}

// prepareCorpus runs data preparation into the experiment's manifest folder
// and returns the manifest path.
func prepareCorpus(ctx context.Context, hp hparams.Hyperparams, logger *slog.Logger) (string, error) {
	return dataprep.PrepareTIMIT(ctx, hp.Paths.DataFolder, hp.ManifestFolder(), logger)
}

// openData loads the label dictionary and the three split loaders from the
// prepared manifest.
func openData(ctx context.Context, manifestPath string, hp hparams.Hyperparams) (*dataio.Dictionary, map[string]*dataio.DataLoader, func() error, error) {
	store, err := dataprep.OpenStore(manifestPath)
	if err != nil {
		return nil, nil, nil, err
	}
	labels, err := store.Labels(ctx)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	if len(labels) == 0 {
		store.Close()
		return nil, nil, nil, fmt.Errorf("manifest %s has no labels; run prepare first", manifestPath)
	}
	dict := dataio.NewDictionary(labels)

	loaders := make(map[string]*dataio.DataLoader, len(dataprep.Splits))
	for _, split := range dataprep.Splits {
		ds, err := dataio.LoadDataset(ctx, store, split, dict)
		if err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		dl, err := dataio.NewDataLoader(ds, hp.BatchSize)
		if err != nil {
			store.Close()
			return nil, nil, nil, err
		}
		loaders[split] = dl
	}
	return dict, loaders, store.Close, nil
}

// buildBrain assembles the model, optimizer, scheduler, and searchers from
// the hyperparameters.
func buildBrain(hp hparams.Hyperparams, dict *dataio.Dictionary, logger *slog.Logger) (*training.Brain, error) {
	model, err := training.NewModel(training.ModelConfig{
		SampleRate:    hp.Model.SampleRate,
		NumFilters:    hp.Model.NumFilters,
		Deltas:        hp.Model.Deltas,
		EncoderHidden: hp.Model.EncoderHidden,
		EncoderLayers: hp.Model.EncoderLayers,
		EmbeddingDim:  hp.Model.EmbeddingDim,
		DecoderHidden: hp.Model.DecoderHidden,
		AttentionDim:  hp.Model.AttentionDim,
		Classes:       dict.Size(),
		Seed:          hp.Seed,
		Augment: features.AugmentConfig{
			Enabled:   hp.Augment.Enabled,
			TimeMasks: hp.Augment.TimeMasks,
			TimeWidth: hp.Augment.TimeWidth,
			FreqMasks: hp.Augment.FreqMasks,
			FreqWidth: hp.Augment.FreqWidth,
		},
	})
	if err != nil {
		return nil, err
	}

	var opt optimizer.Optimizer
	switch hp.Optimizer.Type {
	case "sgd":
		opt, err = optimizer.NewSGD(optimizer.SGDConfig{
			LearningRate: hp.Optimizer.LearningRate,
			Momentum:     hp.Optimizer.Momentum,
			WeightDecay:  hp.Optimizer.WeightDecay,
			Nesterov:     hp.Optimizer.Nesterov,
		}, model.Modules.Parameters())
	case "adam":
		cfg := optimizer.DefaultAdamConfig()
		cfg.LearningRate = hp.Optimizer.LearningRate
		cfg.WeightDecay = hp.Optimizer.WeightDecay
		opt, err = optimizer.NewAdam(cfg, model.Modules.Parameters())
	default:
		err = fmt.Errorf("unknown optimizer type %q", hp.Optimizer.Type)
	}
	if err != nil {
		return nil, err
	}

	var sched training.Scheduler
	switch hp.Scheduler.Type {
	case "newbob":
		sched, err = training.NewNewBobScheduler(hp.Optimizer.LearningRate, hp.Scheduler.Factor, hp.Scheduler.ImprovementThreshold, hp.Scheduler.Patient)
	case "step":
		sched, err = training.NewStepScheduler(hp.Optimizer.LearningRate, hp.Scheduler.Factor, hp.Scheduler.StepEvery)
	default:
		err = fmt.Errorf("unknown scheduler type %q", hp.Scheduler.Type)
	}
	if err != nil {
		return nil, err
	}

	decModel := decoders.Model{
		Emb:    model.Emb,
		Dec:    model.Dec,
		SeqLin: model.SeqLin,
		BOS:    dict.BOSIndex(),
		EOS:    dict.EOSIndex(),
	}
	return training.NewBrain(training.BrainOptions{
		Model:     model,
		Optimizer: opt,
		Scheduler: sched,
		Counter:   training.NewEpochCounter(hp.Epochs),
		Greedy: &decoders.GreedySearcher{
			Model:          decModel,
			MinDecodeRatio: hp.Decode.MinDecodeRatio,
			MaxDecodeRatio: hp.Decode.MaxDecodeRatio,
		},
		Beam: &decoders.BeamSearcher{
			Model:          decModel,
			BeamSize:       hp.Decode.BeamSize,
			EOSThreshold:   hp.Decode.EOSThreshold,
			MinDecodeRatio: hp.Decode.MinDecodeRatio,
			MaxDecodeRatio: hp.Decode.MaxDecodeRatio,
		},
		Dictionary:      dict,
		Logger:          logger,
		CTCWeight:       hp.CTCWeight,
		LabelSmoothing:  hp.LabelSmoothing,
		KeepCheckpoints: hp.KeepCheckpoints,
		Seed:            hp.Seed,
	})
}
