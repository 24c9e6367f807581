package training

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"phonet/checkpoints"
	"phonet/dataio"
	"phonet/decoders"
	"phonet/layers"
	"phonet/optimizer"
	"phonet/trainlog"
	"phonet/wer"
)

// Predictions is the transient output of one forward pass.
type Predictions struct {
	CTCLogProbs []*layers.Node // timestep-major [batch, classes]
	SeqLogProbs []*layers.Node // decode-step-major [batch, classes]
	EncLens     []int          // valid encoder frames per utterance
	Hyps        [][]int        // decoded hypotheses, off-train stages only
}

// BrainOptions wires the training controller together.
type BrainOptions struct {
	Model        *Model
	Optimizer    optimizer.Optimizer
	Scheduler    Scheduler
	Counter      *EpochCounter
	Greedy       *decoders.GreedySearcher
	Beam         *decoders.BeamSearcher
	Checkpointer *checkpoints.Checkpointer
	Dictionary   *dataio.Dictionary
	Logger       *slog.Logger

	CTCWeight       float64
	LabelSmoothing  float64
	KeepCheckpoints int
	Seed            int64
}

// Brain drives training and evaluation: per-batch forward/loss/update and
// the per-epoch annealing, logging, and checkpointing hooks.
type Brain struct {
	model        *Model
	opt          optimizer.Optimizer
	scheduler    Scheduler
	counter      *EpochCounter
	greedy       *decoders.GreedySearcher
	beam         *decoders.BeamSearcher
	checkpointer *checkpoints.Checkpointer
	dict         *dataio.Dictionary
	logger       *slog.Logger

	ctcWeight      float64
	labelSmoothing float64
	keep           int
	rng            *rand.Rand
}

// NewBrain validates the options and builds the controller.
func NewBrain(opts BrainOptions) (*Brain, error) {
	if opts.Model == nil || opts.Optimizer == nil || opts.Scheduler == nil || opts.Counter == nil {
		return nil, fmt.Errorf("brain needs a model, optimizer, scheduler, and epoch counter")
	}
	if opts.Dictionary == nil {
		return nil, fmt.Errorf("brain needs a label dictionary")
	}
	if opts.CTCWeight < 0 || opts.CTCWeight > 1 {
		return nil, fmt.Errorf("ctc weight %v out of range [0, 1]", opts.CTCWeight)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keep := opts.KeepCheckpoints
	if keep < 1 {
		keep = 1
	}
	return &Brain{
		model:          opts.Model,
		opt:            opts.Optimizer,
		scheduler:      opts.Scheduler,
		counter:        opts.Counter,
		greedy:         opts.Greedy,
		beam:           opts.Beam,
		checkpointer:   opts.Checkpointer,
		dict:           opts.Dictionary,
		logger:         logger,
		ctcWeight:      opts.CTCWeight,
		labelSmoothing: opts.LabelSmoothing,
		keep:           keep,
		rng:            rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// ComputeForward runs feature extraction, the encoder, the CTC head, and
// the teacher-forced decoder path. Off-train stages additionally decode
// hypotheses (greedy for validation, beam search for test).
func (br *Brain) ComputeForward(b *dataio.Batch, stage Stage) (*Predictions, error) {
	batch := b.Size()
	if batch == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	feats := make([]*mat.Dense, batch)
	encLens := make([]int, batch)
	frames := 0
	for i, wave := range b.Waveforms {
		f, err := br.model.Fbank.Compute(wave)
		if err != nil {
			return nil, fmt.Errorf("features for %s: %v", b.IDs[i], err)
		}
		absSamples := dataio.AbsoluteLength(b.WavLens[i], len(wave))
		encLens[i] = br.model.Fbank.NumFrames(absSamples)
		if encLens[i] < 1 {
			return nil, fmt.Errorf("utterance %s shorter than one frame", b.IDs[i])
		}
		if err := br.model.Normalizer.Apply(f, encLens[i], stage == StageTrain); err != nil {
			return nil, err
		}
		// Masks run on normalized features, after the statistics update,
		// so the masked zeros sit at the feature mean and never enter
		// the running mean and variance.
		if stage == StageTrain && br.model.Augmenter != nil {
			br.model.Augmenter.Apply(f, encLens[i])
		}
		feats[i] = f
		r, _ := f.Dims()
		if r > frames {
			frames = r
		}
	}

	// Timestep-major inputs, padded rows stay zero.
	dim := br.model.Fbank.FeatureSize()
	xs := make([]*layers.Node, frames)
	for t := 0; t < frames; t++ {
		v := mat.NewDense(batch, dim, nil)
		for i, f := range feats {
			if r, _ := f.Dims(); t < r {
				v.SetRow(i, f.RawRowView(t))
			}
		}
		xs[t] = layers.Input(v)
	}

	enc := br.model.Encoder.Forward(xs, encLens)

	p := &Predictions{EncLens: encLens}
	p.CTCLogProbs = make([]*layers.Node, len(enc))
	for t, e := range enc {
		p.CTCLogProbs[t] = layers.LogSoftmax(br.model.CTCLin.Apply(e))
	}

	// Teacher forcing: BOS-prepended targets drive the decoder. Decode
	// length is the longest BOS row, leaving room for the EOS position.
	targets := dataio.UndoPadding(b.Targets, b.TargetLens)
	bosTargets := dataio.PrependBOS(targets, br.dict.BOSIndex())
	steps := 0
	for _, row := range bosTargets {
		if len(row) > steps {
			steps = len(row)
		}
	}
	embs := make([]*layers.Node, steps)
	for t := 0; t < steps; t++ {
		tokens := make([]int, batch)
		for i, row := range bosTargets {
			if t < len(row) {
				tokens[i] = row[t]
			} else {
				tokens[i] = br.dict.BlankIndex()
			}
		}
		embs[t] = br.model.Emb.Lookup(tokens)
	}
	outs := br.model.Dec.ForwardTF(embs, enc, encLens)
	p.SeqLogProbs = make([]*layers.Node, len(outs))
	for t, out := range outs {
		p.SeqLogProbs[t] = layers.LogSoftmax(br.model.SeqLin.Apply(out))
	}

	switch stage {
	case StageValid:
		if br.greedy != nil {
			p.Hyps = br.greedy.Search(enc, encLens)
		}
	case StageTest:
		if br.beam != nil {
			p.Hyps = br.beam.Search(enc, encLens)
		}
	}
	return p, nil
}

// ComputeObjectives combines the CTC and sequence losses with the
// configured weight and, off-train, scores the decoded hypotheses.
func (br *Brain) ComputeObjectives(p *Predictions, b *dataio.Batch, stage Stage) (*layers.Node, []wer.Details, error) {
	targets := dataio.UndoPadding(b.Targets, b.TargetLens)
	eosPadded, eosLens := dataio.AppendEOS(b.Targets, b.TargetLens, br.dict.EOSIndex())
	eosTargets := dataio.UndoPadding(eosPadded, eosLens)

	var loss *layers.Node
	switch {
	case br.ctcWeight == 1.0:
		ctc, err := CTCLoss(p.CTCLogProbs, targets, p.EncLens, br.dict.BlankIndex())
		if err != nil {
			return nil, nil, err
		}
		loss = ctc
	case br.ctcWeight == 0.0:
		seq, err := SeqNLL(p.SeqLogProbs, eosTargets, br.labelSmoothing)
		if err != nil {
			return nil, nil, err
		}
		loss = seq
	default:
		ctc, err := CTCLoss(p.CTCLogProbs, targets, p.EncLens, br.dict.BlankIndex())
		if err != nil {
			return nil, nil, err
		}
		seq, err := SeqNLL(p.SeqLogProbs, eosTargets, br.labelSmoothing)
		if err != nil {
			return nil, nil, err
		}
		loss = layers.AddScalars(layers.Scale(ctc, br.ctcWeight), layers.Scale(seq, 1-br.ctcWeight))
	}

	var details []wer.Details
	if stage != StageTrain && p.Hyps != nil {
		refs := make([][]string, len(targets))
		hyps := make([][]string, len(targets))
		for i := range targets {
			refs[i] = br.dict.Decode(targets[i])
			hyps[i] = br.dict.Decode(p.Hyps[i])
		}
		var err error
		details, err = wer.DetailsForBatch(b.IDs, refs, hyps)
		if err != nil {
			return nil, nil, err
		}
	}
	return loss, details, nil
}

// FitBatch runs forward, loss, backward, and one optimizer update.
func (br *Brain) FitBatch(b *dataio.Batch) (float64, error) {
	p, err := br.ComputeForward(b, StageTrain)
	if err != nil {
		return 0, err
	}
	loss, _, err := br.ComputeObjectives(p, b, StageTrain)
	if err != nil {
		return 0, err
	}
	if err := layers.Backward(loss); err != nil {
		return 0, err
	}
	if err := br.opt.Step(); err != nil {
		return 0, err
	}
	br.opt.ZeroGrad()
	value, err := loss.Item()
	if err != nil {
		return 0, err
	}
	return value, nil
}

// EvaluateBatch runs forward and loss without updating parameters.
func (br *Brain) EvaluateBatch(b *dataio.Batch, stage Stage) (float64, []wer.Details, error) {
	p, err := br.ComputeForward(b, stage)
	if err != nil {
		return 0, nil, err
	}
	loss, details, err := br.ComputeObjectives(p, b, stage)
	if err != nil {
		return 0, nil, err
	}
	value, err := loss.Item()
	if err != nil {
		return 0, nil, err
	}
	return value, details, nil
}

// OnEpochEnd summarizes the validation error rate, anneals the learning
// rate, logs the epoch, and saves a pruned checkpoint keyed on recency and
// negated PER.
func (br *Brain) OnEpochEnd(epoch int, trainLoss, validLoss float64, validDetails []wer.Details) error {
	summary := wer.Summarize(validDetails)
	oldLR, newLR := br.scheduler.OnEpochEnd(summary.WER)
	br.opt.UpdateLearningRate(newLR)

	trainlog.LogStats(br.logger, epoch, oldLR, map[string]map[string]float64{
		"train": {"loss": trainLoss},
		"valid": {"loss": validLoss, "PER": summary.WER},
	})
	if newLR != oldLR {
		br.logger.Info("learning rate annealed", "old", oldLR, "new", newLR)
	}

	if br.checkpointer == nil {
		return nil
	}
	keys := []checkpoints.ImportanceKey{checkpoints.Recency, checkpoints.NegatedMetric("PER")}
	_, err := br.checkpointer.SaveAndKeepOnly(map[string]float64{"PER": summary.WER}, keys, br.keep)
	return err
}

// Fit runs the training loop: one pass over the train split and one
// validation pass per epoch, until the epoch counter is exhausted.
func (br *Brain) Fit(ctx context.Context, train, valid *dataio.DataLoader) error {
	for br.counter.Next() {
		epoch := br.counter.Current()
		train.Shuffle(br.rng)

		var trainLoss float64
		for i := 0; i < train.NumBatches(); i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := train.Batch(i)
			if err != nil {
				return err
			}
			loss, err := br.FitBatch(b)
			if err != nil {
				return fmt.Errorf("epoch %d batch %d: %v", epoch, i, err)
			}
			trainLoss += loss
		}
		trainLoss /= float64(train.NumBatches())

		var validLoss float64
		var details []wer.Details
		for i := 0; i < valid.NumBatches(); i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := valid.Batch(i)
			if err != nil {
				return err
			}
			loss, d, err := br.EvaluateBatch(b, StageValid)
			if err != nil {
				return fmt.Errorf("epoch %d valid batch %d: %v", epoch, i, err)
			}
			validLoss += loss
			details = append(details, d...)
		}
		validLoss /= float64(valid.NumBatches())

		if err := br.OnEpochEnd(epoch, trainLoss, validLoss, details); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate runs the test stage and returns the corpus summary with the
// per-utterance details.
func (br *Brain) Evaluate(ctx context.Context, test *dataio.DataLoader) (wer.Summary, []wer.Details, error) {
	var testLoss float64
	var details []wer.Details
	for i := 0; i < test.NumBatches(); i++ {
		if err := ctx.Err(); err != nil {
			return wer.Summary{}, nil, err
		}
		b, err := test.Batch(i)
		if err != nil {
			return wer.Summary{}, nil, err
		}
		loss, d, err := br.EvaluateBatch(b, StageTest)
		if err != nil {
			return wer.Summary{}, nil, fmt.Errorf("test batch %d: %v", i, err)
		}
		testLoss += loss
		details = append(details, d...)
	}
	testLoss /= float64(test.NumBatches())

	summary := wer.Summarize(details)
	br.logger.Info("test evaluation complete", "test_loss", testLoss, "test_per", summary.WER)
	return summary, details, nil
}

// Recoverables returns the named state the checkpointer persists.
func (br *Brain) Recoverables() map[string]checkpoints.Recoverable {
	return map[string]checkpoints.Recoverable{
		"model":      &checkpoints.ModelRecoverable{Modules: br.model.Modules},
		"optimizer":  br.opt,
		"scheduler":  br.scheduler,
		"normalizer": br.model.Normalizer,
		"counter":    br.counter,
	}
}

// SetCheckpointer installs the checkpointer after construction. The
// checkpointer needs the brain's recoverables, so wiring happens in two
// steps.
func (br *Brain) SetCheckpointer(cp *checkpoints.Checkpointer) { br.checkpointer = cp }
