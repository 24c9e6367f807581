package dataio

import (
	"context"
	"math"
	"math/rand"
	"os"

	"github.com/go-audio/wav"
	"github.com/pkg/errors"

	"phonet/dataprep"
)

// Example is one utterance ready for batching.
type Example struct {
	ID      string
	Wav     string
	Samples int
	Targets []int
}

// Dataset is one split of encoded utterances.
type Dataset struct {
	examples []Example
}

// LoadDataset reads one split from the manifest store and encodes its
// transcriptions with the dictionary.
func LoadDataset(ctx context.Context, store *dataprep.Store, split string, dict *Dictionary) (*Dataset, error) {
	utterances, err := store.Utterances(ctx, split)
	if err != nil {
		return nil, err
	}
	if len(utterances) == 0 {
		return nil, errors.Errorf("split %q is empty", split)
	}

	ds := &Dataset{examples: make([]Example, 0, len(utterances))}
	for _, u := range utterances {
		targets, err := dict.Encode(u.Phonemes)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s", u.ID)
		}
		ds.examples = append(ds.examples, Example{
			ID:      u.ID,
			Wav:     u.Wav,
			Samples: u.Samples,
			Targets: targets,
		})
	}
	return ds, nil
}

// Len is the number of utterances in the split.
func (ds *Dataset) Len() int { return len(ds.examples) }

// Get returns the example at index i.
func (ds *Dataset) Get(i int) Example { return ds.examples[i] }

// Batch is one padded mini-batch: waveforms and targets padded to the batch
// maximum with per-utterance relative lengths.
type Batch struct {
	IDs        []string
	Waveforms  [][]float64
	WavLens    []float64
	Targets    [][]int
	TargetLens []float64
}

// Size is the number of utterances in the batch.
func (b *Batch) Size() int { return len(b.IDs) }

// DataLoader serves padded batches from a dataset, optionally reshuffling
// the visit order between epochs.
type DataLoader struct {
	dataset   *Dataset
	batchSize int
	order     []int
}

// NewDataLoader wraps a dataset for batched iteration.
func NewDataLoader(ds *Dataset, batchSize int) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	order := make([]int, ds.Len())
	for i := range order {
		order[i] = i
	}
	return &DataLoader{dataset: ds, batchSize: batchSize, order: order}, nil
}

// NumBatches is the number of batches per epoch.
func (dl *DataLoader) NumBatches() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Shuffle re-randomizes the visit order for the next epoch.
func (dl *DataLoader) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(dl.order), func(i, j int) {
		dl.order[i], dl.order[j] = dl.order[j], dl.order[i]
	})
}

// Batch assembles the i-th batch of the current epoch, reading and padding
// the waveforms.
func (dl *DataLoader) Batch(i int) (*Batch, error) {
	if i < 0 || i >= dl.NumBatches() {
		return nil, errors.Errorf("batch index %d out of range [0, %d)", i, dl.NumBatches())
	}
	start := i * dl.batchSize
	end := start + dl.batchSize
	if end > len(dl.order) {
		end = len(dl.order)
	}

	b := &Batch{}
	maxSamples, maxTargets := 0, 0
	examples := make([]Example, 0, end-start)
	waves := make([][]float64, 0, end-start)
	for _, idx := range dl.order[start:end] {
		ex := dl.dataset.Get(idx)
		wave, _, err := ReadWav(ex.Wav)
		if err != nil {
			return nil, errors.Wrapf(err, "load %s", ex.ID)
		}
		examples = append(examples, ex)
		waves = append(waves, wave)
		if len(wave) > maxSamples {
			maxSamples = len(wave)
		}
		if len(ex.Targets) > maxTargets {
			maxTargets = len(ex.Targets)
		}
	}

	for j, ex := range examples {
		padded := make([]float64, maxSamples)
		copy(padded, waves[j])
		targets := make([]int, maxTargets)
		copy(targets, ex.Targets)

		b.IDs = append(b.IDs, ex.ID)
		b.Waveforms = append(b.Waveforms, padded)
		b.WavLens = append(b.WavLens, float64(len(waves[j]))/float64(maxSamples))
		b.Targets = append(b.Targets, targets)
		b.TargetLens = append(b.TargetLens, float64(len(ex.Targets))/float64(maxTargets))
	}
	return b, nil
}

// ReadWav decodes a mono PCM file into samples scaled to [-1, 1] and
// returns the sample rate.
func ReadWav(path string) ([]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "open audio")
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, errors.Wrapf(err, "decode %s", path)
	}
	if buf.Format.NumChannels != 1 {
		return nil, 0, errors.Errorf("%s has %d channels, want mono", path, buf.Format.NumChannels)
	}

	scale := float64(int(1) << 15)
	if buf.SourceBitDepth > 0 {
		scale = math.Pow(2, float64(buf.SourceBitDepth-1))
	}
	wave := make([]float64, len(buf.Data))
	for i, s := range buf.Data {
		wave[i] = float64(s) / scale
	}
	return wave, int(buf.Format.SampleRate), nil
}
