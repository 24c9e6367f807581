package features

import (
	"encoding/json"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Normalizer tracks running per-dimension mean and variance over training
// batches and standardizes feature matrices. Its statistics are part of the
// recoverable experiment state.
type Normalizer struct {
	dim   int
	count float64
	sum   []float64
	sumSq []float64
}

// NewNormalizer creates a normalizer for dim-wide feature frames.
func NewNormalizer(dim int) *Normalizer {
	return &Normalizer{
		dim:   dim,
		sum:   make([]float64, dim),
		sumSq: make([]float64, dim),
	}
}

// Apply standardizes feats in place. When update is true (training stage)
// the batch first contributes to the running statistics. Only the first
// frames rows are real data; padding is normalized with the same statistics
// but never counted.
func (n *Normalizer) Apply(feats *mat.Dense, frames int, update bool) error {
	rows, cols := feats.Dims()
	if cols != n.dim {
		return fmt.Errorf("feature width %d does not match normalizer dim %d", cols, n.dim)
	}
	if frames > rows {
		frames = rows
	}

	if update {
		for t := 0; t < frames; t++ {
			for d := 0; d < cols; d++ {
				v := feats.At(t, d)
				n.sum[d] += v
				n.sumSq[d] += v * v
			}
		}
		n.count += float64(frames)
	}

	if n.count == 0 {
		return nil
	}
	for d := 0; d < cols; d++ {
		mean := n.sum[d] / n.count
		variance := n.sumSq[d]/n.count - mean*mean
		if variance < 1e-8 {
			variance = 1e-8
		}
		std := math.Sqrt(variance)
		for t := 0; t < rows; t++ {
			feats.Set(t, d, (feats.At(t, d)-mean)/std)
		}
	}
	return nil
}

// Count returns the number of frames accumulated so far.
func (n *Normalizer) Count() float64 { return n.count }

type normalizerState struct {
	Dim   int       `json:"dim"`
	Count float64   `json:"count"`
	Sum   []float64 `json:"sum"`
	SumSq []float64 `json:"sum_sq"`
}

// MarshalState serializes the running statistics for checkpointing.
func (n *Normalizer) MarshalState() ([]byte, error) {
	return json.Marshal(normalizerState{Dim: n.dim, Count: n.count, Sum: n.sum, SumSq: n.sumSq})
}

// UnmarshalState restores the running statistics from a checkpoint.
func (n *Normalizer) UnmarshalState(data []byte) error {
	var st normalizerState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode normalizer state: %v", err)
	}
	if st.Dim != n.dim {
		return fmt.Errorf("normalizer dim mismatch: checkpoint %d, model %d", st.Dim, n.dim)
	}
	n.count = st.Count
	n.sum = st.Sum
	n.sumSq = st.SumSq
	return nil
}
