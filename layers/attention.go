package layers

import "math/rand"

// AttentionDecoder is a content-based attention GRU decoder. Each step
// attends over the encoder states with the previous hidden state, feeds the
// attended context alongside the label embedding into a GRU cell, and emits
// the concatenation of the new hidden state and the context. The sequence
// output projection reads that concatenation.
type AttentionDecoder struct {
	name string
	cell *GRUCell

	// Attention parameters: encoder keys, decoder query, energy vector.
	Wenc *Node
	Wdec *Node
	V    *Node

	encDim  int
	attnDim int
}

// NewAttentionDecoder creates the decoder. embSize is the label embedding
// width, encDim the per-frame encoder state width.
func NewAttentionDecoder(name string, embSize, encDim, hiddenSize, attnDim int, rng *rand.Rand) *AttentionDecoder {
	return &AttentionDecoder{
		name:    name,
		cell:    NewGRUCell("gru", embSize+encDim, hiddenSize, rng),
		Wenc:    Weight(glorot(encDim, attnDim, rng)),
		Wdec:    Weight(glorot(hiddenSize, attnDim, rng)),
		V:       Weight(glorot(attnDim, 1, rng)),
		encDim:  encDim,
		attnDim: attnDim,
	}
}

func (d *AttentionDecoder) Name() string { return d.name }

// OutputSize returns the width of each step output (hidden + context).
func (d *AttentionDecoder) OutputSize() int {
	return d.cell.HiddenSize() + d.encDim
}

// InitState returns the zero hidden state for a batch.
func (d *AttentionDecoder) InitState(batch int) *Node {
	return d.cell.InitState(batch)
}

// ProjectKeys precomputes the attention key projection of each encoder
// state. The projection is reused by every decode step.
func (d *AttentionDecoder) ProjectKeys(enc []*Node) []*Node {
	keys := make([]*Node, len(enc))
	for t, e := range enc {
		keys[t] = MatMul(e, d.Wenc)
	}
	return keys
}

// Step runs one decode step. emb is the embedded previous label
// [batch, embSize]; h the previous hidden state. It returns the step output
// (hidden ++ context) and the new hidden state.
func (d *AttentionDecoder) Step(emb, h *Node, enc, keys []*Node, encLens []int) (*Node, *Node) {
	query := MatMul(h, d.Wdec)
	energies := make([]*Node, len(enc))
	for t := range enc {
		energies[t] = MatMul(Tanh(Add(keys[t], query)), d.V)
	}
	weights := MaskedSoftmax(ConcatCols(energies...), encLens)
	ctx := WeightedSum(weights, enc)

	hNew := d.cell.Step(ConcatCols(emb, ctx), h)
	return ConcatCols(hNew, ctx), hNew
}

// ForwardTF runs the teacher-forced path over a timestep-major sequence of
// embedded labels, returning one output per label position.
func (d *AttentionDecoder) ForwardTF(embs []*Node, enc []*Node, encLens []int) []*Node {
	batch, _ := embs[0].Dims()
	h := d.InitState(batch)
	keys := d.ProjectKeys(enc)
	outputs := make([]*Node, len(embs))
	for t, e := range embs {
		outputs[t], h = d.Step(e, h, enc, keys, encLens)
	}
	return outputs
}

func (d *AttentionDecoder) Parameters() []*Param {
	params := []*Param{
		{Name: "attn.Wenc", W: d.Wenc},
		{Name: "attn.Wdec", W: d.Wdec},
		{Name: "attn.v", W: d.V},
	}
	for _, p := range d.cell.Parameters() {
		params = append(params, &Param{Name: d.cell.Name() + "." + p.Name, W: p.W})
	}
	return params
}
