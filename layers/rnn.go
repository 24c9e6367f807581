package layers

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// GRUCell is a single gated recurrent unit. Parameters follow the usual
// naming: W* act on the input, U* on the previous hidden state.
type GRUCell struct {
	name       string
	inputSize  int
	hiddenSize int

	Wz, Uz, Bz *Node
	Wr, Ur, Br *Node
	Wh, Uh, Bh *Node
}

// NewGRUCell creates a GRU cell with the given sizes.
func NewGRUCell(name string, inputSize, hiddenSize int, rng *rand.Rand) *GRUCell {
	return &GRUCell{
		name:       name,
		inputSize:  inputSize,
		hiddenSize: hiddenSize,
		Wz:         Weight(glorot(inputSize, hiddenSize, rng)),
		Uz:         Weight(glorot(hiddenSize, hiddenSize, rng)),
		Bz:         Weight(zeros(1, hiddenSize)),
		Wr:         Weight(glorot(inputSize, hiddenSize, rng)),
		Ur:         Weight(glorot(hiddenSize, hiddenSize, rng)),
		Br:         Weight(zeros(1, hiddenSize)),
		Wh:         Weight(glorot(inputSize, hiddenSize, rng)),
		Uh:         Weight(glorot(hiddenSize, hiddenSize, rng)),
		Bh:         Weight(zeros(1, hiddenSize)),
	}
}

func (g *GRUCell) Name() string    { return g.name }
func (g *GRUCell) HiddenSize() int { return g.hiddenSize }

// InitState returns a zero hidden state for a batch.
func (g *GRUCell) InitState(batch int) *Node {
	return Input(zeros(batch, g.hiddenSize))
}

// Step advances the cell one timestep: x is [batch, inputSize], h is
// [batch, hiddenSize].
func (g *GRUCell) Step(x, h *Node) *Node {
	z := Sigmoid(AddRow(Add(MatMul(x, g.Wz), MatMul(h, g.Uz)), g.Bz))
	r := Sigmoid(AddRow(Add(MatMul(x, g.Wr), MatMul(h, g.Ur)), g.Br))
	cand := Tanh(AddRow(Add(MatMul(x, g.Wh), MatMul(Mul(r, h), g.Uh)), g.Bh))
	return Add(Mul(OneMinus(z), h), Mul(z, cand))
}

// Forward unrolls the cell over a timestep-major sequence.
func (g *GRUCell) Forward(xs []*Node) []*Node {
	batch, _ := xs[0].Dims()
	h := g.InitState(batch)
	states := make([]*Node, len(xs))
	for t, x := range xs {
		h = g.Step(x, h)
		states[t] = h
	}
	return states
}

func (g *GRUCell) Parameters() []*Param {
	return []*Param{
		{Name: "Wz", W: g.Wz}, {Name: "Uz", W: g.Uz}, {Name: "bz", W: g.Bz},
		{Name: "Wr", W: g.Wr}, {Name: "Ur", W: g.Ur}, {Name: "br", W: g.Br},
		{Name: "Wh", W: g.Wh}, {Name: "Uh", W: g.Uh}, {Name: "bh", W: g.Bh},
	}
}

// ReverseTime reverses each sequence within its own valid length:
// out[t][b, :] = xs[lens[b]-1-t][b, :] for t < lens[b], zero past the end.
// Padding stays at the tail so the backward direction of a BiGRU reads real
// frames first.
func ReverseTime(xs []*Node, lens []int) []*Node {
	batch, cols := xs[0].Dims()
	out := make([]*Node, len(xs))
	for t := range xs {
		t := t
		v := mat.NewDense(batch, cols, nil)
		for b := 0; b < batch; b++ {
			if t < lens[b] {
				v.SetRow(b, xs[lens[b]-1-t].Value.RawRowView(b))
			}
		}
		node := newResult(v, xs...)
		node.backward = func() {
			for b := 0; b < batch; b++ {
				if t >= lens[b] {
					continue
				}
				src := xs[lens[b]-1-t]
				src.ensureGrad()
				for j := 0; j < cols; j++ {
					src.Grad.Set(b, j, src.Grad.At(b, j)+node.Grad.At(b, j))
				}
			}
		}
		out[t] = node
	}
	return out
}

// BiGRU runs a forward and a backward GRU over the sequence and
// concatenates their states per timestep.
type BiGRU struct {
	name string
	fwd  *GRUCell
	bwd  *GRUCell
}

// NewBiGRU creates a bidirectional GRU layer. Output size is 2*hiddenSize.
func NewBiGRU(name string, inputSize, hiddenSize int, rng *rand.Rand) *BiGRU {
	return &BiGRU{
		name: name,
		fwd:  NewGRUCell("fwd", inputSize, hiddenSize, rng),
		bwd:  NewGRUCell("bwd", inputSize, hiddenSize, rng),
	}
}

func (b *BiGRU) Name() string { return b.name }

// Forward returns per-timestep [batch, 2*hidden] states aligned with the
// input order.
func (b *BiGRU) Forward(xs []*Node, lens []int) []*Node {
	fwdStates := b.fwd.Forward(xs)
	bwdStates := b.bwd.Forward(ReverseTime(xs, lens))
	// Re-reverse so timestep t of both directions describes frame t.
	bwdStates = ReverseTime(bwdStates, lens)
	out := make([]*Node, len(xs))
	for t := range xs {
		out[t] = ConcatCols(fwdStates[t], bwdStates[t])
	}
	return out
}

func (b *BiGRU) Parameters() []*Param {
	var params []*Param
	for _, cell := range []*GRUCell{b.fwd, b.bwd} {
		for _, p := range cell.Parameters() {
			params = append(params, &Param{Name: cell.Name() + "." + p.Name, W: p.W})
		}
	}
	return params
}

// Encoder stacks bidirectional GRU layers over the feature sequence. Its
// per-timestep output size is 2*hiddenSize.
type Encoder struct {
	name   string
	stack  []*BiGRU
	outDim int
}

// NewEncoder builds numLayers stacked BiGRU layers reading inputSize
// features.
func NewEncoder(name string, inputSize, hiddenSize, numLayers int, rng *rand.Rand) (*Encoder, error) {
	if numLayers < 1 {
		return nil, fmt.Errorf("encoder needs at least one layer, got %d", numLayers)
	}
	enc := &Encoder{name: name, outDim: 2 * hiddenSize}
	in := inputSize
	for i := 0; i < numLayers; i++ {
		enc.stack = append(enc.stack, NewBiGRU(fmt.Sprintf("bigru%d", i), in, hiddenSize, rng))
		in = 2 * hiddenSize
	}
	return enc, nil
}

func (e *Encoder) Name() string { return e.name }

// OutputSize returns the per-frame encoder state width.
func (e *Encoder) OutputSize() int { return e.outDim }

// Forward encodes a timestep-major feature sequence.
func (e *Encoder) Forward(xs []*Node, lens []int) []*Node {
	states := xs
	for _, layer := range e.stack {
		states = layer.Forward(states, lens)
	}
	return states
}

func (e *Encoder) Parameters() []*Param {
	var params []*Param
	for _, layer := range e.stack {
		for _, p := range layer.Parameters() {
			params = append(params, &Param{Name: layer.Name() + "." + p.Name, W: p.W})
		}
	}
	return params
}
