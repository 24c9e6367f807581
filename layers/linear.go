package layers

import "math/rand"

// Linear is a fully connected layer used for the CTC and sequence output
// projections.
type Linear struct {
	name string
	W    *Node
	B    *Node
	bias bool
}

// NewLinear creates a Linear layer mapping inputSize to outputSize.
func NewLinear(name string, inputSize, outputSize int, bias bool, rng *rand.Rand) *Linear {
	l := &Linear{
		name: name,
		W:    Weight(glorot(inputSize, outputSize, rng)),
		bias: bias,
	}
	if bias {
		l.B = Weight(zeros(1, outputSize))
	}
	return l
}

func (l *Linear) Name() string { return l.name }

// Apply computes x @ W (+ b) for a [batch, inputSize] node.
func (l *Linear) Apply(x *Node) *Node {
	out := MatMul(x, l.W)
	if l.bias {
		out = AddRow(out, l.B)
	}
	return out
}

func (l *Linear) Parameters() []*Param {
	params := []*Param{{Name: "weight", W: l.W}}
	if l.bias {
		params = append(params, &Param{Name: "bias", W: l.B})
	}
	return params
}

// Embedding maps label indices to dense vectors for the decoder input.
type Embedding struct {
	name  string
	Table *Node
}

// NewEmbedding creates an embedding table with numEmbeddings rows.
func NewEmbedding(name string, numEmbeddings, dim int, rng *rand.Rand) *Embedding {
	return &Embedding{name: name, Table: Weight(glorot(numEmbeddings, dim, rng))}
}

func (e *Embedding) Name() string { return e.name }

// Lookup gathers the embedding rows for one timestep of label indices.
func (e *Embedding) Lookup(idx []int) *Node {
	return Rows(e.Table, idx)
}

func (e *Embedding) Parameters() []*Param {
	return []*Param{{Name: "weight", W: e.Table}}
}
