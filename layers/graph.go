package layers

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Node is a single value on the computation tape. Every operation below
// returns a new Node whose backward closure scatters gradients into its
// parents. Leaves created with Weight are trainable parameters; leaves
// created with Input are batch data.
type Node struct {
	Value *mat.Dense
	Grad  *mat.Dense

	parents      []*Node
	backward     func()
	requiresGrad bool
}

// Input wraps a constant matrix that does not require gradients.
func Input(v *mat.Dense) *Node {
	return &Node{Value: v}
}

// Weight wraps a trainable parameter matrix.
func Weight(v *mat.Dense) *Node {
	return &Node{Value: v, requiresGrad: true}
}

// Dims returns the row and column counts of the node value.
func (n *Node) Dims() (int, int) {
	return n.Value.Dims()
}

// Item returns the scalar held by a 1x1 node.
func (n *Node) Item() (float64, error) {
	r, c := n.Value.Dims()
	if r != 1 || c != 1 {
		return 0, fmt.Errorf("Item requires a 1x1 node, got %dx%d", r, c)
	}
	return n.Value.At(0, 0), nil
}

// ZeroGrad clears the accumulated gradient of a leaf.
func (n *Node) ZeroGrad() {
	if n.Grad != nil {
		n.Grad.Zero()
	}
}

func (n *Node) ensureGrad() {
	if n.Grad == nil {
		r, c := n.Value.Dims()
		n.Grad = mat.NewDense(r, c, nil)
	}
}

// accumulate adds delta into the gradient of n, allocating it on first use.
// Gradients flow through interior nodes regardless of requiresGrad so that
// parameters reachable through them still receive updates.
func (n *Node) accumulate(delta mat.Matrix) {
	n.ensureGrad()
	n.Grad.Add(n.Grad, delta)
}

func newResult(v *mat.Dense, parents ...*Node) *Node {
	// Interior nodes always carry gradients during backward; tracking
	// reachability per node is not worth the bookkeeping at this scale.
	return &Node{Value: v, parents: parents, requiresGrad: true}
}

// Backward runs reverse-mode differentiation from a scalar (1x1) root.
func Backward(root *Node) error {
	if r, c := root.Value.Dims(); r != 1 || c != 1 {
		return fmt.Errorf("backward root must be 1x1, got %dx%d", r, c)
	}

	order := topoSort(root)
	root.ensureGrad()
	root.Grad.Set(0, 0, 1)

	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		if n.backward != nil && n.Grad != nil {
			n.backward()
		}
	}
	return nil
}

// topoSort returns the tape in dependency order using an explicit stack;
// decoder tapes grow with utterance length and would overflow a recursive
// walk.
func topoSort(root *Node) []*Node {
	type frame struct {
		node *Node
		next int
	}
	var order []*Node
	visited := make(map[*Node]bool)
	stack := []frame{{node: root}}
	visited[root] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.node.parents) {
			child := top.node.parents[top.next]
			top.next++
			if !visited[child] {
				visited[child] = true
				stack = append(stack, frame{node: child})
			}
			continue
		}
		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}
	return order
}

// MatMul returns a @ b.
func MatMul(a, b *Node) *Node {
	ar, _ := a.Value.Dims()
	_, bc := b.Value.Dims()
	v := mat.NewDense(ar, bc, nil)
	v.Mul(a.Value, b.Value)
	out := newResult(v, a, b)
	out.backward = func() {
		var da, db mat.Dense
		da.Mul(out.Grad, b.Value.T())
		a.accumulate(&da)
		db.Mul(a.Value.T(), out.Grad)
		b.accumulate(&db)
	}
	return out
}

// Add returns the elementwise sum of two same-shaped nodes.
func Add(a, b *Node) *Node {
	r, c := a.Value.Dims()
	v := mat.NewDense(r, c, nil)
	v.Add(a.Value, b.Value)
	out := newResult(v, a, b)
	out.backward = func() {
		a.accumulate(out.Grad)
		b.accumulate(out.Grad)
	}
	return out
}

// AddRow broadcasts a 1xC row vector (typically a bias) over every row of a.
func AddRow(a, row *Node) *Node {
	r, c := a.Value.Dims()
	v := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v.Set(i, j, a.Value.At(i, j)+row.Value.At(0, j))
		}
	}
	out := newResult(v, a, row)
	out.backward = func() {
		a.accumulate(out.Grad)
		sum := mat.NewDense(1, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				sum.Set(0, j, sum.At(0, j)+out.Grad.At(i, j))
			}
		}
		row.accumulate(sum)
	}
	return out
}

// Mul returns the elementwise (Hadamard) product.
func Mul(a, b *Node) *Node {
	r, c := a.Value.Dims()
	v := mat.NewDense(r, c, nil)
	v.MulElem(a.Value, b.Value)
	out := newResult(v, a, b)
	out.backward = func() {
		var da, db mat.Dense
		da.MulElem(out.Grad, b.Value)
		a.accumulate(&da)
		db.MulElem(out.Grad, a.Value)
		b.accumulate(&db)
	}
	return out
}

// Scale multiplies every element by a constant.
func Scale(a *Node, s float64) *Node {
	r, c := a.Value.Dims()
	v := mat.NewDense(r, c, nil)
	v.Scale(s, a.Value)
	out := newResult(v, a)
	out.backward = func() {
		var da mat.Dense
		da.Scale(s, out.Grad)
		a.accumulate(&da)
	}
	return out
}

// OneMinus returns 1 - a elementwise. Used by the GRU update gate.
func OneMinus(a *Node) *Node {
	r, c := a.Value.Dims()
	v := mat.NewDense(r, c, nil)
	v.Apply(func(_, _ int, x float64) float64 { return 1 - x }, a.Value)
	out := newResult(v, a)
	out.backward = func() {
		var da mat.Dense
		da.Scale(-1, out.Grad)
		a.accumulate(&da)
	}
	return out
}

// Sigmoid applies the logistic function elementwise.
func Sigmoid(a *Node) *Node {
	r, c := a.Value.Dims()
	v := mat.NewDense(r, c, nil)
	v.Apply(func(_, _ int, x float64) float64 { return 1 / (1 + math.Exp(-x)) }, a.Value)
	out := newResult(v, a)
	out.backward = func() {
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				s := v.At(i, j)
				da.Set(i, j, out.Grad.At(i, j)*s*(1-s))
			}
		}
		a.accumulate(da)
	}
	return out
}

// Tanh applies the hyperbolic tangent elementwise.
func Tanh(a *Node) *Node {
	r, c := a.Value.Dims()
	v := mat.NewDense(r, c, nil)
	v.Apply(func(_, _ int, x float64) float64 { return math.Tanh(x) }, a.Value)
	out := newResult(v, a)
	out.backward = func() {
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				t := v.At(i, j)
				da.Set(i, j, out.Grad.At(i, j)*(1-t*t))
			}
		}
		a.accumulate(da)
	}
	return out
}

// ConcatCols concatenates nodes with equal row counts along columns.
func ConcatCols(nodes ...*Node) *Node {
	if len(nodes) == 1 {
		return nodes[0]
	}
	r, _ := nodes[0].Value.Dims()
	total := 0
	for _, n := range nodes {
		_, c := n.Value.Dims()
		total += c
	}
	v := mat.NewDense(r, total, nil)
	off := 0
	for _, n := range nodes {
		_, c := n.Value.Dims()
		v.Slice(0, r, off, off+c).(*mat.Dense).Copy(n.Value)
		off += c
	}
	out := newResult(v, nodes...)
	out.backward = func() {
		off := 0
		for _, n := range nodes {
			_, c := n.Value.Dims()
			n.accumulate(out.Grad.Slice(0, r, off, off+c))
			off += c
		}
	}
	return out
}

// Rows gathers rows of table by index: out[i, :] = table[idx[i], :].
// This is the embedding lookup; backward scatter-adds into the table.
func Rows(table *Node, idx []int) *Node {
	_, c := table.Value.Dims()
	v := mat.NewDense(len(idx), c, nil)
	for i, ix := range idx {
		v.SetRow(i, table.Value.RawRowView(ix))
	}
	out := newResult(v, table)
	out.backward = func() {
		table.ensureGrad()
		for i, ix := range idx {
			for j := 0; j < c; j++ {
				table.Grad.Set(ix, j, table.Grad.At(ix, j)+out.Grad.At(i, j))
			}
		}
	}
	return out
}

// LogSoftmax applies a numerically stable row-wise log-softmax.
func LogSoftmax(a *Node) *Node {
	r, c := a.Value.Dims()
	v := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		maxv := a.Value.At(i, 0)
		for j := 1; j < c; j++ {
			if x := a.Value.At(i, j); x > maxv {
				maxv = x
			}
		}
		var sum float64
		for j := 0; j < c; j++ {
			sum += math.Exp(a.Value.At(i, j) - maxv)
		}
		logZ := maxv + math.Log(sum)
		for j := 0; j < c; j++ {
			v.Set(i, j, a.Value.At(i, j)-logZ)
		}
	}
	out := newResult(v, a)
	out.backward = func() {
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			var gsum float64
			for j := 0; j < c; j++ {
				gsum += out.Grad.At(i, j)
			}
			for j := 0; j < c; j++ {
				da.Set(i, j, out.Grad.At(i, j)-math.Exp(v.At(i, j))*gsum)
			}
		}
		a.accumulate(da)
	}
	return out
}

// MaskedSoftmax applies a row-wise softmax over the first lens[i] columns of
// row i and zeros the rest. Attention weights over padded encoder states use
// this so padding never receives mass.
func MaskedSoftmax(a *Node, lens []int) *Node {
	r, c := a.Value.Dims()
	v := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		n := lens[i]
		if n > c {
			n = c
		}
		maxv := math.Inf(-1)
		for j := 0; j < n; j++ {
			if x := a.Value.At(i, j); x > maxv {
				maxv = x
			}
		}
		var sum float64
		for j := 0; j < n; j++ {
			e := math.Exp(a.Value.At(i, j) - maxv)
			v.Set(i, j, e)
			sum += e
		}
		for j := 0; j < n; j++ {
			v.Set(i, j, v.At(i, j)/sum)
		}
	}
	out := newResult(v, a)
	out.backward = func() {
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			n := lens[i]
			if n > c {
				n = c
			}
			var dot float64
			for j := 0; j < n; j++ {
				dot += out.Grad.At(i, j) * v.At(i, j)
			}
			for j := 0; j < n; j++ {
				da.Set(i, j, v.At(i, j)*(out.Grad.At(i, j)-dot))
			}
		}
		a.accumulate(da)
	}
	return out
}

// WeightedSum combines per-timestep state matrices with attention weights:
// out[b, :] = sum_t w[b, t] * states[t][b, :].
func WeightedSum(w *Node, states []*Node) *Node {
	b, _ := w.Value.Dims()
	_, h := states[0].Value.Dims()
	v := mat.NewDense(b, h, nil)
	for t, st := range states {
		for i := 0; i < b; i++ {
			wt := w.Value.At(i, t)
			if wt == 0 {
				continue
			}
			for j := 0; j < h; j++ {
				v.Set(i, j, v.At(i, j)+wt*st.Value.At(i, j))
			}
		}
	}
	parents := make([]*Node, 0, len(states)+1)
	parents = append(parents, w)
	parents = append(parents, states...)
	out := newResult(v, parents...)
	out.backward = func() {
		dw := mat.NewDense(b, len(states), nil)
		for t, st := range states {
			ds := mat.NewDense(b, h, nil)
			for i := 0; i < b; i++ {
				var dot float64
				wt := w.Value.At(i, t)
				for j := 0; j < h; j++ {
					g := out.Grad.At(i, j)
					dot += g * st.Value.At(i, j)
					ds.Set(i, j, wt*g)
				}
				dw.Set(i, t, dot)
			}
			st.accumulate(ds)
		}
		w.accumulate(dw)
	}
	return out
}

// PickNLL computes a weighted negative log-likelihood over rows of logp:
// loss = -sum_i weights[i] * logp[i, targets[i]] / norm. A zero weight masks
// the row entirely. norm must be the total active weight for the sequence so
// timestep losses sum to a proper mean.
func PickNLL(logp *Node, targets []int, weights []float64, norm float64) *Node {
	r, c := logp.Value.Dims()
	var total float64
	for i := 0; i < r; i++ {
		if weights[i] == 0 {
			continue
		}
		total -= weights[i] * logp.Value.At(i, targets[i])
	}
	v := mat.NewDense(1, 1, []float64{total / norm})
	out := newResult(v, logp)
	out.backward = func() {
		g := out.Grad.At(0, 0)
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			if weights[i] == 0 {
				continue
			}
			da.Set(i, targets[i], -g*weights[i]/norm)
		}
		logp.accumulate(da)
	}
	return out
}

// MeanNLL computes a weighted uniform negative log-likelihood over rows:
// loss = -sum_i weights[i] * mean_k logp[i, k] / norm. It is the smoothing
// term of label-smoothed cross entropy.
func MeanNLL(logp *Node, weights []float64, norm float64) *Node {
	r, c := logp.Value.Dims()
	var total float64
	for i := 0; i < r; i++ {
		if weights[i] == 0 {
			continue
		}
		var rowSum float64
		for k := 0; k < c; k++ {
			rowSum += logp.Value.At(i, k)
		}
		total -= weights[i] * rowSum / float64(c)
	}
	v := mat.NewDense(1, 1, []float64{total / norm})
	out := newResult(v, logp)
	out.backward = func() {
		g := out.Grad.At(0, 0)
		da := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			if weights[i] == 0 {
				continue
			}
			for k := 0; k < c; k++ {
				da.Set(i, k, -g*weights[i]/(norm*float64(c)))
			}
		}
		logp.accumulate(da)
	}
	return out
}

// Custom creates a node with a caller-supplied backward closure. Losses
// whose gradients come from their own dynamic programs (CTC) use this.
func Custom(v *mat.Dense, parents []*Node, backward func(out *Node)) *Node {
	out := newResult(v, parents...)
	out.backward = func() { backward(out) }
	return out
}

// Accumulate adds delta into the gradient of n from a custom backward
// closure.
func Accumulate(n *Node, delta mat.Matrix) {
	n.accumulate(delta)
}

// AddScalars sums 1x1 nodes into a single scalar node.
func AddScalars(nodes ...*Node) *Node {
	var total float64
	for _, n := range nodes {
		total += n.Value.At(0, 0)
	}
	v := mat.NewDense(1, 1, []float64{total})
	out := newResult(v, nodes...)
	out.backward = func() {
		for _, n := range nodes {
			n.accumulate(out.Grad)
		}
	}
	return out
}
