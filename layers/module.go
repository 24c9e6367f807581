package layers

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is a named trainable parameter. The name is stable across runs and
// keys the checkpoint weight entries and optimizer state.
type Param struct {
	Name string
	W    *Node
}

// Module is the common surface of every model component.
type Module interface {
	// Name identifies the module inside a ModuleList.
	Name() string
	// Parameters returns the module's trainable parameters.
	Parameters() []*Param
}

// ModuleList aggregates the model components into a single updatable
// collection, the unit the optimizer and checkpointer operate on.
type ModuleList struct {
	modules []Module
}

// NewModuleList groups modules for joint optimization and checkpointing.
func NewModuleList(modules ...Module) *ModuleList {
	return &ModuleList{modules: modules}
}

// Add appends a module to the collection.
func (ml *ModuleList) Add(m Module) {
	ml.modules = append(ml.modules, m)
}

// Parameters returns every parameter of every module, names prefixed with
// the owning module name ("enc.fwd0.Wz" and so on).
func (ml *ModuleList) Parameters() []*Param {
	var params []*Param
	for _, m := range ml.modules {
		for _, p := range m.Parameters() {
			params = append(params, &Param{Name: m.Name() + "." + p.Name, W: p.W})
		}
	}
	return params
}

// ZeroGrad clears accumulated gradients on all parameters.
func (ml *ModuleList) ZeroGrad() {
	for _, p := range ml.Parameters() {
		p.W.ZeroGrad()
	}
}

// NewRNG returns the seeded source used for weight initialization. A fixed
// seed makes runs reproducible end to end.
func NewRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// glorot initializes an r x c matrix with Xavier/Glorot uniform values.
func glorot(r, c int, rng *rand.Rand) *mat.Dense {
	limit := math.Sqrt(6.0 / float64(r+c))
	data := make([]float64, r*c)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return mat.NewDense(r, c, data)
}

// zeros returns an r x c zero matrix.
func zeros(r, c int) *mat.Dense {
	return mat.NewDense(r, c, nil)
}
