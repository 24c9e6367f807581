package optimizer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"phonet/layers"
)

// Optimizer is the common interface of all parameter update rules. State
// save/restore keys into the checkpoint machinery.
type Optimizer interface {
	// Step applies one update using the gradients accumulated on the
	// parameters.
	Step() error

	// ZeroGrad clears accumulated gradients on all parameters.
	ZeroGrad()

	// UpdateLearningRate sets the learning rate; the scheduler calls this
	// after annealing.
	UpdateLearningRate(lr float64)

	// LR returns the current learning rate.
	LR() float64

	// MarshalState serializes optimizer state (momentum, moments, step
	// count) for checkpointing.
	MarshalState() ([]byte, error)

	// UnmarshalState restores optimizer state from a checkpoint.
	UnmarshalState(data []byte) error
}

// StateTensor is one optimizer state buffer in serialized form, keyed by
// the parameter name it belongs to.
type StateTensor struct {
	Param     string    `json:"param"`
	StateType string    `json:"state_type"` // "velocity", "m", "v"
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
}

// State is the serializable form shared by all optimizers.
type State struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []StateTensor          `json:"state_data"`
}

func validateStateType(optimizerType string, st *State) error {
	if st.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, st.Type)
	}
	return nil
}

func denseToTensor(param, stateType string, d *mat.Dense) StateTensor {
	r, c := d.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, d.RawRowView(i)...)
	}
	return StateTensor{Param: param, StateType: stateType, Shape: []int{r, c}, Data: data}
}

func tensorToDense(st StateTensor) (*mat.Dense, error) {
	if len(st.Shape) != 2 {
		return nil, fmt.Errorf("state tensor %s/%s must be 2D, got shape %v", st.Param, st.StateType, st.Shape)
	}
	if st.Shape[0]*st.Shape[1] != len(st.Data) {
		return nil, fmt.Errorf("state tensor %s/%s has %d values for shape %v", st.Param, st.StateType, len(st.Data), st.Shape)
	}
	return mat.NewDense(st.Shape[0], st.Shape[1], st.Data), nil
}

// applyWeightDecay adds decay*w into the gradient view before an update.
func applyWeightDecay(grad *mat.Dense, w *mat.Dense, decay float64) {
	if decay == 0 {
		return
	}
	var scaled mat.Dense
	scaled.Scale(decay, w)
	grad.Add(grad, &scaled)
}

// paramGrad returns the gradient of p, allocating a zero gradient when the
// parameter never appeared on a tape this step.
func paramGrad(p *layers.Param) *mat.Dense {
	if p.W.Grad == nil {
		r, c := p.W.Value.Dims()
		p.W.Grad = mat.NewDense(r, c, nil)
	}
	return p.W.Grad
}
