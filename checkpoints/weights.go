package checkpoints

import (
	"encoding/json"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"phonet/layers"
)

// WeightTensor is one model parameter in serialized form.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "Wz", ...
}

// ModelState is the serialized form of a module collection.
type ModelState struct {
	Weights []WeightTensor `json:"weights"`
}

// ExtractWeights converts named parameters into weight tensors.
func ExtractWeights(params []*layers.Param) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		r, c := p.W.Value.Dims()
		data := make([]float64, 0, r*c)
		for i := 0; i < r; i++ {
			data = append(data, p.W.Value.RawRowView(i)...)
		}
		layer, typ := splitParamName(p.Name)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: []int{r, c},
			Data:  data,
			Layer: layer,
			Type:  typ,
		})
	}
	return weights
}

// LoadWeights copies weight tensors back into the matching parameters,
// keyed by name with shape validation.
func LoadWeights(weights []WeightTensor, params []*layers.Param) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d saved, %d in model", len(weights), len(params))
	}

	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("no saved weight for parameter %q", p.Name)
		}
		r, c := p.W.Value.Dims()
		if len(w.Shape) != 2 || w.Shape[0] != r || w.Shape[1] != c {
			return fmt.Errorf("shape mismatch for %q: saved %v, model %dx%d", p.Name, w.Shape, r, c)
		}
		if len(w.Data) != r*c {
			return fmt.Errorf("weight %q has %d values for shape %v", p.Name, len(w.Data), w.Shape)
		}
		p.W.Value.Copy(mat.NewDense(r, c, w.Data))
	}
	return nil
}

func splitParamName(name string) (layer, typ string) {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return name, name
	}
	return name[:idx], name[idx+1:]
}

// ModelRecoverable adapts a module collection to the Recoverable interface.
type ModelRecoverable struct {
	Modules *layers.ModuleList
}

// MarshalState serializes all module parameters.
func (m *ModelRecoverable) MarshalState() ([]byte, error) {
	return json.Marshal(ModelState{Weights: ExtractWeights(m.Modules.Parameters())})
}

// UnmarshalState restores all module parameters.
func (m *ModelRecoverable) UnmarshalState(data []byte) error {
	var state ModelState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode model state: %v", err)
	}
	return LoadWeights(state.Weights, m.Modules.Parameters())
}
