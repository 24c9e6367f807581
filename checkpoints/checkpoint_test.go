package checkpoints

import (
	"encoding/json"
	"testing"
	"time"

	"phonet/layers"
)

type fakeRecoverable struct {
	Value float64 `json:"value"`
}

func (f *fakeRecoverable) MarshalState() ([]byte, error) { return json.Marshal(f) }

func (f *fakeRecoverable) UnmarshalState(data []byte) error { return json.Unmarshal(data, f) }

func TestNewCheckpointerRequiresRecoverables(t *testing.T) {
	_, err := NewCheckpointer(t.TempDir(), nil)
	if err == nil {
		t.Error("Expected error for empty recoverables, got nil")
	}
}

func TestSaveAndRecoverRoundTrip(t *testing.T) {
	state := &fakeRecoverable{Value: 3.5}
	cp, err := NewCheckpointer(t.TempDir(), map[string]Recoverable{"counter": state})
	if err != nil {
		t.Fatalf("Failed to create checkpointer: %v", err)
	}

	if _, err := cp.Save(map[string]float64{"PER": 42.0}); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	state.Value = -1.0
	record, err := cp.RecoverIfPossible(nil)
	if err != nil {
		t.Fatalf("Failed to recover: %v", err)
	}
	if record == nil {
		t.Fatal("Expected a record, got nil")
	}
	if state.Value != 3.5 {
		t.Errorf("Expected restored value 3.5, got %v", state.Value)
	}
	if record.Meta.Metrics["PER"] != 42.0 {
		t.Errorf("Expected PER 42.0 in meta, got %v", record.Meta.Metrics["PER"])
	}
}

func TestRecoverIfPossibleEmpty(t *testing.T) {
	cp, err := NewCheckpointer(t.TempDir(), map[string]Recoverable{"x": &fakeRecoverable{}})
	if err != nil {
		t.Fatalf("Failed to create checkpointer: %v", err)
	}
	record, err := cp.RecoverIfPossible(nil)
	if err != nil {
		t.Fatalf("Expected no error on empty directory, got %v", err)
	}
	if record != nil {
		t.Errorf("Expected nil record for empty directory, got %+v", record)
	}
}

func TestRecoverSelectsBestMetric(t *testing.T) {
	state := &fakeRecoverable{}
	cp, err := NewCheckpointer(t.TempDir(), map[string]Recoverable{"x": state})
	if err != nil {
		t.Fatalf("Failed to create checkpointer: %v", err)
	}

	for i, per := range []float64{30.0, 10.0, 25.0} {
		state.Value = float64(i)
		if _, err := cp.Save(map[string]float64{"PER": per}); err != nil {
			t.Fatalf("Failed to save checkpoint %d: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}

	record, err := cp.RecoverIfPossible(NegatedMetric("PER"))
	if err != nil {
		t.Fatalf("Failed to recover: %v", err)
	}
	if record.Meta.Metrics["PER"] != 10.0 {
		t.Errorf("Expected best record with PER 10.0, got %v", record.Meta.Metrics["PER"])
	}
	if state.Value != 1.0 {
		t.Errorf("Expected state from checkpoint 1, got value %v", state.Value)
	}
}

func TestKeepOnlyRetainsRecentAndBest(t *testing.T) {
	state := &fakeRecoverable{}
	cp, err := NewCheckpointer(t.TempDir(), map[string]Recoverable{"x": state})
	if err != nil {
		t.Fatalf("Failed to create checkpointer: %v", err)
	}

	for _, per := range []float64{30.0, 10.0, 25.0, 20.0} {
		if _, err := cp.Save(map[string]float64{"PER": per}); err != nil {
			t.Fatalf("Failed to save: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	err = cp.KeepOnly([]ImportanceKey{Recency, NegatedMetric("PER")}, 1)
	if err != nil {
		t.Fatalf("Failed to prune: %v", err)
	}

	records, err := cp.List()
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 surviving records, got %d", len(records))
	}

	pers := map[float64]bool{}
	for _, r := range records {
		pers[r.Meta.Metrics["PER"]] = true
	}
	if !pers[20.0] {
		t.Error("Expected the most recent checkpoint (PER 20.0) to survive")
	}
	if !pers[10.0] {
		t.Error("Expected the lowest-PER checkpoint (PER 10.0) to survive")
	}
}

func TestSaveAndKeepOnly(t *testing.T) {
	state := &fakeRecoverable{}
	cp, err := NewCheckpointer(t.TempDir(), map[string]Recoverable{"x": state})
	if err != nil {
		t.Fatalf("Failed to create checkpointer: %v", err)
	}
	keys := []ImportanceKey{Recency, NegatedMetric("PER")}
	for _, per := range []float64{18.0, 17.0, 19.5} {
		if _, err := cp.SaveAndKeepOnly(map[string]float64{"PER": per}, keys, 1); err != nil {
			t.Fatalf("Failed to save and prune: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	records, err := cp.List()
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records after rolling saves, got %d", len(records))
	}
	if records[0].Meta.Metrics["PER"] != 19.5 {
		t.Errorf("Expected newest record PER 19.5, got %v", records[0].Meta.Metrics["PER"])
	}
}

func TestModelStateRoundTrip(t *testing.T) {
	rng := layers.NewRNG(7)
	modules := layers.NewModuleList(
		layers.NewLinear("enc", 4, 3, true, rng),
		layers.NewLinear("lin", 3, 2, false, rng),
	)
	model := &ModelRecoverable{Modules: modules}

	data, err := model.MarshalState()
	if err != nil {
		t.Fatalf("Failed to marshal model state: %v", err)
	}

	original := make(map[string]float64)
	for _, p := range modules.Parameters() {
		original[p.Name] = p.W.Value.At(0, 0)
		p.W.Value.Set(0, 0, 99.0)
	}

	if err := model.UnmarshalState(data); err != nil {
		t.Fatalf("Failed to restore model state: %v", err)
	}
	for _, p := range modules.Parameters() {
		if p.W.Value.At(0, 0) != original[p.Name] {
			t.Errorf("Expected %s restored to %v, got %v", p.Name, original[p.Name], p.W.Value.At(0, 0))
		}
	}
}

func TestLoadWeightsShapeMismatch(t *testing.T) {
	rng := layers.NewRNG(7)
	modules := layers.NewModuleList(layers.NewLinear("lin", 4, 3, false, rng))
	weights := ExtractWeights(modules.Parameters())
	weights[0].Shape = []int{3, 4}

	if err := LoadWeights(weights, modules.Parameters()); err == nil {
		t.Error("Expected shape mismatch error, got nil")
	}
}
