package training

import (
	"encoding/json"
	"fmt"
)

// Scheduler anneals the learning rate at epoch boundaries, keyed on the
// validation metric. OnEpochEnd returns the rate before and after annealing.
type Scheduler interface {
	OnEpochEnd(metric float64) (oldLR, newLR float64)
	LR() float64
	MarshalState() ([]byte, error)
	UnmarshalState(data []byte) error
}

// NewBobScheduler anneals the learning rate when the task metric stops
// improving: if the relative improvement over the previous epoch falls below
// ImprovementThreshold for more than Patient epochs in a row, the rate is
// multiplied by Factor. Lower metric values count as better (PER).
type NewBobScheduler struct {
	InitialLR            float64
	Factor               float64
	ImprovementThreshold float64
	Patient              int

	currentLR   float64
	prevMetric  float64
	waits       int
	initialized bool
}

// NewNewBobScheduler creates the annealer with its usual defaults filled in.
func NewNewBobScheduler(initialLR, factor, improvementThreshold float64, patient int) (*NewBobScheduler, error) {
	if initialLR <= 0 {
		return nil, fmt.Errorf("initial learning rate must be positive, got %f", initialLR)
	}
	if factor <= 0 || factor >= 1 {
		return nil, fmt.Errorf("annealing factor must be in (0, 1), got %f", factor)
	}
	return &NewBobScheduler{
		InitialLR:            initialLR,
		Factor:               factor,
		ImprovementThreshold: improvementThreshold,
		Patient:              patient,
		currentLR:            initialLR,
	}, nil
}

// OnEpochEnd feeds the epoch's validation metric and returns the learning
// rate before and after annealing.
func (s *NewBobScheduler) OnEpochEnd(metric float64) (oldLR, newLR float64) {
	oldLR = s.currentLR
	newLR = s.currentLR

	if !s.initialized {
		s.initialized = true
		s.prevMetric = metric
		return oldLR, newLR
	}

	improvement := (s.prevMetric - metric) / s.prevMetric
	if s.prevMetric == 0 {
		improvement = 0
	}
	if improvement < s.ImprovementThreshold {
		if s.waits < s.Patient {
			s.waits++
		} else {
			newLR = s.currentLR * s.Factor
			s.currentLR = newLR
			s.waits = 0
		}
	} else {
		s.waits = 0
	}
	s.prevMetric = metric
	return oldLR, newLR
}

// LR returns the current learning rate.
func (s *NewBobScheduler) LR() float64 { return s.currentLR }

type newBobState struct {
	CurrentLR   float64 `json:"current_lr"`
	PrevMetric  float64 `json:"prev_metric"`
	Waits       int     `json:"waits"`
	Initialized bool    `json:"initialized"`
}

// MarshalState serializes the annealing state for checkpointing.
func (s *NewBobScheduler) MarshalState() ([]byte, error) {
	return json.Marshal(newBobState{
		CurrentLR:   s.currentLR,
		PrevMetric:  s.prevMetric,
		Waits:       s.waits,
		Initialized: s.initialized,
	})
}

// UnmarshalState restores the annealing state from a checkpoint.
func (s *NewBobScheduler) UnmarshalState(data []byte) error {
	var st newBobState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode scheduler state: %v", err)
	}
	s.currentLR = st.CurrentLR
	s.prevMetric = st.PrevMetric
	s.waits = st.Waits
	s.initialized = st.Initialized
	return nil
}

// StepScheduler decays the learning rate by a fixed factor every StepEvery
// epochs, ignoring the metric.
type StepScheduler struct {
	InitialLR float64
	Factor    float64
	StepEvery int

	currentLR float64
	epoch     int
}

// NewStepScheduler creates the fixed-interval decay schedule.
func NewStepScheduler(initialLR, factor float64, stepEvery int) (*StepScheduler, error) {
	if initialLR <= 0 {
		return nil, fmt.Errorf("initial learning rate must be positive, got %f", initialLR)
	}
	if factor <= 0 || factor >= 1 {
		return nil, fmt.Errorf("decay factor must be in (0, 1), got %f", factor)
	}
	if stepEvery < 1 {
		return nil, fmt.Errorf("step interval must be at least 1, got %d", stepEvery)
	}
	return &StepScheduler{
		InitialLR: initialLR,
		Factor:    factor,
		StepEvery: stepEvery,
		currentLR: initialLR,
	}, nil
}

// OnEpochEnd advances the epoch count and decays on interval boundaries.
func (s *StepScheduler) OnEpochEnd(metric float64) (oldLR, newLR float64) {
	oldLR = s.currentLR
	s.epoch++
	if s.epoch%s.StepEvery == 0 {
		s.currentLR *= s.Factor
	}
	return oldLR, s.currentLR
}

// LR returns the current learning rate.
func (s *StepScheduler) LR() float64 { return s.currentLR }

type stepState struct {
	CurrentLR float64 `json:"current_lr"`
	Epoch     int     `json:"epoch"`
}

// MarshalState serializes the schedule position for checkpointing.
func (s *StepScheduler) MarshalState() ([]byte, error) {
	return json.Marshal(stepState{CurrentLR: s.currentLR, Epoch: s.epoch})
}

// UnmarshalState restores the schedule position from a checkpoint.
func (s *StepScheduler) UnmarshalState(data []byte) error {
	var st stepState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode scheduler state: %v", err)
	}
	s.currentLR = st.CurrentLR
	s.epoch = st.Epoch
	return nil
}
