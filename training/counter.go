package training

import (
	"encoding/json"
	"fmt"
)

// EpochCounter is the recoverable epoch cursor: resuming a run continues
// from the epoch after the one recorded in the checkpoint.
type EpochCounter struct {
	limit   int
	current int
}

// NewEpochCounter creates a counter running epochs 1..limit.
func NewEpochCounter(limit int) *EpochCounter {
	return &EpochCounter{limit: limit}
}

// Next advances to the next epoch and reports whether one remains.
func (c *EpochCounter) Next() bool {
	if c.current >= c.limit {
		return false
	}
	c.current++
	return true
}

// Current returns the epoch most recently started, 0 before the first.
func (c *EpochCounter) Current() int { return c.current }

// Limit returns the configured epoch count.
func (c *EpochCounter) Limit() int { return c.limit }

type counterState struct {
	Current int `json:"current"`
}

// MarshalState serializes the cursor for checkpointing.
func (c *EpochCounter) MarshalState() ([]byte, error) {
	return json.Marshal(counterState{Current: c.current})
}

// UnmarshalState restores the cursor from a checkpoint.
func (c *EpochCounter) UnmarshalState(data []byte) error {
	var st counterState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode epoch counter state: %v", err)
	}
	c.current = st.Current
	return nil
}
