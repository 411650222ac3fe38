package trainer

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// modelFormat is bumped whenever the full-state encoding changes.
const modelFormat = 1

// Model is the parameter vector being trained plus the state needed to resume.
type Model struct {
	Params    []float64
	Epoch     int
	Loss      float64
	ValLoss   float64
	Objective string
}

type modelState struct {
	Format    int       `json:"format,omitempty"`
	Objective string    `json:"objective,omitempty"`
	Epoch     int       `json:"epoch,omitempty"`
	Loss      *float64  `json:"loss,omitempty"`
	ValLoss   *float64  `json:"val_loss,omitempty"`
	Params    []float64 `json:"params"`
}

// Serialize encodes the model. With weightsOnly only the parameter vector is
// written.
func (m *Model) Serialize(weightsOnly bool) ([]byte, error) {
	state := modelState{Params: m.Params}
	if state.Params == nil {
		state.Params = []float64{}
	}
	if !weightsOnly {
		loss, valLoss := m.Loss, m.ValLoss
		state.Format = modelFormat
		state.Objective = m.Objective
		state.Epoch = m.Epoch
		state.Loss = &loss
		state.ValLoss = &valLoss
	}
	return json.Marshal(state)
}

// Deserialize replaces the model with the encoded state. Weights-only blobs
// only replace the parameters.
func (m *Model) Deserialize(blob []byte) error {
	var state modelState
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("failed to decode model: %w", err)
	}
	if state.Params == nil {
		return errors.New("failed to decode model: missing params")
	}
	if state.Format > modelFormat {
		return fmt.Errorf("unsupported model format %d", state.Format)
	}
	if m.Objective != "" && state.Objective != "" && state.Objective != m.Objective {
		return fmt.Errorf("model was trained on %q, not %q", state.Objective, m.Objective)
	}

	m.Params = state.Params
	if state.Format == 0 {
		return nil
	}
	m.Epoch = state.Epoch
	if state.Objective != "" {
		m.Objective = state.Objective
	}
	if state.Loss != nil {
		m.Loss = *state.Loss
	}
	if state.ValLoss != nil {
		m.ValLoss = *state.ValLoss
	}
	return nil
}
