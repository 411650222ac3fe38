package retention

import "context"

// IterationEvent is emitted by the training loop after each unit of work.
type IterationEvent struct {
	Iteration int
	Metrics   map[string]float64
}

// Listener receives iteration callbacks from a training loop. The loop must
// call them synchronously and abort training when EndIteration returns an
// error.
type Listener interface {
	BeginIteration(ctx context.Context, iteration int) error
	EndIteration(ctx context.Context, ev IterationEvent) error
}

// Loop is implemented by training loops that accept listeners.
type Loop interface {
	Register(l Listener)
}

// Model is the artifact being trained. The engine stores the serialized
// blob as is and never looks inside it.
type Model interface {
	Serialize(weightsOnly bool) ([]byte, error)
	Deserialize(blob []byte) error
}
