package store

import (
	"math"
	"time"
)

// Snapshot is one persisted model state. It is immutable once written; only
// the retention engine deletes it.
//
// The blob is opaque: the store never looks inside it. Iteration and Metrics
// are recovered from the identifier, so a snapshot listed from any backend
// can be ranked without downloading it.
type Snapshot struct {
	// ID is the identifier rendered from the naming template
	ID string

	// Iteration is the training iteration that produced this snapshot
	Iteration int

	// Metrics holds the scalar metrics reported with the iteration
	Metrics map[string]float64

	// Blob is the serialized model state
	Blob []byte

	// CreatedAt records when the snapshot was written (or downloaded)
	CreatedAt time.Time
}

// Info describes a stored snapshot without its blob.
type Info struct {
	ID        string
	Iteration int
	Metrics   map[string]float64
	Size      int64
	ModTime   time.Time
}

// Validate checks that the snapshot can be written.
func (s *Snapshot) Validate() error {
	if s.ID == "" {
		return &ValidationError{Field: "ID", Reason: "cannot be empty"}
	}
	if s.Iteration < 0 {
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	}
	if s.Blob == nil {
		return &ValidationError{Field: "Blob", Reason: "cannot be nil"}
	}
	for name, v := range s.Metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ValidationError{Field: "Metrics." + name, Reason: "must be finite"}
		}
	}
	if s.CreatedAt.IsZero() {
		return &ValidationError{Field: "CreatedAt", Reason: "cannot be zero"}
	}
	return nil
}

// ToInfo drops the blob.
func (s *Snapshot) ToInfo() Info {
	return Info{
		ID:        s.ID,
		Iteration: s.Iteration,
		Metrics:   s.Metrics,
		Size:      int64(len(s.Blob)),
		ModTime:   s.CreatedAt,
	}
}

// ValidationError represents a snapshot validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}
