package retention

import "fmt"

// Stage names the part of a retention cycle that failed.
type Stage string

const (
	StageReconcile Stage = "reconcile"
	StageEvaluate  Stage = "evaluate"
	StageWrite     Stage = "write"
	StageMirror    Stage = "mirror"
	StageRotate    Stage = "rotate"
)

// CycleError aborts the training iteration that triggered the cycle.
type CycleError struct {
	Stage     Stage
	Iteration int
	ID        string
	Err       error
}

func (e *CycleError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("retention %s failed at iteration %d: %v", e.Stage, e.Iteration, e.Err)
	}
	return fmt.Sprintf("retention %s failed for %s at iteration %d: %v", e.Stage, e.ID, e.Iteration, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }
