package models

import "fmt"

// ModelState is the lifecycle state of a custom species-detection model.
// Training jobs (JobKindModelTraining) drive the draft -> training ->
// {trained, failed} portion; deploy and archive are user actions on the
// model itself. Archived is a sink.
type ModelState string

const (
	ModelStateDraft    ModelState = "draft"
	ModelStateTraining ModelState = "training"
	ModelStateTrained  ModelState = "trained"
	ModelStateDeployed ModelState = "deployed"
	ModelStateFailed   ModelState = "failed"
	ModelStateArchived ModelState = "archived"
)

// ParseModelState validates a raw model state string.
func ParseModelState(raw string) (ModelState, error) {
	switch s := ModelState(raw); s {
	case ModelStateDraft, ModelStateTraining, ModelStateTrained,
		ModelStateDeployed, ModelStateFailed, ModelStateArchived:
		return s, nil
	default:
		return "", fmt.Errorf("unknown model state %q", raw)
	}
}

// modelTransitions defines the model lifecycle graph. Retry from failed
// re-enters training; nothing leaves archived.
var modelTransitions = map[ModelState][]ModelState{
	ModelStateDraft:    {ModelStateTraining},
	ModelStateTraining: {ModelStateTrained, ModelStateFailed},
	ModelStateTrained:  {ModelStateDeployed, ModelStateArchived},
	ModelStateDeployed: {ModelStateArchived},
	ModelStateFailed:   {ModelStateTraining},
	ModelStateArchived: {},
}

// CanTransitionModel reports whether the model lifecycle admits the move.
func CanTransitionModel(from, to ModelState) bool {
	for _, next := range modelTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsServable returns true if the model can serve inference batches.
func (s ModelState) IsServable() bool {
	return s == ModelStateTrained || s == ModelStateDeployed
}

// CustomModel is the tracked record of a custom species-detection model.
type CustomModel struct {
	ID      string     `json:"id" badgerhold:"key"`
	Name    string     `json:"name"`
	Project Scope      `json:"project"`
	State   ModelState `json:"state"`

	// LatestTrainingJobID links the model to the training job currently
	// driving its state, if any.
	LatestTrainingJobID string `json:"latest_training_job_id,omitempty"`
}
