package models

// Action names a state-changing operation a user may trigger on a scope.
// The dependency resolver decides which actions are currently legal; illegal
// actions are rejected locally before any network call.
type Action string

const (
	ActionStartRun             Action = "start_run"
	ActionApplyFilter          Action = "apply_filter"
	ActionConvertToAnnotation  Action = "convert_to_annotation_project"
	ActionTrainModel           Action = "train_model"
	ActionRetryTraining        Action = "retry_training"
	ActionDeployModel          Action = "deploy_model"
	ActionArchiveModel         Action = "archive_model"
	ActionCreateInferenceBatch Action = "create_inference_batch"
	ActionStartBatch           Action = "start_batch"
	ActionCancelBatch          Action = "cancel_batch"
)

// ActionSet is a set of enabled action names.
type ActionSet map[Action]bool

// Contains reports membership.
func (s ActionSet) Contains(a Action) bool {
	return s[a]
}

// Names returns the enabled actions as strings for API responses.
func (s ActionSet) Names() []string {
	names := make([]string, 0, len(s))
	for a := range s {
		names = append(names, string(a))
	}
	return names
}

// ActionForKind maps a job kind to the action that creates a job of that kind.
func ActionForKind(kind JobKind) Action {
	switch kind {
	case JobKindFoundationModelRun:
		return ActionStartRun
	case JobKindSpeciesFilter:
		return ActionApplyFilter
	case JobKindModelTraining:
		return ActionTrainModel
	case JobKindInferenceBatch:
		return ActionCreateInferenceBatch
	default:
		return ""
	}
}
