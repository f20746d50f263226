// -----------------------------------------------------------------------
// Dependency Resolver - Computes which stage actions are currently legal
// -----------------------------------------------------------------------

package tracker

import (
	"fmt"

	"github.com/openwings/ausculto/internal/models"
)

// DefaultMinTrainingLabels is the labeled-clip threshold below which
// training a custom model is not offered.
const DefaultMinTrainingLabels = 50

// ScopeState is the resolver's view of one scope: the latest job per
// upstream stage plus the custom models available to it. Nil job fields mean
// no job of that kind exists for the scope.
type ScopeState struct {
	Run    *models.Job // latest foundation model run
	Filter *models.Job // latest species filter application
	Batch  *models.Job // latest inference batch

	// FilterSkipped marks a scope whose owner chose to proceed without a
	// species filter; conversion then keys off the run alone.
	FilterSkipped bool

	// TargetModel is the custom model that model-lifecycle actions apply
	// to, if the caller has one selected.
	TargetModel *models.CustomModel

	// Models are all custom models in the owning project, used for
	// preconditions that need any servable model.
	Models []*models.CustomModel

	// LabeledClips is the number of labeled clips available for training.
	LabeledClips int
}

// DependencyResolver computes the set of legal actions for a scope from the
// current status of its upstream jobs. All decisions are local and
// synchronous; an illegal action is rejected here before any network call.
type DependencyResolver struct {
	minTrainingLabels int
}

// NewDependencyResolver creates a resolver with the default thresholds.
func NewDependencyResolver() *DependencyResolver {
	return &DependencyResolver{minTrainingLabels: DefaultMinTrainingLabels}
}

// NewDependencyResolverWithThreshold creates a resolver with an explicit
// labeled-clip threshold for training.
func NewDependencyResolverWithThreshold(minTrainingLabels int) *DependencyResolver {
	return &DependencyResolver{minTrainingLabels: minTrainingLabels}
}

// LegalActions returns the actions whose source-state and upstream
// dependency conditions both hold for the given scope state.
func (r *DependencyResolver) LegalActions(state *ScopeState) models.ActionSet {
	actions := make(models.ActionSet)

	// A new run may start when no run exists or the previous one settled.
	if state.Run == nil || state.Run.IsTerminal() {
		actions[models.ActionStartRun] = true
	}

	// Applying a species filter requires the target run completed, and no
	// filter application still in flight.
	if state.Run != nil && state.Run.Status == models.JobStatusCompleted {
		if state.Filter == nil || state.Filter.IsTerminal() {
			actions[models.ActionApplyFilter] = true
		}
	}

	// Conversion to an annotation project needs the filter completed, or an
	// explicit skip on top of a completed run.
	filterDone := state.Filter != nil && state.Filter.Status == models.JobStatusCompleted
	skipped := state.FilterSkipped && state.Run != nil && state.Run.Status == models.JobStatusCompleted
	if filterDone || skipped {
		actions[models.ActionConvertToAnnotation] = true
	}

	if m := state.TargetModel; m != nil {
		switch m.State {
		case models.ModelStateDraft:
			if state.LabeledClips >= r.minTrainingLabels {
				actions[models.ActionTrainModel] = true
			}
		case models.ModelStateFailed:
			actions[models.ActionRetryTraining] = true
		case models.ModelStateTrained:
			actions[models.ActionDeployModel] = true
			actions[models.ActionArchiveModel] = true
		case models.ModelStateDeployed:
			actions[models.ActionArchiveModel] = true
		case models.ModelStateTraining, models.ModelStateArchived:
			// No lifecycle actions while training, nothing leaves archived.
		}
	}

	// An inference batch needs at least one model able to serve it.
	for _, m := range state.Models {
		if m.State.IsServable() {
			actions[models.ActionCreateInferenceBatch] = true
			break
		}
	}

	if state.Batch != nil {
		switch state.Batch.Status {
		case models.JobStatusPending:
			actions[models.ActionStartBatch] = true
		case models.JobStatusRunning:
			actions[models.ActionCancelBatch] = true
		}
	}

	return actions
}

// Guard rejects an action that is not legal for the scope state. The
// returned error carries the distinct guard code so callers can disable the
// control instead of surfacing a server failure.
func (r *DependencyResolver) Guard(state *ScopeState, action models.Action) error {
	if r.LegalActions(state).Contains(action) {
		return nil
	}
	return &GuardError{
		Code:   GuardActionNotAllowed,
		Action: action,
		Reason: fmt.Sprintf("preconditions not met for %s", action),
	}
}
