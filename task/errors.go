package task

import (
	"errors"

	"github.com/acurioustractor/farmhand/agent"
)

// Sentinel errors shared by the orchestration core. Callers match them with
// errors.Is; every producer wraps them with context.
var (
	ErrNoCapableAgent         = errors.New("no capable agent")
	ErrClassificationFailed   = errors.New("classification failed")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotInReview            = errors.New("task not in review")
	ErrWorkFunction           = errors.New("work function error")
	ErrTimeout                = errors.New("timeout")
	ErrOptimisticLock         = errors.New("optimistic lock conflict")
	ErrCyclicDependency       = errors.New("cyclic dependency")
	ErrTaskNotFound           = errors.New("task not found")
	ErrModifyLimit            = errors.New("modify limit reached")
	ErrDependenciesPending    = errors.New("dependencies not done")
	ErrAgentNotFound          = agent.ErrNotFound
)
