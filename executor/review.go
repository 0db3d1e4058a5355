package executor

import (
	"github.com/acurioustractor/farmhand/agent"
	"github.com/acurioustractor/farmhand/worker"
)

// Policy decides whether finished work needs a human decision.
type Policy struct {
	// AllowSelfReportBelowFull lets autonomy 1 and 2 agents skip review when
	// they report the result as low-risk and reversible. Off by default: the
	// autonomy level is an upper bound and self-report can only add review.
	AllowSelfReportBelowFull bool
}

// RequiresReview applies the default policy.
func RequiresReview(a *agent.Agent, res worker.Result) bool {
	return Policy{}.RequiresReview(a, res)
}

// RequiresReview reports whether res from a must wait in review.
func (p Policy) RequiresReview(a *agent.Agent, res worker.Result) bool {
	if res.ForceReview {
		return true
	}
	if a.AutonomyLevel >= agent.AutonomyFull {
		return false
	}
	if p.AllowSelfReportBelowFull && res.LowRisk && res.Reversible {
		return false
	}
	return true
}
