// Package classify maps freeform request text to a task type and urgency.
package classify

import (
	"context"
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Result is what a classifier reports for a piece of text.
type Result struct {
	TaskType string `json:"task_type"`
	Urgency  int    `json:"urgency,omitempty"` // 1..4, 0 when unknown
}

// Classifier resolves a request to a task type. Implementations may be
// remote; callers treat any error as a classification failure.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// Func adapts a plain function to Classifier.
type Func func(ctx context.Context, text string) (Result, error)

// Classify implements Classifier.
func (f Func) Classify(ctx context.Context, text string) (Result, error) { return f(ctx, text) }

// Rule maps glob patterns over lowercased request text to a task type.
type Rule struct {
	TaskType string   `json:"task_type" yaml:"task_type"`
	Patterns []string `json:"patterns" yaml:"patterns"`
	Urgency  int      `json:"urgency,omitempty" yaml:"urgency"`
}

type compiledRule struct {
	rule  Rule
	globs []glob.Glob
}

// Rules is an ordered, rule-based classifier. The first rule with a matching
// pattern wins. Text that matches no rule yields the fallback type, or an
// error when no fallback is set.
type Rules struct {
	rules    []compiledRule
	fallback string
}

// NewRules compiles rules. Patterns are matched against the whole lowercased
// text, so "*grant*" matches any request mentioning a grant.
func NewRules(rules []Rule, fallback string) (*Rules, error) {
	out := &Rules{fallback: fallback}
	for _, r := range rules {
		if r.TaskType == "" {
			return nil, fmt.Errorf("classifier rule: task_type is required")
		}
		cr := compiledRule{rule: r}
		for _, p := range r.Patterns {
			g, err := glob.Compile(strings.ToLower(p))
			if err != nil {
				return nil, fmt.Errorf("classifier rule %s: pattern %q: %w", r.TaskType, p, err)
			}
			cr.globs = append(cr.globs, g)
		}
		out.rules = append(out.rules, cr)
	}
	return out, nil
}

// Classify implements Classifier.
func (r *Rules) Classify(_ context.Context, text string) (Result, error) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return Result{}, fmt.Errorf("empty request text")
	}
	for _, cr := range r.rules {
		for _, g := range cr.globs {
			if g.Match(lower) {
				return Result{TaskType: cr.rule.TaskType, Urgency: cr.rule.Urgency}, nil
			}
		}
	}
	if r.fallback != "" {
		return Result{TaskType: r.fallback}, nil
	}
	return Result{}, fmt.Errorf("no rule matched")
}
