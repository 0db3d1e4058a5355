// Package priority scores the open backlog so the heartbeat can offer the
// most valuable runnable work first. Ranking is pure: no I/O, no clock reads.
package priority

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/acurioustractor/farmhand/agent"
	"github.com/acurioustractor/farmhand/task"
)

// Component caps.
const (
	maxUnlock      = 30
	maxEffort      = 20
	maxCriticality = 20
	maxFreshness   = 15
	maxImpact      = 15

	unknownEffort = 10
	stalePenalty  = 5
)

// ImpactRule adds Weight to any task whose type, title or a label matches
// Pattern.
type ImpactRule struct {
	Pattern string `json:"pattern" yaml:"pattern"`
	Weight  int    `json:"weight" yaml:"weight"`
}

// Config tunes the engine.
type Config struct {
	Staleness   time.Duration  `json:"staleness" yaml:"staleness"`
	Criticality map[string]int `json:"criticality" yaml:"criticality"`
	Impact      []ImpactRule   `json:"impact" yaml:"impact"`
}

// DefaultConfig returns the stock weights.
func DefaultConfig() Config {
	return Config{
		Staleness: 14 * 24 * time.Hour,
		Criticality: map[string]int{
			"critical":  20,
			"milestone": 15,
			"blocker":   15,
			"important": 10,
		},
	}
}

// Breakdown records each score component for auditability.
type Breakdown struct {
	Unlock      int `json:"unlock"`
	Effort      int `json:"effort"`
	Criticality int `json:"criticality"`
	Freshness   int `json:"freshness"`
	Impact      int `json:"impact"`
}

// Total sums the components.
func (b Breakdown) Total() int {
	return b.Unlock + b.Effort + b.Criticality + b.Freshness + b.Impact
}

// Ranked is one scored, runnable task.
type Ranked struct {
	Task      *task.Task `json:"task"`
	Score     int        `json:"score"`
	Breakdown Breakdown  `json:"breakdown"`
}

type impactMatcher struct {
	glob   glob.Glob
	weight int
}

// Engine ranks tasks.
type Engine struct {
	cfg    Config
	impact []impactMatcher
}

// NewEngine compiles cfg. Zero fields fall back to DefaultConfig.
func NewEngine(cfg Config) (*Engine, error) {
	def := DefaultConfig()
	if cfg.Staleness <= 0 {
		cfg.Staleness = def.Staleness
	}
	if cfg.Criticality == nil {
		cfg.Criticality = def.Criticality
	}
	e := &Engine{cfg: cfg}
	for _, r := range cfg.Impact {
		g, err := glob.Compile(strings.ToLower(r.Pattern))
		if err != nil {
			return nil, fmt.Errorf("impact pattern %q: %w", r.Pattern, err)
		}
		e.impact = append(e.impact, impactMatcher{glob: g, weight: r.Weight})
	}
	return e, nil
}

// Rank scores every runnable task in open. index resolves dependencies and
// must contain every task that may be referenced, terminal ones included.
// When capacity is non-nil, task types with no idle capable agent are left
// out. The result is ordered by score, then priority hint, then age, then ID.
func (e *Engine) Rank(open []*task.Task, index map[string]*task.Task, capacity map[string]int, now time.Time) []Ranked {
	dependents := e.dependents(open, index)

	var out []Ranked
	for _, t := range open {
		if t.Status != task.StatusQueued {
			continue
		}
		if !DependenciesDone(t, index) {
			continue
		}
		if capacity != nil && capacity[agent.NormalizeTag(t.TaskType)] <= 0 {
			continue
		}
		b := Breakdown{
			Unlock:      min(10*dependents[t.ID], maxUnlock),
			Effort:      effortScore(t.EstimatedEffort),
			Criticality: e.criticality(t.Labels),
			Freshness:   e.freshness(now.Sub(t.CreatedAt)),
			Impact:      e.impactScore(t),
		}
		out = append(out, Ranked{Task: t, Score: b.Total(), Breakdown: b})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Task.Priority != b.Task.Priority {
			return a.Task.Priority < b.Task.Priority
		}
		if !a.Task.CreatedAt.Equal(b.Task.CreatedAt) {
			return a.Task.CreatedAt.Before(b.Task.CreatedAt)
		}
		return a.Task.ID < b.Task.ID
	})
	return out
}

// DependenciesDone reports whether every dependency of t exists in index and
// is done.
func DependenciesDone(t *task.Task, index map[string]*task.Task) bool {
	for _, id := range t.DependsOn {
		dep, ok := index[id]
		if !ok || dep.Status != task.StatusDone {
			return false
		}
	}
	return true
}

// dependents counts, per task ID, the open tasks that list it as a
// dependency.
func (e *Engine) dependents(open []*task.Task, index map[string]*task.Task) map[string]int {
	seen := make(map[string]bool)
	counts := make(map[string]int)
	count := func(t *task.Task) {
		if seen[t.ID] || t.Status.IsTerminal() {
			return
		}
		seen[t.ID] = true
		for _, dep := range t.DependsOn {
			counts[dep]++
		}
	}
	for _, t := range open {
		count(t)
	}
	for _, t := range index {
		count(t)
	}
	return counts
}

func (e *Engine) criticality(labels []string) int {
	total := 0
	for _, l := range labels {
		total += e.cfg.Criticality[agent.NormalizeTag(l)]
	}
	return min(total, maxCriticality)
}

func (e *Engine) freshness(age time.Duration) int {
	var score int
	switch {
	case age <= 24*time.Hour:
		score = maxFreshness
	case age <= 72*time.Hour:
		score = 10
	case age <= 7*24*time.Hour:
		score = 5
	}
	if age > e.cfg.Staleness {
		score -= stalePenalty
	}
	return score
}

func (e *Engine) impactScore(t *task.Task) int {
	targets := append([]string{strings.ToLower(t.TaskType), strings.ToLower(t.Title)}, t.Labels...)
	total := 0
	for _, m := range e.impact {
		for _, s := range targets {
			if m.glob.Match(strings.ToLower(s)) {
				total += m.weight
				break
			}
		}
	}
	return min(max(total, 0), maxImpact)
}

func effortScore(effort string) int {
	d, ok := ParseEffort(effort)
	if !ok {
		return unknownEffort
	}
	switch {
	case d <= time.Hour:
		return maxEffort
	case d <= 3*time.Hour:
		return 15
	case d <= 24*time.Hour:
		return 10
	case d <= 72*time.Hour:
		return 5
	}
	return 0
}

// ParseEffort reads an effort hint such as "30m", "1h", "3d" or "1w". Days
// and weeks are calendar durations.
func ParseEffort(s string) (time.Duration, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, d >= 0
	}
	unit := map[byte]time.Duration{'d': 24 * time.Hour, 'w': 7 * 24 * time.Hour}[s[len(s)-1]]
	if unit == 0 {
		return 0, false
	}
	n, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil || n < 0 || math.IsNaN(n) || math.IsInf(n, 0) || n*float64(unit) > math.MaxInt64 {
		return 0, false
	}
	return time.Duration(n * float64(unit)), true
}
