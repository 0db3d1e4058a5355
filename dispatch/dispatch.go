// Package dispatch turns freeform requests into queued tasks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/acurioustractor/farmhand/agent"
	"github.com/acurioustractor/farmhand/classify"
	"github.com/acurioustractor/farmhand/comms"
	"github.com/acurioustractor/farmhand/metrics"
	"github.com/acurioustractor/farmhand/task"
)

// ErrInvalidRequest is returned for requests missing required fields.
var ErrInvalidRequest = errors.New("invalid request")

const maxTitleRunes = 80

// Request is an incoming unit of work.
type Request struct {
	Content         string   `json:"content"`
	Title           string   `json:"title,omitempty"`
	Source          string   `json:"source,omitempty"`
	RequestedBy     string   `json:"requested_by,omitempty"`
	Urgency         int      `json:"urgency,omitempty"` // 1..4, 0 to let the classifier decide
	DependsOn       []string `json:"depends_on,omitempty"`
	EstimatedEffort string   `json:"estimated_effort,omitempty"`
	Labels          []string `json:"labels,omitempty"`
}

// Dispatcher classifies requests and enqueues them. It never touches agent
// state.
type Dispatcher struct {
	store      task.Store
	agents     agent.Registry
	classifier classify.Classifier
	bus        comms.Bus
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates a Dispatcher. bus may be nil.
func New(store task.Store, agents agent.Registry, classifier classify.Classifier, bus comms.Bus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, agents: agents, classifier: classifier, bus: bus, logger: logger}
}

// WithMetrics attaches collectors.
func (d *Dispatcher) WithMetrics(m *metrics.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Dispatch classifies req and inserts exactly one queued task.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*task.Task, error) {
	t, err := d.dispatch(ctx, req)
	if err != nil {
		d.metrics.Dispatch(outcome(err))
		return nil, err
	}
	d.metrics.Dispatch("queued")
	d.metrics.Transition(string(task.StatusQueued))
	return t, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) (*task.Task, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}

	res, err := d.classifier.Classify(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrClassificationFailed, err)
	}
	taskType := agent.NormalizeTag(res.TaskType)
	if taskType == "" {
		return nil, fmt.Errorf("%w: classifier returned no task type", task.ErrClassificationFailed)
	}

	agents, err := d.agents.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	if len(agent.Capable(agents, taskType)) == 0 {
		return nil, fmt.Errorf("%w: %s", task.ErrNoCapableAgent, taskType)
	}

	deps := dedupe(req.DependsOn)
	if err := checkDependencies(ctx, d.store, deps); err != nil {
		return nil, err
	}

	urgency := req.Urgency
	if urgency == 0 {
		urgency = res.Urgency
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = defaultTitle(content)
	}

	t := &task.Task{
		Title:           title,
		Description:     content,
		TaskType:        taskType,
		RequestedBy:     req.RequestedBy,
		Source:          req.Source,
		Priority:        task.ClampPriority(urgency),
		DependsOn:       deps,
		Labels:          req.Labels,
		EstimatedEffort: req.EstimatedEffort,
	}
	if err := d.store.Create(ctx, t, "dispatcher"); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	d.logger.Info("task queued",
		slog.String("task_id", t.ID),
		slog.String("task_type", t.TaskType),
		slog.Int("priority", int(t.Priority)),
	)
	comms.Emit(ctx, d.bus, comms.TaskCreated, t, "")
	return t, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, task.ErrClassificationFailed):
		return "classification_failed"
	case errors.Is(err, task.ErrNoCapableAgent):
		return "no_capable_agent"
	case errors.Is(err, task.ErrCyclicDependency):
		return "cyclic_dependency"
	case errors.Is(err, task.ErrTaskNotFound):
		return "unknown_dependency"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	}
	return "error"
}

// defaultTitle takes the first line of content, cut to maxTitleRunes.
func defaultTitle(content string) string {
	line, _, _ := strings.Cut(content, "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	return string([]rune(line)[:maxTitleRunes])
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
