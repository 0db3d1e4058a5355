package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// Store persists tasks and their transition history.
type Store interface {
	// Create inserts a new queued task, assigning its ID and timestamps.
	Create(ctx context.Context, t *Task, actor string) error

	// Get retrieves a task by ID.
	Get(ctx context.Context, id string) (*Task, error)

	// List returns tasks matching the filter, oldest first.
	List(ctx context.Context, filter Filter) ([]*Task, error)

	// Lookup returns the tasks with the given IDs keyed by ID. Unknown IDs
	// are absent from the map.
	Lookup(ctx context.Context, ids []string) (map[string]*Task, error)

	// Transition moves t along one state machine edge. Field changes already
	// made on t are written in the same transaction. On success t reflects
	// the stored row; on failure the stored row is unchanged.
	Transition(ctx context.Context, t *Task, to Status, opts TransitionOpts) error

	// MarkEscalated records that an escalation signal was emitted for a task
	// still in review. The status is never changed.
	MarkEscalated(ctx context.Context, id string, at time.Time) error

	// Audit returns the transition log of a task in order.
	Audit(ctx context.Context, taskID string) ([]AuditEntry, error)
}

// SQLiteStore persists tasks, agents and the audit log in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// SetClock replaces the store's time source. Intended for tests.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

func (s *SQLiteStore) timestamp() time.Time { return s.now().UTC() }

const taskColumns = `id, title, description, task_type, assigned_agent, requested_by, source,
	status, priority, depends_on, labels, estimated_effort, needs_review, output, error,
	proposal_reasoning, proposal_risk_level, proposal_reversible, has_proposal,
	review_decision, reviewed_by, modify_count, version,
	created_at, updated_at, started_at, completed_at, escalated_at`

// Create persists a new task and sets its ID, Version, CreatedAt and UpdatedAt.
func (s *SQLiteStore) Create(ctx context.Context, t *Task, actor string) error {
	if t.Status == "" {
		t.Status = StatusQueued
	}
	if t.Status != StatusQueued {
		return fmt.Errorf("%w: new task must be %s, got %s", ErrInvalidStateTransition, StatusQueued, t.Status)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.timestamp()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1
	t.Priority = ClampPriority(int(t.Priority))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	args := append([]any{t.ID}, taskValues(t)...)
	args = append(args, t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt), nullTime(t.EscalatedAt))
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	if _, err := tx.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`) VALUES (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	if err := insertAudit(ctx, tx, t.ID, "", StatusQueued, actor, "", now); err != nil {
		return err
	}
	return tx.Commit()
}

// taskValues returns the column values in taskColumns order from title
// through version.
func taskValues(t *Task) []any {
	dependsOn, _ := json.Marshal(nonNil(t.DependsOn))
	labels, _ := json.Marshal(nonNil(t.Labels))
	var p Proposal
	if t.Proposal != nil {
		p = *t.Proposal
	}
	return []any{
		t.Title, t.Description, t.TaskType, t.AssignedAgent, t.RequestedBy, t.Source,
		string(t.Status), int(t.Priority), string(dependsOn), string(labels), t.EstimatedEffort,
		boolInt(t.NeedsReview), string(t.Output), t.Error,
		p.Reasoning, string(p.RiskLevel), boolInt(p.Reversible), boolInt(t.Proposal != nil),
		string(t.ReviewDecision), t.ReviewedBy, t.ModifyCount, t.Version,
	}
}

// Get retrieves a task by ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

// List returns tasks matching the filter.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + taskColumns + " FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.AssignedAgent != "" {
		q.WriteString(" AND assigned_agent=?")
		args = append(args, filter.AssignedAgent)
	}
	if filter.TaskType != "" {
		q.WriteString(" AND task_type=?")
		args = append(args, filter.TaskType)
	}
	q.WriteString(" ORDER BY created_at ASC, id ASC")
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Lookup returns the tasks with the given IDs.
func (s *SQLiteStore) Lookup(ctx context.Context, ids []string) (map[string]*Task, error) {
	out := make(map[string]*Task, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out[t.ID] = t
	}
	return out, rows.Err()
}

// Transition applies one state machine edge with an optimistic version check.
func (s *SQLiteStore) Transition(ctx context.Context, t *Task, to Status, opts TransitionOpts) error {
	from := t.Status
	if err := checkTransition(t.ID, from, to); err != nil {
		return err
	}
	if opts.Claim != nil && to != StatusAssigned {
		return fmt.Errorf("task %s: agent claim only valid when assigning", t.ID)
	}

	now := s.timestamp()
	next := t.Clone()
	next.Status = to
	next.UpdatedAt = now
	next.Version = t.Version + 1
	if to.IsTerminal() {
		next.CompletedAt = &now
	} else {
		next.CompletedAt = nil
	}
	if opts.Claim != nil {
		next.AssignedAgent = opts.Claim.AgentID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	vals := taskValues(next)
	set := strings.Join([]string{
		"title=?", "description=?", "task_type=?", "assigned_agent=?", "requested_by=?", "source=?",
		"status=?", "priority=?", "depends_on=?", "labels=?", "estimated_effort=?",
		"needs_review=?", "output=?", "error=?",
		"proposal_reasoning=?", "proposal_risk_level=?", "proposal_reversible=?", "has_proposal=?",
		"review_decision=?", "reviewed_by=?", "modify_count=?", "version=?",
		"updated_at=?", "started_at=?", "completed_at=?",
	}, ", ")
	args := append(vals, next.UpdatedAt, nullTime(next.StartedAt), nullTime(next.CompletedAt),
		t.ID, t.Version, string(from))
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+set+` WHERE id=? AND version=? AND status=?`, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return s.conflict(ctx, tx, t.ID)
	}

	if opts.Claim != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET current_task_id=?, version=version+1, updated_at=?
			WHERE id=? AND version=? AND enabled=1 AND current_task_id IS NULL`,
			t.ID, now, opts.Claim.AgentID, opts.Claim.AgentVersion,
		)
		if err != nil {
			return fmt.Errorf("claim agent %s: %w", opts.Claim.AgentID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: agent %s changed or busy", ErrOptimisticLock, opts.Claim.AgentID)
		}
	}
	if opts.ReleaseAgent && next.AssignedAgent != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET current_task_id=NULL, version=version+1, updated_at=?
			WHERE id=? AND current_task_id=?`,
			now, next.AssignedAgent, t.ID,
		); err != nil {
			return fmt.Errorf("release agent %s: %w", next.AssignedAgent, err)
		}
	}
	if err := insertAudit(ctx, tx, t.ID, from, to, opts.Actor, opts.Detail, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	*t = *next
	return nil
}

// conflict distinguishes a missing task from a stale version.
func (s *SQLiteStore) conflict(ctx context.Context, tx *sql.Tx, id string) error {
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id=?`, id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return fmt.Errorf("%w: task %s was modified concurrently", ErrOptimisticLock, id)
}

// MarkEscalated stamps escalated_at on a task still in review.
func (s *SQLiteStore) MarkEscalated(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET escalated_at=? WHERE id=? AND status=?`,
		at.UTC(), id, string(StatusReview),
	)
	if err != nil {
		return fmt.Errorf("mark escalated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: task %s", ErrNotInReview, id)
	}
	return nil
}

// Audit returns the transition log for taskID.
func (s *SQLiteStore) Audit(ctx context.Context, taskID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, actor, detail, created_at
		FROM task_audit_log WHERE task_id=? ORDER BY created_at ASC, rowid ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var from, to string
		if err := rows.Scan(&e.ID, &e.TaskID, &from, &to, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.From, e.To = Status(from), Status(to)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertAudit(ctx context.Context, tx *sql.Tx, taskID string, from, to Status, actor, detail string, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_audit_log (id, task_id, from_status, to_status, actor, detail, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		uuid.NewString(), taskID, string(from), string(to), actor, detail, at,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var status, dependsOnJSON, labelsJSON, output, riskLevel, decision string
	var priority, needsReview, reversible, hasProposal int
	var reasoning string
	var startedAt, completedAt, escalatedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &t.TaskType, &t.AssignedAgent, &t.RequestedBy, &t.Source,
		&status, &priority, &dependsOnJSON, &labelsJSON, &t.EstimatedEffort, &needsReview, &output, &t.Error,
		&reasoning, &riskLevel, &reversible, &hasProposal,
		&decision, &t.ReviewedBy, &t.ModifyCount, &t.Version,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt, &escalatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.Priority = Priority(priority)
	t.NeedsReview = needsReview != 0
	t.ReviewDecision = ReviewDecision(decision)
	if output != "" {
		t.Output = json.RawMessage(output)
	}
	if hasProposal != 0 {
		t.Proposal = &Proposal{Reasoning: reasoning, RiskLevel: RiskLevel(riskLevel), Reversible: reversible != 0}
	}

	_ = json.Unmarshal([]byte(dependsOnJSON), &t.DependsOn)
	_ = json.Unmarshal([]byte(labelsJSON), &t.Labels)

	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if escalatedAt.Valid {
		t.EscalatedAt = &escalatedAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
