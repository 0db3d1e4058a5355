package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/acurioustractor/farmhand/agent"
)

var _ agent.Registry = (*SQLiteStore)(nil)

const agentColumns = `id, name, capability_tags, autonomy_level, enabled, current_task_id,
	endpoint, last_heartbeat, version, created_at, updated_at`

// ListAgents returns all agents ordered by ID.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// GetAgent retrieves an agent by ID.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", agent.ErrNotFound, id)
	}
	return a, err
}

// UpsertAgent inserts a new agent or updates the identity fields of an
// existing one. current_task_id and last_heartbeat are never touched here.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *agent.Agent) error {
	if a.ID == "" {
		return fmt.Errorf("agent ID is required")
	}
	if !a.AutonomyLevel.Valid() {
		return fmt.Errorf("agent %s: autonomy level %d out of range 1..3", a.ID, a.AutonomyLevel)
	}
	tags, _ := json.Marshal(nonNil(a.CapabilityTags))
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, capability_tags, autonomy_level, enabled, endpoint, version, created_at, updated_at)
		VALUES (?,?,?,?,?,?,1,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			capability_tags=excluded.capability_tags,
			autonomy_level=excluded.autonomy_level,
			enabled=excluded.enabled,
			endpoint=excluded.endpoint,
			version=agents.version+1,
			updated_at=excluded.updated_at`,
		a.ID, a.Name, string(tags), int(a.AutonomyLevel), boolInt(a.Enabled), a.Endpoint, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

// SetEnabled toggles an agent. A disabled agent keeps its current task until
// that task finishes but receives no new work.
func (s *SQLiteStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET enabled=?, version=version+1, updated_at=? WHERE id=?`,
		boolInt(enabled), s.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", agent.ErrNotFound, id)
	}
	return nil
}

// TouchHeartbeat records liveness. It does not bump the version so it never
// conflicts with an in-flight assignment.
func (s *SQLiteStore) TouchHeartbeat(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{at.UTC()}
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat=? WHERE id IN (`+placeholders+`)`, args...,
	); err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	return nil
}

func scanAgent(s scanner) (*agent.Agent, error) {
	var a agent.Agent
	var tagsJSON string
	var autonomy, enabled int
	var current sql.NullString
	var heartbeat sql.NullTime

	err := s.Scan(
		&a.ID, &a.Name, &tagsJSON, &autonomy, &enabled, &current,
		&a.Endpoint, &heartbeat, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.AutonomyLevel = agent.AutonomyLevel(autonomy)
	a.Enabled = enabled != 0
	a.CurrentTaskID = current.String
	_ = json.Unmarshal([]byte(tagsJSON), &a.CapabilityTags)
	if heartbeat.Valid {
		a.LastHeartbeat = &heartbeat.Time
	}
	return &a, nil
}
