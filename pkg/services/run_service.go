package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// writeTimeout bounds critical writes, detached from the caller's context so
// an HTTP disconnect cannot abort a half-applied transition.
const writeTimeout = 10 * time.Second

// runColumns is the scan order shared by every run query.
const runColumns = `id, session_id, task, agent_id, tier, enable_escalation,
	status, pod_id, started_at, completed_at, summary, error, tokens_used, duration_ms`

// RunService persists runs in Postgres. It is the durable side of the run
// manager: the in-memory map serves active lookups, the rows serve late
// queries, cross-replica claims, and orphan recovery.
type RunService struct {
	db *sql.DB
}

// NewRunService creates a new RunService over the shared pool.
func NewRunService(db *sql.DB) *RunService {
	return &RunService{db: db}
}

// CreateRun inserts a run row. The caller assigns the ID and initial status.
func (s *RunService) CreateRun(httpCtx context.Context, run *models.Run) error {
	if run.ID == "" {
		return NewValidationError("run_id", "required")
	}
	if run.SessionID == "" {
		return NewValidationError("session_id", "required")
	}
	if strings.TrimSpace(run.Task) == "" {
		return NewValidationError("task", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, session_id, task, agent_id, tier, enable_escalation, status, started_at, tokens_used, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.SessionID, run.Task, run.AgentID, run.Tier, run.EnableEscalation,
		run.Status, run.StartedAt, run.TokensUsed, run.DurationMS,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads one run by ID.
func (s *RunService) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs matching the filters, newest first. A non-empty
// Query runs a full-text match over task and summary (backed by the GIN
// indexes created at startup).
func (s *RunService) ListRuns(ctx context.Context, filters models.RunFilters) (*models.RunListResponse, error) {
	where := []string{"TRUE"}
	args := []any{}

	if filters.SessionID != "" {
		args = append(args, filters.SessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, filters.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filters.Query != "" {
		args = append(args, filters.Query)
		where = append(where, fmt.Sprintf(
			"to_tsvector('english', task || ' ' || COALESCE(summary, '')) @@ plainto_tsquery('english', $%d)", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}

	limit := filters.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE `+cond+
			fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []*models.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	return &models.RunListResponse{
		Runs:       runs,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// UpdateRunStatus writes a status transition.
func (s *RunService) UpdateRunStatus(httpCtx context.Context, runID string, status models.RunStatus) error {
	if !status.Valid() {
		return NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = $1 WHERE id = $2`, status, runID)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeRun writes a terminal state through to the row: status,
// completion time, summary, error, and usage totals.
func (s *RunService) FinalizeRun(httpCtx context.Context, run *models.Run) error {
	if !run.Status.Terminal() {
		return NewValidationError("status", fmt.Sprintf("%q is not a terminal status", run.Status))
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = $1, completed_at = $2, summary = $3, error = $4, tokens_used = $5, duration_ms = $6
		WHERE id = $7`,
		run.Status, run.CompletedAt, run.Summary, run.Error, run.TokensUsed, run.DurationMS, run.ID,
	)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimNextPending atomically claims the oldest pending run for podID and
// marks it running. Returns (nil, nil) when the queue is empty. SKIP LOCKED
// lets replicas poll concurrently without serializing on the same row.
func (s *RunService) ClaimNextPending(ctx context.Context, podID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE runs
		SET status = 'running', pod_id = $1, started_at = now()
		WHERE id = (
			SELECT id FROM runs
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+runColumns,
		podID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim pending run: %w", err)
	}
	return run, nil
}

// RecoverOrphans fails over runs left running by a previous incarnation of
// podID. Called once at startup, before the pool begins claiming.
func (s *RunService) RecoverOrphans(httpCtx context.Context, podID string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = 'failed', completed_at = now(), error = 'orphaned: replica restarted mid-run'
		WHERE status = 'running' AND pod_id = $1`,
		podID,
	)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteTerminalBefore removes terminal runs completed before the cutoff.
// Used by retention cleanup.
func (s *RunService) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE status IN ('completed', 'failed', 'stopped') AND completed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*models.Run, error) {
	var run models.Run
	var completedAt sql.NullTime
	err := sc.Scan(
		&run.ID, &run.SessionID, &run.Task, &run.AgentID, &run.Tier, &run.EnableEscalation,
		&run.Status, &run.PodID, &run.StartedAt, &completedAt, &run.Summary, &run.Error,
		&run.TokensUsed, &run.DurationMS,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}
