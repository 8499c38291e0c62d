package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/sampark/model"
)

const pgUniqueViolation = "23505"

const runColumns = `id, codename, status, current_step, step_history, conversation_history,
	state, confidence_score, version, created_at, updated_at`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CreateRun inserts a new run.
func (s *PgStore) CreateRun(ctx context.Context, run model.WorkflowRun) error {
	return insertRun(ctx, s.pool, run)
}

func insertRun(ctx context.Context, db execer, run model.WorkflowRun) error {
	steps, convo, err := marshalHistories(run)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.Codename, string(run.Status), run.CurrentStep, steps, convo,
		nullableJSON(run.State), run.ConfidenceScore, run.Version, run.CreatedAt, run.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return model.NewConflictError(fmt.Sprintf("workflow run %q already exists", run.ID))
	}
	if err != nil {
		return fmt.Errorf("insert workflow run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *PgStore) GetRun(ctx context.Context, runID string) (model.WorkflowRun, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowRun{}, runNotFound(runID)
	}
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("query workflow run: %w", err)
	}
	return run, nil
}

// UpdateRun persists a run with optimistic locking. The codename is never
// written, and histories may only grow.
func (s *PgStore) UpdateRun(ctx context.Context, run model.WorkflowRun) (model.WorkflowRun, error) {
	steps, convo, err := marshalHistories(run)
	if err != nil {
		return model.WorkflowRun{}, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_runs SET
			status = $1,
			current_step = $2,
			step_history = $3,
			conversation_history = $4,
			state = $5,
			version = $6,
			updated_at = $7
		WHERE id = $8 AND version = $9 AND codename = $10
		  AND jsonb_array_length(step_history) <= jsonb_array_length($3::jsonb)
		  AND jsonb_array_length(conversation_history) <= jsonb_array_length($4::jsonb)`,
		string(run.Status), run.CurrentStep, steps, convo, nullableJSON(run.State),
		run.Version+1, run.UpdatedAt,
		run.ID, run.Version, run.Codename,
	)
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("update workflow run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetRun(ctx, run.ID); getErr != nil {
			return model.WorkflowRun{}, getErr
		}
		return model.WorkflowRun{}, model.NewConflictError(
			fmt.Sprintf("workflow run %q version conflict (expected %d)", run.ID, run.Version),
		)
	}

	stored := run.Clone()
	stored.Version++
	return stored, nil
}

// FindRuns lists runs newest first.
func (s *PgStore) FindRuns(ctx context.Context, filters model.RunFilters) ([]model.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.Codename != "" {
		query += fmt.Sprintf(" AND codename = $%d", argIdx)
		args = append(args, filters.Codename)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filters.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow runs: %w", err)
	}
	defer rows.Close()

	runs := []model.WorkflowRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// CreateRunWithAssociation inserts a run and its first association in one
// transaction. A concurrent claim on the same pair blocks on the primary key
// until the winner commits, then inserts nothing.
func (s *PgStore) CreateRunWithAssociation(ctx context.Context, run model.WorkflowRun, assoc model.CommunicationAssociation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertRun(ctx, tx, run); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO communication_associations (channel_type, channel_id, run_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel_type, channel_id) DO NOTHING`,
		assoc.ChannelType, assoc.ChannelID, run.ID, assoc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert association: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewAssociationConflictError(assoc.ChannelType, assoc.ChannelID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Associate binds an additional pair to an existing run.
func (s *PgStore) Associate(ctx context.Context, assoc model.CommunicationAssociation) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO communication_associations (channel_type, channel_id, run_id, created_at)
		SELECT $1, $2, id, $4 FROM workflow_runs WHERE id = $3
		ON CONFLICT (channel_type, channel_id) DO NOTHING`,
		assoc.ChannelType, assoc.ChannelID, assoc.RunID, assoc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert association: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	bound, err := s.FindRunByChannel(ctx, assoc.ChannelType, assoc.ChannelID)
	if model.IsCode(err, model.ErrNotFound) {
		return runNotFound(assoc.RunID)
	}
	if err != nil {
		return err
	}
	if bound != assoc.RunID {
		return model.NewAssociationConflictError(assoc.ChannelType, assoc.ChannelID)
	}
	return nil
}

// FindRunByChannel returns the run bound to a pair.
func (s *PgStore) FindRunByChannel(ctx context.Context, channelType, channelID string) (string, error) {
	var runID string
	err := s.pool.QueryRow(ctx, `
		SELECT run_id FROM communication_associations
		WHERE channel_type = $1 AND channel_id = $2`,
		channelType, channelID,
	).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", channelNotFound(channelType, channelID)
	}
	if err != nil {
		return "", fmt.Errorf("query association: %w", err)
	}
	return runID, nil
}

// ListAssociations returns the pairs bound to a run, oldest first.
func (s *PgStore) ListAssociations(ctx context.Context, runID string) ([]model.CommunicationAssociation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT channel_type, channel_id, run_id, created_at
		FROM communication_associations
		WHERE run_id = $1
		ORDER BY created_at ASC, channel_type ASC, channel_id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query associations: %w", err)
	}
	defer rows.Close()

	assocs := []model.CommunicationAssociation{}
	for rows.Next() {
		var a model.CommunicationAssociation
		if err := rows.Scan(&a.ChannelType, &a.ChannelID, &a.RunID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		assocs = append(assocs, a)
	}
	return assocs, rows.Err()
}

func scanRun(row pgx.Row) (model.WorkflowRun, error) {
	var run model.WorkflowRun
	var status string
	var steps, convo, state []byte

	if err := row.Scan(
		&run.ID, &run.Codename, &status, &run.CurrentStep, &steps, &convo,
		&state, &run.ConfidenceScore, &run.Version, &run.CreatedAt, &run.UpdatedAt,
	); err != nil {
		return model.WorkflowRun{}, err
	}
	run.Status = model.RunStatus(status)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()

	if err := json.Unmarshal(steps, &run.StepHistory); err != nil {
		return model.WorkflowRun{}, fmt.Errorf("unmarshal step history: %w", err)
	}
	if err := json.Unmarshal(convo, &run.ConversationHistory); err != nil {
		return model.WorkflowRun{}, fmt.Errorf("unmarshal conversation history: %w", err)
	}
	if state != nil {
		run.State = json.RawMessage(state)
	}
	return run, nil
}

func marshalHistories(run model.WorkflowRun) ([]byte, []byte, error) {
	stepHistory := run.StepHistory
	if stepHistory == nil {
		stepHistory = []string{}
	}
	steps, err := json.Marshal(stepHistory)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal step history: %w", err)
	}

	conversation := run.ConversationHistory
	if conversation == nil {
		conversation = []model.ConversationEntry{}
	}
	convo, err := json.Marshal(conversation)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal conversation history: %w", err)
	}
	return steps, convo, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
