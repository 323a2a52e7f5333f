package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/longregen/teleprompt/internal/domain"
	"github.com/longregen/teleprompt/internal/domain/models"
	"github.com/longregen/teleprompt/internal/ports"
)

// OptimizationRepository implements ports.OptimizationRepository
type OptimizationRepository struct {
	store
}

var _ ports.OptimizationRepository = (*OptimizationRepository)(nil)

// NewOptimizationRepository creates a new optimization repository
func NewOptimizationRepository(pool *pgxpool.Pool) *OptimizationRepository {
	return &OptimizationRepository{
		store: store{pool: pool},
	}
}

const runColumns = `id, name, description, status, optimizer, trainset_size, baseline_score, best_score,
		improved, demo_count, iterations, max_iterations, error, config, meta, started_at, completed_at,
		created_at, updated_at`

// CreateRun creates a new optimization run
func (r *OptimizationRepository) CreateRun(ctx context.Context, run *models.OptimizationRun) error {
	ctx, cancel := boundedContext(ctx)
	defer cancel()

	config, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(run.Meta)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO optimization_runs (` + runColumns + `) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19
		)`

	_, err = r.db(ctx).Exec(ctx, query,
		run.ID,
		run.Name,
		toNullString(run.Description),
		run.Status,
		run.Optimizer,
		run.TrainsetSize,
		run.BaselineScore,
		run.BestScore,
		run.Improved,
		run.DemoCount,
		run.Iterations,
		run.MaxIterations,
		toNullString(run.Error),
		config,
		meta,
		run.StartedAt,
		toNullTime(run.CompletedAt),
		run.CreatedAt,
		run.UpdatedAt,
	)

	return err
}

// GetRun retrieves an optimization run by ID
func (r *OptimizationRepository) GetRun(ctx context.Context, id string) (*models.OptimizationRun, error) {
	ctx, cancel := boundedContext(ctx)
	defer cancel()

	query := `SELECT ` + runColumns + `
		FROM optimization_runs
		WHERE id = $1 AND deleted_at IS NULL`

	run, err := scanRun(r.db(ctx).QueryRow(ctx, query, id))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewDomainError(domain.ErrRunNotFound, id)
		}
		return nil, err
	}
	return run, nil
}

// UpdateRun updates an existing optimization run
func (r *OptimizationRepository) UpdateRun(ctx context.Context, run *models.OptimizationRun) error {
	ctx, cancel := boundedContext(ctx)
	defer cancel()

	config, err := json.Marshal(run.Config)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(run.Meta)
	if err != nil {
		return err
	}

	query := `
		UPDATE optimization_runs
		SET status = $1, baseline_score = $2, best_score = $3, improved = $4, demo_count = $5,
			iterations = $6, error = $7, config = $8, meta = $9, completed_at = $10, updated_at = $11
		WHERE id = $12 AND deleted_at IS NULL`

	result, err := r.db(ctx).Exec(ctx, query,
		run.Status,
		run.BaselineScore,
		run.BestScore,
		run.Improved,
		run.DemoCount,
		run.Iterations,
		toNullString(run.Error),
		config,
		meta,
		toNullTime(run.CompletedAt),
		run.UpdatedAt,
		run.ID,
	)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return domain.NewDomainError(domain.ErrRunNotFound, run.ID)
	}

	return nil
}

// ListRuns retrieves optimization runs with optional filtering and pagination
func (r *OptimizationRepository) ListRuns(ctx context.Context, opts ports.ListOptimizationRunsOptions) ([]*models.OptimizationRun, error) {
	ctx, cancel := boundedContext(ctx)
	defer cancel()

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + runColumns + `
		FROM optimization_runs
		WHERE deleted_at IS NULL`

	args := []any{}
	argPos := 1

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, opts.Status)
		argPos++
	}
	if opts.Optimizer != "" {
		query += fmt.Sprintf(" AND optimizer = $%d", argPos)
		args = append(args, opts.Optimizer)
		argPos++
	}

	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]*models.OptimizationRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

const candidateColumns = `id, run_id, iteration, demo_count, snapshot, score, accepted, evaluation_count,
		success_count, failure_count, average_latency_ms, meta, created_at, updated_at`

// SaveCandidate upserts a program candidate
func (r *OptimizationRepository) SaveCandidate(ctx context.Context, candidate *models.ProgramCandidate) error {
	ctx, cancel := boundedContext(ctx)
	defer cancel()

	meta, err := json.Marshal(candidate.Meta)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO program_candidates (` + candidateColumns + `) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		ON CONFLICT (id) DO UPDATE SET
			score = EXCLUDED.score,
			accepted = EXCLUDED.accepted,
			evaluation_count = EXCLUDED.evaluation_count,
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			average_latency_ms = EXCLUDED.average_latency_ms,
			meta = EXCLUDED.meta,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db(ctx).Exec(ctx, query,
		candidate.ID,
		candidate.RunID,
		candidate.Iteration,
		candidate.DemoCount,
		candidate.Snapshot,
		candidate.Score,
		candidate.Accepted,
		candidate.EvaluationCount,
		candidate.SuccessCount,
		candidate.FailureCount,
		candidate.AverageLatencyMs,
		meta,
		candidate.CreatedAt,
		candidate.UpdatedAt,
	)

	return err
}

// GetCandidates retrieves all candidates for a run
func (r *OptimizationRepository) GetCandidates(ctx context.Context, runID string) ([]*models.ProgramCandidate, error) {
	ctx, cancel := boundedContext(ctx)
	defer cancel()

	query := `SELECT ` + candidateColumns + `
		FROM program_candidates
		WHERE run_id = $1 AND deleted_at IS NULL
		ORDER BY iteration DESC, score DESC NULLS LAST`

	rows, err := r.db(ctx).Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	candidates := make([]*models.ProgramCandidate, 0)
	for rows.Next() {
		candidate, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate)
	}
	return candidates, rows.Err()
}

// GetBestCandidate retrieves the accepted candidate with the highest score
func (r *OptimizationRepository) GetBestCandidate(ctx context.Context, runID string) (*models.ProgramCandidate, error) {
	ctx, cancel := boundedContext(ctx)
	defer cancel()

	query := `SELECT ` + candidateColumns + `
		FROM program_candidates
		WHERE run_id = $1 AND accepted AND deleted_at IS NULL
		ORDER BY score DESC NULLS LAST, iteration DESC
		LIMIT 1`

	candidate, err := scanCandidate(r.db(ctx).QueryRow(ctx, query, runID))
	if err != nil {
		if isNoRows(err) {
			return nil, domain.NewDomainError(domain.ErrCandidateNotFound, runID)
		}
		return nil, err
	}
	return candidate, nil
}

// SaveEvaluation saves an example evaluation
func (r *OptimizationRepository) SaveEvaluation(ctx context.Context, eval *models.ExampleEvaluation) error {
	ctx, cancel := boundedContext(ctx)
	defer cancel()

	metrics, err := json.Marshal(eval.Metrics)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO example_evaluations (
			id, candidate_id, run_id, example_id, input, output, expected, score, success,
			latency_ms, metrics, error, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)`

	_, err = r.db(ctx).Exec(ctx, query,
		eval.ID,
		eval.CandidateID,
		eval.RunID,
		eval.ExampleID,
		eval.Input,
		eval.Output,
		toNullString(eval.Expected),
		eval.Score,
		eval.Success,
		eval.LatencyMs,
		metrics,
		toNullString(eval.Error),
		eval.CreatedAt,
	)

	return err
}

// GetEvaluations retrieves all evaluations for a candidate
func (r *OptimizationRepository) GetEvaluations(ctx context.Context, candidateID string) ([]*models.ExampleEvaluation, error) {
	ctx, cancel := boundedContext(ctx)
	defer cancel()

	query := `
		SELECT id, candidate_id, run_id, example_id, input, output, expected, score, success,
			latency_ms, metrics, error, created_at
		FROM example_evaluations
		WHERE candidate_id = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC`

	rows, err := r.db(ctx).Query(ctx, query, candidateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	evaluations := make([]*models.ExampleEvaluation, 0)
	for rows.Next() {
		var eval models.ExampleEvaluation
		var expected, errMsg sql.NullString
		var metrics []byte

		err := rows.Scan(
			&eval.ID,
			&eval.CandidateID,
			&eval.RunID,
			&eval.ExampleID,
			&eval.Input,
			&eval.Output,
			&expected,
			&eval.Score,
			&eval.Success,
			&eval.LatencyMs,
			&metrics,
			&errMsg,
			&eval.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		eval.Expected = expected.String
		eval.Error = errMsg.String
		eval.Metrics = decodeJSONMap(metrics)

		evaluations = append(evaluations, &eval)
	}

	return evaluations, rows.Err()
}

func scanRun(row pgx.Row) (*models.OptimizationRun, error) {
	var run models.OptimizationRun
	var description, errMsg sql.NullString
	var config, meta []byte
	var completedAt sql.NullTime

	err := row.Scan(
		&run.ID,
		&run.Name,
		&description,
		&run.Status,
		&run.Optimizer,
		&run.TrainsetSize,
		&run.BaselineScore,
		&run.BestScore,
		&run.Improved,
		&run.DemoCount,
		&run.Iterations,
		&run.MaxIterations,
		&errMsg,
		&config,
		&meta,
		&run.StartedAt,
		&completedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Description = description.String
	run.Error = errMsg.String
	run.CompletedAt = fromNullTime(completedAt)

	run.Config = decodeJSONMap(config)
	run.Meta = decodeJSONMap(meta)

	return &run, nil
}

func scanCandidate(row pgx.Row) (*models.ProgramCandidate, error) {
	var candidate models.ProgramCandidate
	var score, latency sql.NullFloat64
	var meta []byte

	err := row.Scan(
		&candidate.ID,
		&candidate.RunID,
		&candidate.Iteration,
		&candidate.DemoCount,
		&candidate.Snapshot,
		&score,
		&candidate.Accepted,
		&candidate.EvaluationCount,
		&candidate.SuccessCount,
		&candidate.FailureCount,
		&latency,
		&meta,
		&candidate.CreatedAt,
		&candidate.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if score.Valid {
		candidate.Score = score.Float64
	}
	if latency.Valid {
		candidate.AverageLatencyMs = latency.Float64
	}
	candidate.Meta = decodeJSONMap(meta)

	return &candidate, nil
}
