package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

type sqlPlanStore struct {
	db *sql.DB
	d  Dialect
}

func (s *sqlPlanStore) Create(ctx context.Context, plan *models.Plan) error {
	if plan == nil || plan.ID == "" {
		return fmt.Errorf("plan ID is required")
	}
	if plan.TenantID == "" {
		return fmt.Errorf("plan tenant ID is required")
	}
	steps, err := jsonText(plan.Steps)
	if err != nil {
		return fmt.Errorf("marshal plan steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO plans (id, tenant_id, conversation_id, message_id, goal, steps, complexity, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`),
		plan.ID,
		plan.TenantID,
		plan.ConversationID,
		plan.MessageID,
		plan.Goal,
		steps,
		plan.Complexity,
		plan.Status,
		s.d.timeValue(plan.CreatedAt),
		s.d.timeValue(plan.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create plan: %w", err)
	}
	return nil
}

func (s *sqlPlanStore) Get(ctx context.Context, tenantID, id string) (*models.Plan, error) {
	if tenantID == "" || id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT id, tenant_id, conversation_id, message_id, goal, steps, complexity, status, created_at, updated_at
		 FROM plans WHERE id = $1 AND tenant_id = $2`), id, tenantID)

	var plan models.Plan
	var steps []byte
	if err := row.Scan(
		&plan.ID,
		&plan.TenantID,
		&plan.ConversationID,
		&plan.MessageID,
		&plan.Goal,
		&steps,
		&plan.Complexity,
		&plan.Status,
		scanTime(&plan.CreatedAt),
		scanTime(&plan.UpdatedAt),
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}
	if err := scanJSON(steps, &plan.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal plan steps: %w", err)
	}
	return &plan, nil
}

func (s *sqlPlanStore) UpdateStatus(ctx context.Context, tenantID, id string, from, to models.PlanStatus) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(
		`UPDATE plans SET status = $1, updated_at = $2
		 WHERE id = $3 AND tenant_id = $4 AND status = $5`),
		to, s.d.timeValue(time.Now()), id, tenantID, from)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	return checkSwap(ctx, s.db, s.d, res, `SELECT 1 FROM plans WHERE id = $1 AND tenant_id = $2`, id, tenantID)
}

// checkSwap turns a zero-row conditional update into ErrConflict when the
// record exists and ErrNotFound when it does not.
func checkSwap(ctx context.Context, db *sql.DB, d Dialect, res sql.Result, existsQuery string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var one int
	if err := db.QueryRowContext(ctx, d.rebind(existsQuery), args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("check record: %w", err)
	}
	return ErrConflict
}

type sqlTaskStore struct {
	db *sql.DB
	d  Dialect
}

const taskColumns = `id, tenant_id, conversation_id, plan_id, goal, current_step, total_steps, state, status, created_at, updated_at, completed_at`

func scanTask(row scanner) (*models.Task, error) {
	var task models.Task
	var state []byte
	if err := row.Scan(
		&task.ID,
		&task.TenantID,
		&task.ConversationID,
		&task.PlanID,
		&task.Goal,
		&task.CurrentStep,
		&task.TotalSteps,
		&state,
		&task.Status,
		scanTime(&task.CreatedAt),
		scanTime(&task.UpdatedAt),
		scanNullTime(&task.CompletedAt),
	); err != nil {
		return nil, err
	}
	if err := scanJSON(state, &task.State); err != nil {
		return nil, fmt.Errorf("unmarshal task state: %w", err)
	}
	return &task, nil
}

func (s *sqlTaskStore) Create(ctx context.Context, task *models.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.TenantID == "" {
		return fmt.Errorf("task tenant ID is required")
	}
	state, err := jsonText(task.State)
	if err != nil {
		return fmt.Errorf("marshal task state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`),
		task.ID,
		task.TenantID,
		task.ConversationID,
		task.PlanID,
		task.Goal,
		task.CurrentStep,
		task.TotalSteps,
		state,
		task.Status,
		s.d.timeValue(task.CreatedAt),
		s.d.timeValue(task.UpdatedAt),
		s.d.nullTimeValue(task.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *sqlTaskStore) Get(ctx context.Context, tenantID, id string) (*models.Task, error) {
	if tenantID == "" || id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND tenant_id = $2`), id, tenantID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *sqlTaskStore) Update(ctx context.Context, task *models.Task, expectedStatus models.TaskStatus, expectedStep int) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	state, err := jsonText(task.State)
	if err != nil {
		return fmt.Errorf("marshal task state: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.d.rebind(
		`UPDATE tasks SET current_step = $1, state = $2, status = $3, updated_at = $4, completed_at = $5
		 WHERE id = $6 AND tenant_id = $7 AND status = $8 AND current_step = $9`),
		task.CurrentStep,
		state,
		task.Status,
		s.d.timeValue(task.UpdatedAt),
		s.d.nullTimeValue(task.CompletedAt),
		task.ID,
		task.TenantID,
		expectedStatus,
		expectedStep,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return checkSwap(ctx, s.db, s.d, res, `SELECT 1 FROM tasks WHERE id = $1 AND tenant_id = $2`, task.ID, task.TenantID)
}

func (s *sqlTaskStore) List(ctx context.Context, tenantID string, opts TaskListOptions) ([]*models.Task, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE tenant_id = $1`
	args := []any{tenantID}
	if opts.Status != "" {
		query += ` AND status = $2 ORDER BY updated_at DESC LIMIT $3 OFFSET $4`
		args = append(args, opts.Status, limit, offset)
	} else {
		query += ` ORDER BY updated_at DESC LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}
	return s.query(ctx, query, args...)
}

func (s *sqlTaskStore) ListStale(ctx context.Context, status models.TaskStatus, cutoff time.Time, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC LIMIT $3`,
		status, s.d.timeValue(cutoff), limit)
}

func (s *sqlTaskStore) query(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

type sqlInsightStore struct {
	db *sql.DB
	d  Dialect
}

func (s *sqlInsightStore) Create(ctx context.Context, insight *models.Insight) error {
	if insight == nil || insight.ID == "" {
		return fmt.Errorf("insight ID is required")
	}
	if insight.TenantID == "" {
		return fmt.Errorf("insight tenant ID is required")
	}
	insights, err := jsonText(nonNilMap(insight.Insights))
	if err != nil {
		return fmt.Errorf("marshal insights: %w", err)
	}
	recommendations, err := jsonText(nonNilMap(insight.Recommendations))
	if err != nil {
		return fmt.Errorf("marshal recommendations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO insights (id, tenant_id, plan_id, task_id, goal, insights, recommendations, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`),
		insight.ID,
		insight.TenantID,
		insight.PlanID,
		insight.TaskID,
		insight.Goal,
		insights,
		recommendations,
		s.d.timeValue(insight.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create insight: %w", err)
	}
	return nil
}

func (s *sqlInsightStore) Recent(ctx context.Context, tenantID string, limit int) ([]*models.Insight, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT id, tenant_id, plan_id, task_id, goal, insights, recommendations, created_at
		 FROM insights WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`),
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query insights: %w", err)
	}
	defer rows.Close()

	var out []*models.Insight
	for rows.Next() {
		var insight models.Insight
		var insights, recommendations []byte
		if err := rows.Scan(
			&insight.ID,
			&insight.TenantID,
			&insight.PlanID,
			&insight.TaskID,
			&insight.Goal,
			&insights,
			&recommendations,
			scanTime(&insight.CreatedAt),
		); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		if err := scanJSON(insights, &insight.Insights); err != nil {
			return nil, fmt.Errorf("unmarshal insights: %w", err)
		}
		if err := scanJSON(recommendations, &insight.Recommendations); err != nil {
			return nil, fmt.Errorf("unmarshal recommendations: %w", err)
		}
		out = append(out, &insight)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate insights: %w", err)
	}
	return out, nil
}
