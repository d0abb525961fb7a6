package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Catalog ---

func (s *PostgresStore) UpsertProject(ctx context.Context, p *Project) error {
	query := `
		INSERT INTO projects (id, project_name, project_code, plan_id, status, scm_config, build_config, analysis_config, is_certified, log_path_template, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			project_name = EXCLUDED.project_name,
			project_code = EXCLUDED.project_code,
			plan_id = EXCLUDED.plan_id,
			status = EXCLUDED.status,
			scm_config = EXCLUDED.scm_config,
			build_config = EXCLUDED.build_config,
			analysis_config = EXCLUDED.analysis_config,
			is_certified = EXCLUDED.is_certified,
			log_path_template = EXCLUDED.log_path_template,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		p.ID, p.ProjectName, p.ProjectCode, p.PlanID, p.Status,
		p.ScmConfig, p.BuildConfig, p.AnalysisConfig, p.IsCertified, p.LogPathTemplate,
	)
	return err
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*Project, error) {
	query := `
		SELECT id, project_name, project_code, plan_id, status, scm_config, build_config, analysis_config, is_certified, log_path_template, created_at, updated_at
		FROM projects WHERE id = $1
	`
	var p Project
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.ProjectName, &p.ProjectCode, &p.PlanID, &p.Status,
		&p.ScmConfig, &p.BuildConfig, &p.AnalysisConfig, &p.IsCertified, &p.LogPathTemplate,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

const layerColumns = `id, project_id, name, type, layer_path, build_enabled, sam_enabled, coverity_enabled, layer_config, created_at, updated_at`

func scanLayer(row pgx.Row) (*Layer, error) {
	var l Layer
	err := row.Scan(
		&l.ID, &l.ProjectID, &l.Name, &l.Type, &l.LayerPath,
		&l.BuildEnabled, &l.SamEnabled, &l.CoverityEnabled, &l.LayerConfig,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) UpsertLayer(ctx context.Context, l *Layer) error {
	query := `
		INSERT INTO layers (id, project_id, name, type, layer_path, build_enabled, sam_enabled, coverity_enabled, layer_config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			layer_path = EXCLUDED.layer_path,
			build_enabled = EXCLUDED.build_enabled,
			sam_enabled = EXCLUDED.sam_enabled,
			coverity_enabled = EXCLUDED.coverity_enabled,
			layer_config = EXCLUDED.layer_config,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query,
		l.ID, l.ProjectID, l.Name, l.Type, l.LayerPath,
		l.BuildEnabled, l.SamEnabled, l.CoverityEnabled, l.LayerConfig,
	)
	return err
}

func (s *PostgresStore) GetLayer(ctx context.Context, id string) (*Layer, error) {
	l, err := scanLayer(s.pool.QueryRow(ctx, `SELECT `+layerColumns+` FROM layers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (s *PostgresStore) ListLayers(ctx context.Context, projectID string) ([]*Layer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+layerColumns+` FROM layers WHERE ($1 = '' OR project_id = $1) ORDER BY id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var layers []*Layer
	for rows.Next() {
		l, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

// --- Queue ---

const queueColumns = `id, project_id, layer_id, requester_id, req_method, status, priority, scm_override, build_override, retry_count, max_retries, last_error, build_id, queued_at, processed_at`

func scanQueueItem(row pgx.Row) (*QueueItem, error) {
	var q QueueItem
	err := row.Scan(
		&q.ID, &q.ProjectID, &q.LayerID, &q.RequesterID, &q.ReqMethod, &q.Status, &q.Priority,
		&q.ScmOverride, &q.BuildOverride, &q.RetryCount, &q.MaxRetries, &q.LastError, &q.BuildID,
		&q.QueuedAt, &q.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func collectQueueItems(rows pgx.Rows) ([]*QueueItem, error) {
	defer rows.Close()
	var items []*QueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, q)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CreateQueueItem(ctx context.Context, item *QueueItem) error {
	query := `
		INSERT INTO build_queue (` + queueColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.pool.Exec(ctx, query,
		item.ID, item.ProjectID, item.LayerID, item.RequesterID, item.ReqMethod, item.Status, item.Priority,
		item.ScmOverride, item.BuildOverride, item.RetryCount, item.MaxRetries, item.LastError, item.BuildID,
		item.QueuedAt, item.ProcessedAt,
	)
	return err
}

func (s *PostgresStore) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	q, err := scanQueueItem(s.pool.QueryRow(ctx, `SELECT `+queueColumns+` FROM build_queue WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return q, err
}

func (s *PostgresStore) ListQueueItems(ctx context.Context, status QueueStatus, limit int) ([]*QueueItem, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+queueColumns+` FROM build_queue
		WHERE ($1 = '' OR status = $1)
		ORDER BY priority DESC, queued_at ASC, id ASC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectQueueItems(rows)
}

func (s *PostgresStore) ListWaiting(ctx context.Context, limit int) ([]*QueueItem, error) {
	return s.ListQueueItems(ctx, QueueWaiting, limit)
}

func (s *PostgresStore) CountQueueByStatus(ctx context.Context, status QueueStatus) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM build_queue WHERE status = $1`, status).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// queueConflict explains why a guarded queue update touched no row.
func (s *PostgresStore) queueConflict(ctx context.Context, id, op string) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM build_queue WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Entity: "queue item", ID: id}
	}
	if err != nil {
		return err
	}
	return &StateConflictError{Entity: "queue item", ID: id, Current: current, Op: op}
}

func (s *PostgresStore) MarkProcessing(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE build_queue SET status = $2, processed_at = $3 WHERE id = $1 AND status = $4`,
		id, QueueProcessing, at, QueueWaiting)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.queueConflict(ctx, id, "dispatch")
	}
	return nil
}

func (s *PostgresStore) CancelQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	q, err := scanQueueItem(s.pool.QueryRow(ctx, `
		UPDATE build_queue SET status = $2 WHERE id = $1 AND status = $3
		RETURNING `+queueColumns, id, QueueCancelled, QueueWaiting))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.queueConflict(ctx, id, "cancel")
	}
	return q, err
}

func (s *PostgresStore) UpdateQueuePriority(ctx context.Context, id string, priority int) (*QueueItem, error) {
	q, err := scanQueueItem(s.pool.QueryRow(ctx, `
		UPDATE build_queue SET priority = $2 WHERE id = $1 AND status = $3
		RETURNING `+queueColumns, id, priority, QueueWaiting))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.queueConflict(ctx, id, "change priority of")
	}
	return q, err
}

func (s *PostgresStore) AttachBuild(ctx context.Context, queueID, buildID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE build_queue SET build_id = $2 WHERE id = $1`, queueID, buildID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "queue item", ID: queueID}
	}
	return nil
}

func (s *PostgresStore) CompleteQueueItem(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE build_queue SET status = $2 WHERE id = $1 AND status = $3`,
		id, QueueCompleted, QueueProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.queueConflict(ctx, id, "complete")
	}
	return nil
}

func (s *PostgresStore) FailQueueItem(ctx context.Context, id string, lastError string) (*QueueItem, error) {
	q, err := scanQueueItem(s.pool.QueryRow(ctx, `
		UPDATE build_queue SET
			retry_count = retry_count + 1,
			last_error = $2,
			status = CASE WHEN retry_count + 1 >= max_retries THEN $3 ELSE $4 END
		WHERE id = $1 AND status = $5
		RETURNING `+queueColumns, id, lastError, QueueFailed, QueueWaiting, QueueProcessing))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.queueConflict(ctx, id, "fail")
	}
	return q, err
}

// --- Dispatch ---

// CreateBuild numbers and inserts a build and its stages in one transaction.
// A transaction-scoped advisory lock per project serializes numbering
// across replicas.
func (s *PostgresStore) CreateBuild(ctx context.Context, b *Build, stages []*StageResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "build-number:"+b.ProjectID); err != nil {
		return fmt.Errorf("lock build numbering: %w", err)
	}

	var round, number int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(round), 0) + 1 FROM builds WHERE layer_id = $1`, b.LayerID).Scan(&round); err != nil {
		return fmt.Errorf("next round: %w", err)
	}
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(build_number), 0) + 1 FROM builds WHERE project_id = $1`, b.ProjectID).Scan(&number); err != nil {
		return fmt.Errorf("next build number: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO builds (id, queue_id, project_id, layer_id, layer_type, round, build_number, status,
			external_key, external_number, triggered_by, trigger_type, snapshot, artifacts, quality_metrics,
			release_criteria, release_status, created_at, started_at, finished_at, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`,
		b.ID, b.QueueID, b.ProjectID, b.LayerID, b.LayerType, round, number, b.Status,
		b.ExternalKey, b.ExternalNumber, b.TriggeredBy, b.TriggerType, b.Snapshot, b.Artifacts, b.QualityMetrics,
		b.ReleaseCriteria, b.ReleaseStatus, b.CreatedAt, b.StartedAt, b.FinishedAt, b.DurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("insert build: %w", err)
	}

	for _, st := range stages {
		st.BuildID = b.ID
		if err := insertStage(ctx, tx, st); err != nil {
			return fmt.Errorf("insert stage %s: %w", st.StageName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	b.Round = round
	b.BuildNumber = number
	return nil
}

func insertStage(ctx context.Context, tx pgx.Tx, st *StageResult) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO stage_results (`+stageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		st.ID, st.BuildID, st.StageName, st.Order, st.Status, st.ErrorCount, st.WarningCount,
		st.Result, st.ExternalResponse, st.LogURL, st.StartedAt, st.FinishedAt, st.DurationSeconds, st.ReceivedAt,
	)
	return err
}

const requestColumns = `id, queue_id, build_id, project_id, layer_id, plan_key, variables, request_status, external_key, error_message, sent_at, responded_at`

func scanRequest(row pgx.Row) (*BuildRequest, error) {
	var r BuildRequest
	err := row.Scan(
		&r.ID, &r.QueueID, &r.BuildID, &r.ProjectID, &r.LayerID, &r.PlanKey, &r.Variables,
		&r.Status, &r.ExternalKey, &r.ErrorMessage, &r.SentAt, &r.RespondedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateBuildRequest(ctx context.Context, r *BuildRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO build_requests (`+requestColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		r.ID, r.QueueID, r.BuildID, r.ProjectID, r.LayerID, r.PlanKey, r.Variables,
		r.Status, r.ExternalKey, r.ErrorMessage, r.SentAt, r.RespondedAt,
	)
	return err
}

func (s *PostgresStore) GetBuildRequest(ctx context.Context, id string) (*BuildRequest, error) {
	r, err := scanRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM build_requests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *PostgresStore) ResolveBuildRequest(ctx context.Context, id string, status RequestStatus, externalKey, errText string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE build_requests SET request_status = $2, external_key = $3, error_message = $4, responded_at = $5
		WHERE id = $1 AND request_status = $6
	`, id, status, externalKey, errText, at, RequestSent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err = s.pool.QueryRow(ctx, `SELECT request_status FROM build_requests WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return &NotFoundError{Entity: "build request", ID: id}
	}
	if err != nil {
		return err
	}
	return &StateConflictError{Entity: "build request", ID: id, Current: current, Op: "resolve"}
}

func (s *PostgresStore) ListTimedOutRequests(ctx context.Context, cutoff time.Time) ([]*BuildRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM build_requests
		WHERE request_status = $1 AND sent_at < $2
		ORDER BY sent_at ASC
	`, RequestSent, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*BuildRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Builds ---

const buildColumns = `id, queue_id, project_id, layer_id, layer_type, round, build_number, status, external_key, external_number, triggered_by, trigger_type, snapshot, artifacts, quality_metrics, release_criteria, release_status, created_at, started_at, finished_at, duration_seconds`

func scanBuild(row pgx.Row) (*Build, error) {
	var b Build
	err := row.Scan(
		&b.ID, &b.QueueID, &b.ProjectID, &b.LayerID, &b.LayerType, &b.Round, &b.BuildNumber, &b.Status,
		&b.ExternalKey, &b.ExternalNumber, &b.TriggeredBy, &b.TriggerType, &b.Snapshot, &b.Artifacts,
		&b.QualityMetrics, &b.ReleaseCriteria, &b.ReleaseStatus, &b.CreatedAt, &b.StartedAt, &b.FinishedAt,
		&b.DurationSeconds,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func collectBuilds(rows pgx.Rows) ([]*Build, error) {
	defer rows.Close()
	var builds []*Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

func (s *PostgresStore) GetBuild(ctx context.Context, id string) (*Build, error) {
	b, err := scanBuild(s.pool.QueryRow(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (s *PostgresStore) GetBuildByExternalKey(ctx context.Context, key string) (*Build, error) {
	if key == "" {
		return nil, nil
	}
	b, err := scanBuild(s.pool.QueryRow(ctx,
		`SELECT `+buildColumns+` FROM builds WHERE external_key = $1 ORDER BY created_at DESC LIMIT 1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (s *PostgresStore) ListActiveBuilds(ctx context.Context) ([]*Build, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+buildColumns+` FROM builds
		WHERE status IN ($1, $2) AND external_key <> ''
		ORDER BY created_at ASC
	`, BuildPending, BuildRunning)
	if err != nil {
		return nil, err
	}
	return collectBuilds(rows)
}

func (s *PostgresStore) ListBuilds(ctx context.Context, f BuildFilter) ([]*Build, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+buildColumns+` FROM builds
		WHERE ($1 = '' OR project_id = $1)
		  AND ($2 = '' OR layer_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, f.ProjectID, f.LayerID, string(f.Status), limit)
	if err != nil {
		return nil, err
	}
	return collectBuilds(rows)
}

func (s *PostgresStore) SaveBuild(ctx context.Context, b *Build) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE builds SET
			status = $2, external_key = $3, external_number = $4, artifacts = $5, quality_metrics = $6,
			release_criteria = $7, release_status = $8, started_at = $9, finished_at = $10, duration_seconds = $11
		WHERE id = $1
	`,
		b.ID, b.Status, b.ExternalKey, b.ExternalNumber, b.Artifacts, b.QualityMetrics,
		b.ReleaseCriteria, b.ReleaseStatus, b.StartedAt, b.FinishedAt, b.DurationSeconds,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "build", ID: b.ID}
	}
	return nil
}

const stageColumns = `id, build_id, stage_name, stage_order, status, error_count, warning_count, stage_result, external_response, log_url, started_at, finished_at, duration_seconds, received_at`

func (s *PostgresStore) ListStages(ctx context.Context, buildID string) ([]*StageResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stageColumns+` FROM stage_results WHERE build_id = $1 ORDER BY stage_order ASC`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []*StageResult
	for rows.Next() {
		var st StageResult
		if err := rows.Scan(
			&st.ID, &st.BuildID, &st.StageName, &st.Order, &st.Status, &st.ErrorCount, &st.WarningCount,
			&st.Result, &st.ExternalResponse, &st.LogURL, &st.StartedAt, &st.FinishedAt, &st.DurationSeconds,
			&st.ReceivedAt,
		); err != nil {
			return nil, err
		}
		stages = append(stages, &st)
	}
	return stages, rows.Err()
}

func (s *PostgresStore) SaveStage(ctx context.Context, st *StageResult) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE stage_results SET
			status = $2, error_count = $3, warning_count = $4, stage_result = $5, external_response = $6,
			log_url = $7, started_at = $8, finished_at = $9, duration_seconds = $10, received_at = $11
		WHERE id = $1
	`,
		st.ID, st.Status, st.ErrorCount, st.WarningCount, st.Result, st.ExternalResponse,
		st.LogURL, st.StartedAt, st.FinishedAt, st.DurationSeconds, st.ReceivedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Entity: "stage", ID: st.ID}
	}
	return nil
}

// --- Coordination Operations ---

func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `
		INSERT INTO leader_epochs (resource_id, epoch)
		VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE
		SET epoch = leader_epochs.epoch + 1
		RETURNING epoch
	`
	var newEpoch int64
	if err := s.pool.QueryRow(ctx, query, resourceID).Scan(&newEpoch); err != nil {
		return 0, err
	}
	return newEpoch, nil
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `SELECT epoch FROM leader_epochs WHERE resource_id = $1`, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return epoch, nil
}
