package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/persistence"
)

// Job types handled by background workers.
const (
	TypeImproving     = "IMPROVING"
	TypeBacktest      = "BACKTEST"
	TypeEvolution     = "EVOLUTION"
	TypeGraduation    = "GRADUATION_CHECK"
	TypeBlownRecovery = "BLOWN_RECOVERY"
)

// Queue is the leased job queue. Claims use row-level SKIP LOCKED
// semantics so N parallel workers never claim the same job; at any
// instant exactly one worker holds a non-expired lease on a RUNNING job.
type Queue struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewQueue creates a queue over the shared ledger database.
func NewQueue(db *sqlx.DB) *Queue {
	return &Queue{db: db, timeout: 10 * time.Second}
}

const jobColumns = `id, bot_id, job_type, status, priority, lease_owner, lease_expires_at,
	started_at, last_heartbeat_at, attempts, payload, created_at`

// Enqueue adds a QUEUED job.
func (q *Queue) Enqueue(ctx context.Context, botID *string, jobType string, priority *int, payload map[string]interface{}) (*persistence.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	job := persistence.Job{
		ID:        uuid.NewString(),
		BotID:     botID,
		JobType:   jobType,
		Status:    persistence.JobQueued,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO bot_jobs (id, bot_id, job_type, status, priority, payload, created_at)
		VALUES ($1, $2, $3, 'QUEUED', $4, $5, $6)`,
		job.ID, job.BotID, job.JobType, job.Priority, body, job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}
	return &job, nil
}

// EnqueueIdempotent adds a job unless one of the same type for the same
// bot is already QUEUED or RUNNING. Returns the job and whether it was
// newly created.
func (q *Queue) EnqueueIdempotent(ctx context.Context, botID string, jobType string, priority *int, payload map[string]interface{}) (*persistence.Job, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	var row jobRow
	err := q.db.GetContext(ctx, &row, `
		SELECT `+jobColumns+` FROM bot_jobs
		WHERE bot_id = $1 AND job_type = $2 AND status IN ('QUEUED', 'RUNNING')
		ORDER BY created_at DESC NULLS LAST, id DESC
		LIMIT 1`, botID, jobType)
	if err == nil {
		existing, convErr := row.toJob()
		if convErr != nil {
			return nil, false, convErr
		}
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to check existing %s job for bot %s: %w", jobType, botID, err)
	}

	job, err := q.Enqueue(ctx, &botID, jobType, priority, payload)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// Claim atomically selects one claimable job (QUEUED, or RUNNING with an
// expired lease), marks it RUNNING under workerId's lease, and returns
// it. Returns nil when nothing is claimable.
func (q *Queue) Claim(ctx context.Context, workerID string, leaseSeconds int, jobType string) (*persistence.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT ` + jobColumns + `
		FROM bot_jobs
		WHERE (status = 'QUEUED' OR (status = 'RUNNING' AND lease_expires_at < NOW()))`
	args := []interface{}{}
	if jobType != "" {
		query += ` AND job_type = $1`
		args = append(args, jobType)
	}
	query += `
		ORDER BY priority DESC NULLS LAST, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	var row jobRow
	err = tx.GetContext(ctx, &row, query, args...)
	if err == sql.ErrNoRows {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable job: %w", err)
	}

	now := time.Now()
	expires := now.Add(time.Duration(leaseSeconds) * time.Second)
	_, err = tx.ExecContext(ctx, `
		UPDATE bot_jobs
		SET status = 'RUNNING', lease_owner = $2, lease_expires_at = $3,
			started_at = $4, last_heartbeat_at = $4, attempts = attempts + 1
		WHERE id = $1`, row.ID, workerID, expires, now)
	if err != nil {
		return nil, fmt.Errorf("failed to lease job %s: %w", row.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim of job %s: %w", row.ID, err)
	}

	job, err := row.toJob()
	if err != nil {
		return nil, err
	}
	job.Status = persistence.JobRunning
	job.LeaseOwner = &workerID
	job.LeaseExpiresAt = &expires
	job.StartedAt = &now
	job.LastHeartbeatAt = &now
	job.Attempts++

	log.Debug().Str("job_id", job.ID).Str("job_type", job.JobType).
		Str("worker", workerID).Msg("job claimed")
	return job, nil
}

// Renew extends the lease. Succeeds only while workerId still owns the
// RUNNING job.
func (q *Queue) Renew(ctx context.Context, jobID, workerID string, leaseSeconds int) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	res, err := q.db.ExecContext(ctx, `
		UPDATE bot_jobs
		SET lease_expires_at = NOW() + make_interval(secs => $3)
		WHERE id = $1 AND lease_owner = $2 AND status = 'RUNNING'`,
		jobID, workerID, leaseSeconds)
	if err != nil {
		return fmt.Errorf("failed to renew lease on job %s: %w", jobID, err)
	}
	return requireOneRow(res, "renew", jobID, workerID)
}

// Release clears the lease; only the owner may release.
func (q *Queue) Release(ctx context.Context, jobID, workerID string) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	res, err := q.db.ExecContext(ctx, `
		UPDATE bot_jobs
		SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2`, jobID, workerID)
	if err != nil {
		return fmt.Errorf("failed to release lease on job %s: %w", jobID, err)
	}
	return requireOneRow(res, "release", jobID, workerID)
}

// Complete marks the job DONE or FAILED and clears the lease.
func (q *Queue) Complete(ctx context.Context, jobID, workerID string, status persistence.JobStatus) error {
	if status != persistence.JobDone && status != persistence.JobFailed {
		return fmt.Errorf("invalid terminal status %s for job %s", status, jobID)
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	res, err := q.db.ExecContext(ctx, `
		UPDATE bot_jobs
		SET status = $3, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2 AND status = 'RUNNING'`,
		jobID, workerID, string(status))
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	return requireOneRow(res, "complete", jobID, workerID)
}

// Heartbeat records worker liveness on the job.
func (q *Queue) Heartbeat(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	_, err := q.db.ExecContext(ctx, `
		UPDATE bot_jobs SET last_heartbeat_at = NOW() WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job %s: %w", jobID, err)
	}
	return nil
}

// TimeoutStale marks RUNNING jobs as TIMEOUT when their heartbeat (or
// start, if no heartbeat was ever recorded) is older than threshold.
// Detection is the sweep's job, never the in-flight worker's.
func (q *Queue) TimeoutStale(ctx context.Context, threshold time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	res, err := q.db.ExecContext(ctx, `
		UPDATE bot_jobs
		SET status = 'TIMEOUT', lease_owner = NULL, lease_expires_at = NULL
		WHERE status = 'RUNNING'
			AND COALESCE(last_heartbeat_at, started_at) < NOW() - make_interval(secs => $1)`,
		threshold.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read sweep result: %w", err)
	}
	if n > 0 {
		log.Warn().Int64("jobs", n).Dur("threshold", threshold).Msg("stale jobs moved to TIMEOUT")
	}
	return n, nil
}

// Stats returns job counts by status.
func (q *Queue) Stats(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	rows, err := q.db.QueryxContext(ctx, `
		SELECT status, COUNT(*) FROM bot_jobs GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue stat: %w", err)
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func requireOneRow(res sql.Result, op, jobID, workerID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read %s result for job %s: %w", op, jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s rejected: worker %s does not hold the lease on job %s", op, workerID, jobID)
	}
	return nil
}

type jobRow struct {
	ID              string     `db:"id"`
	BotID           *string    `db:"bot_id"`
	JobType         string     `db:"job_type"`
	Status          string     `db:"status"`
	Priority        *int       `db:"priority"`
	LeaseOwner      *string    `db:"lease_owner"`
	LeaseExpiresAt  *time.Time `db:"lease_expires_at"`
	StartedAt       *time.Time `db:"started_at"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`
	Attempts        int        `db:"attempts"`
	Payload         []byte     `db:"payload"`
	CreatedAt       time.Time  `db:"created_at"`
}

func (row jobRow) toJob() (*persistence.Job, error) {
	job := &persistence.Job{
		ID:              row.ID,
		BotID:           row.BotID,
		JobType:         row.JobType,
		Status:          persistence.JobStatus(row.Status),
		Priority:        row.Priority,
		LeaseOwner:      row.LeaseOwner,
		LeaseExpiresAt:  row.LeaseExpiresAt,
		StartedAt:       row.StartedAt,
		LastHeartbeatAt: row.LastHeartbeatAt,
		Attempts:        row.Attempts,
		CreatedAt:       row.CreatedAt,
	}
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload for job %s: %w", row.ID, err)
		}
	}
	return job, nil
}
