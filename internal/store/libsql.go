package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/bpelrt/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Deployments ---

func (s *LibSQLStore) SaveDeployment(ctx context.Context, d *Deployment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments (process, source, checksum, deployed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(process) DO UPDATE SET source=excluded.source, checksum=excluded.checksum, deployed_at=excluded.deployed_at`,
		d.Process, string(d.Source), d.Checksum, timeOrNow(d.DeployedAt),
	)
	return err
}

func (s *LibSQLStore) ListDeployments(ctx context.Context) ([]*Deployment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT process, source, checksum, deployed_at FROM deployments ORDER BY process`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		d := &Deployment{}
		var src string
		if err := rows.Scan(&d.Process, &src, &d.Checksum, &d.DeployedAt); err != nil {
			return nil, err
		}
		d.Source = []byte(src)
		out = append(out, d)
	}
	return out, rows.Err()
}

// --- Process instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	if inst.Status == "" {
		inst.Status = schema.InstanceStatusNew
	}
	now := time.Now().UTC()
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = now
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO process_instances (process, status, fault, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		inst.Process, string(inst.Status), nullRaw(inst.Fault), inst.CreatedAt,
		nullTime(inst.StartedAt), nullTime(inst.CompletedAt), now,
	).Scan(&inst.ID)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

const instanceColumns = `id, process, status, fault, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) GetInstance(ctx context.Context, id int64) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM process_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	return inst, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var (
		status                 string
		fault                  sql.NullString
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&inst.ID, &inst.Process, &status, &fault, &inst.CreatedAt,
		&startedAt, &completedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatus(status)
	inst.Fault = rawOrNil(fault)
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return inst, nil
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, id int64, update InstanceUpdate) error {
	res, err := updateInstance(ctx, s.db, id, update)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	return checkRowsAffected(res, "instance", id)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// updateInstance returns a nil result when the update is empty.
func updateInstance(ctx context.Context, db execer, id int64, update InstanceUpdate) (sql.Result, error) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Fault != nil {
		sets = append(sets, "fault = ?")
		args = append(args, string(update.Fault))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil, nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := fmt.Sprintf("UPDATE process_instances SET %s WHERE id = ?", strings.Join(sets, ", "))
	return db.ExecContext(ctx, query, args...)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var where []string
	var args []any

	if filter.Process != "" {
		where = append(where, "process = ?")
		args = append(args, filter.Process)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT " + instanceColumns + " FROM process_instances"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteInstance(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM process_instances WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", id)
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := appendEvents(ctx, tx, []*Event{event}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// appendEvents assigns consecutive per-instance sequence numbers and inserts
// the events inside tx.
func appendEvents(ctx context.Context, tx *sql.Tx, events []*Event) error {
	next := make(map[int64]int64)
	for _, e := range events {
		seq, ok := next[e.InstanceID]
		if !ok {
			if err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = ?`, e.InstanceID,
			).Scan(&seq); err != nil {
				return fmt.Errorf("get next sequence: %w", err)
			}
		}
		e.Sequence = seq
		next[e.InstanceID] = seq + 1
		e.Timestamp = timeOrNow(e.Timestamp)

		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (instance_id, activity_id, scope_instance_id, event_type, payload, timestamp, sequence)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.InstanceID, nullInt(e.ActivityID), nullInt(e.ScopeInstance), e.Type, nullRaw(e.Payload), e.Timestamp, seq,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			e.ID = id
		}
	}
	return nil
}

const eventColumns = `id, instance_id, activity_id, scope_instance_id, event_type, payload, timestamp, sequence`

func (s *LibSQLStore) GetEvents(ctx context.Context, instanceID int64, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		instanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.InstanceID != 0 {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.ActivityID != 0 {
		where = append(where, "activity_id = ?")
		args = append(args, filter.ActivityID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var activityID, scopeID sql.NullInt64
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &activityID, &scopeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.ActivityID = activityID.Int64
		e.ScopeInstance = scopeID.Int64
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Cron jobs ---

func (s *LibSQLStore) CreateCronJob(ctx context.Context, job *CronJob) error {
	job.CreatedAt = timeOrNow(job.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_jobs (id, process, partner_link, operation, cron_expression, message, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Process, job.PartnerLink, job.Operation, job.CronExpression, nullRaw(job.Message),
		job.Enabled, nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus), job.CreatedAt,
	)
	return err
}

const cronColumns = `id, process, partner_link, operation, cron_expression, message, enabled, last_run_at, next_run_at, last_run_status, created_at`

func scanCronJob(row rowScanner) (*CronJob, error) {
	job := &CronJob{}
	var (
		message, status  sql.NullString
		lastRun, nextRun sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.Process, &job.PartnerLink, &job.Operation, &job.CronExpression,
		&message, &job.Enabled, &lastRun, &nextRun, &status, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Message = rawOrNil(message)
	job.LastRunStatus = status.String
	if lastRun.Valid {
		job.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		job.NextRunAt = &nextRun.Time
	}
	return job, nil
}

func (s *LibSQLStore) GetCronJob(ctx context.Context, id string) (*CronJob, error) {
	job, err := scanCronJob(s.db.QueryRowContext(ctx, `SELECT `+cronColumns+` FROM cron_jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("cron job", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateCronJob(ctx context.Context, id string, update CronJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE cron_jobs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "cron job", id)
}

func (s *LibSQLStore) ListCronJobs(ctx context.Context, filter CronJobFilter) ([]*CronJob, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.Process != "" {
		where = append(where, "process = ?")
		args = append(args, filter.Process)
	}

	query := "SELECT " + cronColumns + " FROM cron_jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*CronJob
	for rows.Next() {
		job, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteCronJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "cron job", id)
}

// --- External variables ---

func (s *LibSQLStore) ReadExternalVariable(ctx context.Context, engine, ref string) ([]byte, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM external_variables WHERE engine = ? AND ref = ?`, engine, ref,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(value.String), true, nil
}

func (s *LibSQLStore) WriteExternalVariable(ctx context.Context, engine, ref string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO external_variables (engine, ref, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(engine, ref) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		engine, ref, string(value), time.Now().UTC(),
	)
	return err
}

// --- Helpers ---

func storeNotFound(resource string, id any) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %v not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
