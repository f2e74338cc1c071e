package rbac

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"cloudctl/internal/logging"
	"cloudctl/internal/storage"
)

const (
	JobImport = "import"
	JobExport = "export"

	JobPending   = "pending"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// maxJobErrors caps how many row errors a job keeps
const maxJobErrors = 100

// ErrQueueFull is returned when the job queue cannot take more work
var ErrQueueFull = errors.New("job queue is full")

type Job struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Target     string    `json:"target"`
	Format     string    `json:"format"`
	Status     string    `json:"status"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Errors     []string  `json:"errors"`
	Artifact   string    `json:"artifact,omitempty"`
	CreatedBy  string    `json:"createdBy"`
	CreatedAt  time.Time `json:"createdAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

type ImportInput struct {
	Format string `json:"format" validate:"required,oneof=json csv yaml"`
	Data   string `json:"data" validate:"required"`
}

type ExportInput struct {
	Target string `json:"target" validate:"required,oneof=users roles audit"`
	Format string `json:"format" validate:"required,oneof=json csv yaml"`
}

type JobFilter struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Page
}

type task struct {
	id      string
	payload string
}

// Jobs runs import and export jobs on a fixed pool of workers
type Jobs struct {
	store   *Store
	objects storage.ObjectStore
	timeout time.Duration

	queue chan task
	wg    sync.WaitGroup
}

// NewJobs builds a runner writing export artifacts to objects. Workers are
// started by Start.
func NewJobs(store *Store, objects storage.ObjectStore, queueSize int, timeout time.Duration) *Jobs {
	if queueSize < 1 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Jobs{
		store:   store,
		objects: objects,
		timeout: timeout,
		queue:   make(chan task, queueSize),
	}
}

// Recover marks jobs left pending or running by a previous process as
// failed. Only the process that owns the job queue may call it.
func (j *Jobs) Recover(ctx context.Context) (int64, error) {
	res, err := j.store.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', errors = '["interrupted by restart"]', finished_at = ?
		WHERE status IN ('pending', 'running')`, j.store.stamp())
	if err != nil {
		return 0, fmt.Errorf("failed to recover jobs: %w", err)
	}
	return res.RowsAffected()
}

// Start launches workers that run until ctx is done
func (j *Jobs) Start(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}

	for i := 0; i < workers; i++ {
		j.wg.Add(1)
		go func(worker int) {
			defer j.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-j.queue:
					j.run(ctx, worker, t)
				}
			}
		}(i)
	}
	return nil
}

// Wait blocks until every worker has exited
func (j *Jobs) Wait() {
	j.wg.Wait()
}

// SubmitImport queues a user import
func (j *Jobs) SubmitImport(ctx context.Context, actor string, in ImportInput) (*Job, error) {
	if err := j.store.check(in); err != nil {
		return nil, err
	}
	return j.submit(ctx, actor, JobImport, "users", in.Format, in.Data)
}

// SubmitExport queues an export of users, roles or audit entries
func (j *Jobs) SubmitExport(ctx context.Context, actor string, in ExportInput) (*Job, error) {
	if err := j.store.check(in); err != nil {
		return nil, err
	}
	if j.objects == nil {
		return nil, fmt.Errorf("%w: no export storage configured", ErrForbidden)
	}
	return j.submit(ctx, actor, JobExport, in.Target, in.Format, "")
}

func (j *Jobs) submit(ctx context.Context, actor, kind, target, format, payload string) (*Job, error) {
	id := newID()
	err := j.store.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, kind, target, format, status, created_by, created_at)
			VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
			id, kind, target, format, actor, j.store.stamp()); err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		return j.store.audit(ctx, tx, actor, "job."+kind, target, format)
	})
	if err != nil {
		return nil, err
	}

	select {
	case j.queue <- task{id: id, payload: payload}:
	default:
		j.finish(context.Background(), id, JobFailed, 0, 0, 0, []string{ErrQueueFull.Error()}, "")
		return nil, ErrQueueFull
	}
	return j.store.GetJob(ctx, id)
}

func (j *Jobs) run(ctx context.Context, worker int, t task) {
	log := logging.Out.WithFields(logrus.Fields{"job": t.id, "worker": worker})

	job, err := j.store.GetJob(ctx, t.id)
	if err != nil {
		log.WithError(err).Error("job vanished")
		return
	}
	if _, err := j.store.db.ExecContext(ctx, "UPDATE jobs SET status = 'running' WHERE id = ?", t.id); err != nil {
		log.WithError(err).Error("failed to mark job running")
		return
	}
	log.WithField("kind", job.Kind).WithField("target", job.Target).Info("job started")

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	switch job.Kind {
	case JobImport:
		total, ok, failed, errs := j.importUsers(ctx, job, t.payload)
		status := JobSucceeded
		if total == 0 || (ok == 0 && failed > 0) || ctx.Err() != nil {
			status = JobFailed
		}
		j.finish(ctx, t.id, status, total, ok, failed, errs, "")
		log.WithFields(logrus.Fields{"total": total, "ok": ok, "failed": failed}).Info("import finished")

	case JobExport:
		n, artifact, err := j.export(ctx, job)
		if err != nil {
			j.finish(ctx, t.id, JobFailed, n, 0, n, []string{err.Error()}, "")
			log.WithError(err).Warn("export failed")
			return
		}
		j.finish(ctx, t.id, JobSucceeded, n, n, 0, nil, artifact)
		log.WithField("records", n).Info("export finished")
	}
}

func (j *Jobs) finish(ctx context.Context, id, status string, total, ok, failed int, errs []string, artifact string) {
	if errs == nil {
		errs = []string{}
	}
	raw, _ := json.Marshal(errs)
	// the job context may already be cancelled
	_, err := j.store.db.ExecContext(context.WithoutCancel(ctx), `
		UPDATE jobs SET status = ?, total = ?, succeeded = ?, failed = ?, errors = ?, artifact = ?, finished_at = ?
		WHERE id = ?`,
		status, total, ok, failed, string(raw), artifact, j.store.stamp(), id)
	if err != nil {
		logging.Err.WithError(err).WithField("job", id).Error("failed to record job result")
	}
}

func (j *Jobs) importUsers(ctx context.Context, job *Job, payload string) (total, ok, failed int, errs []string) {
	users, err := DecodeUsers(job.Format, strings.NewReader(payload))
	if err != nil {
		return 0, 0, 0, []string{err.Error()}
	}
	if len(users) == 0 {
		return 0, 0, 0, []string{"no records to import"}
	}

	note := func(msg string) {
		if len(errs) < maxJobErrors {
			errs = append(errs, msg)
		}
	}

	total = len(users)
	for i, in := range users {
		if ctx.Err() != nil {
			failed += total - i
			note(fmt.Sprintf("stopped at record %d: %v", i+1, ctx.Err()))
			break
		}
		if err := j.upsertUser(ctx, job.CreatedBy, in); err != nil {
			failed++
			note(fmt.Sprintf("record %d (%s): %v", i+1, in.Username, err))
			continue
		}
		ok++
	}
	return total, ok, failed, errs
}

func (j *Jobs) upsertUser(ctx context.Context, actor string, in UserInput) error {
	existing, err := j.store.GetUser(ctx, in.Username)
	if errors.Is(err, ErrNotFound) {
		_, err = j.store.CreateUser(ctx, actor, in)
		return err
	}
	if err != nil {
		return err
	}

	update := UserUpdate{}
	if in.DisplayName != "" {
		update.DisplayName = &in.DisplayName
	}
	if in.Email != "" {
		update.Email = &in.Email
	}
	if in.Status != "" {
		update.Status = &in.Status
	}
	if in.Roles != nil {
		update.Roles = in.Roles
	}
	_, err = j.store.UpdateUser(ctx, actor, existing.ID, update)
	return err
}

func (j *Jobs) export(ctx context.Context, job *Job) (int, string, error) {
	var (
		records any
		n       int
	)
	switch job.Target {
	case "users":
		var all []User
		for page := 1; ; page++ {
			list, err := j.store.ListUsers(ctx, UserFilter{Page: Page{Page: page, PageSize: MaxPageSize}})
			if err != nil {
				return 0, "", err
			}
			all = append(all, list.Items...)
			if len(list.Items) < MaxPageSize {
				break
			}
		}
		records, n = all, len(all)

	case "roles":
		roles, err := j.store.ListRoles(ctx)
		if err != nil {
			return 0, "", err
		}
		records, n = roles, len(roles)

	case "audit":
		var all []AuditEntry
		for page := 1; ; page++ {
			list, err := j.store.ListAudit(ctx, AuditFilter{Page: Page{Page: page, PageSize: MaxPageSize}})
			if err != nil {
				return 0, "", err
			}
			all = append(all, list.Items...)
			if len(list.Items) < MaxPageSize {
				break
			}
		}
		records, n = all, len(all)

	default:
		return 0, "", fmt.Errorf("%w: unknown export target %s", ErrInvalid, job.Target)
	}

	data, err := Encode(job.Format, records)
	if err != nil {
		return n, "", err
	}
	key := ArtifactKey(job)
	if _, err := j.objects.Put(ctx, key, bytes.NewReader(data), int64(len(data))); err != nil {
		return n, "", err
	}
	return n, key, nil
}

// ArtifactKey is the object key an export job writes to
func ArtifactKey(job *Job) string {
	return fmt.Sprintf("exports/%s-%s.%s", job.Target, job.ID, job.Format)
}

const jobColumns = "id, kind, target, format, status, total, succeeded, failed, errors, artifact, created_by, created_at, finished_at"

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var errs string
	var created, finished int64
	if err := row.Scan(&job.ID, &job.Kind, &job.Target, &job.Format, &job.Status, &job.Total, &job.Succeeded,
		&job.Failed, &errs, &job.Artifact, &job.CreatedBy, &created, &finished); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(errs), &job.Errors); err != nil {
		return nil, fmt.Errorf("corrupt errors on job %s: %w", job.ID, err)
	}
	job.CreatedAt = fromMillis(created)
	job.FinishedAt = fromMillis(finished)
	return &job, nil
}

// GetJob returns one job
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (s *Store) ListJobs(ctx context.Context, f JobFilter) (*List[Job], error) {
	page := f.Page.Normalize()

	w := &where{}
	if f.Kind != "" {
		w.add("kind = ?", f.Kind)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}

	total, err := s.count(ctx, "jobs", w)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs"+w.String()+" ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
		append(w.args, page.PageSize, page.offset())...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	list := &List[Job]{Items: []Job{}, Total: total, Page: page.Page, PageSize: page.PageSize}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read job: %w", err)
		}
		list.Items = append(list.Items, *job)
	}
	return list, rows.Err()
}
