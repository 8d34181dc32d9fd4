package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mikelund/magpie/stream"
)

// Job kinds the runners know how to execute.
const (
	KindModelDownload  = "model-download"
	KindBundleInstall  = "bundle-install"
	KindBundleFinalize = "bundle-finalize"
	KindWorkflowImport = "workflow-import"
)

// JobState represents the current state of a job in the queue.
type JobState int

const (
	StatePending JobState = iota
	StateInProgress
	StateCompleted
	StateCancelled
	StateError
)

func (s JobState) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInProgress:
		return "InProgress"
	case StateCompleted:
		return "Completed"
	case StateCancelled:
		return "Cancelled"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// MarshalJSON serializes JobState as a lowercase string for JSON.
func (s JobState) MarshalJSON() ([]byte, error) {
	var str string
	switch s {
	case StatePending:
		str = "pending"
	case StateInProgress:
		str = "in_progress"
	case StateCompleted:
		str = "completed"
	case StateCancelled:
		str = "cancelled"
	case StateError:
		str = "error"
	default:
		str = "unknown"
	}
	return json.Marshal(str)
}

// UnmarshalJSON deserializes JobState from a string.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	switch str {
	case "pending":
		*s = StatePending
	case "in_progress":
		*s = StateInProgress
	case "completed":
		*s = StateCompleted
	case "cancelled":
		*s = StateCancelled
	case "error":
		*s = StateError
	default:
		*s = StatePending
	}
	return nil
}

// Job is one unit of work in the queue. Payload is kind-specific JSON the
// task handler decodes.
type Job struct {
	ID           string             `json:"id"`
	Kind         string             `json:"kind"`
	Label        string             `json:"label"`
	Payload      json.RawMessage    `json:"payload"`
	Host         string             `json:"host"`
	Dependencies []string           `json:"dependencies"` // IDs of jobs that must complete before this one
	State        JobState           `json:"state"`
	Error        string             `json:"error,omitempty"`
	Ctx          context.Context    `json:"-"`
	Cancel       context.CancelFunc `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	ClaimedAt   time.Time `json:"claimed_at"`
	CompletedAt time.Time `json:"completed_at"`
	ErroredAt   time.Time `json:"errored_at"`
}

// Queue is a thread-safe structure that manages Jobs with dependencies.
type Queue struct {
	mu            sync.Mutex
	Jobs          map[string]*Job
	JobOrder      []string // Keep track of the order in which jobs are added
	Signal        chan string
	Db            *sql.DB // Database connection for persistence
	HostLimits    map[string]int
	RunningCounts map[string]int
}

// NewQueue initializes and returns a new Queue.
func NewQueue() *Queue {
	return &Queue{
		Jobs:          make(map[string]*Job),
		Signal:        make(chan string, 100),
		HostLimits:    make(map[string]int),
		RunningCounts: make(map[string]int),
	}
}

// NewQueueWithDB initializes and returns a new Queue with database support.
func NewQueueWithDB(db *sql.DB) *Queue {
	q := &Queue{
		Jobs:          make(map[string]*Job),
		Signal:        make(chan string, 100),
		Db:            db,
		HostLimits:    make(map[string]int),
		RunningCounts: make(map[string]int),
	}

	if err := q.createJobsTable(); err != nil {
		log.Printf("Failed to create jobs table: %v", err)
	}

	if err := q.loadJobsFromDB(); err != nil {
		log.Printf("Failed to load jobs from database: %v", err)
	}

	return q
}

func (q *Queue) createJobsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		label TEXT,
		payload TEXT, -- JSON
		host TEXT,
		dependencies TEXT, -- JSON array
		state INTEGER NOT NULL,
		error TEXT,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		completed_at DATETIME,
		errored_at DATETIME,
		job_order_position INTEGER
	)`

	_, err := q.Db.Exec(query)
	return err
}

// saveJobToDB saves a single job to the database
func (q *Queue) saveJobToDB(job *Job) error {
	if q.Db == nil {
		return nil // No database connection
	}

	dependenciesJSON, _ := json.Marshal(job.Dependencies)

	// Find position in job order
	position := -1
	for i, id := range q.JobOrder {
		if id == job.ID {
			position = i
			break
		}
	}

	query := `
	INSERT OR REPLACE INTO jobs (
		id, kind, label, payload, host, dependencies, state, error,
		created_at, claimed_at, completed_at, errored_at, job_order_position
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := q.Db.Exec(query,
		job.ID,
		job.Kind,
		job.Label,
		string(job.Payload),
		job.Host,
		string(dependenciesJSON),
		int(job.State),
		job.Error,
		job.CreatedAt,
		job.ClaimedAt,
		job.CompletedAt,
		job.ErroredAt,
		position,
	)

	return err
}

// loadJobsFromDB loads all jobs from the database
func (q *Queue) loadJobsFromDB() error {
	if q.Db == nil {
		return nil // No database connection
	}

	query := `
	SELECT id, kind, COALESCE(label, ''), COALESCE(payload, ''), COALESCE(host, ''),
		   dependencies, state, COALESCE(error, ''),
		   created_at, claimed_at, completed_at, errored_at, job_order_position
	FROM jobs
	ORDER BY job_order_position`

	rows, err := q.Db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	var resumedJobs []string

	for rows.Next() {
		var job Job
		var payload, dependenciesJSON string
		var state int
		var position int

		err := rows.Scan(
			&job.ID,
			&job.Kind,
			&job.Label,
			&payload,
			&job.Host,
			&dependenciesJSON,
			&state,
			&job.Error,
			&job.CreatedAt,
			&job.ClaimedAt,
			&job.CompletedAt,
			&job.ErroredAt,
			&position,
		)
		if err != nil {
			log.Printf("Error scanning job row: %v", err)
			continue
		}

		job.Payload = json.RawMessage(payload)
		if err := json.Unmarshal([]byte(dependenciesJSON), &job.Dependencies); err != nil {
			job.Dependencies = []string{}
		}

		job.State = JobState(state)

		if job.Host == "" {
			job.Host = hostForPayload(job.Kind, job.Payload)
		}

		// If job was in progress, reset it to pending so it can be resumed
		if job.State == StateInProgress {
			job.State = StatePending
			job.ClaimedAt = time.Time{}
			resumedJobs = append(resumedJobs, job.ID)
		}

		// Recreate context and cancel function
		ctx, cancel := context.WithCancel(context.Background())
		job.Ctx = ctx
		job.Cancel = cancel

		q.Jobs[job.ID] = &job
		q.JobOrder = append(q.JobOrder, job.ID)
	}

	if len(resumedJobs) > 0 {
		log.Printf("Resumed %d jobs that were in progress: %v", len(resumedJobs), resumedJobs)
		for _, jobID := range resumedJobs {
			select {
			case q.Signal <- jobID:
			default:
				// Channel full, skip
			}
		}
	}

	return rows.Err()
}

func (q *Queue) removeJobFromDB(jobID string) error {
	if q.Db == nil {
		return nil // No database connection
	}

	_, err := q.Db.Exec("DELETE FROM jobs WHERE id = ?", jobID)
	return err
}

// SaveAllJobsToDB saves all current jobs to the database
func (q *Queue) SaveAllJobsToDB() error {
	if q.Db == nil {
		return nil // No database connection
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.Jobs {
		if err := q.saveJobToDB(job); err != nil {
			log.Printf("Failed to save job %s to database: %v", job.ID, err)
		}
	}

	return nil
}

// AddJob adds a new job to the queue and returns its generated id.
func (q *Queue) AddJob(kind, label string, payload json.RawMessage) (string, error) {
	return q.AddJobWithDeps(kind, label, payload, nil)
}

// AddJobWithDeps adds a new job that may not be claimed until all of its
// dependencies have completed.
func (q *Queue) AddJobWithDeps(kind, label string, payload json.RawMessage, dependencies []string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.NewString()
	if _, exists := q.Jobs[id]; exists {
		// Extremely unlikely to happen due to UUID uniqueness,
		// but we check for completeness.
		return "", errors.New("job with given ID already exists")
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:           id,
		Kind:         kind,
		Label:        label,
		Payload:      payload,
		Dependencies: dependencies,
		State:        StatePending,
		Ctx:          ctx,
		Cancel:       cancel,
		CreatedAt:    time.Now(),
		Host:         hostForPayload(kind, payload),
	}
	q.Jobs[id] = job
	q.JobOrder = append(q.JobOrder, id)

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job to database: %v", err)
	}

	// Broadcast the new job to the Signal channel
	q.Signal <- id
	broadcastJob("job-created", job)

	return id, nil
}

// ClaimJob tries to find a pending job whose dependencies are all completed,
// in FIFO order. If successful, it returns the job and marks it as InProgress.
// If no suitable job is found, it returns nil and no error.
func (q *Queue) ClaimJob() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State == StatePending && q.canClaim(job) {
			// Check host limits
			limit := q.getHostLimitLocked(job.Host)
			if q.RunningCounts[job.Host] >= limit {
				continue
			}

			job.State = StateInProgress
			job.ClaimedAt = time.Now()
			q.RunningCounts[job.Host]++

			if err := q.saveJobToDB(job); err != nil {
				log.Printf("Failed to save job state to database: %v", err)
			}

			broadcastJob("job-updated", job)
			return job, nil
		}
	}

	// No claimable job found
	return nil, nil
}

// canClaim checks if a job's dependencies are all completed.
func (q *Queue) canClaim(job *Job) bool {
	for _, dep := range job.Dependencies {
		depJob, exists := q.Jobs[dep]
		if !exists {
			return false
		}
		if depJob.State != StateCompleted {
			return false
		}
	}
	return true
}

// ErrorJob sets a job's state to error if it is currently in progress.
func (q *Queue) ErrorJob(id string, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return errors.New("job not found")
	}

	if job.State != StateInProgress {
		return errors.New("job is not in progress, cannot set error")
	}

	job.State = StateError
	job.Error = message
	job.ErroredAt = time.Now()
	q.RunningCounts[job.Host]--

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job error state to database: %v", err)
	}

	broadcastJob("job-updated", job)
	return nil
}

// CancelJob sets a job's state to cancelled if it is currently pending or in
// progress.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return errors.New("job not found")
	}

	if job.State != StatePending && job.State != StateInProgress {
		return errors.New("job is not pending or in progress, cannot cancel")
	}
	job.Cancel()

	if job.State == StateInProgress {
		q.RunningCounts[job.Host]--
	}

	job.State = StateCancelled

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job cancellation to database: %v", err)
	}

	broadcastJob("job-updated", job)
	return nil
}

// CompleteJob marks the specified job as completed if it is currently InProgress.
// Returns an error if the job does not exist, or if it's not in a valid state to be completed.
func (q *Queue) CompleteJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return errors.New("job not found")
	}

	if job.State != StateInProgress {
		return errors.New("job is not in progress, cannot complete")
	}

	job.State = StateCompleted
	job.CompletedAt = time.Now()
	q.RunningCounts[job.Host]--

	if err := q.saveJobToDB(job); err != nil {
		log.Printf("Failed to save job completion to database: %v", err)
	}

	broadcastJob("job-updated", job)
	return nil
}

// GetJobs returns a slice of all jobs in the queue, newest first.
func (q *Queue) GetJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	length := len(q.Jobs)
	jobs := make([]Job, 0, length)
	for i := length - 1; i >= 0; i-- {
		jobs = append(jobs, *q.Jobs[q.JobOrder[i]])
	}
	return jobs
}

func (q *Queue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return nil
	}
	return job
}

func (q *Queue) RemoveJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return errors.New("job not found")
	}

	if job.State == StateInProgress {
		q.RunningCounts[job.Host]--
	}

	delete(q.Jobs, id)
	for i, jobID := range q.JobOrder {
		if jobID == id {
			q.JobOrder = append(q.JobOrder[:i], q.JobOrder[i+1:]...)
			break
		}
	}

	if err := q.removeJobFromDB(id); err != nil {
		log.Printf("Failed to remove job from database: %v", err)
	}

	broadcastJob("job-deleted", &Job{ID: id})
	return nil
}

// ClearFinishedJobs removes all jobs that are not currently running.
// This includes jobs in states: Pending, Completed, Cancelled, and Error.
// Returns the number of jobs cleared.
func (q *Queue) ClearFinishedJobs() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var clearedCount int
	var jobsToRemove []string

	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State != StateInProgress {
			jobsToRemove = append(jobsToRemove, jobID)
		}
	}

	for _, jobID := range jobsToRemove {
		delete(q.Jobs, jobID)

		for i, id := range q.JobOrder {
			if id == jobID {
				q.JobOrder = append(q.JobOrder[:i], q.JobOrder[i+1:]...)
				break
			}
		}

		if err := q.removeJobFromDB(jobID); err != nil {
			log.Printf("Failed to remove job %s from database: %v", jobID, err)
		}

		broadcastJob("job-deleted", &Job{ID: jobID})
		clearedCount++
	}

	return clearedCount, nil
}

func broadcastJob(eventType string, job *Job) {
	stream.Broadcast(stream.Event{Type: eventType, Data: job})
}

// hostForPayload extracts the download host from a payload that carries a
// url field, so per-host limits apply across job kinds. Jobs without a
// remote host share the "localhost" slot.
func hostForPayload(kind string, payload json.RawMessage) string {
	if kind == KindModelDownload || kind == KindBundleInstall {
		var p struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(payload, &p); err == nil && p.URL != "" {
			u, err := url.Parse(p.URL)
			if err == nil && u.Host != "" {
				return strings.TrimPrefix(u.Hostname(), "www.")
			}
		}
	}
	return "localhost"
}

func (q *Queue) getHostLimitLocked(host string) int {
	if limit, ok := q.HostLimits[host]; ok {
		return limit
	}
	// Default limit for all hosts (including localhost)
	return 1
}

func (q *Queue) SetHostLimit(host string, limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.HostLimits[host] = limit
}

// SetDefaultHostLimitAll applies one limit to a set of hosts at once.
func (q *Queue) SetDefaultHostLimitAll(hosts []string, limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, h := range hosts {
		q.HostLimits[h] = limit
	}
}
