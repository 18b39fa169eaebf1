// Package batch runs asynchronous tracking jobs over uploaded video files and keeps their results in memory
// for a retention window.
package batch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	viamutils "go.viam.com/utils"

	"github.com/viam-modules/sort-tracking/events"
)

var (
	// ErrJobFailure wraps the verbatim error of a failed job.
	ErrJobFailure = errors.New("job failed")
	// ErrNotFound is returned for unknown or evicted job ids.
	ErrNotFound = errors.New("task not found")
	// ErrForbidden is returned when a caller asks for another owner's job.
	ErrForbidden = errors.New("unauthorized access to this task")
	// ErrNotCompleted is returned when detections are requested before the job completed.
	ErrNotCompleted = errors.New("task not completed yet")
)

// Defaults for the registry and its queries.
var (
	DefaultRetention     = time.Hour
	DefaultSweepInterval = time.Hour
	DefaultPageSize      = 20
	SampleSize           = 10
)

// RoleAdmin may access every job.
const RoleAdmin = "admin"

// Identity is the caller of a registry operation.
type Identity struct {
	Subject string
	Role    string
}

func (id Identity) canAccess(job *Job) bool {
	return id.Role == RoleAdmin || id.Subject == job.Owner
}

// Status is the lifecycle state of a job.
type Status string

// Job states. Completed and failed are terminal.
const (
	StatusInitialized Status = "initialized"
	StatusProcessing  Status = "processing"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one submitted video.
type Job struct {
	ID         string
	Status     Status
	Progress   float64
	Owner      string
	InputPath  string
	ResultPath string
	Summary    *Summary
	Detections []Detection
	Error      string
	CreatedAt  time.Time
	FinishedAt time.Time

	done chan struct{}
}

func (j *Job) snapshot() Job {
	c := *j
	c.Detections = append([]Detection(nil), j.Detections...)
	if j.Summary != nil {
		s := *j.Summary
		s.FrameDistribution = append([]FrameBucket(nil), j.Summary.FrameDistribution...)
		c.Summary = &s
	}
	c.done = nil
	return c
}

// ResultURL is the public path of the annotated video.
func (j Job) ResultURL() string {
	if j.ResultPath == "" {
		return ""
	}
	return "/results/" + filepath.Base(j.ResultPath)
}

// Processing is what the registry needs from a Processor.
type Processing interface {
	Process(ctx context.Context, path string, onProgress func(float64)) (*Result, error)
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Retention time.Duration
	Publisher events.Publisher
	Logger    logging.Logger
	Now       func() time.Time
}

// Registry holds every job in memory until it is swept.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job

	proc      Processing
	retention time.Duration
	publisher events.Publisher
	logger    logging.Logger
	now       func() time.Time

	cancelContext           context.Context
	cancelFunc              context.CancelFunc
	activeBackgroundWorkers sync.WaitGroup
}

// NewRegistry returns an empty registry that runs jobs with proc.
func NewRegistry(proc Processing, opts RegistryOptions) *Registry {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger("batch")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		jobs:          make(map[string]*Job),
		proc:          proc,
		retention:     opts.Retention,
		publisher:     opts.Publisher,
		logger:        opts.Logger,
		now:           opts.Now,
		cancelContext: ctx,
		cancelFunc:    cancel,
	}
}

// Submit registers a job for the video at path and starts processing it in the background.
func (r *Registry) Submit(owner Identity, path string) (string, error) {
	if path == "" {
		return "", errors.New("no video to process")
	}
	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusInitialized,
		Owner:     owner.Subject,
		InputPath: path,
		CreatedAt: r.now(),
		done:      make(chan struct{}),
	}
	// the closed check and Add happen under mu so Close cannot start waiting in between
	r.mu.Lock()
	if err := r.cancelContext.Err(); err != nil {
		r.mu.Unlock()
		return "", errors.Wrap(err, "registry closed")
	}
	r.jobs[job.ID] = job
	r.activeBackgroundWorkers.Add(1)
	r.mu.Unlock()

	logger := r.logger.Sublogger(job.ID)
	viamutils.ManagedGo(func() {
		r.run(job, logger)
	}, r.activeBackgroundWorkers.Done)
	return job.ID, nil
}

func (r *Registry) run(job *Job, logger logging.Logger) {
	defer close(job.done)
	r.mu.Lock()
	job.Status = StatusProcessing
	job.Progress = 0
	r.mu.Unlock()

	res, err := r.process(job, logger)
	now := r.now()

	r.mu.Lock()
	job.FinishedAt = now
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
	} else {
		job.Status = StatusCompleted
		job.Progress = 100
		job.ResultPath = res.OutputPath
		job.Detections = res.Detections
		summary := res.Summary
		job.Summary = &summary
	}
	snapshot := job.snapshot()
	r.mu.Unlock()

	if err != nil {
		logger.Errorw("video processing failed", "path", job.InputPath, "error", err)
		r.publisher.Publish(events.Event{
			Topic:   events.TopicTaskFailed,
			Payload: events.JobFailed{TaskID: job.ID, Error: snapshot.Error},
		})
		return
	}
	logger.Infow("video processing completed", "result", snapshot.ResultPath, "unique_count", len(snapshot.Detections))
	r.publisher.Publish(events.Event{
		Topic:   events.TopicTaskCompleted,
		Payload: events.JobCompleted{TaskID: job.ID, ResultURL: snapshot.ResultURL()},
	})
}

// process runs the processor and turns a panic into an error.
func (r *Registry) process(job *Job, logger logging.Logger) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorw("panic while processing video", "panic", p)
			res, err = nil, errors.New(fmt.Sprint(p))
		}
	}()
	return r.proc.Process(r.cancelContext, job.InputPath, func(progress float64) {
		r.mu.Lock()
		job.Progress = progress
		r.mu.Unlock()
		r.publisher.Publish(events.Event{
			Topic:   events.TopicVideoProgress,
			Payload: events.JobProgress{TaskID: job.ID, Progress: progress},
		})
	})
}

func (r *Registry) lookup(caller Identity, id string) (*Job, error) {
	job, ok := r.jobs[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	if !caller.canAccess(job) {
		return nil, errors.Wrap(ErrForbidden, id)
	}
	return job, nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(caller Identity, id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, err := r.lookup(caller, id)
	if err != nil {
		return Job{}, err
	}
	return job.snapshot(), nil
}

// Wait blocks until the job is terminal or ctx is done. A failed job returns ErrJobFailure with the message.
func (r *Registry) Wait(ctx context.Context, caller Identity, id string) (Job, error) {
	r.mu.RLock()
	job, err := r.lookup(caller, id)
	r.mu.RUnlock()
	if err != nil {
		return Job{}, err
	}
	select {
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-job.done:
	}
	snap, err := r.Get(caller, id)
	if err != nil {
		return Job{}, err
	}
	if snap.Status == StatusFailed {
		return snap, errors.Wrap(ErrJobFailure, snap.Error)
	}
	return snap, nil
}

// StatusView is what a caller polling a job sees.
type StatusView struct {
	Status            Status      `json:"status"`
	Progress          *float64    `json:"progress,omitempty"`
	ResultURL         string      `json:"result_url,omitempty"`
	UniqueCount       *int        `json:"unique_count,omitempty"`
	Summary           *Summary    `json:"summary,omitempty"`
	Detections        []Detection `json:"detections,omitempty"`
	HasMoreDetections *bool       `json:"has_more_detections,omitempty"`
	Error             string      `json:"error,omitempty"`
}

// Status returns progress while the job runs, the result on success and the error on failure. Completed jobs
// carry the first SampleSize detections unless details is set.
func (r *Registry) Status(caller Identity, id string, details bool) (StatusView, error) {
	job, err := r.Get(caller, id)
	if err != nil {
		return StatusView{}, err
	}
	switch job.Status {
	case StatusCompleted:
		count := len(job.Detections)
		view := StatusView{
			Status:      job.Status,
			ResultURL:   job.ResultURL(),
			UniqueCount: &count,
			Summary:     job.Summary,
			Detections:  job.Detections,
		}
		if !details {
			more := count > SampleSize
			if more {
				view.Detections = job.Detections[:SampleSize]
			}
			view.HasMoreDetections = &more
		}
		return view, nil
	case StatusFailed:
		msg := job.Error
		if msg == "" {
			msg = "Unknown error"
		}
		return StatusView{Status: job.Status, Error: msg}, nil
	default:
		progress := job.Progress
		return StatusView{Status: job.Status, Progress: &progress}, nil
	}
}

// Page is one page of a completed job's detections.
type Page struct {
	Detections []Detection `json:"detections"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalCount int         `json:"total_count"`
	TotalPages int         `json:"total_pages"`
}

// Detections pages through a completed job's detections. Non-positive page and pageSize take the defaults.
func (r *Registry) Detections(caller Identity, id string, page, pageSize int) (Page, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, err := r.lookup(caller, id)
	if err != nil {
		return Page{}, err
	}
	if job.Status != StatusCompleted {
		return Page{}, errors.Wrap(ErrNotCompleted, id)
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	total := len(job.Detections)
	start := min((page-1)*pageSize, total)
	end := min(start+pageSize, total)
	return Page{
		Detections: append([]Detection{}, job.Detections[start:end]...),
		Page:       page,
		PageSize:   pageSize,
		TotalCount: total,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

// Len is the number of jobs held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Sweep evicts terminal jobs that finished more than the retention window before now and returns how many
// were removed.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, job := range r.jobs {
		if job.Status.Terminal() && now.Sub(job.FinishedAt) > r.retention {
			delete(r.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Infow("evicted expired tasks", "count", removed)
	}
	return removed
}

// RunSweeper sweeps every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	for viamutils.SelectContextOrWait(ctx, interval) {
		r.Sweep(r.now())
	}
}

// StartSweeper runs RunSweeper in the background until Close.
func (r *Registry) StartSweeper(interval time.Duration) {
	r.mu.Lock()
	if r.cancelContext.Err() != nil {
		r.mu.Unlock()
		return
	}
	r.activeBackgroundWorkers.Add(1)
	r.mu.Unlock()
	viamutils.ManagedGo(func() {
		r.RunSweeper(r.cancelContext, interval)
	}, r.activeBackgroundWorkers.Done)
}

// Close cancels running jobs between frames and waits for every worker to exit.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.cancelFunc()
	r.mu.Unlock()
	r.activeBackgroundWorkers.Wait()
	return nil
}
