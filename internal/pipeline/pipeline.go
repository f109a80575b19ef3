package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"omegacamer/internal/logging"
	"omegacamer/internal/storage"
)

// JobType enumerates the pipeline stages.
type JobType string

const (
	JobDownload   JobType = "download"
	JobPrered     JobType = "prered"
	JobInventory  JobType = "inventory"
	JobLink       JobType = "link"
	JobPlateSolve JobType = "platesolve"
	JobMosaic     JobType = "mosaic"
	JobReport     JobType = "report"
)

// JobTypes lists every stage in execution order.
var JobTypes = []JobType{JobDownload, JobPrered, JobInventory, JobLink, JobPlateSolve, JobMosaic, JobReport}

// Valid reports whether t is a known stage.
func (t JobType) Valid() bool {
	for _, jt := range JobTypes {
		if jt == t {
			return true
		}
	}
	return false
}

// ErrQueueFull is returned by Submit when no more jobs can be queued.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single stage run.
type Job struct {
	ID      string
	Type    JobType
	Scope   string
	Options map[string]any
}

// NewJob creates a job with a fresh id. scope is a human readable
// description of what the job covers, such as a date range or target.
func NewJob(t JobType, scope string, options map[string]any) Job {
	if options == nil {
		options = map[string]any{}
	}
	return Job{ID: uuid.NewString(), Type: t, Scope: scope, Options: options}
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// MarshalJSON renders the result for subscribers outside the process.
func (r Result) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"id":     r.Job.ID,
		"type":   r.Job.Type,
		"scope":  r.Job.Scope,
		"status": "completed",
		"meta":   r.Meta,
	}
	if r.Error != nil {
		out["status"] = "failed"
		out["error"] = r.Error.Error()
	}
	return json.Marshal(out)
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
	waiters   map[string]chan Result
	stopped   bool
}

// New starts concurrency workers feeding jobs to processor. queueSize
// bounds the number of waiting jobs; zero means twice the concurrency.
// store may be nil, in which case jobs are not persisted.
func New(ctx context.Context, concurrency, queueSize int, processor Processor, store *storage.Store, logger *slog.Logger) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 1 {
		queueSize = concurrency * 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, queueSize),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
		waiters:   make(map[string]chan Result),
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return errors.New("pipeline stopped")
	}
	if len(p.jobs) == cap(p.jobs) {
		return ErrQueueFull
	}

	optsJSON, _ := json.Marshal(job.Options)
	if err := p.store.RecordJobQueued(storage.JobRecord{
		ID:          job.ID,
		JobType:     string(job.Type),
		Status:      "queued",
		Scope:       job.Scope,
		OptionsJSON: string(optsJSON),
	}); err != nil {
		p.log.Warn("failed to record job", "id", job.ID, "error", err)
	}
	p.jobs <- job
	return nil
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		for id, ch := range p.waiters {
			close(ch)
			delete(p.waiters, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.Options)
	if err := p.store.RecordJobStart(job.ID); err != nil {
		p.log.Warn("failed to record job start", "id", job.ID, "error", err)
	}

	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"scope":   job.Scope,
			"options": job.Options,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if err := p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
		p.log.Warn("failed to record job result", "id", job.ID, "error", err)
	}
	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// Await returns a channel that receives the result of job id exactly once,
// however busy the subscribers are. Call it before submitting the job.
func (p *Pipeline) Await(id string) (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Result, 1)
	if p.stopped {
		close(ch)
		return ch, func() {}
	}
	p.waiters[id] = ch
	cancel := func() {
		p.mu.Lock()
		if c, ok := p.waiters[id]; ok && c == ch {
			close(c)
			delete(p.waiters, id)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

// SubmitAndWait queues job and blocks until its result is ready.
func (p *Pipeline) SubmitAndWait(ctx context.Context, job Job) (Result, error) {
	resCh, cancel := p.Await(job.ID)
	defer cancel()
	if err := p.Submit(job); err != nil {
		return Result{Job: job}, err
	}
	select {
	case <-ctx.Done():
		return Result{Job: job}, ctx.Err()
	case res, ok := <-resCh:
		if !ok {
			return Result{Job: job}, errors.New("pipeline stopped before completion")
		}
		return res, res.Error
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.waiters[res.Job.ID]; ok {
		ch <- res
		delete(p.waiters, res.Job.ID)
	}
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
