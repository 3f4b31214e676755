// Package workerpool implements one bounded-concurrency execution pool
// per registered agent type (spec C5 Agent Worker Pool): FIFO-by-
// priority dispatch, retry with exponential backoff and jitter,
// per-job timeout, backpressure watermarks and cooperative
// cancellation. The mutex-protected queue follows the same shape as
// the teacher's tasks.Queue; the retry/backoff idiom generalizes the
// teacher's NATS client reconnect loop (wait, retry, give up).
package workerpool

import (
	"context"
	"log"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/halcasteel/bookmark-orchestration-substrate/internal/agentcontract"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/config"
	"github.com/halcasteel/bookmark-orchestration-substrate/internal/orcherr"
)

// Outcome classifies a finished or rescheduled job.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeFailed         Outcome = "failed"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
)

// Job describes one dispatch of an agent against a task step. The
// triple (TaskID, Step, Attempt) is the idempotent dispatch key from
// spec §4.4 — duplicate dispatches (crash-replay) are safe because the
// task store's artifact key absorbs the duplication.
type Job struct {
	TaskID     string
	AgentType  string
	Step       int
	Attempt    int
	Priority   int
	User       string
	CreatedAt  time.Time
	Context    map[string]interface{}
	RetryPolicy config.RetryPolicy
}

// JobResult is published for every terminal or retry-scheduled job.
type JobResult struct {
	Job       Job
	Outcome   Outcome
	Result    agentcontract.Result
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// Stats is a point-in-time snapshot of a pool's queue depths (spec
// §4.5's waiting/active/delayed/completed/failed counters).
type Stats struct {
	Waiting   int64
	Active    int64
	Delayed   int64
	Completed int64
	Failed    int64
}

// BackpressureFunc is invoked when a pool crosses its high-water mark
// (draining=true) or drops back below the low-water mark
// (draining=false), so the orchestrator can mark the agent draining in
// the registry.
type BackpressureFunc func(agentType string, draining bool)

// Pool is one agent type's bounded-concurrency executor.
type Pool struct {
	agentType string
	agent     agentcontract.Agent
	card      config.CapabilityCard
	limiter   *rate.Limiter
	onBackpressure BackpressureFunc
	results   chan JobResult

	mu      sync.Mutex
	queue   []*Job
	draining bool

	sem    chan struct{}
	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	cancelMu sync.Mutex
	cancels  map[string]chan struct{}

	waiting, active, delayed, completed, failed int64
}

// New creates a pool for one agent type. results should be buffered
// or actively drained by the caller; a full results channel will block
// job completion.
func New(agentType string, agent agentcontract.Agent, card config.CapabilityCard, onBackpressure BackpressureFunc, results chan JobResult) *Pool {
	concurrency := card.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Pool{
		agentType:      agentType,
		agent:          agent,
		card:           card,
		limiter:        rate.NewLimiter(rate.Limit(concurrency*10), concurrency*10),
		onBackpressure: onBackpressure,
		results:        results,
		sem:            make(chan struct{}, concurrency),
		wake:           make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		cancels:        make(map[string]chan struct{}),
	}
}

// Start launches the dispatcher goroutine.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.dispatchLoop(ctx)
}

// Stop signals the dispatcher to exit and waits for it.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Submit enqueues a job for dispatch. Fairness is FIFO within equal
// priority, ordered (priority desc, created asc) per spec §4.4's
// tie-break rule.
func (p *Pool) Submit(job Job) {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	p.mu.Lock()
	p.queue = append(p.queue, &job)
	p.sortQueueLocked()
	waiting := len(p.queue)
	p.mu.Unlock()

	atomic.StoreInt64(&p.waiting, int64(waiting))
	p.checkBackpressureLocked(waiting)
	p.nudge()
}

func (p *Pool) sortQueueLocked() {
	sort.Slice(p.queue, func(i, j int) bool {
		if p.queue[i].Priority != p.queue[j].Priority {
			return p.queue[i].Priority > p.queue[j].Priority // higher number = higher priority
		}
		return p.queue[i].CreatedAt.Before(p.queue[j].CreatedAt)
	})
}

func (p *Pool) checkBackpressureLocked(waiting int) {
	if p.onBackpressure == nil {
		return
	}
	p.mu.Lock()
	draining := p.draining
	if !draining && waiting > p.card.HighWaterMark && p.card.HighWaterMark > 0 {
		p.draining = true
		draining = true
	} else if draining && waiting < p.card.LowWaterMark {
		p.draining = false
		draining = false
	} else {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.onBackpressure(p.agentType, draining)
}

func (p *Pool) nudge() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Cancel trips the cooperative cancellation token for a task; any job
// in flight for that task observes it at its next I/O boundary.
func (p *Pool) Cancel(taskID string) {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	if ch, ok := p.cancels[taskID]; ok {
		select {
		case <-ch:
		default:
			close(ch)
		}
	}
}

func (p *Pool) cancelChan(taskID string) chan struct{} {
	p.cancelMu.Lock()
	defer p.cancelMu.Unlock()
	ch, ok := p.cancels[taskID]
	if !ok {
		ch = make(chan struct{})
		p.cancels[taskID] = ch
	}
	return ch
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Waiting:   atomic.LoadInt64(&p.waiting),
		Active:    atomic.LoadInt64(&p.active),
		Delayed:   atomic.LoadInt64(&p.delayed),
		Completed: atomic.LoadInt64(&p.completed),
		Failed:    atomic.LoadInt64(&p.failed),
	}
}

func (p *Pool) dispatchLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-p.wake:
		}
		p.drainQueue(ctx)
	}
}

func (p *Pool) drainQueue(ctx context.Context) {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		select {
		case p.sem <- struct{}{}:
		default:
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue = p.queue[1:]
		waiting := len(p.queue)
		atomic.StoreInt64(&p.waiting, int64(waiting))
		p.mu.Unlock()
		p.checkBackpressureLocked(waiting)

		atomic.AddInt64(&p.active, 1)
		p.wg.Add(1)
		go p.runJob(ctx, job)
	}
}

type execOutcome struct {
	result agentcontract.Result
	err    error
}

func (p *Pool) runJob(ctx context.Context, job *Job) {
	defer p.wg.Done()
	defer func() { <-p.sem; atomic.AddInt64(&p.active, -1); p.nudge() }()

	started := time.Now()

	if err := p.limiter.Wait(ctx); err != nil {
		p.finish(*job, JobResult{Job: *job, Outcome: OutcomeFailed, Err: orcherr.Wrap(orcherr.Unavailable, "rate limiter", err), StartedAt: started, EndedAt: time.Now()})
		return
	}

	timeout := p.card.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cancelCh := p.cancelChan(job.TaskID)
	view := agentcontract.TaskView{
		TaskID:    job.TaskID,
		AgentType: job.AgentType,
		Step:      job.Step,
		Attempt:   job.Attempt,
		Context:   job.Context,
		Cancelled: cancelCh,
	}

	resultCh := make(chan execOutcome, 1)
	go func() {
		res, err := p.agent.Execute(jobCtx, view)
		resultCh <- execOutcome{result: res, err: err}
	}()

	var outcome execOutcome
	select {
	case outcome = <-resultCh:
	case <-jobCtx.Done():
		select {
		case <-cancelCh:
			outcome = execOutcome{err: orcherr.New(orcherr.Cancelled, "task cancelled")}
		default:
			outcome = execOutcome{err: orcherr.New(orcherr.Timeout, "agent exceeded step timeout")}
		}
	}

	ended := time.Now()

	if outcome.err == nil {
		atomic.AddInt64(&p.completed, 1)
		p.emit(JobResult{Job: *job, Outcome: OutcomeCompleted, Result: outcome.result, StartedAt: started, EndedAt: ended})
		return
	}

	kind := orcherr.KindOf(outcome.err)
	if kind == orcherr.Cancelled {
		p.emit(JobResult{Job: *job, Outcome: OutcomeFailed, Err: outcome.err, StartedAt: started, EndedAt: ended})
		return
	}

	if p.retryable(job, kind) {
		p.scheduleRetry(ctx, *job, outcome.err, started, ended)
		return
	}

	atomic.AddInt64(&p.failed, 1)
	p.emit(JobResult{Job: *job, Outcome: OutcomeFailed, Err: outcome.err, StartedAt: started, EndedAt: ended})
}

func (p *Pool) retryable(job *Job, kind orcherr.Kind) bool {
	if job.Attempt >= job.RetryPolicy.MaxAttempts {
		return false
	}
	if !orcherr.Retryable(kind) {
		return false
	}
	if len(job.RetryPolicy.RetryableErrors) == 0 {
		return true
	}
	for _, k := range job.RetryPolicy.RetryableErrors {
		if k == string(kind) {
			return true
		}
	}
	return false
}

// scheduleRetry computes delay = min(initial*factor^attempt + jitter,
// max) with jitter uniform ±20%, per spec §4.5.
func (p *Pool) scheduleRetry(ctx context.Context, job Job, cause error, started, ended time.Time) {
	atomic.AddInt64(&p.delayed, 1)

	delay := backoffDelay(job.RetryPolicy, job.Attempt)
	next := job
	next.Attempt++
	next.CreatedAt = time.Now()

	p.emit(JobResult{Job: job, Outcome: OutcomeRetryScheduled, Err: cause, StartedAt: started, EndedAt: ended})

	p.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer p.wg.Done()
		atomic.AddInt64(&p.delayed, -1)
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.Submit(next)
	})
}

func backoffDelay(policy config.RetryPolicy, attempt int) time.Duration {
	initial := policy.InitialDelay
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	factor := policy.BackoffFactor
	if factor <= 0 {
		factor = 2.0
	}
	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}

	base := float64(initial)
	for i := 0; i < attempt; i++ {
		base *= factor
	}

	jitter := (rand.Float64()*0.4 - 0.2) * base // uniform +-20%
	delay := time.Duration(base + jitter)
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (p *Pool) emit(r JobResult) {
	select {
	case p.results <- r:
	default:
		log.Printf("[WORKERPOOL] WARNING: results channel full for agent %s, blocking", p.agentType)
		p.results <- r
	}
}

func (p *Pool) finish(job Job, r JobResult) {
	atomic.AddInt64(&p.failed, 1)
	p.emit(r)
}
