package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/service"
)

// ErrPoolClosed Worker 池已停止
var ErrPoolClosed = errors.New("worker pool closed")

// ErrQueueFull 队列已满
var ErrQueueFull = errors.New("run queue is full")

// Executor 执行一次补丁运行
type Executor interface {
	Execute(ctx context.Context, runID string) error
}

// FailureRecorder 记录执行过程中 panic 的运行
type FailureRecorder interface {
	UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error
}

// Metrics 运行与池指标
type Metrics interface {
	RecordRunStarted()
	RecordRunFinished(status string, duration time.Duration)
	UpdateWorkerPoolStats(size, active, queueSize int)
}

// Pool Worker 池
type Pool struct {
	workers  int
	jobChan  chan *Job
	executor Executor
	failures FailureRecorder
	metrics  Metrics
	logger   *logrus.Logger
	wg       sync.WaitGroup

	retryDelay time.Duration
	requeue    func(runID string) error

	active int32
	mu     sync.RWMutex
	closed bool
}

// Job 一次待执行的运行
type Job struct {
	RunID    string
	resultCh chan error // 用于同步等待运行完成
}

// Option Pool 选项
type Option func(*Pool)

// WithQueueSize 设置队列容量
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.jobChan = make(chan *Job, n)
		}
	}
}

// WithFailureRecorder 设置 panic 时的失败记录
func WithFailureRecorder(f FailureRecorder) Option {
	return func(p *Pool) { p.failures = f }
}

// WithMetrics 设置指标
func WithMetrics(m Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithRetryDelay 设置可重试运行重新入队前的等待
func WithRetryDelay(d time.Duration) Option {
	return func(p *Pool) { p.retryDelay = d }
}

// WithRequeue 替换重新投递方式，例如发布到 RabbitMQ
func WithRequeue(fn func(runID string) error) Option {
	return func(p *Pool) { p.requeue = fn }
}

// NewPool 创建 Worker 池
func NewPool(workers int, executor Executor, logger *logrus.Logger, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		workers:    workers,
		jobChan:    make(chan *Job, 100),
		executor:   executor,
		logger:     logger,
		retryDelay: 5 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	if p.requeue == nil {
		p.requeue = func(runID string) error { return p.Submit(&Job{RunID: runID}) }
	}
	return p
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.reportStats()
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Info("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case job, ok := <-p.jobChan:
			if !ok {
				p.logger.WithField("worker_id", id).Info("Job channel closed, worker exiting")
				return
			}
			p.handle(ctx, id, job)
		}
	}
}

func (p *Pool) handle(ctx context.Context, workerID int, job *Job) {
	log := p.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"run_id":    job.RunID,
	})
	log.Info("Processing run")

	atomic.AddInt32(&p.active, 1)
	p.reportStats()
	if p.metrics != nil {
		p.metrics.RecordRunStarted()
	}
	start := time.Now()

	err := p.execute(ctx, job.RunID)

	atomic.AddInt32(&p.active, -1)
	p.reportStats()
	if p.metrics != nil {
		p.metrics.RecordRunFinished(runOutcome(err), time.Since(start))
	}

	switch retryErr, retryable := service.IsRetryableError(err); {
	case err == nil:
		log.Info("Run completed successfully")
	case errors.Is(err, service.ErrRunFinished):
		log.Debug("Run already finished, skipped")
		err = nil
	case retryable:
		log.WithFields(logrus.Fields{
			"retry_count": retryErr.RetryCount,
			"max_retry":   retryErr.MaxRetry,
		}).Warn("🔄 Run failed and reset for retry (will be re-queued)")
		p.scheduleRetry(job.RunID)
	default:
		log.WithError(err).Error("Run execution failed")
	}

	if job.resultCh != nil {
		job.resultCh <- err
		close(job.resultCh)
	}
}

// execute 执行并把 panic 转成失败
func (p *Pool) execute(ctx context.Context, runID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run panicked: %v", r)
			p.logger.WithField("run_id", runID).WithError(err).Error("💥 Run panicked")
			if p.failures != nil {
				if ferr := p.failures.UpdateFailure(context.WithoutCancel(ctx), runID, domain.FailureTypeUnknown, err.Error()); ferr != nil {
					p.logger.WithError(ferr).WithField("run_id", runID).Error("Failed to record panic")
				}
			}
		}
	}()
	return p.executor.Execute(ctx, runID)
}

func (p *Pool) scheduleRetry(runID string) {
	time.AfterFunc(p.retryDelay, func() {
		if err := p.requeue(runID); err != nil {
			// 运行仍是 queued，重启后会被重新加载
			p.logger.WithError(err).WithField("run_id", runID).Warn("Failed to re-queue run")
		}
	})
}

// runOutcome 指标标签
func runOutcome(err error) string {
	if err == nil {
		return string(domain.RunStatusCompleted)
	}
	if _, ok := service.IsRetryableError(err); ok {
		return "requeued"
	}
	if domain.ClassifyFailure(err) == domain.FailureTypeCancelled {
		return string(domain.RunStatusCancelled)
	}
	return string(domain.RunStatusFailed)
}

// Submit 提交运行（异步，不等待结果）
func (p *Pool) Submit(job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobChan <- job:
		p.logger.WithField("run_id", job.RunID).Debug("Run submitted to pool")
		p.reportStats()
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交运行并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *Job) error {
	job.resultCh = make(chan error, 1)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	select {
	case p.jobChan <- job:
		p.mu.RUnlock()
		p.logger.WithField("run_id", job.RunID).Debug("Run submitted to pool (sync)")
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止 Worker 池，等待正在执行的运行结束
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobChan)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中运行数
func (p *Pool) GetQueueSize() int {
	return len(p.jobChan)
}

// ActiveWorkers 正在执行的 worker 数
func (p *Pool) ActiveWorkers() int {
	return int(atomic.LoadInt32(&p.active))
}

func (p *Pool) reportStats() {
	if p.metrics != nil {
		p.metrics.UpdateWorkerPoolStats(p.workers, p.ActiveWorkers(), p.GetQueueSize())
	}
}
