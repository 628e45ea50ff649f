package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patcher-go/internal/config"
	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
	"github.com/apk-analysis/apk-patcher-go/internal/repository"
	"github.com/apk-analysis/apk-patcher-go/internal/retry"
	"github.com/apk-analysis/apk-patcher-go/internal/step"
	"github.com/apk-analysis/apk-patcher-go/internal/steps"
)

// PatchRequest 提交补丁运行的参数，空字段沿用配置默认值
type PatchRequest struct {
	Version   string           `json:"version"`
	Channel   string           `json:"channel,omitempty"`
	Locale    string           `json:"locale,omitempty"`
	Density   string           `json:"density,omitempty"`
	ABI       string           `json:"abi,omitempty"`
	ColorName string           `json:"color_name,omitempty"`
	IconColor string           `json:"icon_color,omitempty"`
	Source    domain.RunSource `json:"source,omitempty"`
}

// PatchService 补丁运行服务接口
type PatchService interface {
	// 创建运行记录（queued），由 worker 执行
	Submit(ctx context.Context, req PatchRequest) (*domain.PatchRun, error)

	// 执行运行；可重试的失败返回 *RetryableError 且运行已重置为 queued
	Execute(ctx context.Context, runID string) error

	GetRun(ctx context.Context, runID string) (*domain.PatchRun, error)

	ListRuns(ctx context.Context, page, pageSize int, status string) ([]*domain.PatchRun, int64, error)

	// 请求取消：正在本进程执行的运行立即取消，其余在下次检查时停止
	CancelRun(ctx context.Context, runID string) error

	GetStatusCounts(ctx context.Context) (map[string]int64, error)
}

// RunLog 单次运行的日志文件
type RunLog interface {
	step.LogSink
	// Close 结束写入并返回最终路径
	Close() (string, error)
}

// RunLogOpener 为运行打开日志文件
type RunLogOpener func(runID string) (RunLog, error)

// PipelineFunc 根据运行参数组装步骤
type PipelineFunc func(opts steps.Options) []step.Step

// RetryableError 运行失败但已重置为 queued，调用方应重新投递
type RetryableError struct {
	RunID       string
	OriginalErr error
	RetryCount  int
	MaxRetry    int
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("run %s failed (retry %d/%d): %v", e.RunID, e.RetryCount, e.MaxRetry, e.OriginalErr)
}

func (e *RetryableError) Unwrap() error { return e.OriginalErr }

// IsRetryableError 检查错误是否为可重试错误
func IsRetryableError(err error) (*RetryableError, bool) {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr, true
	}
	return nil, false
}

// ErrRunFinished 运行已处于终态
var ErrRunFinished = errors.New("run already finished")

const defaultStopPollInterval = 2 * time.Second

type patchService struct {
	repo     repository.RunRepository
	cfg      config.PatchConfig
	logger   *logrus.Logger
	observer step.Observer
	retryObs retry.Observer
	sinks    []step.LogSink
	openLog  RunLogOpener
	pipeline PipelineFunc

	stopPoll time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// Option PatchService 选项
type Option func(*patchService)

// WithObserver 设置步骤指标观察者
func WithObserver(o step.Observer) Option {
	return func(s *patchService) { s.observer = o }
}

// WithRetryObserver 设置下载重试指标
func WithRetryObserver(o retry.Observer) Option {
	return func(s *patchService) { s.retryObs = o }
}

// WithSink 增加所有运行共享的日志接收者，例如 WebSocket 广播
func WithSink(sink step.LogSink) Option {
	return func(s *patchService) { s.sinks = append(s.sinks, sink) }
}

// WithRunLog 设置运行日志文件
func WithRunLog(open RunLogOpener) Option {
	return func(s *patchService) { s.openLog = open }
}

// WithPipeline 替换步骤组装
func WithPipeline(fn PipelineFunc) Option {
	return func(s *patchService) { s.pipeline = fn }
}

// WithStopPollInterval 设置 should_stop 轮询间隔
func WithStopPollInterval(d time.Duration) Option {
	return func(s *patchService) { s.stopPoll = d }
}

// NewPatchService 创建补丁服务实例
func NewPatchService(repo repository.RunRepository, cfg config.PatchConfig, logger *logrus.Logger, opts ...Option) PatchService {
	s := &patchService{
		repo:     repo,
		cfg:      cfg,
		logger:   logger,
		pipeline: steps.Pipeline,
		stopPoll: defaultStopPollInterval,
		active:   make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// patchConfig 请求字段覆盖配置默认值
func (s *patchService) patchConfig(run *domain.PatchRun) config.PatchConfig {
	pc := s.cfg
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&pc.Version, run.Version)
	override(&pc.Channel, run.Channel)
	override(&pc.Locale, run.Locale)
	override(&pc.Density, run.Density)
	override(&pc.ABI, run.ABI)
	override(&pc.ColorName, run.ColorName)
	override(&pc.IconColor, run.IconColor)
	return pc
}

func (s *patchService) Submit(ctx context.Context, req PatchRequest) (*domain.PatchRun, error) {
	if req.Source == "" {
		req.Source = domain.RunSourceAPI
	}
	run := &domain.PatchRun{
		ID:        uuid.New().String(),
		Source:    req.Source,
		Version:   req.Version,
		Channel:   req.Channel,
		Locale:    req.Locale,
		Density:   req.Density,
		ABI:       req.ABI,
		ColorName: req.ColorName,
		IconColor: req.IconColor,
		Status:    domain.RunStatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	// 提前校验，非法参数不入库
	pc := s.patchConfig(run)
	if _, err := steps.NewOptions(pc, pc.WorkDir); err != nil {
		return nil, fmt.Errorf("%w: %v", patcherr.ErrMalformed, err)
	}
	// 记录实际生效的参数
	run.Version, run.Channel, run.Locale = pc.Version, pc.Channel, pc.Locale
	run.Density, run.ABI = pc.Density, pc.ABI
	run.ColorName, run.IconColor = pc.ColorName, pc.IconColor

	if err := s.repo.Create(ctx, run); err != nil {
		s.logger.WithError(err).Error("Failed to create run")
		return nil, fmt.Errorf("创建运行失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"version": run.Version,
		"channel": run.Channel,
		"source":  run.Source,
	}).Info("Run created successfully")
	return run, nil
}

func (s *patchService) GetRun(ctx context.Context, runID string) (*domain.PatchRun, error) {
	run, err := s.repo.FindByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("获取运行失败: %w", err)
	}
	return run, nil
}

func (s *patchService) ListRuns(ctx context.Context, page, pageSize int, status string) ([]*domain.PatchRun, int64, error) {
	runs, total, err := s.repo.List(ctx, page, pageSize, status)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list runs")
		return nil, 0, fmt.Errorf("获取运行列表失败: %w", err)
	}
	return runs, total, nil
}

func (s *patchService) GetStatusCounts(ctx context.Context) (map[string]int64, error) {
	return s.repo.GetStatusCounts(ctx)
}

func (s *patchService) CancelRun(ctx context.Context, runID string) error {
	run, err := s.repo.FindByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("停止运行失败: %w", err)
	}
	if run.Status.Finished() {
		return ErrRunFinished
	}
	if err := s.repo.MarkShouldStop(ctx, runID); err != nil {
		s.logger.WithError(err).WithField("run_id", runID).Error("Failed to stop run")
		return fmt.Errorf("停止运行失败: %w", err)
	}

	s.mu.Lock()
	cancel, ok := s.active[runID]
	s.mu.Unlock()
	if ok {
		cancel()
	} else if run.Status == domain.RunStatusQueued {
		// 尚未开始，直接进入终态
		now := time.Now().UTC()
		run.Status = domain.RunStatusCancelled
		run.FailureType = domain.FailureTypeCancelled
		run.CompletedAt = &now
		if err := s.repo.Update(ctx, run); err != nil {
			return fmt.Errorf("停止运行失败: %w", err)
		}
	}

	s.logger.WithField("run_id", runID).Info("Run marked for stopping")
	return nil
}

// watchStop 轮询 should_stop，其他进程发出的取消也能生效
func (s *patchService) watchStop(ctx context.Context, runID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.stopPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stop, err := s.repo.ShouldStop(ctx, runID)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.WithError(err).WithField("run_id", runID).Warn("Failed to poll stop flag")
				}
				continue
			}
			if stop {
				s.logger.WithField("run_id", runID).Info("Run stopped by user")
				cancel()
				return
			}
		}
	}
}

func (s *patchService) Execute(ctx context.Context, runID string) error {
	run, err := s.repo.FindByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("获取运行失败: %w", err)
	}
	if run.Status.Finished() {
		return ErrRunFinished
	}
	log := s.logger.WithField("run_id", runID)

	if run.ShouldStop {
		return s.finishCancelled(ctx, run, fmt.Errorf("%w: stopped before start", patcherr.ErrCanceled))
	}

	pc := s.patchConfig(run)
	workDir := filepath.Join(pc.WorkDir, run.ID)
	opts, err := steps.NewOptions(pc, workDir)
	if err != nil {
		return s.finishFailed(ctx, run, fmt.Errorf("%w: %v", patcherr.ErrMalformed, err))
	}
	opts.Retry.Observer = s.retryObs

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.active[runID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, runID)
		s.mu.Unlock()
	}()
	go s.watchStop(runCtx, runID, cancel)

	runnerOpts := []step.Option{
		step.WithID(run.ID),
		step.WithLogger(s.logger),
		step.WithRecorder(s.repo),
	}
	if s.observer != nil {
		runnerOpts = append(runnerOpts, step.WithObserver(s.observer))
	}
	for _, sink := range s.sinks {
		runnerOpts = append(runnerOpts, step.WithSink(sink))
	}
	var runLog RunLog
	if s.openLog != nil {
		runLog, err = s.openLog(run.ID)
		if err != nil {
			log.WithError(err).Warn("Failed to open run log, continuing without it")
		} else {
			runnerOpts = append(runnerOpts, step.WithSink(runLog))
		}
	}

	now := time.Now().UTC()
	run.Status = domain.RunStatusRunning
	run.StartedAt = &now
	run.CompletedAt = nil
	run.WorkDir = workDir
	run.FailureType = domain.FailureTypeNone
	run.ErrorMessage = ""
	if err := s.repo.Update(ctx, run); err != nil {
		return fmt.Errorf("更新运行状态失败: %w", err)
	}

	runner := step.NewRunner(s.pipeline(opts), runnerOpts...)
	runErr := runner.Run(runCtx)

	if runLog != nil {
		if path, err := runLog.Close(); err != nil {
			log.WithError(err).Warn("Failed to close run log")
		} else {
			run.LogPath = path
		}
	}

	if runErr != nil {
		if ctx.Err() != nil {
			// 进程退出，放回队列等待下次启动
			if err := s.repo.UpdateStatus(context.WithoutCancel(ctx), run.ID, domain.RunStatusQueued); err != nil {
				log.WithError(err).Error("Failed to requeue interrupted run")
			}
			log.Warn("Run interrupted by shutdown, requeued")
			return runErr
		}
		if runCtx.Err() != nil {
			return s.finishCancelled(ctx, run, runErr)
		}
		return s.finishFailed(ctx, run, runErr)
	}
	return s.finishCompleted(ctx, run, runner)
}

func (s *patchService) finishCompleted(ctx context.Context, run *domain.PatchRun, runner *step.Runner) error {
	if art, err := runner.GetCompletedStep(step.KindReplaceIcon); err == nil && art.Patch != nil {
		run.ColorResourceID = art.Patch.Resources[run.ColorName]
	}
	if art, err := runner.GetCompletedStep(step.KindAddLocaleSplit); err == nil && art.Split != nil {
		run.OutputPath = art.Split.Path
		installSet, err := json.Marshal(art.Split.InstallSet)
		if err != nil {
			return err
		}
		run.InstallSet = string(installSet)
	}

	now := time.Now().UTC()
	run.Status = domain.RunStatusCompleted
	run.CompletedAt = &now
	run.CurrentStep = ""
	if err := s.repo.Update(ctx, run); err != nil {
		return fmt.Errorf("更新运行状态失败: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"run_id":      run.ID,
		"output":      run.OutputPath,
		"color_resid": fmt.Sprintf("0x%08x", run.ColorResourceID),
	}).Info("✅ Run completed")
	return nil
}

func (s *patchService) finishCancelled(ctx context.Context, run *domain.PatchRun, cause error) error {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	run.Status = domain.RunStatusCancelled
	run.FailureType = domain.FailureTypeCancelled
	run.ErrorMessage = cause.Error()
	run.CompletedAt = &now
	if err := s.repo.Update(ctx, run); err != nil {
		s.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to mark run cancelled")
	}
	s.logger.WithField("run_id", run.ID).Warn("⏹️ Run cancelled")
	return cause
}

func (s *patchService) finishFailed(ctx context.Context, run *domain.PatchRun, cause error) error {
	ctx = context.WithoutCancel(ctx)
	ft := domain.ClassifyFailure(cause)
	log := s.logger.WithFields(logrus.Fields{
		"run_id":       run.ID,
		"failure_type": ft,
		"severity":     ft.GetSeverity(),
	})

	if ft.CanRetry() && run.RetryCount < ft.GetMaxRetryCount() {
		count, err := s.repo.IncrementRetryCount(ctx, run.ID)
		if err != nil {
			log.WithError(err).Error("Failed to increment retry count")
		} else {
			if ft == domain.FailureTypeArchiveIntegrity && run.WorkDir != "" {
				// 工作副本不可信，重试时从缓存重新复制
				if err := os.RemoveAll(run.WorkDir); err != nil {
					log.WithError(err).Warn("Failed to remove work dir")
				}
			}
			run.Status = domain.RunStatusQueued
			run.RetryCount = count
			run.FailureType = ft
			run.ErrorMessage = cause.Error()
			run.StartedAt = nil
			if err := s.repo.Update(ctx, run); err != nil {
				log.WithError(err).Error("Failed to reset run for retry")
			} else {
				log.WithField("retry_count", count).Warn("🔄 Run failed and reset for retry")
				return &RetryableError{
					RunID:       run.ID,
					OriginalErr: cause,
					RetryCount:  count,
					MaxRetry:    ft.GetMaxRetryCount(),
				}
			}
		}
	}

	now := time.Now().UTC()
	run.Status = domain.RunStatusFailed
	run.FailureType = ft
	run.ErrorMessage = cause.Error()
	run.CompletedAt = &now
	if err := s.repo.Update(ctx, run); err != nil {
		log.WithError(err).Error("Failed to mark run failed")
	}
	log.WithError(cause).Errorf("❌ Run failed: %s", ft.GetDisplayName())
	return cause
}
