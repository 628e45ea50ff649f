package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-patcher-go/internal/config"
	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
	"github.com/apk-analysis/apk-patcher-go/internal/step"
	"github.com/apk-analysis/apk-patcher-go/internal/steps"
)

// MockRunRepository Mock Repository
type MockRunRepository struct {
	mock.Mock
}

func (m *MockRunRepository) Create(ctx context.Context, run *domain.PatchRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRunRepository) Update(ctx context.Context, run *domain.PatchRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRunRepository) FindByID(ctx context.Context, id string) (*domain.PatchRun, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PatchRun), args.Error(1)
}

func (m *MockRunRepository) List(ctx context.Context, page, pageSize int, status string) ([]*domain.PatchRun, int64, error) {
	args := m.Called(ctx, page, pageSize, status)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.PatchRun), args.Get(1).(int64), args.Error(2)
}

func (m *MockRunRepository) UpdateStatus(ctx context.Context, id string, status domain.RunStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockRunRepository) UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error {
	args := m.Called(ctx, id, failureType, errorMessage)
	return args.Error(0)
}

func (m *MockRunRepository) MarkShouldStop(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRunRepository) ShouldStop(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockRunRepository) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockRunRepository) GetStatusCounts(ctx context.Context) (map[string]int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}

func (m *MockRunRepository) RecordStep(ctx context.Context, runID string, s step.State) error {
	args := m.Called(ctx, runID, s)
	return args.Error(0)
}

// fakeStep 可编排的步骤
type fakeStep struct {
	kind  step.Kind
	group step.Group
	run   func(ctx context.Context, r *step.Runner) (step.Artifact, error)
}

func (f *fakeStep) Kind() step.Kind   { return f.kind }
func (f *fakeStep) Group() step.Group { return f.group }
func (f *fakeStep) Name() string      { return string(f.kind) }
func (f *fakeStep) Run(ctx context.Context, r *step.Runner) (step.Artifact, error) {
	return f.run(ctx, r)
}

// fakeRunLog 记录日志行
type fakeRunLog struct {
	mu     sync.Mutex
	lines  []step.LogLine
	closed bool
}

func (l *fakeRunLog) Emit(line step.LogLine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, line)
}

func (l *fakeRunLog) Close() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return "/logs/run.jsonl.lz4", nil
}

type countingObserver struct {
	mu    sync.Mutex
	count map[step.Status]int
}

func (o *countingObserver) ObserveStep(_ step.Kind, status step.Status, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.count == nil {
		o.count = make(map[step.Status]int)
	}
	o.count[status]++
}

func testPatchConfig(t *testing.T) config.PatchConfig {
	return config.PatchConfig{
		Mirror:    "http://mirror.test",
		Version:   "224100",
		Channel:   "beta",
		CacheDir:  t.TempDir(),
		WorkDir:   t.TempDir(),
		Locale:    "en",
		ColorName: "brand_icon_background",
		IconColor: "#ff3ddc84",
		Retry:     config.RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond},
	}
}

func testLogger() *logrus.Logger {
	log, _ := test.NewNullLogger()
	return log
}

func queuedRun(id string) *domain.PatchRun {
	return &domain.PatchRun{
		ID:        id,
		Version:   "224100",
		Channel:   "beta",
		Locale:    "en",
		ColorName: "brand_icon_background",
		IconColor: "#ff3ddc84",
		Status:    domain.RunStatusQueued,
	}
}

// statusLog 记录每次 Update 时的状态
type statusLog struct {
	mu       sync.Mutex
	statuses []domain.RunStatus
}

func (l *statusLog) track(args mock.Arguments) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, args.Get(1).(*domain.PatchRun).Status)
}

func (l *statusLog) get() []domain.RunStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.RunStatus(nil), l.statuses...)
}

func expectRunnerCalls(m *MockRunRepository, runID string, updates *statusLog) {
	m.On("Update", mock.Anything, mock.AnythingOfType("*domain.PatchRun")).Run(updates.track).Return(nil)
	m.On("RecordStep", mock.Anything, runID, mock.AnythingOfType("step.State")).Return(nil)
	m.On("ShouldStop", mock.Anything, runID).Return(false, nil).Maybe()
}

func failingPipeline(err error) PipelineFunc {
	return func(steps.Options) []step.Step {
		return []step.Step{&fakeStep{kind: step.KindDownloadBase, run: func(context.Context, *step.Runner) (step.Artifact, error) {
			return step.Artifact{}, err
		}}}
	}
}

// TestPatchService_Submit 测试创建运行
func TestPatchService_Submit(t *testing.T) {
	mockRepo := new(MockRunRepository)
	svc := NewPatchService(mockRepo, testPatchConfig(t), testLogger())
	ctx := context.Background()

	mockRepo.On("Create", ctx, mock.AnythingOfType("*domain.PatchRun")).Return(nil)

	run, err := svc.Submit(ctx, PatchRequest{Version: "225000", Locale: "de-AT"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID, "Run ID should not be empty")
	assert.Equal(t, domain.RunStatusQueued, run.Status)
	assert.Equal(t, domain.RunSourceAPI, run.Source)
	assert.Equal(t, "225000", run.Version)
	assert.Equal(t, "de-AT", run.Locale)
	// 未指定的字段取配置默认值
	assert.Equal(t, "beta", run.Channel)
	assert.Equal(t, "#ff3ddc84", run.IconColor)
	mockRepo.AssertExpectations(t)
}

// TestPatchService_Submit_Invalid 测试非法参数不入库
func TestPatchService_Submit_Invalid(t *testing.T) {
	mockRepo := new(MockRunRepository)
	svc := NewPatchService(mockRepo, testPatchConfig(t), testLogger())

	_, err := svc.Submit(context.Background(), PatchRequest{Channel: "nightly"})
	assert.ErrorIs(t, err, patcherr.ErrMalformed)

	_, err = svc.Submit(context.Background(), PatchRequest{IconColor: "green"})
	assert.ErrorIs(t, err, patcherr.ErrMalformed)
	mockRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

// TestPatchService_Submit_Error 测试创建失败
func TestPatchService_Submit_Error(t *testing.T) {
	mockRepo := new(MockRunRepository)
	svc := NewPatchService(mockRepo, testPatchConfig(t), testLogger())
	ctx := context.Background()

	mockRepo.On("Create", ctx, mock.AnythingOfType("*domain.PatchRun")).Return(errors.New("database error"))

	run, err := svc.Submit(ctx, PatchRequest{})
	assert.Error(t, err)
	assert.Nil(t, run)
	mockRepo.AssertExpectations(t)
}

// TestPatchService_Execute 测试执行成功并回写产物
func TestPatchService_Execute(t *testing.T) {
	mockRepo := new(MockRunRepository)
	cfg := testPatchConfig(t)
	runLog := &fakeRunLog{}
	observer := &countingObserver{}
	var gotOpts steps.Options

	pipeline := func(opts steps.Options) []step.Step {
		gotOpts = opts
		return []step.Step{
			&fakeStep{kind: step.KindDownloadBase, run: func(context.Context, *step.Runner) (step.Artifact, error) {
				return step.Artifact{File: &step.FileArtifact{Artifact: "base", Path: "/w/base.apk"}}, nil
			}},
			&fakeStep{kind: step.KindReplaceIcon, group: step.GroupPatch, run: func(context.Context, *step.Runner) (step.Artifact, error) {
				return step.Artifact{Patch: &step.PatchArtifact{
					Target:    "/w/base.apk",
					Resources: map[string]uint32{"brand_icon_background": 0x7f010001},
					Changed:   true,
				}}, nil
			}},
			&fakeStep{kind: step.KindAddLocaleSplit, group: step.GroupPatch, run: func(context.Context, *step.Runner) (step.Artifact, error) {
				return step.Artifact{Split: &step.SplitArtifact{
					Path:       "/w/config.en.apk",
					Locale:     "en",
					InstallSet: []string{"/w/base.apk", "/w/config.en.apk"},
				}}, nil
			}},
		}
	}

	svc := NewPatchService(mockRepo, cfg, testLogger(),
		WithPipeline(pipeline),
		WithObserver(observer),
		WithRunLog(func(runID string) (RunLog, error) { return runLog, nil }),
	)
	ctx := context.Background()
	run := queuedRun("run-ok")
	updates := &statusLog{}
	mockRepo.On("FindByID", ctx, "run-ok").Return(run, nil)
	expectRunnerCalls(mockRepo, "run-ok", updates)

	require.NoError(t, svc.Execute(ctx, "run-ok"))

	assert.Equal(t, []domain.RunStatus{domain.RunStatusRunning, domain.RunStatusCompleted}, updates.get())
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, uint32(0x7f010001), run.ColorResourceID)
	assert.Equal(t, "/w/config.en.apk", run.OutputPath)
	assert.JSONEq(t, `["/w/base.apk","/w/config.en.apk"]`, run.InstallSet)
	assert.Equal(t, "/logs/run.jsonl.lz4", run.LogPath)
	assert.NotNil(t, run.CompletedAt)
	assert.Equal(t, filepath.Join(cfg.WorkDir, "run-ok"), gotOpts.WorkDir)
	assert.Equal(t, steps.ChannelBeta, gotOpts.Channel)

	assert.True(t, runLog.closed)
	require.NotEmpty(t, runLog.lines)
	assert.Equal(t, "run-ok", runLog.lines[0].RunID)
	assert.Equal(t, 3, observer.count[step.StatusCompleted])

	// 每个步骤 running + completed 各记录一次
	mockRepo.AssertNumberOfCalls(t, "RecordStep", 6)
}

// TestPatchService_Execute_Retryable 测试传输失败重置为 queued
func TestPatchService_Execute_Retryable(t *testing.T) {
	mockRepo := new(MockRunRepository)
	cause := fmt.Errorf("%w: mirror returned 503", patcherr.ErrTransfer)
	svc := NewPatchService(mockRepo, testPatchConfig(t), testLogger(), WithPipeline(failingPipeline(cause)))
	ctx := context.Background()

	run := queuedRun("run-retry")
	updates := &statusLog{}
	mockRepo.On("FindByID", ctx, "run-retry").Return(run, nil)
	mockRepo.On("IncrementRetryCount", mock.Anything, "run-retry").Return(1, nil)
	expectRunnerCalls(mockRepo, "run-retry", updates)

	err := svc.Execute(ctx, "run-retry")
	retryErr, ok := IsRetryableError(err)
	require.True(t, ok, "expected retryable error, got %v", err)
	assert.Equal(t, 1, retryErr.RetryCount)
	assert.Equal(t, 3, retryErr.MaxRetry)
	assert.ErrorIs(t, err, patcherr.ErrTransfer)

	assert.Equal(t, domain.RunStatusQueued, run.Status)
	assert.Equal(t, domain.FailureTypeTransfer, run.FailureType)
	assert.Nil(t, run.StartedAt)
	mockRepo.AssertExpectations(t)
}

// TestPatchService_Execute_ArchiveIntegrity 测试归档写入失败时丢弃工作目录，下一次尝试从缓存重新开始
func TestPatchService_Execute_ArchiveIntegrity(t *testing.T) {
	mockRepo := new(MockRunRepository)
	cfg := testPatchConfig(t)
	var attempts int
	pipeline := func(opts steps.Options) []step.Step {
		return []step.Step{&fakeStep{kind: step.KindReplaceIcon, run: func(context.Context, *step.Runner) (step.Artifact, error) {
			attempts++
			_, err := os.Stat(filepath.Join(opts.WorkDir, "base.apk"))
			assert.True(t, os.IsNotExist(err), "each attempt starts without a working copy")
			require.NoError(t, os.MkdirAll(opts.WorkDir, 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(opts.WorkDir, "base.apk"), []byte("half written"), 0o644))
			return step.Artifact{}, fmt.Errorf("%w: central directory flush failed", patcherr.ErrArchiveIntegrity)
		}}}
	}
	svc := NewPatchService(mockRepo, cfg, testLogger(), WithPipeline(pipeline))
	ctx := context.Background()

	run := queuedRun("run-archive")
	mockRepo.On("FindByID", ctx, "run-archive").Return(run, nil)
	mockRepo.On("IncrementRetryCount", mock.Anything, "run-archive").Return(1, nil).Once()
	expectRunnerCalls(mockRepo, "run-archive", &statusLog{})

	err := svc.Execute(ctx, "run-archive")
	_, ok := IsRetryableError(err)
	require.True(t, ok, "expected retryable error, got %v", err)
	assert.Equal(t, domain.FailureTypeArchiveIntegrity, run.FailureType)
	_, statErr := os.Stat(filepath.Join(cfg.WorkDir, "run-archive"))
	assert.True(t, os.IsNotExist(statErr))

	// 预算只有一次，第二次失败即终态
	run.RetryCount = 1
	err = svc.Execute(ctx, "run-archive")
	_, ok = IsRetryableError(err)
	assert.False(t, ok)
	assert.ErrorIs(t, err, patcherr.ErrArchiveIntegrity)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, 2, attempts)
}

// TestPatchService_Execute_RetryExhausted 测试重试次数用尽
func TestPatchService_Execute_RetryExhausted(t *testing.T) {
	mockRepo := new(MockRunRepository)
	cause := fmt.Errorf("%w: connection reset", patcherr.ErrTransfer)
	svc := NewPatchService(mockRepo, testPatchConfig(t), testLogger(), WithPipeline(failingPipeline(cause)))
	ctx := context.Background()

	run := queuedRun("run-exhausted")
	run.RetryCount = 3
	mockRepo.On("FindByID", ctx, "run-exhausted").Return(run, nil)
	expectRunnerCalls(mockRepo, "run-exhausted", &statusLog{})

	err := svc.Execute(ctx, "run-exhausted")
	_, ok := IsRetryableError(err)
	assert.False(t, ok)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	mockRepo.AssertNotCalled(t, "IncrementRetryCount", mock.Anything, mock.Anything)
}

// TestPatchService_Execute_Malformed 测试格式错误不重试
func TestPatchService_Execute_Malformed(t *testing.T) {
	mockRepo := new(MockRunRepository)
	cause := fmt.Errorf("%w: string pool truncated", patcherr.ErrMalformed)
	svc := NewPatchService(mockRepo, testPatchConfig(t), testLogger(), WithPipeline(failingPipeline(cause)))
	ctx := context.Background()

	run := queuedRun("run-bad")
	mockRepo.On("FindByID", ctx, "run-bad").Return(run, nil)
	expectRunnerCalls(mockRepo, "run-bad", &statusLog{})

	err := svc.Execute(ctx, "run-bad")
	assert.ErrorIs(t, err, patcherr.ErrMalformed)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.Equal(t, domain.FailureTypeMalformed, run.FailureType)
	assert.Contains(t, run.ErrorMessage, "string pool truncated")
	assert.NotNil(t, run.CompletedAt)
	mockRepo.AssertNotCalled(t, "IncrementRetryCount", mock.Anything, mock.Anything)
}

// TestPatchService_Execute_StoppedBeforeStart 测试开始前已请求停止
func TestPatchService_Execute_StoppedBeforeStart(t *testing.T) {
	mockRepo := new(MockRunRepository)
	called := false
	svc := NewPatchService(mockRepo, testPatchConfig(t), testLogger(), WithPipeline(func(steps.Options) []step.Step {
		called = true
		return nil
	}))
	ctx := context.Background()

	run := queuedRun("run-stopped")
	run.ShouldStop = true
	mockRepo.On("FindByID", ctx, "run-stopped").Return(run, nil)
	mockRepo.On("Update", mock.Anything, run).Return(nil)

	err := svc.Execute(ctx, "run-stopped")
	assert.ErrorIs(t, err, patcherr.ErrCanceled)
	assert.False(t, called)
	assert.Equal(t, domain.RunStatusCancelled, run.Status)
	assert.Equal(t, domain.FailureTypeCancelled, run.FailureType)
}

// TestPatchService_Execute_Finished 测试终态运行不再执行
func TestPatchService_Execute_Finished(t *testing.T) {
	mockRepo := new(MockRunRepository)
	svc := NewPatchService(mockRepo, testPatchConfig(t), testLogger())
	ctx := context.Background()

	run := queuedRun("run-done")
	run.Status = domain.RunStatusCompleted
	mockRepo.On("FindByID", ctx, "run-done").Return(run, nil)

	assert.ErrorIs(t, svc.Execute(ctx, "run-done"), ErrRunFinished)
	assert.ErrorIs(t, svc.CancelRun(ctx, "run-done"), ErrRunFinished)
}

func blockingPipeline(started chan<- struct{}) PipelineFunc {
	return func(steps.Options) []step.Step {
		return []step.Step{&fakeStep{kind: step.KindDownloadBase, run: func(ctx context.Context, _ *step.Runner) (step.Artifact, error) {
			close(started)
			<-ctx.Done()
			return step.Artifact{}, ctx.Err()
		}}}
	}
}

// TestPatchService_CancelRun_Active 测试取消正在执行的运行
func TestPatchService_CancelRun_Active(t *testing.T) {
	mockRepo := new(MockRunRepository)
	started := make(chan struct{})
	svc := NewPatchService(mockRepo, testPatchConfig(t), testLogger(), WithPipeline(blockingPipeline(started)))
	ctx := context.Background()

	run := queuedRun("run-cancel")
	snapshot := *run
	snapshot.Status = domain.RunStatusRunning
	mockRepo.On("FindByID", ctx, "run-cancel").Return(run, nil).Once()
	mockRepo.On("FindByID", ctx, "run-cancel").Return(&snapshot, nil).Once()
	mockRepo.On("MarkShouldStop", ctx, "run-cancel").Return(nil)
	updates := &statusLog{}
	expectRunnerCalls(mockRepo, "run-cancel", updates)

	done := make(chan error, 1)
	go func() { done <- svc.Execute(ctx, "run-cancel") }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("step did not start")
	}
	require.NoError(t, svc.CancelRun(ctx, "run-cancel"))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run was not cancelled")
	}
	assert.Equal(t, domain.RunStatusCancelled, run.Status)
	assert.Equal(t, []domain.RunStatus{domain.RunStatusRunning, domain.RunStatusCancelled}, updates.get())
}

// TestPatchService_StopFlagPolling 测试其他进程设置的 should_stop
func TestPatchService_StopFlagPolling(t *testing.T) {
	mockRepo := new(MockRunRepository)
	started := make(chan struct{})
	svc := NewPatchService(mockRepo, testPatchConfig(t), testLogger(),
		WithPipeline(blockingPipeline(started)),
		WithStopPollInterval(5*time.Millisecond),
	)
	ctx := context.Background()

	run := queuedRun("run-poll")
	mockRepo.On("FindByID", ctx, "run-poll").Return(run, nil)
	mockRepo.On("Update", mock.Anything, run).Return(nil)
	mockRepo.On("RecordStep", mock.Anything, "run-poll", mock.AnythingOfType("step.State")).Return(nil)
	mockRepo.On("ShouldStop", mock.Anything, "run-poll").Return(true, nil)

	// 取消可能发生在步骤开始前或执行中
	assert.Error(t, svc.Execute(ctx, "run-poll"))
	assert.Equal(t, domain.RunStatusCancelled, run.Status)
}

// TestPatchService_Execute_Shutdown 测试进程退出时运行放回队列
func TestPatchService_Execute_Shutdown(t *testing.T) {
	mockRepo := new(MockRunRepository)
	started := make(chan struct{})
	svc := NewPatchService(mockRepo, testPatchConfig(t), testLogger(), WithPipeline(blockingPipeline(started)))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := queuedRun("run-shutdown")
	mockRepo.On("FindByID", ctx, "run-shutdown").Return(run, nil)
	mockRepo.On("UpdateStatus", mock.Anything, "run-shutdown", domain.RunStatusQueued).Return(nil)
	expectRunnerCalls(mockRepo, "run-shutdown", &statusLog{})

	go func() {
		<-started
		cancel()
	}()
	err := svc.Execute(ctx, "run-shutdown")
	assert.ErrorIs(t, err, context.Canceled)
	mockRepo.AssertCalled(t, "UpdateStatus", mock.Anything, "run-shutdown", domain.RunStatusQueued)
}

// TestPatchService_CancelRun_Queued 测试取消排队中的运行
func TestPatchService_CancelRun_Queued(t *testing.T) {
	mockRepo := new(MockRunRepository)
	svc := NewPatchService(mockRepo, testPatchConfig(t), testLogger())
	ctx := context.Background()

	run := queuedRun("run-queued")
	mockRepo.On("FindByID", ctx, "run-queued").Return(run, nil)
	mockRepo.On("MarkShouldStop", ctx, "run-queued").Return(nil)
	mockRepo.On("Update", ctx, run).Return(nil)

	require.NoError(t, svc.CancelRun(ctx, "run-queued"))
	assert.Equal(t, domain.RunStatusCancelled, run.Status)
	mockRepo.AssertExpectations(t)
}

// TestPatchService_ListRuns 测试列表与统计
func TestPatchService_ListRuns(t *testing.T) {
	mockRepo := new(MockRunRepository)
	svc := NewPatchService(mockRepo, testPatchConfig(t), testLogger())
	ctx := context.Background()

	runs := []*domain.PatchRun{queuedRun("a"), queuedRun("b")}
	mockRepo.On("List", ctx, 1, 20, "queued").Return(runs, int64(2), nil)
	mockRepo.On("List", ctx, 2, 20, "").Return(nil, int64(0), errors.New("database error"))
	mockRepo.On("GetStatusCounts", ctx).Return(map[string]int64{"queued": 2}, nil)

	got, total, err := svc.ListRuns(ctx, 1, 20, "queued")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, got, 2)

	_, _, err = svc.ListRuns(ctx, 2, 20, "")
	assert.Error(t, err)

	counts, err := svc.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["queued"])
}
