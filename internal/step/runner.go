package step

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

type entry struct {
	step  Step
	state State
}

// Runner 按分组、再按声明顺序串行执行步骤
// 同一个 Runner 不能并发调用 Run；Steps 与 GetCompletedStep 可在其他 goroutine 中读取
type Runner struct {
	id        string
	entries   []*entry
	artifacts map[Kind]Artifact

	base     *logrus.Logger
	logger   *logrus.Entry
	sinks    []LogSink
	recorder Recorder
	observer Observer

	mu     sync.RWMutex
	failed bool
}

// Option Runner 选项
type Option func(*Runner)

// WithID 设置运行 id
func WithID(id string) Option {
	return func(r *Runner) { r.id = id }
}

// WithLogger 设置基础日志器
func WithLogger(l *logrus.Logger) Option {
	return func(r *Runner) { r.base = l }
}

// WithSink 增加日志接收者
func WithSink(s LogSink) Option {
	return func(r *Runner) { r.sinks = append(r.sinks, s) }
}

// WithRecorder 设置状态持久化
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithObserver 设置指标观察者
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// NewRunner 创建 Runner；步骤按 Group 稳定排序
func NewRunner(steps []Step, opts ...Option) *Runner {
	r := &Runner{artifacts: make(map[Kind]Artifact)}
	for _, o := range opts {
		o(r)
	}
	if r.base == nil {
		r.base = logrus.StandardLogger()
	}
	var hook logrus.Hook
	if len(r.sinks) > 0 {
		hook = &sinkHook{runID: r.id, sinks: r.sinks}
	}
	r.logger = newRunLogger(r.base, hook).WithField("run_id", r.id)

	for _, s := range steps {
		r.entries = append(r.entries, &entry{
			step:  s,
			state: State{Kind: s.Kind(), Name: s.Name(), Group: s.Group(), Status: StatusPending},
		})
	}
	sort.SliceStable(r.entries, func(i, j int) bool {
		return r.entries[i].step.Group() < r.entries[j].step.Group()
	})
	return r
}

// ID 运行 id
func (r *Runner) ID() string { return r.id }

// Logger 运行日志器，步骤通过它输出日志
func (r *Runner) Logger() *logrus.Entry { return r.logger }

// Failed 最近一次 Run 是否失败
func (r *Runner) Failed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.failed
}

// Steps 步骤状态快照
func (r *Runner) Steps() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]State, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.state
	}
	return out
}

// GetCompletedStep 返回已完成步骤的产物；未完成时返回 ErrNotReady
func (r *Runner) GetCompletedStep(kind Kind) (Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.state.Kind != kind {
			continue
		}
		if e.state.Status != StatusCompleted {
			return Artifact{}, fmt.Errorf("%w: step %s is %s", patcherr.ErrNotReady, kind, e.state.Status)
		}
		return r.artifacts[kind], nil
	}
	return Artifact{}, fmt.Errorf("%w: step %s is not part of this pipeline", patcherr.ErrNotReady, kind)
}

// CompletedFile 返回已完成下载步骤的文件产物
func (r *Runner) CompletedFile(kind Kind) (*FileArtifact, error) {
	a, err := r.GetCompletedStep(kind)
	if err != nil {
		return nil, err
	}
	if a.File == nil {
		return nil, fmt.Errorf("%w: step %s produced no file", patcherr.ErrNotReady, kind)
	}
	return a.File, nil
}

// Has 流水线是否包含该步骤
func (r *Runner) Has(kind Kind) bool {
	for _, e := range r.entries {
		if e.state.Kind == kind {
			return true
		}
	}
	return false
}

// Run 执行所有未完成的步骤
// 重复调用时从第一个未完成的步骤继续；已完成步骤的工作文件丢失时重新执行它，
// 并且一旦有步骤重新执行，其后所有步骤也重新执行。
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.failed = false
	r.mu.Unlock()

	start := time.Now()
	r.logger.WithField("steps", len(r.entries)).Info("🚀 Pipeline started")

	rerun := false
	for _, e := range r.entries {
		if !rerun && r.reusable(e) {
			continue
		}

		if err := ctx.Err(); err != nil {
			r.markFailed()
			r.logger.WithField("step", e.state.Name).Warn("Pipeline canceled before step")
			return fmt.Errorf("%w: before step %s: %v", patcherr.ErrCanceled, e.state.Name, err)
		}

		if sk, ok := e.step.(Skipper); ok {
			if skip, reason := sk.Skip(r); skip {
				r.finish(ctx, e, StatusSkipped, Artifact{}, nil, time.Now())
				r.logger.WithFields(logrus.Fields{"step": e.state.Name, "reason": reason}).Info("Step skipped")
				continue
			}
		}

		rerun = true
		if err := r.execute(ctx, e); err != nil {
			r.markFailed()
			r.logger.WithFields(logrus.Fields{
				"step":  e.state.Name,
				"error": err.Error(),
			}).Error("❌ Pipeline failed")
			return err
		}
	}

	r.logger.WithField("duration", time.Since(start).String()).Info("✅ Pipeline completed")
	return nil
}

// reusable 已完成且工作文件仍存在的步骤可以跳过
func (r *Runner) reusable(e *entry) bool {
	r.mu.RLock()
	status := e.state.Status
	art := r.artifacts[e.state.Kind]
	r.mu.RUnlock()

	switch status {
	case StatusSkipped:
		return true
	case StatusCompleted:
		for _, p := range art.Paths() {
			if _, err := os.Stat(p); err != nil {
				r.logger.WithFields(logrus.Fields{
					"step": e.state.Name,
					"path": p,
				}).Warn("Working file missing, step will run again")
				return false
			}
		}
		return true
	}
	return false
}

func (r *Runner) execute(ctx context.Context, e *entry) error {
	r.mu.Lock()
	delete(r.artifacts, e.state.Kind)
	e.state.Status = StatusRunning
	e.state.Error = ""
	e.state.Attempts++
	e.state.StartedAt = time.Now()
	e.state.FinishedAt = time.Time{}
	e.state.Duration = 0
	snapshot := e.state
	r.mu.Unlock()
	r.record(ctx, snapshot)

	log := r.logger.WithFields(logrus.Fields{"step": e.state.Name, "group": e.state.Group.String()})
	log.Info("Step started")

	art, err := e.step.Run(ctx, r)
	if err == nil {
		err = checkArtifact(art)
	}
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		r.finish(ctx, e, StatusFailed, Artifact{}, err, snapshot.StartedAt)
		log.WithError(err).Error("Step failed")
		return &StepError{Kind: e.state.Kind, Name: e.state.Name, Err: err}
	}

	r.finish(ctx, e, StatusCompleted, art, nil, snapshot.StartedAt)
	log.WithField("duration", time.Since(snapshot.StartedAt).String()).Info("Step completed")
	return nil
}

func checkArtifact(a Artifact) error {
	n := 0
	for _, set := range []bool{a.File != nil, a.Patch != nil, a.Split != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("step returned %d artifacts, want exactly one", n)
	}
	return nil
}

func (r *Runner) finish(ctx context.Context, e *entry, status Status, art Artifact, err error, started time.Time) {
	now := time.Now()
	r.mu.Lock()
	e.state.Status = status
	if err != nil {
		e.state.Error = err.Error()
	}
	if status == StatusCompleted {
		r.artifacts[e.state.Kind] = art
	}
	if e.state.StartedAt.IsZero() {
		e.state.StartedAt = started
	}
	e.state.FinishedAt = now
	e.state.Duration = now.Sub(started)
	snapshot := e.state
	r.mu.Unlock()

	r.record(ctx, snapshot)
	if r.observer != nil {
		r.observer.ObserveStep(snapshot.Kind, snapshot.Status, snapshot.Duration)
	}
}

func (r *Runner) record(ctx context.Context, s State) {
	if r.recorder == nil {
		return
	}
	// 取消后仍需记录最终状态
	if err := r.recorder.RecordStep(context.WithoutCancel(ctx), r.id, s); err != nil {
		r.logger.WithError(err).WithField("step", s.Name).Warn("Failed to record step state")
	}
}

func (r *Runner) markFailed() {
	r.mu.Lock()
	r.failed = true
	r.mu.Unlock()
}
