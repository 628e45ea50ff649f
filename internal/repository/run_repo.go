package repository

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/step"
)

// RunRepository 补丁运行记录
type RunRepository interface {
	Create(ctx context.Context, run *domain.PatchRun) error
	Update(ctx context.Context, run *domain.PatchRun) error
	FindByID(ctx context.Context, id string) (*domain.PatchRun, error)
	// 分页列表，status 为空时不过滤
	List(ctx context.Context, page, pageSize int, status string) ([]*domain.PatchRun, int64, error)
	UpdateStatus(ctx context.Context, id string, status domain.RunStatus) error
	UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error
	MarkShouldStop(ctx context.Context, id string) error
	ShouldStop(ctx context.Context, id string) (bool, error)
	IncrementRetryCount(ctx context.Context, id string) (int, error)
	// 获取各状态运行数量
	GetStatusCounts(ctx context.Context) (map[string]int64, error)
	// RecordStep 实现 step.Recorder
	RecordStep(ctx context.Context, runID string, s step.State) error
}

type runRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRunRepository(db *gorm.DB, logger *logrus.Logger) RunRepository {
	return &runRepo{db: db, logger: logger}
}

func (r *runRepo) Create(ctx context.Context, run *domain.PatchRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Omit("Steps").Create(run).Error
}

func (r *runRepo) Update(ctx context.Context, run *domain.PatchRun) error {
	// 步骤记录由 RecordStep 维护；should_stop 与 retry_count 只走原子更新
	err := r.db.WithContext(ctx).
		Model(run).
		Select("status", "failure_type", "error_message", "current_step",
			"work_dir", "output_path", "color_resource_id", "install_set", "log_path",
			"started_at", "completed_at").
		Updates(run).Error
	if err != nil {
		r.logger.WithError(err).WithField("run_id", run.ID).Error("Run update failed")
	}
	return err
}

func (r *runRepo) FindByID(ctx context.Context, id string) (*domain.PatchRun, error) {
	var run domain.PatchRun
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("group_order ASC, id ASC")
		}).
		First(&run, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepo) List(ctx context.Context, page, pageSize int, status string) ([]*domain.PatchRun, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	q := r.db.WithContext(ctx).Model(&domain.PatchRun{})
	if status != "" {
		q = q.Where("status = ?", status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var runs []*domain.PatchRun
	err := q.Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&runs).Error
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

func (r *runRepo) UpdateStatus(ctx context.Context, id string, status domain.RunStatus) error {
	return r.db.WithContext(ctx).
		Model(&domain.PatchRun{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (r *runRepo) UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.PatchRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.RunStatusFailed,
			"failure_type":  failureType,
			"error_message": errorMessage,
			"completed_at":  &now,
		}).Error
}

func (r *runRepo) MarkShouldStop(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).
		Model(&domain.PatchRun{}).
		Where("id = ?", id).
		Update("should_stop", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *runRepo) ShouldStop(ctx context.Context, id string) (bool, error) {
	var run domain.PatchRun
	err := r.db.WithContext(ctx).Select("should_stop").First(&run, "id = ?", id).Error
	if err != nil {
		return false, err
	}
	return run.ShouldStop, nil
}

func (r *runRepo) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	var count int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.PatchRun{}).
			Where("id = ?", id).
			Update("retry_count", gorm.Expr("retry_count + 1")).Error; err != nil {
			return err
		}
		var run domain.PatchRun
		if err := tx.Select("retry_count").First(&run, "id = ?", id).Error; err != nil {
			return err
		}
		count = run.RetryCount
		return nil
	})
	return count, err
}

func (r *runRepo) GetStatusCounts(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&domain.PatchRun{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func (r *runRepo) RecordStep(ctx context.Context, runID string, s step.State) error {
	rec := domain.StepRecord{
		RunID:      runID,
		Kind:       string(s.Kind),
		Name:       s.Name,
		GroupOrder: int(s.Group),
		Status:     string(s.Status),
		Error:      s.Error,
		Attempts:   s.Attempts,
		StartedAt:  optionalTime(s.StartedAt),
		FinishedAt: optionalTime(s.FinishedAt),
		DurationMs: s.Duration.Milliseconds(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "run_id"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "group_order", "status", "error", "attempts",
			"started_at", "finished_at", "duration_ms", "updated_at",
		}),
	}).Create(&rec).Error
	if err != nil {
		return err
	}

	if s.Status == step.StatusRunning {
		return r.db.WithContext(ctx).
			Model(&domain.PatchRun{}).
			Where("id = ?", runID).
			Update("current_step", string(s.Kind)).Error
	}
	return nil
}
