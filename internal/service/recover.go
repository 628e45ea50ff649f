package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/repository"
)

const recoverPageSize = 100

// RecoverRuns 服务启动时恢复运行：上次中断的 running 重置为 queued，再重新投递全部 queued
func RecoverRuns(ctx context.Context, repo repository.RunRepository, dispatch func(runID string) error, logger *logrus.Logger) (int, error) {
	stuck, err := collectRunIDs(ctx, repo, domain.RunStatusRunning)
	if err != nil {
		return 0, err
	}
	for _, id := range stuck {
		if err := repo.UpdateStatus(ctx, id, domain.RunStatusQueued); err != nil {
			logger.WithError(err).WithField("run_id", id).Warn("Failed to reset interrupted run")
			continue
		}
		logger.WithField("run_id", id).Info("Interrupted run reset to queued")
	}

	queued, err := collectRunIDs(ctx, repo, domain.RunStatusQueued)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, id := range queued {
		if err := dispatch(id); err != nil {
			logger.WithError(err).WithField("run_id", id).Warn("Failed to dispatch queued run")
			continue
		}
		dispatched++
	}

	if len(stuck) > 0 || dispatched > 0 {
		logger.WithFields(logrus.Fields{
			"interrupted": len(stuck),
			"dispatched":  dispatched,
			"queued":      len(queued),
		}).Info("🔄 Recovered runs from previous service run")
	}
	return dispatched, nil
}

// collectRunIDs 先收集全部 ID，避免边改状态边分页漏掉记录
func collectRunIDs(ctx context.Context, repo repository.RunRepository, status domain.RunStatus) ([]string, error) {
	var ids []string
	for page := 1; ; page++ {
		runs, total, err := repo.List(ctx, page, recoverPageSize, string(status))
		if err != nil {
			return nil, err
		}
		for _, run := range runs {
			ids = append(ids, run.ID)
		}
		if len(runs) == 0 || int64(len(ids)) >= total {
			return ids, nil
		}
	}
}
