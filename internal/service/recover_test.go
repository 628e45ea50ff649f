package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
)

func runsWithIDs(prefix string, n int) []*domain.PatchRun {
	runs := make([]*domain.PatchRun, n)
	for i := range runs {
		runs[i] = &domain.PatchRun{ID: fmt.Sprintf("%s-%d", prefix, i)}
	}
	return runs
}

// TestRecoverRuns 测试重置中断运行并重新投递
func TestRecoverRuns(t *testing.T) {
	repo := new(MockRunRepository)
	ctx := context.Background()

	repo.On("List", ctx, 1, recoverPageSize, "running").Return(runsWithIDs("running", 2), int64(2), nil)
	repo.On("UpdateStatus", ctx, "running-0", domain.RunStatusQueued).Return(nil)
	repo.On("UpdateStatus", ctx, "running-1", domain.RunStatusQueued).Return(errors.New("locked"))

	// queued 跨两页
	first := append(runsWithIDs("queued", recoverPageSize-1), &domain.PatchRun{ID: "running-0"})
	repo.On("List", ctx, 1, recoverPageSize, "queued").Return(first, int64(recoverPageSize+1), nil)
	repo.On("List", ctx, 2, recoverPageSize, "queued").Return([]*domain.PatchRun{{ID: "late"}}, int64(recoverPageSize+1), nil)

	var dispatched []string
	n, err := RecoverRuns(ctx, repo, func(runID string) error {
		if runID == "late" {
			return errors.New("queue full")
		}
		dispatched = append(dispatched, runID)
		return nil
	}, testLogger())
	require.NoError(t, err)

	assert.Equal(t, recoverPageSize, n)
	assert.Contains(t, dispatched, "running-0")
	assert.NotContains(t, dispatched, "late")
	repo.AssertExpectations(t)
}

// TestRecoverRuns_ListError 测试查询失败
func TestRecoverRuns_ListError(t *testing.T) {
	repo := new(MockRunRepository)
	repo.On("List", mock.Anything, 1, recoverPageSize, "running").Return(nil, int64(0), errors.New("db down"))

	n, err := RecoverRuns(context.Background(), repo, func(string) error {
		t.Fatal("nothing should be dispatched")
		return nil
	}, testLogger())
	assert.Error(t, err)
	assert.Zero(t, n)
}

// TestRecoverRuns_Empty 测试没有需要恢复的运行
func TestRecoverRuns_Empty(t *testing.T) {
	repo := new(MockRunRepository)
	repo.On("List", mock.Anything, 1, recoverPageSize, mock.Anything).Return([]*domain.PatchRun{}, int64(0), nil)

	n, err := RecoverRuns(context.Background(), repo, func(string) error { return nil }, testLogger())
	assert.NoError(t, err)
	assert.Zero(t, n)
	repo.AssertNumberOfCalls(t, "List", 2)
}
