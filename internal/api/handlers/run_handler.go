package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
	"github.com/apk-analysis/apk-patcher-go/internal/service"
	"github.com/apk-analysis/apk-patcher-go/internal/utils"
)

// Dispatcher 把新建的运行交给执行方（本地 worker 池或消息队列）
type Dispatcher func(runID string) error

// RunHandler 补丁运行处理器
type RunHandler struct {
	svc      service.PatchService
	dispatch Dispatcher
	logger   *logrus.Logger
}

// NewRunHandler 创建运行处理器
func NewRunHandler(svc service.PatchService, dispatch Dispatcher, logger *logrus.Logger) *RunHandler {
	return &RunHandler{svc: svc, dispatch: dispatch, logger: logger}
}

// RunResponse 运行详情
type RunResponse struct {
	*domain.PatchRun
	InstallFiles    []string `json:"install_files,omitempty"`
	ColorResourceID string   `json:"color_resource_id,omitempty"`
	FailureName     string   `json:"failure_name,omitempty"`
	FailureSeverity string   `json:"failure_severity,omitempty"`
}

func toResponse(run *domain.PatchRun) RunResponse {
	resp := RunResponse{PatchRun: run}
	if run.InstallSet != "" {
		_ = json.Unmarshal([]byte(run.InstallSet), &resp.InstallFiles)
	}
	if run.ColorResourceID != 0 {
		resp.ColorResourceID = "0x" + strconv.FormatUint(uint64(run.ColorResourceID), 16)
	}
	if run.FailureType != domain.FailureTypeNone {
		resp.FailureName = run.FailureType.GetDisplayName()
		resp.FailureSeverity = string(run.FailureType.GetSeverity())
	}
	return resp
}

// CreateRun 提交补丁运行
// POST /api/runs
func (h *RunHandler) CreateRun(c *gin.Context) {
	var req service.PatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}
	req.Source = domain.RunSourceAPI

	run, err := h.svc.Submit(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, patcherr.ErrMalformed) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.logger.WithError(err).Error("Failed to submit run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建运行失败"})
		return
	}

	if h.dispatch != nil {
		if err := h.dispatch(run.ID); err != nil {
			// 运行已入库为 queued，服务重启时会重新加载
			h.logger.WithError(err).WithField("run_id", run.ID).Warn("Failed to dispatch run")
			c.JSON(http.StatusAccepted, gin.H{
				"run":     toResponse(run),
				"warning": "运行已创建，但暂时无法投递: " + err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusAccepted, gin.H{"run": toResponse(run)})
}

// ListRuns 获取运行列表
// GET /api/runs?page=1&page_size=20&status=failed
func (h *RunHandler) ListRuns(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	// 限制最大每页数量，防止过大的查询
	if pageSize > 100 {
		pageSize = 100
	}

	runs, total, err := h.svc.ListRuns(c.Request.Context(), page, pageSize, c.Query("status"))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取运行列表失败"})
		return
	}

	items := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		items = append(items, toResponse(run))
	}
	c.JSON(http.StatusOK, gin.H{
		"runs":      items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// GetRun 获取运行详情（含步骤）
// GET /api/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	run, ok := h.findRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toResponse(run))
}

// StopRun 停止运行
// POST /api/runs/:id/stop
func (h *RunHandler) StopRun(c *gin.Context) {
	runID := c.Param("id")

	err := h.svc.CancelRun(c.Request.Context(), runID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "运行已标记为停止",
		})
	case errors.Is(err, service.ErrRunFinished):
		c.JSON(http.StatusConflict, gin.H{"error": "运行已结束"})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "运行不存在"})
	default:
		h.logger.WithError(err).WithField("run_id", runID).Error("Failed to stop run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "停止运行失败"})
	}
}

// GetRunLogs 读取已结束运行的日志文件
// GET /api/runs/:id/logs
func (h *RunHandler) GetRunLogs(c *gin.Context) {
	run, ok := h.findRun(c)
	if !ok {
		return
	}
	if run.LogPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "运行日志尚未生成"})
		return
	}

	lines, err := utils.ReadRunLog(run.LogPath)
	if err != nil {
		h.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to read run log")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "读取运行日志失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id": run.ID,
		"lines":  lines,
	})
}

// GetStats 各状态运行数量
// GET /api/stats
func (h *RunHandler) GetStats(c *gin.Context) {
	counts, err := h.svc.GetStatusCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get status counts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取统计失败"})
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{
		"total":     total,
		"by_status": counts,
	})
}

func (h *RunHandler) findRun(c *gin.Context) (*domain.PatchRun, bool) {
	runID := c.Param("id")
	run, err := h.svc.GetRun(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "运行不存在"})
		} else {
			h.logger.WithError(err).WithField("run_id", runID).Error("Failed to get run")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "获取运行失败"})
		}
		return nil, false
	}
	return run, true
}
