package domain

import (
	"context"
	"errors"
	"time"

	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Finished 是否处于终态
func (s RunStatus) Finished() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// RunSource 运行来源
type RunSource string

const (
	RunSourceAPI     RunSource = "api"
	RunSourceQueue   RunSource = "queue"
	RunSourceWatcher RunSource = "watcher"
	RunSourceCLI     RunSource = "cli"
)

// FailureType 失败类型
type FailureType string

const (
	FailureTypeNone             FailureType = ""                  // 无失败（成功或进行中）
	FailureTypeTransfer         FailureType = "transfer_error"    // 下载或磁盘传输失败（正常-可重试）
	FailureTypeMalformed        FailureType = "malformed_input"   // 资源表/XML/归档格式错误（警告-输入问题）
	FailureTypeMissing          FailureType = "missing_structure" // 期望的资源或属性不存在（警告-输入问题）
	FailureTypeDependency       FailureType = "dependency_error"  // 依赖步骤未完成（异常-流水线问题）
	FailureTypeArchiveIntegrity FailureType = "archive_integrity" // 归档写入失败，工作副本不可用（异常）
	FailureTypeCancelled        FailureType = "cancelled"         // 用户取消（正常）
	FailureTypeUnknown          FailureType = "unknown"           // 未知错误（异常）
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"  // 正常（可重试或主动取消）
	FailureSeverityWarning FailureSeverity = "warning" // 警告（需要关注）
	FailureSeverityError   FailureSeverity = "error"   // 错误（需要排查）
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone, FailureTypeTransfer, FailureTypeCancelled:
		return FailureSeverityNormal
	case FailureTypeMalformed, FailureTypeMissing:
		return FailureSeverityWarning
	default:
		return FailureSeverityError
	}
}

// GetDisplayName 获取失败类型的中文显示名称
func (ft FailureType) GetDisplayName() string {
	switch ft {
	case FailureTypeNone:
		return ""
	case FailureTypeTransfer:
		return "传输失败"
	case FailureTypeMalformed:
		return "格式错误"
	case FailureTypeMissing:
		return "结构缺失"
	case FailureTypeDependency:
		return "依赖未完成"
	case FailureTypeArchiveIntegrity:
		return "归档损坏"
	case FailureTypeCancelled:
		return "已取消"
	default:
		return "未知错误"
	}
}

// GetMaxRetryCount 获取失败类型对应的最大重试次数，0 表示不重试
func (ft FailureType) GetMaxRetryCount() int {
	switch ft {
	case FailureTypeTransfer:
		return 3
	case FailureTypeArchiveIntegrity, FailureTypeUnknown:
		// 丢弃工作副本后从缓存重来一次
		return 1
	default:
		return 0
	}
}

// CanRetry 检查失败类型是否可以重试
func (ft FailureType) CanRetry() bool {
	return ft.GetMaxRetryCount() > 0
}

// ClassifyFailure 把流水线错误映射为失败类型
func ClassifyFailure(err error) FailureType {
	switch {
	case err == nil:
		return FailureTypeNone
	case errors.Is(err, patcherr.ErrCanceled), errors.Is(err, context.Canceled):
		return FailureTypeCancelled
	case errors.Is(err, patcherr.ErrArchiveIntegrity):
		return FailureTypeArchiveIntegrity
	case errors.Is(err, patcherr.ErrTransfer), errors.Is(err, context.DeadlineExceeded):
		return FailureTypeTransfer
	case errors.Is(err, patcherr.ErrMalformed):
		return FailureTypeMalformed
	case errors.Is(err, patcherr.ErrMissing):
		return FailureTypeMissing
	case errors.Is(err, patcherr.ErrNotReady):
		return FailureTypeDependency
	default:
		return FailureTypeUnknown
	}
}

// PatchRun 一次补丁运行
type PatchRun struct {
	ID           string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Source       RunSource   `gorm:"type:varchar(20);not null;default:'api'" json:"source"`
	Version      string      `gorm:"type:varchar(64);not null;index:idx_version" json:"version"`
	Channel      string      `gorm:"type:varchar(20);not null" json:"channel"`
	Locale       string      `gorm:"type:varchar(35)" json:"locale"`
	Density      string      `gorm:"type:varchar(20)" json:"density,omitempty"`
	ABI          string      `gorm:"type:varchar(20)" json:"abi,omitempty"`
	ColorName    string      `gorm:"type:varchar(255)" json:"color_name"`
	IconColor    string      `gorm:"type:varchar(9)" json:"icon_color"`
	Status       RunStatus   `gorm:"type:varchar(20);not null;default:'queued';index:idx_status" json:"status"`
	ShouldStop   bool        `gorm:"default:false" json:"should_stop"`
	FailureType  FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage string      `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount   int         `gorm:"default:0" json:"retry_count"`
	CurrentStep  string      `gorm:"type:varchar(64)" json:"current_step,omitempty"`

	WorkDir         string `gorm:"type:varchar(1024)" json:"work_dir,omitempty"`
	OutputPath      string `gorm:"type:varchar(1024)" json:"output_path,omitempty"`
	ColorResourceID uint32 `json:"color_resource_id,omitempty"`
	InstallSet      string `gorm:"type:text" json:"install_set,omitempty"` // JSON 数组
	LogPath         string `gorm:"type:varchar(1024)" json:"log_path,omitempty"`

	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Steps []StepRecord `gorm:"foreignKey:RunID;references:ID" json:"steps,omitempty"`
}

func (PatchRun) TableName() string {
	return "patch_runs"
}

// StepRecord 步骤状态记录，每个 (run, kind) 一行
type StepRecord struct {
	ID         uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID      string     `gorm:"type:varchar(36);uniqueIndex:uk_run_kind;not null" json:"run_id"`
	Kind       string     `gorm:"type:varchar(32);uniqueIndex:uk_run_kind;not null" json:"kind"`
	Name       string     `gorm:"type:varchar(255)" json:"name"`
	GroupOrder int        `json:"group"`
	Status     string     `gorm:"type:varchar(20);not null" json:"status"`
	Error      string     `gorm:"type:text" json:"error,omitempty"`
	Attempts   int        `json:"attempts"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (StepRecord) TableName() string {
	return "patch_run_steps"
}
