// Package step 定义补丁流水线的步骤抽象与顺序执行器
package step

import (
	"context"
	"fmt"
	"time"
)

// Kind 步骤类型，同一流水线内唯一
type Kind string

const (
	KindDownloadBase      Kind = "download_base"
	KindDownloadLang      Kind = "download_lang"
	KindDownloadResources Kind = "download_resources"
	KindDownloadLibs      Kind = "download_libs"
	KindReplaceIcon       Kind = "replace_icon"
	KindAddLocaleSplit    Kind = "add_locale_split"
)

// Group 步骤分组，按数值升序执行
type Group int

const (
	GroupDownload Group = iota
	GroupPatch
)

func (g Group) String() string {
	switch g {
	case GroupDownload:
		return "download"
	case GroupPatch:
		return "patch"
	default:
		return fmt.Sprintf("group(%d)", int(g))
	}
}

// Status 步骤状态
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Step 流水线步骤
type Step interface {
	Kind() Kind
	Group() Group
	Name() string
	Run(ctx context.Context, r *Runner) (Artifact, error)
}

// Skipper 可选接口：返回 true 时步骤被标记为 skipped 而不执行
type Skipper interface {
	Skip(r *Runner) (bool, string)
}

// Artifact 步骤产物，恰好一个字段非空
type Artifact struct {
	File  *FileArtifact
	Patch *PatchArtifact
	Split *SplitArtifact
}

// FileArtifact 下载步骤产物
type FileArtifact struct {
	Artifact  string `json:"artifact"`
	Version   string `json:"version"`
	CachePath string `json:"cache_path"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	FromCache bool   `json:"from_cache"`
}

// PatchArtifact 补丁步骤产物
type PatchArtifact struct {
	Target    string            `json:"target"`
	Entries   []string          `json:"entries"`
	Resources map[string]uint32 `json:"resources,omitempty"`
	Changed   bool              `json:"changed"`
}

// SplitArtifact 分包步骤产物
type SplitArtifact struct {
	Path       string   `json:"path"`
	Locale     string   `json:"locale"`
	InstallSet []string `json:"install_set"`
}

// Paths 产物引用的工作文件，任何一个缺失都意味着产物失效；空路径不计入
func (a Artifact) Paths() []string {
	var all []string
	switch {
	case a.File != nil:
		all = []string{a.File.Path}
	case a.Patch != nil:
		all = []string{a.Patch.Target}
	case a.Split != nil:
		all = append([]string{a.Split.Path}, a.Split.InstallSet...)
	}
	paths := all[:0]
	for _, p := range all {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

// Empty 是否没有任何产物
func (a Artifact) Empty() bool { return a.File == nil && a.Patch == nil && a.Split == nil }

// State 步骤状态快照
type State struct {
	Kind       Kind          `json:"kind"`
	Name       string        `json:"name"`
	Group      Group         `json:"group"`
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// StepError 步骤失败
type StepError struct {
	Kind Kind
	Name string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s (%s): %v", e.Name, e.Kind, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// Recorder 持久化步骤状态变化
type Recorder interface {
	RecordStep(ctx context.Context, runID string, s State) error
}

// Observer 接收步骤指标
type Observer interface {
	ObserveStep(kind Kind, status Status, d time.Duration)
}
