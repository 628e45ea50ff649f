package steps

import (
	"github.com/apk-analysis/apk-patcher-go/internal/step"
)

// Pipeline 完整的补丁流水线：下载主包与分包，替换图标，加入语言分包
func Pipeline(opts Options) []step.Step {
	return []step.Step{
		NewDownloadBaseStep(opts),
		NewDownloadLangStep(opts),
		NewDownloadResourcesStep(opts),
		NewDownloadLibsStep(opts),
		NewReplaceIconStep(opts),
		NewAddLocaleSplitStep(opts),
	}
}
