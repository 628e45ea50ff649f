package steps

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patcher-go/internal/archive"
	"github.com/apk-analysis/apk-patcher-go/internal/axml"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
	"github.com/apk-analysis/apk-patcher-go/internal/step"
)

// AddLocaleSplitStep 校验语言分包与主包匹配，并发布安装集合（主包 + 各分包）
type AddLocaleSplitStep struct {
	opts Options
}

// NewAddLocaleSplitStep 创建语言分包步骤
func NewAddLocaleSplitStep(opts Options) *AddLocaleSplitStep {
	return &AddLocaleSplitStep{opts: opts}
}

func (s *AddLocaleSplitStep) Kind() step.Kind   { return step.KindAddLocaleSplit }
func (s *AddLocaleSplitStep) Group() step.Group { return step.GroupPatch }
func (s *AddLocaleSplitStep) Name() string      { return "Add locale split" }

func (s *AddLocaleSplitStep) Run(ctx context.Context, r *step.Runner) (step.Artifact, error) {
	base, err := r.CompletedFile(step.KindDownloadBase)
	if err != nil {
		return step.Artifact{}, err
	}
	lang, err := r.CompletedFile(step.KindDownloadLang)
	if err != nil {
		return step.Artifact{}, err
	}
	want := s.opts.LocaleSplit()
	log := r.Logger().WithFields(logrus.Fields{"step": string(step.KindAddLocaleSplit), "split": want})

	baseInfo, err := readManifest(base.Path)
	if err != nil {
		return step.Artifact{}, fmt.Errorf("base package: %w", err)
	}
	splitInfo, err := readManifest(lang.Path)
	if err != nil {
		return step.Artifact{}, fmt.Errorf("locale split: %w", err)
	}

	if splitInfo.Split != want {
		return step.Artifact{}, fmt.Errorf("%w: split declares %q, want %q", patcherr.ErrMalformed, splitInfo.Split, want)
	}
	if splitInfo.Package != baseInfo.Package {
		return step.Artifact{}, fmt.Errorf("%w: split package %q does not match base %q",
			patcherr.ErrMalformed, splitInfo.Package, baseInfo.Package)
	}

	set := []string{base.Path, lang.Path}
	for _, kind := range []step.Kind{step.KindDownloadResources, step.KindDownloadLibs} {
		if !r.Has(kind) {
			continue
		}
		f, err := r.CompletedFile(kind)
		if errors.Is(err, patcherr.ErrNotReady) {
			// 被跳过的分包不参与安装
			continue
		}
		if err != nil {
			return step.Artifact{}, err
		}
		set = append(set, f.Path)
	}

	if err := ctx.Err(); err != nil {
		return step.Artifact{}, err
	}
	log.WithFields(logrus.Fields{"package": baseInfo.Package, "install_set": len(set)}).Info("Locale split added")

	return step.Artifact{Split: &step.SplitArtifact{
		Path:       lang.Path,
		Locale:     s.opts.Locale.String(),
		InstallSet: set,
	}}, nil
}

func readManifest(path string) (axml.ManifestInfo, error) {
	data, err := archive.ReadEntry(path, manifestName)
	if err != nil {
		return axml.ManifestInfo{}, err
	}
	return axml.ReadManifestInfo(data)
}
