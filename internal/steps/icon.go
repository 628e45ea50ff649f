package steps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patcher-go/internal/archive"
	"github.com/apk-analysis/apk-patcher-go/internal/arsc"
	"github.com/apk-analysis/apk-patcher-go/internal/axml"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
	"github.com/apk-analysis/apk-patcher-go/internal/step"
)

const (
	manifestName = "AndroidManifest.xml"
	// adaptiveIconQualifier 自适应图标所在的配置
	adaptiveIconQualifier = "anydpi-v26"
)

// ReplaceIconStep 新增一个颜色资源，并把自适应图标的背景改为引用它
type ReplaceIconStep struct {
	opts Options
}

// NewReplaceIconStep 创建图标替换步骤
func NewReplaceIconStep(opts Options) *ReplaceIconStep {
	return &ReplaceIconStep{opts: opts}
}

func (s *ReplaceIconStep) Kind() step.Kind   { return step.KindReplaceIcon }
func (s *ReplaceIconStep) Group() step.Group { return step.GroupPatch }
func (s *ReplaceIconStep) Name() string      { return "Replace app icon" }

func (s *ReplaceIconStep) Run(ctx context.Context, r *step.Runner) (step.Artifact, error) {
	base, err := r.CompletedFile(step.KindDownloadBase)
	if err != nil {
		return step.Artifact{}, err
	}
	log := r.Logger().WithFields(logrus.Fields{"step": string(step.KindReplaceIcon), "target": base.Path})

	writes, colorID, err := s.patch(base.Path, log)
	if err != nil {
		return step.Artifact{}, err
	}

	names := make([]string, 0, len(writes))
	for name := range writes {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) > 0 {
		log.WithField("entries", names).Info("Writing patched entries")
		err = archive.Edit(base.Path, func(e *archive.Editor) error {
			for _, name := range names {
				if e.Has(name) {
					if err := e.ReplaceEntry(ctx, name, writes[name]); err != nil {
						return err
					}
					continue
				}
				if err := e.WriteEntry(ctx, name, writes[name]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return step.Artifact{}, err
		}
	} else {
		log.Info("Icons already patched, nothing to write")
	}

	return step.Artifact{Patch: &step.PatchArtifact{
		Target:    base.Path,
		Entries:   names,
		Resources: map[string]uint32{s.opts.ColorName: uint32(colorID)},
		Changed:   len(names) > 0,
	}}, nil
}

// patch 在内存中完成全部修改，返回需要写回的条目
func (s *ReplaceIconStep) patch(path string, log *logrus.Entry) (map[string][]byte, arsc.ResourceID, error) {
	zr, err := archive.OpenReader(path)
	if err != nil {
		return nil, 0, err
	}
	defer zr.Close()

	manifest, err := zr.Read(manifestName)
	if err != nil {
		return nil, 0, err
	}
	tableBytes, err := zr.Read(archive.ResourceTableName)
	if err != nil {
		return nil, 0, err
	}

	log.Info("Reading resources.arsc")
	table, err := arsc.Parse(tableBytes)
	if err != nil {
		return nil, 0, err
	}

	icons, err := axml.ReadIconAttributes(manifest)
	if err != nil {
		if !errors.Is(err, patcherr.ErrMissing) || icons.Icon == 0 {
			return nil, 0, err
		}
		log.WithError(err).Warn("Manifest has no round icon, patching square icon only")
	}

	var files []string
	for _, id := range []uint32{icons.Icon, icons.RoundIcon} {
		if id == 0 {
			continue
		}
		file, err := table.ResolveFileName(arsc.ResourceID(id), adaptiveIconQualifier)
		if err != nil {
			return nil, 0, fmt.Errorf("resolve icon %s: %w", arsc.ResourceID(id), err)
		}
		// 方形与圆形图标可能指向同一个文件
		if len(files) == 0 || files[0] != file {
			files = append(files, file)
		}
	}
	log.WithField("icons", files).Info("Patching icon assets")

	colorID, err := table.AddColorResource(s.opts.ColorName, s.opts.IconColor)
	if err != nil {
		return nil, 0, err
	}

	writes := make(map[string][]byte)
	postfix := s.opts.Channel.IconPostfix()
	for _, file := range files {
		ref := file
		if postfix != "" {
			ref = strings.Replace(file, "_"+postfix+".xml", ".xml", 1)
		}
		out, changed, err := patchIcon(zr, file, ref, uint32(colorID))
		if err != nil {
			return nil, 0, fmt.Errorf("patch %s: %w", file, err)
		}
		log.WithFields(logrus.Fields{"file": file, "reference": ref, "changed": changed}).Info("Patching adaptive icon")
		if changed {
			writes[file] = out
		}
	}

	if table.Modified() {
		log.Info("Writing and compiling resources.arsc")
		out, err := table.Serialize()
		if err != nil {
			return nil, 0, err
		}
		writes[archive.ResourceTableName] = out
	}
	return writes, colorID, nil
}

// patchIcon 修改 file 的背景；file 不存在时以 ref 为模板合成
func patchIcon(zr *archive.Reader, file, ref string, colorID uint32) ([]byte, bool, error) {
	synthesized := false
	data, err := zr.Read(file)
	if errors.Is(err, patcherr.ErrMissing) && ref != file {
		data, err = zr.Read(ref)
		synthesized = true
	}
	if err != nil {
		return nil, false, err
	}

	doc, err := axml.Parse(data)
	if err != nil {
		return nil, false, err
	}
	if synthesized {
		doc = doc.Clone()
	}
	changed, err := axml.PatchAdaptiveIconBackground(doc, colorID)
	if err != nil {
		return nil, false, err
	}
	if !changed && !synthesized {
		return nil, false, nil
	}
	out, err := doc.Serialize()
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}
