package axml

import (
	"fmt"

	"github.com/apk-analysis/apk-patcher-go/internal/chunk"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

// android 属性资源 id
const (
	AttrIcon        uint32 = 0x01010002
	AttrVersionCode uint32 = 0x0101021b
	AttrVersionName uint32 = 0x0101021c
	AttrDrawable    uint32 = 0x01010199
	AttrRoundIcon   uint32 = 0x0101052c
)

// IconAttributes <application> 上的图标引用
type IconAttributes struct {
	Icon      uint32
	RoundIcon uint32
}

// ManifestInfo 清单中与分包安装相关的信息
type ManifestInfo struct {
	Package     string
	Split       string
	VersionCode uint32
	VersionName string
}

func (d *Document) referenceAttr(elem int, resID uint32) (uint32, bool) {
	i, ok := d.AttributeByID(elem, resID)
	if !ok {
		return 0, false
	}
	v := d.Nodes[elem].Attrs[i].Value
	if v.Type != chunk.ValueReference || v.Data == 0 {
		return 0, false
	}
	return v.Data, true
}

// ReadIconAttributes 读取 android:icon 与 android:roundIcon
// 缺少 roundIcon 时仍返回 icon，同时返回 ErrMissing，由调用方决定是否降级
func ReadIconAttributes(manifest []byte) (IconAttributes, error) {
	doc, err := Parse(manifest)
	if err != nil {
		return IconAttributes{}, err
	}
	apps := doc.Elements("application")
	if len(apps) == 0 {
		return IconAttributes{}, fmt.Errorf("%w: manifest has no <application>", patcherr.ErrMissing)
	}
	app := apps[0]

	var attrs IconAttributes
	icon, ok := doc.referenceAttr(app, AttrIcon)
	if !ok {
		return IconAttributes{}, fmt.Errorf("%w: <application> has no android:icon reference", patcherr.ErrMissing)
	}
	attrs.Icon = icon

	round, ok := doc.referenceAttr(app, AttrRoundIcon)
	if !ok {
		return attrs, fmt.Errorf("%w: <application> has no android:roundIcon reference", patcherr.ErrMissing)
	}
	attrs.RoundIcon = round
	return attrs, nil
}

// ReadManifestInfo 读取包名、split 名与版本
func ReadManifestInfo(manifest []byte) (ManifestInfo, error) {
	doc, err := Parse(manifest)
	if err != nil {
		return ManifestInfo{}, err
	}
	roots := doc.Elements("manifest")
	if len(roots) == 0 {
		return ManifestInfo{}, fmt.Errorf("%w: document has no <manifest>", patcherr.ErrMissing)
	}
	m := roots[0]

	var info ManifestInfo
	info.Package, _ = doc.AttributeString(m, "package")
	info.Split, _ = doc.AttributeString(m, "split")
	if i, ok := doc.AttributeByID(m, AttrVersionCode); ok {
		info.VersionCode = doc.Nodes[m].Attrs[i].Value.Data
	}
	if i, ok := doc.AttributeByID(m, AttrVersionName); ok {
		a := doc.Nodes[m].Attrs[i]
		if a.Value.Type == chunk.ValueString {
			info.VersionName = doc.String(a.Value.Data)
		}
	}
	if info.Package == "" {
		return info, fmt.Errorf("%w: <manifest> has no package attribute", patcherr.ErrMissing)
	}
	return info, nil
}

// PatchAdaptiveIconBackground 把 <adaptive-icon><background android:drawable> 指向 colorID
// 已经指向 colorID 时不做修改并返回 false
func PatchAdaptiveIconBackground(doc *Document, colorID uint32) (bool, error) {
	var target []int
	for _, bg := range doc.Elements("background") {
		parent := doc.Nodes[bg].Parent
		if parent != NoParent && doc.ElementName(parent) == "adaptive-icon" {
			target = append(target, bg)
		}
	}
	if len(target) == 0 {
		return false, fmt.Errorf("%w: document has no <adaptive-icon><background>", patcherr.ErrMissing)
	}

	changed := false
	want := chunk.Value{Type: chunk.ValueReference, Data: colorID}
	for _, bg := range target {
		i, ok := doc.AttributeByID(bg, AttrDrawable)
		if !ok {
			return false, fmt.Errorf("%w: <background> has no android:drawable", patcherr.ErrMissing)
		}
		if doc.Nodes[bg].Attrs[i].Value == want {
			continue
		}
		doc.SetAttributeValue(bg, i, want)
		changed = true
	}
	return changed, nil
}
