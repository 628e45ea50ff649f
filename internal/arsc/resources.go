package arsc

import (
	"fmt"

	"github.com/apk-analysis/apk-patcher-go/internal/chunk"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

// ColorType 颜色资源的类型名
const ColorType = "color"

// ResolveFileName 返回资源 id 在指定配置下引用的文件路径
// qualifier 为 aapt 限定符，例如 "anydpi-v26"；默认配置为空串
func (t *Table) ResolveFileName(id ResourceID, qualifier string) (string, error) {
	pkg, err := t.LocatePackageChunk()
	if err != nil {
		return "", err
	}
	if uint32(id.Package()) != pkg.ID() {
		return "", fmt.Errorf("%w: resource %s not in package 0x%02x", patcherr.ErrMissing, id, pkg.ID())
	}
	strs, err := t.StringPool()
	if err != nil {
		return "", err
	}

	for _, tc := range pkg.Types(id.Type()) {
		if tc.Config.String() != qualifier {
			continue
		}
		e, ok, err := tc.Entry(uint32(id.Entry()))
		if err != nil {
			return "", fmt.Errorf("resource %s: %w", id, err)
		}
		if !ok {
			continue
		}
		if e.Complex() || e.Value.Type != chunk.ValueString {
			return "", fmt.Errorf("%w: resource %s [%s] holds %s, not a file path",
				patcherr.ErrMissing, id, qualifier, e.Value)
		}
		return strs.Get(e.Value.Data)
	}
	return "", fmt.Errorf("%w: resource %s has no value for configuration %q", patcherr.ErrMissing, id, qualifier)
}

// AddColorResource 在默认配置下新增颜色资源并返回其 id
// 同名同值再次调用返回相同 id 且不做任何修改；同名不同值覆盖原值
func (t *Table) AddColorResource(name string, argb uint32) (ResourceID, error) {
	pkg, err := t.LocatePackageChunk()
	if err != nil {
		return 0, err
	}
	if pkg.ID() > 0xff {
		return 0, fmt.Errorf("%w: package id 0x%x", patcherr.ErrMalformed, pkg.ID())
	}
	keys, err := pkg.KeyPool()
	if err != nil {
		return 0, err
	}
	value := chunk.Value{Type: chunk.ValueIntColorARGB8, Data: argb}

	typeID, err := pkg.ensureType(ColorType)
	if err != nil {
		return 0, err
	}
	specH := pkg.ensureTypeSpec(typeID)
	spec := t.nodes[specH].spec
	def := pkg.ensureDefaultType(typeID, specH)

	if key, ok := keys.Index(name); ok {
		entries, err := def.Entries()
		if err != nil {
			return 0, err
		}
		for _, e := range entries {
			if e.Key != key {
				continue
			}
			id := NewResourceID(uint8(pkg.ID()), typeID, uint16(e.Index))
			if e.Value == value {
				return id, nil
			}
			if err := def.setValue(e, value); err != nil {
				return 0, fmt.Errorf("overwrite %s/%s: %w", ColorType, name, err)
			}
			return id, nil
		}
	}

	index := uint32(len(spec.Flags))
	if index > 0xffff {
		return 0, fmt.Errorf("%w: type %s is full", patcherr.ErrMalformed, ColorType)
	}
	key := keys.Add(name)
	if err := def.appendEntry(index, key, value); err != nil {
		return 0, err
	}
	spec.Flags = append(spec.Flags, 0)
	spec.modified = true
	return NewResourceID(uint8(pkg.ID()), typeID, uint16(index)), nil
}
