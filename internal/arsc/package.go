package arsc

import (
	"fmt"

	"github.com/apk-analysis/apk-patcher-go/internal/chunk"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

// ResourceID 资源 id：0xPPTTEEEE
type ResourceID uint32

// NewResourceID 由包、类型、条目下标组合资源 id
func NewResourceID(pkg, typ uint8, entry uint16) ResourceID {
	return ResourceID(uint32(pkg)<<24 | uint32(typ)<<16 | uint32(entry))
}

func (id ResourceID) Package() uint8 { return uint8(id >> 24) }

func (id ResourceID) Type() uint8 { return uint8(id >> 16) }

func (id ResourceID) Entry() uint16 { return uint16(id) }

func (id ResourceID) String() string { return fmt.Sprintf("0x%08x", uint32(id)) }

// Package 资源包视图
type Package struct {
	t *Table
	h Handle
}

// Handle 包 chunk 下标
func (p *Package) Handle() Handle { return p.h }

// ID 包 id，应用包通常为 0x7f
func (p *Package) ID() uint32 { return p.info().id }

// Name 包名
func (p *Package) Name() string { return p.info().name }

func (p *Package) info() *packageInfo { return p.t.nodes[p.h].pkg }

// TypePool 类型名字符串池
func (p *Package) TypePool() (*chunk.StringPool, error) {
	if p.info().typePool == NoHandle {
		return nil, fmt.Errorf("%w: package %s has no type string pool", patcherr.ErrMissing, p.Name())
	}
	return p.t.nodes[p.info().typePool].pool, nil
}

// KeyPool 资源名字符串池
func (p *Package) KeyPool() (*chunk.StringPool, error) {
	if p.info().keyPool == NoHandle {
		return nil, fmt.Errorf("%w: package %s has no key string pool", patcherr.ErrMissing, p.Name())
	}
	return p.t.nodes[p.info().keyPool].pool, nil
}

// TypeID 类型名对应的 id（类型池下标 + 1）
func (p *Package) TypeID(name string) (uint8, bool) {
	pool, err := p.TypePool()
	if err != nil {
		return 0, false
	}
	idx, ok := pool.Index(name)
	if !ok || idx >= 0xff {
		return 0, false
	}
	return uint8(idx + 1), true
}

// TypeSpec 返回类型规格
func (p *Package) TypeSpec(id uint8) (*TypeSpec, bool) {
	h := p.specHandle(id)
	if h == NoHandle {
		return nil, false
	}
	return p.t.nodes[h].spec, true
}

func (p *Package) specHandle(id uint8) Handle {
	for _, c := range p.t.nodes[p.h].children {
		if s := p.t.nodes[c].spec; s != nil && s.ID == id {
			return c
		}
	}
	return NoHandle
}

// Types 返回类型 id 的所有配置 chunk，按出现顺序
func (p *Package) Types(id uint8) []*TypeChunk {
	var out []*TypeChunk
	for _, c := range p.t.nodes[p.h].children {
		if tc := p.t.nodes[c].tchunk; tc != nil && tc.ID == id {
			out = append(out, tc)
		}
	}
	return out
}

// EntryName 条目的资源名
func (p *Package) EntryName(e *Entry) (string, error) {
	pool, err := p.KeyPool()
	if err != nil {
		return "", err
	}
	return pool.Get(e.Key)
}

// ensureType 确保类型名存在于类型池，返回类型 id
func (p *Package) ensureType(name string) (uint8, error) {
	if id, ok := p.TypeID(name); ok {
		return id, nil
	}
	pool, err := p.TypePool()
	if err != nil {
		return 0, err
	}
	idx := pool.Add(name)
	if idx >= 0xff {
		return 0, fmt.Errorf("%w: package %s has no free type id for %q", patcherr.ErrMalformed, p.Name(), name)
	}
	return uint8(idx + 1), nil
}

// ensureTypeSpec 确保类型规格存在，新建时追加到包末尾
func (p *Package) ensureTypeSpec(id uint8) Handle {
	if h := p.specHandle(id); h != NoHandle {
		return h
	}
	spec := &TypeSpec{ID: id, modified: true}
	return p.t.insert(p.h, -1, node{typ: chunk.TypeTableTypeSpec, spec: spec})
}

// ensureDefaultType 确保默认配置的类型 chunk 存在，新建时紧跟在规格之后
func (p *Package) ensureDefaultType(id uint8, specH Handle) *TypeChunk {
	cfgSize := uint32(DefaultConfigSize)
	for _, tc := range p.Types(id) {
		if tc.Config.IsDefault() {
			return tc
		}
	}
	for _, c := range p.t.nodes[p.h].children {
		if tc := p.t.nodes[c].tchunk; tc != nil {
			cfgSize = tc.Config.Size
			break
		}
	}

	at := -1
	for i, c := range p.t.nodes[p.h].children {
		if c == specH {
			at = i + 1
		}
	}
	tc := newTypeChunk(id, NewDefaultConfig(cfgSize))
	p.t.insert(p.h, at, node{typ: chunk.TypeTableType, tchunk: tc})

	spec := p.t.nodes[specH].spec
	if spec.TypesCount > 0 || len(p.Types(id)) == 1 {
		spec.TypesCount++
		spec.modified = true
	}
	return tc
}
