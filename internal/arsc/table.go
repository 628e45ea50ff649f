// Package arsc 实现 resources.arsc 资源表的解析、修改与序列化
//
// 表被解析为扁平的 chunk 数组，每个 chunk 只保存父节点下标和有序的子节点下标。
// 未被修改的 chunk 序列化时原样写回，修改过的 chunk 自底向上重新计算长度。
package arsc

import (
	"fmt"

	"github.com/apk-analysis/apk-patcher-go/internal/chunk"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

// Handle chunk 在表内的下标
type Handle int

// NoHandle 空下标
const NoHandle Handle = -1

// 容器头长度
const (
	tableHeaderSize   = 12
	packageHeaderSize = 284

	pkgOffID          = 8
	pkgOffName        = 12
	pkgOffTypeStrings = 268
	pkgOffKeyStrings  = 276
)

type node struct {
	typ      uint16
	parent   Handle
	children []Handle

	// raw 解析时的完整 chunk 字节；新建的 chunk 为 nil
	raw []byte
	// header 容器 chunk 的头部（不含 8 字节基础头）
	header []byte
	dirty  bool

	pool   *chunk.StringPool
	pkg    *packageInfo
	spec   *TypeSpec
	tchunk *TypeChunk
}

type packageInfo struct {
	id       uint32
	name     string
	typePool Handle
	keyPool  Handle
}

// Table 资源表
type Table struct {
	nodes []node
	roots []Handle
}

// Parse 解析资源表
func Parse(data []byte) (*Table, error) {
	t := &Table{}
	err := chunk.Walk(data, 0, func(h chunk.Header, raw []byte) error {
		hd, err := t.parseNode(h, raw, NoHandle)
		if err != nil {
			return err
		}
		t.roots = append(t.roots, hd)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse resource table: %w", err)
	}
	if len(t.roots) == 0 {
		return nil, fmt.Errorf("parse resource table: %w: empty input", patcherr.ErrMalformed)
	}
	return t, nil
}

func (t *Table) add(n node) Handle {
	t.nodes = append(t.nodes, n)
	return Handle(len(t.nodes) - 1)
}

func (t *Table) parseNode(h chunk.Header, raw []byte, parent Handle) (Handle, error) {
	hd := t.add(node{typ: h.Type, parent: parent, raw: raw})

	switch h.Type {
	case chunk.TypeTable:
		if h.HeaderSize < tableHeaderSize {
			return NoHandle, fmt.Errorf("%w: table header size %d", patcherr.ErrMalformed, h.HeaderSize)
		}
		t.nodes[hd].header = raw[chunk.HeaderSize:h.HeaderSize]
		if err := t.parseChildren(hd, raw, int(h.HeaderSize)); err != nil {
			return NoHandle, err
		}

	case chunk.TypeTablePackage:
		if h.HeaderSize < packageHeaderSize {
			return NoHandle, fmt.Errorf("%w: package header size %d", patcherr.ErrMalformed, h.HeaderSize)
		}
		t.nodes[hd].header = raw[chunk.HeaderSize:h.HeaderSize]
		info := &packageInfo{typePool: NoHandle, keyPool: NoHandle}
		info.id, _ = chunk.U32(raw, pkgOffID)
		info.name = decodePackageName(raw[pkgOffName:pkgOffTypeStrings])
		typeStrings, _ := chunk.U32(raw, pkgOffTypeStrings)
		keyStrings, _ := chunk.U32(raw, pkgOffKeyStrings)
		t.nodes[hd].pkg = info

		off := uint32(h.HeaderSize)
		err := chunk.Walk(raw, int(h.HeaderSize), func(ch chunk.Header, craw []byte) error {
			at := off
			off += ch.Size
			child, err := t.parseNode(ch, craw, hd)
			if err != nil {
				return err
			}
			t.nodes[hd].children = append(t.nodes[hd].children, child)
			if ch.Type == chunk.TypeStringPool {
				switch at {
				case typeStrings:
					info.typePool = child
				case keyStrings:
					info.keyPool = child
				}
			}
			return nil
		})
		if err != nil {
			return NoHandle, fmt.Errorf("package 0x%02x: %w", info.id, err)
		}

	case chunk.TypeStringPool:
		pool, err := chunk.ParseStringPool(raw)
		if err != nil {
			return NoHandle, err
		}
		t.nodes[hd].pool = pool

	case chunk.TypeTableTypeSpec:
		spec, err := parseTypeSpec(h, raw)
		if err != nil {
			return NoHandle, err
		}
		t.nodes[hd].spec = spec

	case chunk.TypeTableType:
		tc, err := parseTypeChunk(h, raw)
		if err != nil {
			return NoHandle, err
		}
		t.nodes[hd].tchunk = tc
	}
	return hd, nil
}

func (t *Table) parseChildren(parent Handle, raw []byte, start int) error {
	return chunk.Walk(raw, start, func(ch chunk.Header, craw []byte) error {
		child, err := t.parseNode(ch, craw, parent)
		if err != nil {
			return err
		}
		t.nodes[parent].children = append(t.nodes[parent].children, child)
		return nil
	})
}

// decodePackageName 包名为 128 个 UTF-16 单元，以 0 结尾
func decodePackageName(b []byte) string {
	runes := make([]rune, 0, 32)
	for i := 0; i+1 < len(b); i += 2 {
		u := uint16(b[i]) | uint16(b[i+1])<<8
		if u == 0 {
			break
		}
		runes = append(runes, rune(u))
	}
	return string(runes)
}

// Type 返回 chunk 类型
func (t *Table) Type(h Handle) uint16 { return t.nodes[h].typ }

// Parent 返回父 chunk，根节点返回 NoHandle
func (t *Table) Parent(h Handle) Handle { return t.nodes[h].parent }

// Children 返回子 chunk 下标副本
func (t *Table) Children(h Handle) []Handle {
	return append([]Handle(nil), t.nodes[h].children...)
}

// LocateTableChunk 返回唯一的表 chunk
func (t *Table) LocateTableChunk() (Handle, error) {
	found := NoHandle
	for _, r := range t.roots {
		if t.nodes[r].typ != chunk.TypeTable {
			continue
		}
		if found != NoHandle {
			return NoHandle, fmt.Errorf("%w: more than one table chunk", patcherr.ErrMalformed)
		}
		found = r
	}
	if found == NoHandle {
		return NoHandle, fmt.Errorf("%w: no table chunk", patcherr.ErrMissing)
	}
	return found, nil
}

// LocatePackageChunk 返回唯一的包；多包表不做猜测，直接报错
func (t *Table) LocatePackageChunk() (*Package, error) {
	th, err := t.LocateTableChunk()
	if err != nil {
		return nil, err
	}
	found := NoHandle
	for _, c := range t.nodes[th].children {
		if t.nodes[c].typ != chunk.TypeTablePackage {
			continue
		}
		if found != NoHandle {
			return nil, fmt.Errorf("%w: multi-package tables are not supported", patcherr.ErrMalformed)
		}
		found = c
	}
	if found == NoHandle {
		return nil, fmt.Errorf("%w: no package chunk", patcherr.ErrMissing)
	}
	return &Package{t: t, h: found}, nil
}

// StringPool 返回全局字符串池（文件路径、字符串值）
func (t *Table) StringPool() (*chunk.StringPool, error) {
	th, err := t.LocateTableChunk()
	if err != nil {
		return nil, err
	}
	for _, c := range t.nodes[th].children {
		if t.nodes[c].typ == chunk.TypeStringPool {
			return t.nodes[c].pool, nil
		}
	}
	return nil, fmt.Errorf("%w: table has no global string pool", patcherr.ErrMissing)
}

// Modified 是否有任何 chunk 被修改
func (t *Table) Modified() bool {
	for _, r := range t.roots {
		if t.dirty(r) {
			return true
		}
	}
	return false
}

func (t *Table) dirty(h Handle) bool {
	n := &t.nodes[h]
	if n.dirty || n.raw == nil {
		return true
	}
	if n.pool != nil && n.pool.Modified() {
		return true
	}
	if (n.spec != nil && n.spec.modified) || (n.tchunk != nil && n.tchunk.modified) {
		return true
	}
	for _, c := range n.children {
		if t.dirty(c) {
			return true
		}
	}
	return false
}

// insert 新建 chunk 并插入到 parent 的第 at 个子节点位置
func (t *Table) insert(parent Handle, at int, n node) Handle {
	n.parent = parent
	n.dirty = true
	h := t.add(n)
	p := &t.nodes[parent]
	if at < 0 || at > len(p.children) {
		at = len(p.children)
	}
	p.children = append(p.children, NoHandle)
	copy(p.children[at+1:], p.children[at:])
	p.children[at] = h
	p.dirty = true
	return h
}

// Serialize 序列化资源表
func (t *Table) Serialize() ([]byte, error) {
	size := 0
	for _, r := range t.roots {
		size += len(t.nodes[r].raw)
	}
	w := chunk.NewWriter(size + 1024)
	for _, r := range t.roots {
		if err := t.encode(w, r); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}

func (t *Table) encode(w *chunk.Writer, h Handle) error {
	n := &t.nodes[h]
	if !t.dirty(h) {
		w.Write(n.raw)
		return nil
	}

	switch n.typ {
	case chunk.TypeTable:
		start := w.Begin(chunk.TypeTable, uint16(chunk.HeaderSize+len(n.header)))
		countPos := w.Len()
		w.Write(n.header)
		var packages uint32
		for _, c := range n.children {
			if t.nodes[c].typ == chunk.TypeTablePackage {
				packages++
			}
			if err := t.encode(w, c); err != nil {
				return err
			}
		}
		w.PutU32At(countPos, packages)
		w.End(start)

	case chunk.TypeTablePackage:
		start := w.Begin(chunk.TypeTablePackage, uint16(chunk.HeaderSize+len(n.header)))
		w.Write(n.header)
		var typeStrings, keyStrings uint32
		for _, c := range n.children {
			off := uint32(w.Len() - start)
			switch c {
			case n.pkg.typePool:
				typeStrings = off
			case n.pkg.keyPool:
				keyStrings = off
			}
			if err := t.encode(w, c); err != nil {
				return err
			}
		}
		w.PutU32At(start+pkgOffTypeStrings, typeStrings)
		w.PutU32At(start+pkgOffKeyStrings, keyStrings)
		w.End(start)

	case chunk.TypeStringPool:
		if err := n.pool.Encode(w); err != nil {
			return err
		}

	case chunk.TypeTableTypeSpec:
		n.spec.encode(w)

	case chunk.TypeTableType:
		n.tchunk.encode(w)

	default:
		if n.raw == nil {
			return fmt.Errorf("chunk 0x%04x has no content", n.typ)
		}
		w.Write(n.raw)
	}
	return nil
}
