// Package testutil 构造测试用的资源表、二进制 XML 与安装包
package testutil

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/apk-analysis/apk-patcher-go/internal/chunk"
)

// AppPackageID 应用包 id
const AppPackageID = 0x7f

// Qualifier 测试用配置；零值为默认配置
type Qualifier struct {
	Language string
	Country  string
	Density  uint16
	SDK      uint16
}

// Bytes 编码为 64 字节 ResTable_config
func (q Qualifier) Bytes() []byte {
	b := make([]byte, 64)
	binary.LittleEndian.PutUint32(b, 64)
	copy(b[8:10], q.Language)
	copy(b[10:12], q.Country)
	binary.LittleEndian.PutUint16(b[14:], q.Density)
	binary.LittleEndian.PutUint16(b[24:], q.SDK)
	return b
}

type typeConfig struct {
	q      Qualifier
	values map[int]chunk.Value
}

type typeDef struct {
	name    string
	keys    []string
	configs []*typeConfig
}

// TableBuilder 单包资源表构造器
type TableBuilder struct {
	// Sparse 以稀疏编码写出类型 chunk
	Sparse bool
	// Library 在包内追加一个空的 library chunk
	Library bool

	pkgName string
	strings []string
	types   []*typeDef
}

// NewTable 创建资源表构造器
func NewTable(pkgName string) *TableBuilder {
	return &TableBuilder{pkgName: pkgName}
}

func (b *TableBuilder) intern(s string) uint32 {
	for i, v := range b.strings {
		if v == s {
			return uint32(i)
		}
	}
	b.strings = append(b.strings, s)
	return uint32(len(b.strings) - 1)
}

func (b *TableBuilder) typeOf(name string) (int, *typeDef) {
	for i, t := range b.types {
		if t.name == name {
			return i, t
		}
	}
	t := &typeDef{name: name}
	b.types = append(b.types, t)
	return len(b.types) - 1, t
}

// AddValue 为 type/name 在配置 q 下写入值，返回资源 id
func (b *TableBuilder) AddValue(typ, name string, q Qualifier, v chunk.Value) uint32 {
	ti, t := b.typeOf(typ)
	entry := -1
	for i, k := range t.keys {
		if k == name {
			entry = i
		}
	}
	if entry < 0 {
		t.keys = append(t.keys, name)
		entry = len(t.keys) - 1
	}
	var cfg *typeConfig
	for _, c := range t.configs {
		if c.q == q {
			cfg = c
		}
	}
	if cfg == nil {
		cfg = &typeConfig{q: q, values: map[int]chunk.Value{}}
		t.configs = append(t.configs, cfg)
	}
	cfg.values[entry] = v
	return uint32(AppPackageID)<<24 | uint32(ti+1)<<16 | uint32(entry)
}

// AddFile 写入文件路径资源
func (b *TableBuilder) AddFile(typ, name string, q Qualifier, path string) uint32 {
	return b.AddValue(typ, name, q, chunk.Value{Type: chunk.ValueString, Data: b.intern(path)})
}

// Build 编码资源表
func (b *TableBuilder) Build() []byte {
	w := chunk.NewWriter(4096)
	table := w.Begin(chunk.TypeTable, 12)
	w.U32(1)

	global := chunk.NewStringPool(true)
	for _, s := range b.strings {
		global.Add(s)
	}
	encodePool(w, global)

	pkg := w.Begin(chunk.TypeTablePackage, 288)
	w.U32(AppPackageID)
	name := utf16.Encode([]rune(b.pkgName))
	for i := 0; i < 128; i++ {
		if i < len(name) {
			w.U16(name[i])
		} else {
			w.U16(0)
		}
	}
	typeStringsPos := w.Len()
	w.U32(0)
	w.U32(uint32(len(b.types)))
	keyStringsPos := w.Len()
	w.U32(0)
	w.U32(0)
	w.U32(0)

	typePool := chunk.NewStringPool(false)
	keyPool := chunk.NewStringPool(true)
	keyIndex := map[string]uint32{}
	for _, t := range b.types {
		typePool.Add(t.name)
		for _, k := range t.keys {
			keyIndex[k] = keyPool.Add(k)
		}
	}
	w.PutU32At(typeStringsPos, uint32(w.Len()-pkg))
	encodePool(w, typePool)
	w.PutU32At(keyStringsPos, uint32(w.Len()-pkg))
	encodePool(w, keyPool)

	for ti, t := range b.types {
		id := uint8(ti + 1)
		spec := w.Begin(chunk.TypeTableTypeSpec, 16)
		w.U8(id)
		w.U8(0)
		w.U16(uint16(len(t.configs)))
		w.U32(uint32(len(t.keys)))
		for range t.keys {
			w.U32(0)
		}
		w.End(spec)

		for _, c := range t.configs {
			b.writeType(w, id, t, c, keyIndex)
		}
	}

	if b.Library {
		lib := w.Begin(chunk.TypeTableLibrary, 12)
		w.U32(0)
		w.End(lib)
	}
	w.End(pkg)
	w.End(table)
	return w.Bytes()
}

func (b *TableBuilder) writeType(w *chunk.Writer, id uint8, t *typeDef, c *typeConfig, keys map[string]uint32) {
	cfg := c.q.Bytes()
	start := w.Begin(chunk.TypeTableType, uint16(20+len(cfg)))
	w.U8(id)
	flags := uint8(0)
	if b.Sparse {
		flags = 0x01
	}
	w.U8(flags)
	w.U16(0)

	var present []int
	for i := range t.keys {
		if _, ok := c.values[i]; ok {
			present = append(present, i)
		}
	}
	if b.Sparse {
		w.U32(uint32(len(present)))
	} else {
		w.U32(uint32(len(t.keys)))
	}
	entriesStartPos := w.Len()
	w.U32(0)
	w.Write(cfg)

	const entrySize = 16
	if b.Sparse {
		for n, i := range present {
			w.U16(uint16(i))
			w.U16(uint16(n * entrySize / 4))
		}
	} else {
		n := 0
		for i := range t.keys {
			if _, ok := c.values[i]; ok {
				w.U32(uint32(n * entrySize))
				n++
			} else {
				w.U32(chunk.NoIndex)
			}
		}
	}
	w.PutU32At(entriesStartPos, uint32(w.Len()-start))
	for _, i := range present {
		w.U16(8)
		w.U16(0)
		w.U32(keys[t.keys[i]])
		c.values[i].Encode(w)
	}
	w.End(start)
}

// encodePool 夹具里的字符串都很短，编码失败说明构造器本身有误
func encodePool(w *chunk.Writer, p *chunk.StringPool) {
	if err := p.Encode(w); err != nil {
		panic(err)
	}
}
