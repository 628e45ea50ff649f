package arsc

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/apk-analysis/apk-patcher-go/internal/chunk"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

// 类型 chunk 标志位
const (
	TypeFlagSparse   uint8 = 0x01
	TypeFlagOffset16 uint8 = 0x02
)

// 条目标志位
const (
	EntryFlagComplex uint16 = 0x0001
	EntryFlagPublic  uint16 = 0x0002
	EntryFlagWeak    uint16 = 0x0004
	EntryFlagCompact uint16 = 0x0008
)

// NoEntry 条目偏移表中的空槽
const NoEntry uint32 = 0xFFFFFFFF

const (
	typeSpecHeaderSize = 16
	typeHeaderBase     = 20
	entryHeaderSize    = 8
	mapEntryHeaderSize = 16
)

// TypeSpec 类型规格 chunk，每个条目一个配置掩码
type TypeSpec struct {
	ID         uint8
	Res0       uint8
	TypesCount uint16
	Flags      []uint32

	extra    []byte
	modified bool
}

func parseTypeSpec(h chunk.Header, raw []byte) (*TypeSpec, error) {
	if h.HeaderSize < typeSpecHeaderSize {
		return nil, fmt.Errorf("%w: type spec header size %d", patcherr.ErrMalformed, h.HeaderSize)
	}
	s := &TypeSpec{
		ID:    raw[8],
		Res0:  raw[9],
		extra: raw[typeSpecHeaderSize:h.HeaderSize],
	}
	s.TypesCount, _ = chunk.U16(raw, 10)
	count, _ := chunk.U32(raw, 12)
	if uint64(h.HeaderSize)+uint64(count)*4 > uint64(h.Size) {
		return nil, fmt.Errorf("%w: type spec 0x%02x declares %d entries in %d bytes",
			patcherr.ErrMalformed, s.ID, count, h.Size)
	}
	if s.ID == 0 {
		return nil, fmt.Errorf("%w: type spec with id 0", patcherr.ErrMalformed)
	}
	s.Flags = make([]uint32, count)
	for i := range s.Flags {
		s.Flags[i], _ = chunk.U32(raw, int(h.HeaderSize)+i*4)
	}
	return s, nil
}

// EntryCount 条目数
func (s *TypeSpec) EntryCount() int { return len(s.Flags) }

func (s *TypeSpec) encode(w *chunk.Writer) {
	start := w.Begin(chunk.TypeTableTypeSpec, uint16(typeSpecHeaderSize+len(s.extra)))
	w.U8(s.ID)
	w.U8(s.Res0)
	w.U16(s.TypesCount)
	w.U32(uint32(len(s.Flags)))
	w.Write(s.extra)
	for _, f := range s.Flags {
		w.U32(f)
	}
	w.End(start)
}

type entryRef struct {
	index  uint32
	offset uint32
}

// TypeChunk 某一配置下的类型条目
// 条目数据 blob 只追加，已有条目的偏移不变
type TypeChunk struct {
	ID       uint8
	Flags    uint8
	Reserved uint16
	Config   Config

	extra   []byte
	entries []entryRef
	blob    []byte
	owned   bool

	modified bool
}

func parseTypeChunk(h chunk.Header, raw []byte) (*TypeChunk, error) {
	if h.HeaderSize < typeHeaderBase+4 {
		return nil, fmt.Errorf("%w: type header size %d", patcherr.ErrMalformed, h.HeaderSize)
	}
	t := &TypeChunk{ID: raw[8], Flags: raw[9]}
	if t.ID == 0 {
		return nil, fmt.Errorf("%w: type chunk with id 0", patcherr.ErrMalformed)
	}
	t.Reserved, _ = chunk.U16(raw, 10)
	count, _ := chunk.U32(raw, 12)
	entriesStart, _ := chunk.U32(raw, 16)
	cfgSize, _ := chunk.U32(raw, typeHeaderBase)
	if cfgSize < 4 || uint64(typeHeaderBase)+uint64(cfgSize) > uint64(h.HeaderSize) {
		return nil, fmt.Errorf("%w: type 0x%02x config size %d exceeds header %d",
			patcherr.ErrMalformed, t.ID, cfgSize, h.HeaderSize)
	}
	cfgEnd := typeHeaderBase + int(cfgSize)
	t.Config = ParseConfig(raw[typeHeaderBase:cfgEnd])
	t.extra = raw[cfgEnd:h.HeaderSize]

	if entriesStart < uint32(h.HeaderSize) || entriesStart > h.Size {
		return nil, fmt.Errorf("%w: type 0x%02x entries start 0x%x outside chunk", patcherr.ErrMalformed, t.ID, entriesStart)
	}
	// 三下标切片：后续追加必然复制，不会覆盖原始数据
	t.blob = raw[entriesStart:h.Size:h.Size]

	table := raw[h.HeaderSize:entriesStart]
	switch {
	case t.Flags&TypeFlagSparse != 0:
		if uint64(count)*4 > uint64(len(table)) {
			return nil, fmt.Errorf("%w: type 0x%02x sparse table truncated", patcherr.ErrMalformed, t.ID)
		}
		t.entries = make([]entryRef, count)
		for i := range t.entries {
			idx, _ := chunk.U16(table, i*4)
			off, _ := chunk.U16(table, i*4+2)
			t.entries[i] = entryRef{index: uint32(idx), offset: uint32(off) * 4}
		}
	case t.Flags&TypeFlagOffset16 != 0:
		if uint64(count)*2 > uint64(len(table)) {
			return nil, fmt.Errorf("%w: type 0x%02x offset table truncated", patcherr.ErrMalformed, t.ID)
		}
		t.entries = make([]entryRef, count)
		for i := range t.entries {
			off, _ := chunk.U16(table, i*2)
			ref := entryRef{index: uint32(i), offset: NoEntry}
			if off != 0xFFFF {
				ref.offset = uint32(off) * 4
			}
			t.entries[i] = ref
		}
	default:
		if uint64(count)*4 > uint64(len(table)) {
			return nil, fmt.Errorf("%w: type 0x%02x offset table truncated", patcherr.ErrMalformed, t.ID)
		}
		t.entries = make([]entryRef, count)
		for i := range t.entries {
			off, _ := chunk.U32(table, i*4)
			t.entries[i] = entryRef{index: uint32(i), offset: off}
		}
	}

	for _, e := range t.entries {
		if e.offset == NoEntry {
			continue
		}
		if _, err := t.decodeEntry(e); err != nil {
			return nil, fmt.Errorf("type 0x%02x entry %d: %w", t.ID, e.index, err)
		}
	}
	return t, nil
}

// newTypeChunk 空的稠密类型 chunk
func newTypeChunk(id uint8, cfg Config) *TypeChunk {
	return &TypeChunk{ID: id, Config: cfg, owned: true, modified: true}
}

// Sparse 是否为稀疏编码
func (t *TypeChunk) Sparse() bool { return t.Flags&TypeFlagSparse != 0 }

// EntryCount 偏移表长度（稀疏编码时为实际条目数）
func (t *TypeChunk) EntryCount() int { return len(t.entries) }

func (t *TypeChunk) find(index uint32) (entryRef, bool) {
	if t.Sparse() {
		i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].index >= index })
		if i < len(t.entries) && t.entries[i].index == index {
			return t.entries[i], true
		}
		return entryRef{}, false
	}
	if int64(index) >= int64(len(t.entries)) || t.entries[index].offset == NoEntry {
		return entryRef{}, false
	}
	return t.entries[index], true
}

// Entry 返回下标为 index 的条目；下标超出或空槽时 ok 为 false
func (t *TypeChunk) Entry(index uint32) (*Entry, bool, error) {
	ref, ok := t.find(index)
	if !ok {
		return nil, false, nil
	}
	e, err := t.decodeEntry(ref)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

// Entries 按下标顺序返回所有条目
func (t *TypeChunk) Entries() ([]*Entry, error) {
	out := make([]*Entry, 0, len(t.entries))
	for _, ref := range t.entries {
		if ref.offset == NoEntry {
			continue
		}
		e, err := t.decodeEntry(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Entry 资源条目 (ResTable_entry)
type Entry struct {
	Index uint32
	Key   uint32
	Flags uint16
	Value chunk.Value

	Parent uint32
	Map    []MapEntry

	offset uint32
	size   uint16
}

// MapEntry 复杂条目中的一项
type MapEntry struct {
	Name  uint32
	Value chunk.Value
}

// Complex 是否为 map 条目（style、attr 等）
func (e *Entry) Complex() bool { return e.Flags&EntryFlagComplex != 0 }

// Compact 是否为紧凑编码
func (e *Entry) Compact() bool { return e.Flags&EntryFlagCompact != 0 }

func (t *TypeChunk) decodeEntry(ref entryRef) (*Entry, error) {
	b := t.blob
	off := int(ref.offset)
	if ref.offset%4 != 0 {
		return nil, fmt.Errorf("%w: entry offset 0x%x unaligned", patcherr.ErrMalformed, ref.offset)
	}
	size, err := chunk.U16(b, off)
	if err != nil {
		return nil, err
	}
	flags, err := chunk.U16(b, off+2)
	if err != nil {
		return nil, err
	}
	e := &Entry{Index: ref.index, Flags: flags, offset: ref.offset, size: size}

	if flags&EntryFlagCompact != 0 {
		data, err := chunk.U32(b, off+4)
		if err != nil {
			return nil, err
		}
		e.Key = uint32(size)
		e.Value = chunk.Value{Type: uint8(flags >> 8), Data: data}
		return e, nil
	}

	if size < entryHeaderSize {
		return nil, fmt.Errorf("%w: entry size %d", patcherr.ErrMalformed, size)
	}
	if e.Key, err = chunk.U32(b, off+4); err != nil {
		return nil, err
	}
	if flags&EntryFlagComplex == 0 {
		v, err := chunk.ReadValue(b, off+int(size))
		if err != nil {
			return nil, err
		}
		e.Value = v
		return e, nil
	}

	if size < mapEntryHeaderSize {
		return nil, fmt.Errorf("%w: map entry size %d", patcherr.ErrMalformed, size)
	}
	e.Parent, _ = chunk.U32(b, off+8)
	count, _ := chunk.U32(b, off+12)
	pos := off + int(size)
	if uint64(pos)+uint64(count)*12 > uint64(len(b)) {
		return nil, fmt.Errorf("%w: map entry with %d items overruns type chunk", patcherr.ErrMalformed, count)
	}
	e.Map = make([]MapEntry, count)
	for i := range e.Map {
		name, _ := chunk.U32(b, pos)
		v, err := chunk.ReadValue(b, pos+4)
		if err != nil {
			return nil, err
		}
		e.Map[i] = MapEntry{Name: name, Value: v}
		pos += 12
	}
	return e, nil
}

// own 首次修改前复制 blob，避免改写解析输入
func (t *TypeChunk) own() {
	if !t.owned {
		t.blob = append([]byte(nil), t.blob...)
		t.owned = true
	}
	t.modified = true
}

// setValue 原地覆盖简单条目的值
func (t *TypeChunk) setValue(e *Entry, v chunk.Value) error {
	if e.Complex() {
		return fmt.Errorf("%w: entry %d is a map entry", patcherr.ErrMalformed, e.Index)
	}
	t.own()
	b := t.blob[e.offset:]
	if e.Compact() {
		binary.LittleEndian.PutUint16(b[2:], e.Flags&0x00ff|uint16(v.Type)<<8)
		binary.LittleEndian.PutUint32(b[4:], v.Data)
		return nil
	}
	w := chunk.NewWriter(chunk.ValueSize)
	v.Encode(w)
	copy(b[e.size:], w.Bytes())
	return nil
}

// appendEntry 追加一个简单条目
func (t *TypeChunk) appendEntry(index, key uint32, v chunk.Value) error {
	if _, exists := t.find(index); exists {
		return fmt.Errorf("%w: entry %d already present in type 0x%02x", patcherr.ErrMalformed, index, t.ID)
	}
	t.own()
	for len(t.blob)%4 != 0 {
		t.blob = append(t.blob, 0)
	}
	offset := uint32(len(t.blob))

	w := chunk.NewWriter(entryHeaderSize + chunk.ValueSize)
	w.U16(entryHeaderSize)
	w.U16(0)
	w.U32(key)
	v.Encode(w)
	t.blob = append(t.blob, w.Bytes()...)

	if t.Sparse() {
		last := len(t.entries) - 1
		if offset/4 > 0xFFFF || index > 0xFFFF || (last >= 0 && t.entries[last].index > index) {
			t.densify()
		} else {
			t.entries = append(t.entries, entryRef{index: index, offset: offset})
			return nil
		}
	}
	if t.Flags&TypeFlagOffset16 != 0 && offset/4 >= 0xFFFF {
		t.Flags &^= TypeFlagOffset16
	}
	for uint32(len(t.entries)) < index {
		t.entries = append(t.entries, entryRef{index: uint32(len(t.entries)), offset: NoEntry})
	}
	if uint32(len(t.entries)) == index {
		t.entries = append(t.entries, entryRef{index: index, offset: offset})
	} else {
		t.entries[index].offset = offset
	}
	return nil
}

// densify 稀疏编码转为稠密 32 位偏移表
func (t *TypeChunk) densify() {
	var n uint32
	for _, e := range t.entries {
		if e.index+1 > n {
			n = e.index + 1
		}
	}
	dense := make([]entryRef, n)
	for i := range dense {
		dense[i] = entryRef{index: uint32(i), offset: NoEntry}
	}
	for _, e := range t.entries {
		dense[e.index].offset = e.offset
	}
	t.entries = dense
	t.Flags &^= TypeFlagSparse | TypeFlagOffset16
}

func (t *TypeChunk) encode(w *chunk.Writer) {
	cfg := t.Config.Bytes()
	start := w.Begin(chunk.TypeTableType, uint16(typeHeaderBase+len(cfg)+len(t.extra)))
	w.U8(t.ID)
	w.U8(t.Flags)
	w.U16(t.Reserved)
	w.U32(uint32(len(t.entries)))
	entriesStartPos := w.Len()
	w.U32(0)
	w.Write(cfg)
	w.Write(t.extra)

	for _, e := range t.entries {
		switch {
		case t.Sparse():
			w.U16(uint16(e.index))
			w.U16(uint16(e.offset / 4))
		case t.Flags&TypeFlagOffset16 != 0:
			if e.offset == NoEntry {
				w.U16(0xFFFF)
			} else {
				w.U16(uint16(e.offset / 4))
			}
		default:
			w.U32(e.offset)
		}
	}
	w.Align4()
	w.PutU32At(entriesStartPos, uint32(w.Len()-start))
	w.Write(t.blob)
	w.Align4()
	w.End(start)
}
