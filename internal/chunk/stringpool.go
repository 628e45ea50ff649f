package chunk

import (
	"fmt"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

// 字符串池标志位
const (
	PoolFlagSorted uint32 = 1 << 0
	PoolFlagUTF8   uint32 = 1 << 8
)

const poolHeaderSize = 28

// maxLength8 UTF-8 池长度前缀的上限（两字节、15 位）
const maxLength8 = 0x7fff

// StringPool 字符串池 (ResStringPool)
// 只允许追加：已有字符串的下标永远不变，所以外部引用在修改后依然有效
type StringPool struct {
	flags        uint32
	strings      []string
	styleOffsets []uint32
	styleData    []byte
	index        map[string]uint32

	// raw 为解析时的原始字节，未修改时原样写回
	raw []byte
}

// NewStringPool 创建空字符串池
func NewStringPool(utf8Encoded bool) *StringPool {
	p := &StringPool{index: make(map[string]uint32)}
	if utf8Encoded {
		p.flags = PoolFlagUTF8
	}
	return p
}

// ParseStringPool 解析完整的字符串池 chunk
func ParseStringPool(data []byte) (*StringPool, error) {
	h, err := ReadHeader(data, 0)
	if err != nil {
		return nil, err
	}
	if h.Type != TypeStringPool {
		return nil, fmt.Errorf("%w: expected string pool, got chunk 0x%04x", patcherr.ErrMalformed, h.Type)
	}
	if h.HeaderSize < poolHeaderSize {
		return nil, fmt.Errorf("%w: string pool header size %d", patcherr.ErrMalformed, h.HeaderSize)
	}
	data = data[:h.Size]

	stringCount, _ := U32(data, 8)
	styleCount, _ := U32(data, 12)
	flags, _ := U32(data, 16)
	stringsStart, _ := U32(data, 20)
	stylesStart, _ := U32(data, 24)

	offsetsEnd := uint64(h.HeaderSize) + 4*(uint64(stringCount)+uint64(styleCount))
	if offsetsEnd > uint64(h.Size) {
		return nil, fmt.Errorf("%w: string pool offsets (%d strings, %d styles) exceed chunk size %d",
			patcherr.ErrMalformed, stringCount, styleCount, h.Size)
	}

	p := &StringPool{
		flags:   flags,
		strings: make([]string, stringCount),
		index:   make(map[string]uint32, stringCount),
		raw:     data,
	}

	stringsEnd := h.Size
	if styleCount > 0 {
		if stylesStart < stringsStart || stylesStart > h.Size {
			return nil, fmt.Errorf("%w: styles start 0x%x outside pool", patcherr.ErrMalformed, stylesStart)
		}
		stringsEnd = stylesStart
	}
	if stringCount > 0 && (stringsStart < uint32(offsetsEnd) || stringsStart > stringsEnd) {
		return nil, fmt.Errorf("%w: strings start 0x%x outside pool", patcherr.ErrMalformed, stringsStart)
	}

	var region []byte
	if stringCount > 0 {
		region = data[stringsStart:stringsEnd]
	}
	for i := uint32(0); i < stringCount; i++ {
		off, _ := U32(data, int(h.HeaderSize)+int(i)*4)
		var s string
		if p.UTF8() {
			s, err = decodeUTF8(region, int(off))
		} else {
			s, err = decodeUTF16(region, int(off))
		}
		if err != nil {
			return nil, fmt.Errorf("string %d: %w", i, err)
		}
		p.strings[i] = s
		if _, ok := p.index[s]; !ok {
			p.index[s] = i
		}
	}

	if styleCount > 0 {
		p.styleOffsets = make([]uint32, styleCount)
		base := int(h.HeaderSize) + int(stringCount)*4
		for i := range p.styleOffsets {
			p.styleOffsets[i], _ = U32(data, base+i*4)
		}
		p.styleData = data[stylesStart:]
	}
	return p, nil
}

// decodeLength8 UTF-8 池长度：1 字节，或最高位置 1 时 2 字节
func decodeLength8(b []byte, off int) (int, int, error) {
	if off >= len(b) {
		return 0, 0, fmt.Errorf("%w: string length at 0x%x truncated", patcherr.ErrMalformed, off)
	}
	n := int(b[off])
	if n&0x80 == 0 {
		return n, 1, nil
	}
	if off+1 >= len(b) {
		return 0, 0, fmt.Errorf("%w: string length at 0x%x truncated", patcherr.ErrMalformed, off)
	}
	return (n&0x7f)<<8 | int(b[off+1]), 2, nil
}

func decodeUTF8(b []byte, off int) (string, error) {
	_, n1, err := decodeLength8(b, off)
	if err != nil {
		return "", err
	}
	size, n2, err := decodeLength8(b, off+n1)
	if err != nil {
		return "", err
	}
	start := off + n1 + n2
	if start+size > len(b) {
		return "", fmt.Errorf("%w: utf-8 string at 0x%x overruns pool", patcherr.ErrMalformed, off)
	}
	return string(b[start : start+size]), nil
}

func decodeUTF16(b []byte, off int) (string, error) {
	n, err := U16(b, off)
	if err != nil {
		return "", err
	}
	length := int(n)
	start := off + 2
	if n&0x8000 != 0 {
		lo, err := U16(b, off+2)
		if err != nil {
			return "", err
		}
		length = int(n&0x7fff)<<16 | int(lo)
		start += 2
	}
	if start+length*2 > len(b) {
		return "", fmt.Errorf("%w: utf-16 string at 0x%x overruns pool", patcherr.ErrMalformed, off)
	}
	units := make([]uint16, length)
	for i := range units {
		units[i], _ = U16(b, start+i*2)
	}
	return string(utf16.Decode(units)), nil
}

// UTF8 池是否以 UTF-8 编码
func (p *StringPool) UTF8() bool { return p.flags&PoolFlagUTF8 != 0 }

// Len 字符串个数
func (p *StringPool) Len() int { return len(p.strings) }

// StyleCount 样式个数
func (p *StringPool) StyleCount() int { return len(p.styleOffsets) }

// Modified 是否在解析后被修改
func (p *StringPool) Modified() bool { return p.raw == nil }

// Get 返回下标 i 的字符串，悬空引用视为格式错误
func (p *StringPool) Get(i uint32) (string, error) {
	if int64(i) >= int64(len(p.strings)) {
		return "", fmt.Errorf("%w: string index %d out of range (pool has %d)", patcherr.ErrMalformed, i, len(p.strings))
	}
	return p.strings[i], nil
}

// Index 查找字符串首次出现的下标
func (p *StringPool) Index(s string) (uint32, bool) {
	i, ok := p.index[s]
	return i, ok
}

// Add 驻留字符串：已存在则复用原有槽位，否则追加
func (p *StringPool) Add(s string) uint32 {
	if i, ok := p.index[s]; ok {
		return i
	}
	i := uint32(len(p.strings))
	p.strings = append(p.strings, s)
	p.index[s] = i
	// 追加破坏排序
	p.flags &^= PoolFlagSorted
	p.raw = nil
	return i
}

// Strings 返回字符串副本
func (p *StringPool) Strings() []string {
	out := make([]string, len(p.strings))
	copy(out, p.strings)
	return out
}

// Encode 写入字符串池 chunk；未修改时原样写回
func (p *StringPool) Encode(w *Writer) error {
	if p.raw != nil {
		w.Write(p.raw)
		return nil
	}

	data := NewWriter(64 * len(p.strings))
	offsets := make([]uint32, len(p.strings))
	for i, s := range p.strings {
		offsets[i] = uint32(data.Len())
		if p.UTF8() {
			if err := encodeUTF8(data, s); err != nil {
				return fmt.Errorf("string %d: %w", i, err)
			}
		} else {
			encodeUTF16(data, s)
		}
	}
	data.Align4()

	start := w.Begin(TypeStringPool, poolHeaderSize)
	w.U32(uint32(len(p.strings)))
	w.U32(uint32(len(p.styleOffsets)))
	w.U32(p.flags)
	stringsStartPos := w.Len()
	w.U32(0)
	stylesStartPos := w.Len()
	w.U32(0)
	for _, off := range offsets {
		w.U32(off)
	}
	for _, off := range p.styleOffsets {
		w.U32(off)
	}
	if len(p.strings) > 0 {
		w.PutU32At(stringsStartPos, uint32(w.Len()-start))
	}
	w.Write(data.Bytes())
	if len(p.styleOffsets) > 0 {
		w.PutU32At(stylesStartPos, uint32(w.Len()-start))
		w.Write(p.styleData)
	}
	w.End(start)
	return nil
}

func encodeLength8(w *Writer, n int) {
	if n > 0x7f {
		w.U8(uint8(0x80 | (n>>8)&0x7f))
	}
	w.U8(uint8(n))
}

func encodeUTF8(w *Writer, s string) error {
	if !utf8.ValidString(s) {
		s = string([]rune(s))
	}
	units := len(utf16.Encode([]rune(s)))
	if units > maxLength8 || len(s) > maxLength8 {
		return fmt.Errorf("%w: %d bytes exceed the UTF-8 pool length limit %d",
			patcherr.ErrMalformed, len(s), maxLength8)
	}
	encodeLength8(w, units)
	encodeLength8(w, len(s))
	w.Write([]byte(s))
	w.U8(0)
	return nil
}

func encodeUTF16(w *Writer, s string) {
	units := utf16.Encode([]rune(s))
	if len(units) > 0x7fff {
		w.U16(uint16(0x8000 | (len(units)>>16)&0x7fff))
	}
	w.U16(uint16(len(units)))
	for _, u := range units {
		w.U16(u)
	}
	w.U16(0)
}

// Clone 深拷贝字符串池；原始字节与样式数据只读，共享即可
func (p *StringPool) Clone() *StringPool {
	c := &StringPool{
		flags:        p.flags,
		strings:      append([]string(nil), p.strings...),
		styleOffsets: append([]uint32(nil), p.styleOffsets...),
		styleData:    p.styleData,
		index:        make(map[string]uint32, len(p.index)),
		raw:          p.raw,
	}
	for s, i := range p.index {
		c.index[s] = i
	}
	return c
}
