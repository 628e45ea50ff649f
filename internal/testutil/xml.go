package testutil

import (
	"github.com/apk-analysis/apk-patcher-go/internal/chunk"
)

// AndroidNS android 命名空间
const AndroidNS = "http://schemas.android.com/apk/res/android"

// android 属性资源 id
const (
	AttrIcon      uint32 = 0x01010002
	AttrDrawable  uint32 = 0x01010199
	AttrRoundIcon uint32 = 0x0101052c
)

// Attr 测试用属性
type Attr struct {
	Android bool
	Name    string
	ResID   uint32
	Value   chunk.Value
	// Str 非空时属性值为字符串
	Str string
}

// Elem 测试用元素
type Elem struct {
	Name     string
	Attrs    []Attr
	Children []*Elem
}

// RefAttr android 命名空间下的引用属性
func RefAttr(name string, resID, ref uint32) Attr {
	return Attr{Android: true, Name: name, ResID: resID, Value: chunk.Value{Type: chunk.ValueReference, Data: ref}}
}

// StrAttr 无命名空间的字符串属性
func StrAttr(name, value string) Attr {
	return Attr{Name: name, Str: value}
}

// Manifest 构造 <manifest package split><application icon roundIcon/></manifest>
// split 为空时不写出 split 属性，roundIcon 为 0 时不写出 roundIcon
func Manifest(pkg, split string, icon, roundIcon uint32) []byte {
	attrs := []Attr{StrAttr("package", pkg)}
	if split != "" {
		attrs = append(attrs, StrAttr("split", split))
	}
	app := &Elem{Name: "application"}
	if icon != 0 {
		app.Attrs = append(app.Attrs, RefAttr("icon", AttrIcon, icon))
	}
	if roundIcon != 0 {
		app.Attrs = append(app.Attrs, RefAttr("roundIcon", AttrRoundIcon, roundIcon))
	}
	return BuildXML(&Elem{Name: "manifest", Attrs: attrs, Children: []*Elem{app}})
}

// AdaptiveIcon 构造 <adaptive-icon><background/><foreground/></adaptive-icon>
func AdaptiveIcon(background, foreground uint32) []byte {
	return BuildXML(&Elem{
		Name: "adaptive-icon",
		Children: []*Elem{
			{Name: "background", Attrs: []Attr{RefAttr("drawable", AttrDrawable, background)}},
			{Name: "foreground", Attrs: []Attr{RefAttr("drawable", AttrDrawable, foreground)}},
		},
	})
}

type xmlStrings struct {
	pool *chunk.StringPool
	ids  []uint32
}

func (s *xmlStrings) collect(e *Elem) {
	for _, a := range e.Attrs {
		if a.ResID != 0 {
			if _, ok := s.pool.Index(a.Name); !ok {
				s.pool.Add(a.Name)
				s.ids = append(s.ids, a.ResID)
			}
		}
	}
	for _, c := range e.Children {
		s.collect(c)
	}
}

func (s *xmlStrings) collectRest(e *Elem) {
	s.pool.Add(e.Name)
	for _, a := range e.Attrs {
		s.pool.Add(a.Name)
		if a.Str != "" {
			s.pool.Add(a.Str)
		}
	}
	for _, c := range e.Children {
		s.collectRest(c)
	}
}

// BuildXML 编码二进制 XML；资源映射的属性名排在字符串池最前
func BuildXML(root *Elem) []byte {
	s := &xmlStrings{pool: chunk.NewStringPool(false)}
	s.collect(root)
	s.collectRest(root)
	prefix := s.pool.Add("android")
	uri := s.pool.Add(AndroidNS)

	w := chunk.NewWriter(1024)
	doc := w.Begin(chunk.TypeXML, chunk.HeaderSize)
	encodePool(w, s.pool)

	rm := w.Begin(chunk.TypeXMLResourceMap, chunk.HeaderSize)
	for _, id := range s.ids {
		w.U32(id)
	}
	w.End(rm)

	nsNode := func(typ uint16) {
		n := w.Begin(typ, 16)
		w.U32(1)
		w.U32(chunk.NoIndex)
		w.U32(prefix)
		w.U32(uri)
		w.End(n)
	}
	nsNode(chunk.TypeXMLStartNamespace)
	writeElem(w, s.pool, root, uri)
	nsNode(chunk.TypeXMLEndNamespace)
	w.End(doc)
	return w.Bytes()
}

func writeElem(w *chunk.Writer, pool *chunk.StringPool, e *Elem, uri uint32) {
	idx := func(str string) uint32 {
		i, _ := pool.Index(str)
		return i
	}

	n := w.Begin(chunk.TypeXMLStartElement, 16)
	w.U32(1)
	w.U32(chunk.NoIndex)
	w.U32(chunk.NoIndex)
	w.U32(idx(e.Name))
	w.U16(20)
	w.U16(20)
	w.U16(uint16(len(e.Attrs)))
	w.U16(0)
	w.U16(0)
	w.U16(0)
	for _, a := range e.Attrs {
		if a.Android {
			w.U32(uri)
		} else {
			w.U32(chunk.NoIndex)
		}
		w.U32(idx(a.Name))
		v := a.Value
		if a.Str != "" {
			w.U32(idx(a.Str))
			v = chunk.Value{Type: chunk.ValueString, Data: idx(a.Str)}
		} else {
			w.U32(chunk.NoIndex)
		}
		v.Encode(w)
	}
	w.End(n)

	for _, c := range e.Children {
		writeElem(w, pool, c, uri)
	}

	end := w.Begin(chunk.TypeXMLEndElement, 16)
	w.U32(1)
	w.U32(chunk.NoIndex)
	w.U32(chunk.NoIndex)
	w.U32(idx(e.Name))
	w.End(end)
}
