// Package axml 实现 Android 二进制 XML（AndroidManifest.xml、res/*.xml）的解析、修改与序列化
package axml

import (
	"fmt"

	"github.com/apk-analysis/apk-patcher-go/internal/chunk"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

const (
	nodeHeaderSize    = 16
	elementExtSize    = 20
	attributeSize     = 20
	endElementExtSize = 8
	namespaceExtSize  = 8
	cdataExtSize      = 12
)

// NoParent 根节点的父元素下标
const NoParent = -1

// Attribute 元素属性
type Attribute struct {
	NS    uint32
	Name  uint32
	Raw   uint32
	Value chunk.Value
}

// Node 节点流中的一个节点
type Node struct {
	Type    uint16
	Line    uint32
	Comment uint32
	// Parent 所属起始元素在 Nodes 中的下标
	Parent int

	// 命名空间节点
	Prefix uint32
	URI    uint32

	// 元素节点
	NS         uint32
	Name       uint32
	IDIndex    uint16
	ClassIndex uint16
	StyleIndex uint16
	Attrs      []Attribute

	// CDATA 节点
	Data  uint32
	Typed chunk.Value

	raw   []byte
	dirty bool
}

// Document 二进制 XML 文档
type Document struct {
	Pool        *chunk.StringPool
	ResourceIDs []uint32
	Nodes       []Node

	// raw 解析输入，未修改时原样写回
	raw    []byte
	mapRaw []byte
	dirty  bool
}

// Parse 解析二进制 XML
func Parse(data []byte) (*Document, error) {
	h, err := chunk.ReadHeader(data, 0)
	if err != nil {
		return nil, fmt.Errorf("parse binary xml: %w", err)
	}
	if h.Type != chunk.TypeXML {
		return nil, fmt.Errorf("parse binary xml: %w: root chunk 0x%04x is not an xml document", patcherr.ErrMalformed, h.Type)
	}
	raw := data[:h.Size]
	d := &Document{raw: raw}

	var open []int
	err = chunk.Walk(raw, int(h.HeaderSize), func(ch chunk.Header, craw []byte) error {
		switch ch.Type {
		case chunk.TypeStringPool:
			if d.Pool != nil {
				return fmt.Errorf("%w: duplicate string pool", patcherr.ErrMalformed)
			}
			pool, err := chunk.ParseStringPool(craw)
			if err != nil {
				return err
			}
			d.Pool = pool
			return nil

		case chunk.TypeXMLResourceMap:
			n := (len(craw) - int(ch.HeaderSize)) / 4
			d.ResourceIDs = make([]uint32, n)
			for i := range d.ResourceIDs {
				d.ResourceIDs[i], _ = chunk.U32(craw, int(ch.HeaderSize)+i*4)
			}
			d.mapRaw = craw
			return nil

		case chunk.TypeXMLStartNamespace, chunk.TypeXMLEndNamespace,
			chunk.TypeXMLStartElement, chunk.TypeXMLEndElement, chunk.TypeXMLCData:
			if d.Pool == nil {
				return fmt.Errorf("%w: node before string pool", patcherr.ErrMalformed)
			}
			parent := NoParent
			if len(open) > 0 {
				parent = open[len(open)-1]
			}
			n, err := parseNode(ch, craw, parent)
			if err != nil {
				return err
			}
			idx := len(d.Nodes)
			switch ch.Type {
			case chunk.TypeXMLStartElement:
				open = append(open, idx)
			case chunk.TypeXMLEndElement:
				if len(open) == 0 {
					return fmt.Errorf("%w: end element without start", patcherr.ErrMalformed)
				}
				start := d.Nodes[open[len(open)-1]]
				if start.Name != n.Name || start.NS != n.NS {
					return fmt.Errorf("%w: end element %d does not close element %d", patcherr.ErrMalformed, n.Name, start.Name)
				}
				open = open[:len(open)-1]
				n.Parent = start.Parent
			}
			d.Nodes = append(d.Nodes, n)
			return nil

		default:
			return fmt.Errorf("%w: unexpected chunk 0x%04x in xml node stream", patcherr.ErrMalformed, ch.Type)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("parse binary xml: %w", err)
	}
	if d.Pool == nil {
		return nil, fmt.Errorf("parse binary xml: %w: no string pool", patcherr.ErrMalformed)
	}
	if len(open) > 0 {
		return nil, fmt.Errorf("parse binary xml: %w: %d unclosed elements", patcherr.ErrMalformed, len(open))
	}
	if err := d.validateRefs(); err != nil {
		return nil, fmt.Errorf("parse binary xml: %w", err)
	}
	return d, nil
}

func parseNode(h chunk.Header, raw []byte, parent int) (Node, error) {
	if h.HeaderSize < nodeHeaderSize {
		return Node{}, fmt.Errorf("%w: xml node header size %d", patcherr.ErrMalformed, h.HeaderSize)
	}
	n := Node{Type: h.Type, Parent: parent, raw: raw}
	n.Line, _ = chunk.U32(raw, 8)
	n.Comment, _ = chunk.U32(raw, 12)
	ext := raw[h.HeaderSize:]

	need := map[uint16]int{
		chunk.TypeXMLStartNamespace: namespaceExtSize,
		chunk.TypeXMLEndNamespace:   namespaceExtSize,
		chunk.TypeXMLStartElement:   elementExtSize,
		chunk.TypeXMLEndElement:     endElementExtSize,
		chunk.TypeXMLCData:          cdataExtSize,
	}[h.Type]
	if len(ext) < need {
		return Node{}, fmt.Errorf("%w: xml node 0x%04x truncated", patcherr.ErrMalformed, h.Type)
	}

	switch h.Type {
	case chunk.TypeXMLStartNamespace, chunk.TypeXMLEndNamespace:
		n.Prefix, _ = chunk.U32(ext, 0)
		n.URI, _ = chunk.U32(ext, 4)

	case chunk.TypeXMLEndElement:
		n.NS, _ = chunk.U32(ext, 0)
		n.Name, _ = chunk.U32(ext, 4)

	case chunk.TypeXMLCData:
		n.Data, _ = chunk.U32(ext, 0)
		v, err := chunk.ReadValue(ext, 4)
		if err != nil {
			return Node{}, err
		}
		n.Typed = v

	case chunk.TypeXMLStartElement:
		n.NS, _ = chunk.U32(ext, 0)
		n.Name, _ = chunk.U32(ext, 4)
		attrStart, _ := chunk.U16(ext, 8)
		attrSize, _ := chunk.U16(ext, 10)
		count, _ := chunk.U16(ext, 12)
		n.IDIndex, _ = chunk.U16(ext, 14)
		n.ClassIndex, _ = chunk.U16(ext, 16)
		n.StyleIndex, _ = chunk.U16(ext, 18)
		if count > 0 && attrSize < attributeSize {
			return Node{}, fmt.Errorf("%w: attribute size %d", patcherr.ErrMalformed, attrSize)
		}
		if int(attrStart)+int(count)*int(attrSize) > len(ext) {
			return Node{}, fmt.Errorf("%w: %d attributes overrun element", patcherr.ErrMalformed, count)
		}
		n.Attrs = make([]Attribute, count)
		for i := range n.Attrs {
			off := int(attrStart) + i*int(attrSize)
			a := &n.Attrs[i]
			a.NS, _ = chunk.U32(ext, off)
			a.Name, _ = chunk.U32(ext, off+4)
			a.Raw, _ = chunk.U32(ext, off+8)
			v, err := chunk.ReadValue(ext, off+12)
			if err != nil {
				return Node{}, err
			}
			a.Value = v
		}
	}
	return n, nil
}

// validateRefs 所有字符串引用必须落在池内
func (d *Document) validateRefs() error {
	n := uint32(d.Pool.Len())
	check := func(i uint32) error {
		if i != chunk.NoIndex && i >= n {
			return fmt.Errorf("%w: string index %d out of range (pool has %d)", patcherr.ErrMalformed, i, n)
		}
		return nil
	}
	for _, node := range d.Nodes {
		refs := []uint32{node.Comment}
		switch node.Type {
		case chunk.TypeXMLStartNamespace, chunk.TypeXMLEndNamespace:
			refs = append(refs, node.Prefix, node.URI)
		case chunk.TypeXMLStartElement, chunk.TypeXMLEndElement:
			refs = append(refs, node.NS, node.Name)
		case chunk.TypeXMLCData:
			refs = append(refs, node.Data)
		}
		for _, a := range node.Attrs {
			refs = append(refs, a.NS, a.Name, a.Raw)
			if a.Value.Type == chunk.ValueString {
				refs = append(refs, a.Value.Data)
			}
		}
		for _, r := range refs {
			if err := check(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// Modified 是否被修改
func (d *Document) Modified() bool {
	return d.dirty || d.Pool.Modified()
}

// String 返回字符串池中的字符串；NoIndex 返回空串
func (d *Document) String(i uint32) string {
	if i == chunk.NoIndex {
		return ""
	}
	s, _ := d.Pool.Get(i)
	return s
}

// AttributeResourceID 属性名对应的资源 id，未映射时为 0
func (d *Document) AttributeResourceID(a Attribute) uint32 {
	if int64(a.Name) < int64(len(d.ResourceIDs)) {
		return d.ResourceIDs[a.Name]
	}
	return 0
}

// Elements 按文档顺序返回指定名称的起始元素下标
func (d *Document) Elements(name string) []int {
	var out []int
	for i, n := range d.Nodes {
		if n.Type == chunk.TypeXMLStartElement && d.String(n.Name) == name {
			out = append(out, i)
		}
	}
	return out
}

// ElementName 元素名
func (d *Document) ElementName(elem int) string { return d.String(d.Nodes[elem].Name) }

// AttributeByID 按属性资源 id 查找（android: 属性）
func (d *Document) AttributeByID(elem int, resID uint32) (int, bool) {
	for i, a := range d.Nodes[elem].Attrs {
		if d.AttributeResourceID(a) == resID {
			return i, true
		}
	}
	return 0, false
}

// Attribute 按属性名查找；name 不含命名空间前缀
func (d *Document) Attribute(elem int, name string) (int, bool) {
	for i, a := range d.Nodes[elem].Attrs {
		if d.String(a.Name) == name {
			return i, true
		}
	}
	return 0, false
}

// AttributeString 字符串属性值
func (d *Document) AttributeString(elem int, name string) (string, bool) {
	i, ok := d.Attribute(elem, name)
	if !ok {
		return "", false
	}
	a := d.Nodes[elem].Attrs[i]
	if a.Value.Type == chunk.ValueString {
		return d.String(a.Value.Data), true
	}
	if a.Raw != chunk.NoIndex {
		return d.String(a.Raw), true
	}
	return "", false
}

// SetAttributeValue 修改属性的类型化值；非字符串值清空 raw value
func (d *Document) SetAttributeValue(elem, attr int, v chunk.Value) {
	n := &d.Nodes[elem]
	a := &n.Attrs[attr]
	if a.Value == v {
		return
	}
	a.Value = v
	if v.Type == chunk.ValueString {
		a.Raw = v.Data
	} else {
		a.Raw = chunk.NoIndex
	}
	n.dirty = true
	d.dirty = true
}

// Clone 深拷贝文档
func (d *Document) Clone() *Document {
	c := &Document{
		Pool:        d.Pool.Clone(),
		ResourceIDs: append([]uint32(nil), d.ResourceIDs...),
		Nodes:       make([]Node, len(d.Nodes)),
		raw:         d.raw,
		mapRaw:      d.mapRaw,
		dirty:       d.dirty,
	}
	for i, n := range d.Nodes {
		n.Attrs = append([]Attribute(nil), n.Attrs...)
		c.Nodes[i] = n
	}
	return c
}

// Serialize 序列化文档；未修改时原样返回输入
func (d *Document) Serialize() ([]byte, error) {
	if !d.Modified() && d.raw != nil {
		return append([]byte(nil), d.raw...), nil
	}

	w := chunk.NewWriter(len(d.raw) + 256)
	start := w.Begin(chunk.TypeXML, chunk.HeaderSize)
	if err := d.Pool.Encode(w); err != nil {
		return nil, err
	}

	if len(d.ResourceIDs) > 0 {
		if d.mapRaw != nil && len(d.mapRaw) == chunk.HeaderSize+4*len(d.ResourceIDs) {
			w.Write(d.mapRaw)
		} else {
			rm := w.Begin(chunk.TypeXMLResourceMap, chunk.HeaderSize)
			for _, id := range d.ResourceIDs {
				w.U32(id)
			}
			w.End(rm)
		}
	}

	for i := range d.Nodes {
		n := &d.Nodes[i]
		if !n.dirty && n.raw != nil {
			w.Write(n.raw)
			continue
		}
		n.encode(w)
	}
	w.End(start)
	return w.Bytes(), nil
}

func (n *Node) encode(w *chunk.Writer) {
	start := w.Begin(n.Type, nodeHeaderSize)
	w.U32(n.Line)
	w.U32(n.Comment)
	switch n.Type {
	case chunk.TypeXMLStartNamespace, chunk.TypeXMLEndNamespace:
		w.U32(n.Prefix)
		w.U32(n.URI)
	case chunk.TypeXMLEndElement:
		w.U32(n.NS)
		w.U32(n.Name)
	case chunk.TypeXMLCData:
		w.U32(n.Data)
		n.Typed.Encode(w)
	case chunk.TypeXMLStartElement:
		w.U32(n.NS)
		w.U32(n.Name)
		w.U16(elementExtSize)
		w.U16(attributeSize)
		w.U16(uint16(len(n.Attrs)))
		w.U16(n.IDIndex)
		w.U16(n.ClassIndex)
		w.U16(n.StyleIndex)
		for _, a := range n.Attrs {
			w.U32(a.NS)
			w.U32(a.Name)
			w.U32(a.Raw)
			a.Value.Encode(w)
		}
	}
	w.End(start)
}
