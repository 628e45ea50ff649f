package axml

import (
	"errors"
	"testing"

	"github.com/apk-analysis/apk-patcher-go/internal/chunk"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
	"github.com/apk-analysis/apk-patcher-go/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	iconID       = 0x7f010000
	roundIconID  = 0x7f010001
	backgroundID = 0x7f020000
	foregroundID = 0x7f030000
	lumiColorID  = 0x7f020005
)

// TestParse_RoundTrip 测试未修改文档原样写回、强制重编码结果一致
func TestParse_RoundTrip(t *testing.T) {
	for _, raw := range [][]byte{
		testutil.Manifest("com.example.tracker", "", iconID, roundIconID),
		testutil.AdaptiveIcon(backgroundID, foregroundID),
	} {
		doc, err := Parse(raw)
		require.NoError(t, err)
		assert.False(t, doc.Modified())

		out, err := doc.Serialize()
		require.NoError(t, err)
		assert.Equal(t, raw, out)

		for i := range doc.Nodes {
			doc.Nodes[i].dirty = true
		}
		doc.dirty = true
		out, err = doc.Serialize()
		require.NoError(t, err)
		assert.Equal(t, raw, out)
	}
}

// TestParse_ParentIndices 测试节点的父元素下标
func TestParse_ParentIndices(t *testing.T) {
	doc, err := Parse(testutil.AdaptiveIcon(backgroundID, foregroundID))
	require.NoError(t, err)

	roots := doc.Elements("adaptive-icon")
	require.Len(t, roots, 1)
	root := roots[0]
	assert.Equal(t, NoParent, doc.Nodes[root].Parent)

	for _, name := range []string{"background", "foreground"} {
		elems := doc.Elements(name)
		require.Len(t, elems, 1)
		assert.Equal(t, root, doc.Nodes[elems[0]].Parent)
	}

	// 命名空间节点位于根元素之外
	assert.Equal(t, chunk.TypeXMLStartNamespace, doc.Nodes[0].Type)
	assert.Equal(t, NoParent, doc.Nodes[0].Parent)
	assert.Equal(t, testutil.AndroidNS, doc.String(doc.Nodes[0].URI))
}

// TestParse_Malformed 测试截断、未闭合与未知节点
func TestParse_Malformed(t *testing.T) {
	raw := testutil.AdaptiveIcon(backgroundID, foregroundID)

	_, err := Parse(raw[:len(raw)-4])
	assert.True(t, errors.Is(err, patcherr.ErrMalformed))

	doc, err := Parse(raw)
	require.NoError(t, err)

	// 去掉最后的结束命名空间与结束元素节点：元素未闭合
	tail := len(doc.Nodes[len(doc.Nodes)-1].raw) + len(doc.Nodes[len(doc.Nodes)-2].raw)
	w := chunk.NewWriter(len(raw))
	w.Write(raw[:len(raw)-tail])
	w.End(0)
	_, err = Parse(w.Bytes())
	assert.True(t, errors.Is(err, patcherr.ErrMalformed))

	// 节点流中出现未知 chunk
	w = chunk.NewWriter(len(raw) + 12)
	w.Write(raw)
	lib := w.Begin(chunk.TypeTableLibrary, 12)
	w.U32(0)
	w.End(lib)
	w.End(0)
	_, err = Parse(w.Bytes())
	assert.True(t, errors.Is(err, patcherr.ErrMalformed))

	// 不是 XML 文档
	_, err = Parse(testutil.NewTable("x").Build())
	assert.True(t, errors.Is(err, patcherr.ErrMalformed))
}

// TestDocument_Clone 测试克隆后修改互不影响
func TestDocument_Clone(t *testing.T) {
	doc, err := Parse(testutil.AdaptiveIcon(backgroundID, foregroundID))
	require.NoError(t, err)

	c := doc.Clone()
	changed, err := PatchAdaptiveIconBackground(c, lumiColorID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, c.Modified())
	assert.False(t, doc.Modified())

	bg := doc.Elements("background")[0]
	i, ok := doc.AttributeByID(bg, AttrDrawable)
	require.True(t, ok)
	assert.Equal(t, uint32(backgroundID), doc.Nodes[bg].Attrs[i].Value.Data)
}

// TestDocument_AttributeLookup 测试属性查找
func TestDocument_AttributeLookup(t *testing.T) {
	doc, err := Parse(testutil.Manifest("com.example.tracker", "config.en", iconID, 0))
	require.NoError(t, err)

	m := doc.Elements("manifest")[0]
	pkg, ok := doc.AttributeString(m, "package")
	require.True(t, ok)
	assert.Equal(t, "com.example.tracker", pkg)

	_, ok = doc.Attribute(m, "versionCode")
	assert.False(t, ok)

	app := doc.Elements("application")[0]
	i, ok := doc.AttributeByID(app, AttrIcon)
	require.True(t, ok)
	assert.Equal(t, "icon", doc.String(doc.Nodes[app].Attrs[i].Name))
	_, ok = doc.AttributeByID(app, AttrRoundIcon)
	assert.False(t, ok)
}
