package arsc

import (
	"errors"
	"strings"
	"testing"

	"github.com/apk-analysis/apk-patcher-go/internal/chunk"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
	"github.com/apk-analysis/apk-patcher-go/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	anydpiV26 = testutil.Qualifier{Density: DensityAny, SDK: 26}
	xxhdpi    = testutil.Qualifier{Density: DensityXXHigh}
	enUS      = testutil.Qualifier{Language: "en", Country: "US"}
)

// sampleTable 带图标、颜色与字符串的单包资源表
func sampleTable(sparse bool) (*testutil.TableBuilder, uint32) {
	b := testutil.NewTable("com.example.tracker")
	b.Sparse = sparse
	b.Library = true
	icon := b.AddFile("mipmap", "ic_launcher", anydpiV26, "res/mipmap-anydpi-v26/ic_launcher.xml")
	b.AddFile("mipmap", "ic_launcher", xxhdpi, "res/mipmap-xxhdpi-v4/ic_launcher.png")
	b.AddFile("mipmap", "ic_launcher", testutil.Qualifier{}, "res/mipmap-mdpi-v4/ic_launcher.png")
	b.AddFile("mipmap", "ic_launcher", enUS, "res/mipmap-en-rUS/ic_launcher.png")
	b.AddValue("color", "primary", testutil.Qualifier{}, chunk.Value{Type: chunk.ValueIntColorARGB8, Data: 0xff112233})
	b.AddValue("color", "accent", testutil.Qualifier{}, chunk.Value{Type: chunk.ValueIntColorARGB8, Data: 0xff445566})
	b.AddValue("color", "accent", testutil.Qualifier{SDK: 31}, chunk.Value{Type: chunk.ValueIntColorARGB8, Data: 0xff778899})
	return b, icon
}

func colorValue(t *testing.T, tbl *Table, id ResourceID) chunk.Value {
	t.Helper()
	pkg, err := tbl.LocatePackageChunk()
	require.NoError(t, err)
	for _, tc := range pkg.Types(id.Type()) {
		if !tc.Config.IsDefault() {
			continue
		}
		e, ok, err := tc.Entry(uint32(id.Entry()))
		require.NoError(t, err)
		require.True(t, ok, "entry %s missing", id)
		return e.Value
	}
	t.Fatalf("no default type chunk for %s", id)
	return chunk.Value{}
}

// TestParse_RoundTripUnmodified 测试未修改的表逐字节写回
func TestParse_RoundTripUnmodified(t *testing.T) {
	for _, sparse := range []bool{false, true} {
		b, _ := sampleTable(sparse)
		raw := b.Build()

		tbl, err := Parse(raw)
		require.NoError(t, err)
		assert.False(t, tbl.Modified())

		out, err := tbl.Serialize()
		require.NoError(t, err)
		assert.Equal(t, raw, out)
	}
}

// TestParse_RoundTripReencoded 测试强制重编码每个 chunk 后结果仍逐字节一致
func TestParse_RoundTripReencoded(t *testing.T) {
	for _, sparse := range []bool{false, true} {
		b, _ := sampleTable(sparse)
		raw := b.Build()

		tbl, err := Parse(raw)
		require.NoError(t, err)
		for i := range tbl.nodes {
			tbl.nodes[i].dirty = true
		}
		assert.True(t, tbl.Modified())

		out, err := tbl.Serialize()
		require.NoError(t, err)
		assert.Equal(t, raw, out, "sparse=%v", sparse)
	}
}

// TestParse_Structure 测试 chunk 树结构与父子关系
func TestParse_Structure(t *testing.T) {
	b, _ := sampleTable(false)
	tbl, err := Parse(b.Build())
	require.NoError(t, err)

	th, err := tbl.LocateTableChunk()
	require.NoError(t, err)
	assert.Equal(t, NoHandle, tbl.Parent(th))

	pkg, err := tbl.LocatePackageChunk()
	require.NoError(t, err)
	assert.Equal(t, uint32(testutil.AppPackageID), pkg.ID())
	assert.Equal(t, "com.example.tracker", pkg.Name())
	assert.Equal(t, th, tbl.Parent(pkg.Handle()))

	var types []uint16
	for _, c := range tbl.Children(pkg.Handle()) {
		types = append(types, tbl.Type(c))
		assert.Equal(t, pkg.Handle(), tbl.Parent(c))
	}
	assert.Equal(t, []uint16{
		chunk.TypeStringPool, chunk.TypeStringPool,
		chunk.TypeTableTypeSpec, chunk.TypeTableType, chunk.TypeTableType, chunk.TypeTableType, chunk.TypeTableType,
		chunk.TypeTableTypeSpec, chunk.TypeTableType, chunk.TypeTableType,
		chunk.TypeTableLibrary,
	}, types)

	colorID, ok := pkg.TypeID("color")
	require.True(t, ok)
	assert.Equal(t, uint8(2), colorID)
	spec, ok := pkg.TypeSpec(colorID)
	require.True(t, ok)
	assert.Equal(t, 2, spec.EntryCount())
}

// TestResolveFileName 测试按限定符解析文件路径
func TestResolveFileName(t *testing.T) {
	b, icon := sampleTable(false)
	tbl, err := Parse(b.Build())
	require.NoError(t, err)
	id := ResourceID(icon)

	cases := map[string]string{
		"anydpi-v26": "res/mipmap-anydpi-v26/ic_launcher.xml",
		"xxhdpi":     "res/mipmap-xxhdpi-v4/ic_launcher.png",
		"":           "res/mipmap-mdpi-v4/ic_launcher.png",
		"en-rUS":     "res/mipmap-en-rUS/ic_launcher.png",
	}
	for qualifier, want := range cases {
		got, err := tbl.ResolveFileName(id, qualifier)
		require.NoError(t, err, qualifier)
		assert.Equal(t, want, got, qualifier)
	}

	_, err = tbl.ResolveFileName(id, "xxxhdpi")
	assert.True(t, errors.Is(err, patcherr.ErrMissing))

	_, err = tbl.ResolveFileName(NewResourceID(0x7f, 1, 9), "anydpi-v26")
	assert.True(t, errors.Is(err, patcherr.ErrMissing))

	_, err = tbl.ResolveFileName(NewResourceID(0x01, 1, 0), "anydpi-v26")
	assert.True(t, errors.Is(err, patcherr.ErrMissing))
}

// TestResolveFileName_NotAFile 测试非字符串值不被当作文件路径
func TestResolveFileName_NotAFile(t *testing.T) {
	b, _ := sampleTable(false)
	tbl, err := Parse(b.Build())
	require.NoError(t, err)

	_, err = tbl.ResolveFileName(NewResourceID(0x7f, 2, 0), "")
	assert.True(t, errors.Is(err, patcherr.ErrMissing))
}

// TestAddColorResource_ExistingType 测试向已有 color 类型追加条目
func TestAddColorResource_ExistingType(t *testing.T) {
	for _, sparse := range []bool{false, true} {
		b, icon := sampleTable(sparse)
		tbl, err := Parse(b.Build())
		require.NoError(t, err)

		id, err := tbl.AddColorResource("tracker_icon_background", 0xff00aa88)
		require.NoError(t, err)
		assert.Equal(t, uint8(0x7f), id.Package())
		assert.Equal(t, uint8(2), id.Type())
		assert.Equal(t, uint16(2), id.Entry())
		assert.True(t, tbl.Modified())

		out, err := tbl.Serialize()
		require.NoError(t, err)

		reparsed, err := Parse(out)
		require.NoError(t, err)
		v := colorValue(t, reparsed, id)
		assert.Equal(t, chunk.ValueIntColorARGB8, v.Type)
		assert.Equal(t, uint32(0xff00aa88), v.Data)

		// 既有资源仍可解析
		assert.Equal(t, uint32(0xff112233), colorValue(t, reparsed, NewResourceID(0x7f, 2, 0)).Data)
		path, err := reparsed.ResolveFileName(ResourceID(icon), "anydpi-v26")
		require.NoError(t, err)
		assert.Equal(t, "res/mipmap-anydpi-v26/ic_launcher.xml", path)

		pkg, err := reparsed.LocatePackageChunk()
		require.NoError(t, err)
		spec, ok := pkg.TypeSpec(2)
		require.True(t, ok)
		assert.Equal(t, 3, spec.EntryCount())

		tc := pkg.Types(2)[0]
		e, ok, err := tc.Entry(2)
		require.NoError(t, err)
		require.True(t, ok)
		name, err := pkg.EntryName(e)
		require.NoError(t, err)
		assert.Equal(t, "tracker_icon_background", name)

		// 其他配置不受影响
		_, ok, err = pkg.Types(2)[1].Entry(2)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}

// TestAddColorResource_Idempotent 测试同名同值不产生修改
func TestAddColorResource_Idempotent(t *testing.T) {
	b, _ := sampleTable(false)
	tbl, err := Parse(b.Build())
	require.NoError(t, err)

	first, err := tbl.AddColorResource("lumi", 0xff0000ff)
	require.NoError(t, err)
	again, err := tbl.AddColorResource("lumi", 0xff0000ff)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	out, err := tbl.Serialize()
	require.NoError(t, err)

	reparsed, err := Parse(out)
	require.NoError(t, err)
	third, err := reparsed.AddColorResource("lumi", 0xff0000ff)
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.False(t, reparsed.Modified())

	same, err := reparsed.Serialize()
	require.NoError(t, err)
	assert.Equal(t, out, same)
}

// TestSerialize_KeyTooLong 测试键名超出 UTF-8 池长度上限时序列化报错
func TestSerialize_KeyTooLong(t *testing.T) {
	b, _ := sampleTable(false)
	tbl, err := Parse(b.Build())
	require.NoError(t, err)

	_, err = tbl.AddColorResource(strings.Repeat("k", 40000), 0xff000000)
	require.NoError(t, err)

	_, err = tbl.Serialize()
	assert.True(t, errors.Is(err, patcherr.ErrMalformed))
}

// TestAddColorResource_Overwrite 测试同名不同值覆盖原值
func TestAddColorResource_Overwrite(t *testing.T) {
	b, _ := sampleTable(false)
	tbl, err := Parse(b.Build())
	require.NoError(t, err)

	id, err := tbl.AddColorResource("primary", 0xffabcdef)
	require.NoError(t, err)
	assert.Equal(t, NewResourceID(0x7f, 2, 0), id)
	assert.True(t, tbl.Modified())

	out, err := tbl.Serialize()
	require.NoError(t, err)
	reparsed, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xffabcdef), colorValue(t, reparsed, id).Data)

	pkg, err := reparsed.LocatePackageChunk()
	require.NoError(t, err)
	spec, _ := pkg.TypeSpec(2)
	assert.Equal(t, 2, spec.EntryCount())
}

// TestAddColorResource_NewType 测试表中没有 color 类型时新建类型
func TestAddColorResource_NewType(t *testing.T) {
	b := testutil.NewTable("com.example.tracker")
	icon := b.AddFile("mipmap", "ic_launcher", anydpiV26, "res/mipmap-anydpi-v26/ic_launcher.xml")
	tbl, err := Parse(b.Build())
	require.NoError(t, err)

	id, err := tbl.AddColorResource("lumi", 0xff102030)
	require.NoError(t, err)
	assert.Equal(t, NewResourceID(0x7f, 2, 0), id)

	out, err := tbl.Serialize()
	require.NoError(t, err)
	reparsed, err := Parse(out)
	require.NoError(t, err)

	pkg, err := reparsed.LocatePackageChunk()
	require.NoError(t, err)
	typeID, ok := pkg.TypeID(ColorType)
	require.True(t, ok)
	assert.Equal(t, uint8(2), typeID)

	spec, ok := pkg.TypeSpec(typeID)
	require.True(t, ok)
	assert.Equal(t, 1, spec.EntryCount())
	assert.Equal(t, uint16(1), spec.TypesCount)
	require.Len(t, pkg.Types(typeID), 1)
	assert.True(t, pkg.Types(typeID)[0].Config.IsDefault())
	assert.Equal(t, uint32(0xff102030), colorValue(t, reparsed, id).Data)

	path, err := reparsed.ResolveFileName(ResourceID(icon), "anydpi-v26")
	require.NoError(t, err)
	assert.Equal(t, "res/mipmap-anydpi-v26/ic_launcher.xml", path)

	// 重新解析后的表上重复调用不修改
	again, err := reparsed.AddColorResource("lumi", 0xff102030)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.False(t, reparsed.Modified())
}

// TestSerialize_UntouchedChunksVerbatim 测试修改后未触及的 chunk 字节不变
func TestSerialize_UntouchedChunksVerbatim(t *testing.T) {
	b, _ := sampleTable(false)
	tbl, err := Parse(b.Build())
	require.NoError(t, err)

	pkg, err := tbl.LocatePackageChunk()
	require.NoError(t, err)
	before := map[int][]byte{}
	for i, c := range tbl.Children(pkg.Handle()) {
		before[i] = tbl.nodes[c].raw
	}
	th, _ := tbl.LocateTableChunk()
	globalBefore := tbl.nodes[tbl.Children(th)[0]].raw

	_, err = tbl.AddColorResource("lumi", 0xff000000)
	require.NoError(t, err)
	out, err := tbl.Serialize()
	require.NoError(t, err)

	reparsed, err := Parse(out)
	require.NoError(t, err)
	th2, _ := reparsed.LocateTableChunk()
	assert.Equal(t, globalBefore, reparsed.nodes[reparsed.Children(th2)[0]].raw)

	pkg2, err := reparsed.LocatePackageChunk()
	require.NoError(t, err)
	after := reparsed.Children(pkg2.Handle())
	require.Len(t, after, len(before))
	// type pool、mipmap 类型与 library chunk 未修改
	for _, i := range []int{0, 2, 3, 4, 5, 6, 10} {
		assert.Equal(t, before[i], reparsed.nodes[after[i]].raw, "child %d", i)
	}
}

// TestParse_Malformed 测试截断与缺失结构
func TestParse_Malformed(t *testing.T) {
	b, _ := sampleTable(false)
	raw := b.Build()

	_, err := Parse(raw[:len(raw)-8])
	assert.True(t, errors.Is(err, patcherr.ErrMalformed))

	_, err = Parse(nil)
	assert.True(t, errors.Is(err, patcherr.ErrMalformed))

	// 只有字符串池、没有表 chunk
	w := chunk.NewWriter(64)
	require.NoError(t, chunk.NewStringPool(true).Encode(w))
	tbl, err := Parse(w.Bytes())
	require.NoError(t, err)
	_, err = tbl.LocatePackageChunk()
	assert.True(t, errors.Is(err, patcherr.ErrMissing))
	_, err = tbl.AddColorResource("x", 0)
	assert.True(t, errors.Is(err, patcherr.ErrMissing))
}

// TestParse_MultiPackage 测试多包表不被猜测
func TestParse_MultiPackage(t *testing.T) {
	b, _ := sampleTable(false)
	raw := b.Build()
	tbl, err := Parse(raw)
	require.NoError(t, err)
	pkg, err := tbl.LocatePackageChunk()
	require.NoError(t, err)

	// 复制包 chunk 构造双包表
	pkgRaw := tbl.nodes[pkg.Handle()].raw
	doubled := append(append([]byte(nil), raw...), pkgRaw...)
	w := chunk.NewWriter(len(doubled))
	w.Write(doubled)
	w.End(0)

	tbl2, err := Parse(w.Bytes())
	require.NoError(t, err)
	_, err = tbl2.LocatePackageChunk()
	assert.True(t, errors.Is(err, patcherr.ErrMalformed))
}
