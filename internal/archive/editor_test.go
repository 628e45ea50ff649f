package archive

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
	"github.com/apk-analysis/apk-patcher-go/internal/testutil"
)

func sampleAPK(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "base-1.0.apk")
	testutil.WriteAPK(t, path, map[string][]byte{
		"AndroidManifest.xml":                   []byte("manifest"),
		"resources.arsc":                        bytes.Repeat([]byte{0xab}, 513),
		"res/mipmap-anydpi-v26/ic_launcher.xml": []byte("icon"),
		"classes.dex":                           bytes.Repeat([]byte("dex"), 1000),
	})
	return path
}

// TestEdit_ReplaceWriteDelete 测试替换、新增、删除后归档可被标准读取器读取
func TestEdit_ReplaceWriteDelete(t *testing.T) {
	path := sampleAPK(t)
	table := bytes.Repeat([]byte{0xcd}, 777)

	err := Edit(path, func(e *Editor) error {
		if err := e.ReplaceEntry(context.Background(), ResourceTableName, table); err != nil {
			return err
		}
		if err := e.WriteEntry(context.Background(), "res/mipmap-anydpi-v26/ic_launcher_beta.xml", []byte("beta")); err != nil {
			return err
		}
		return e.DeleteEntry("classes.dex")
	})
	require.NoError(t, err)

	files := testutil.ReadAPK(t, path)
	assert.Equal(t, map[string][]byte{
		"AndroidManifest.xml":                        []byte("manifest"),
		"resources.arsc":                             table,
		"res/mipmap-anydpi-v26/ic_launcher.xml":      []byte("icon"),
		"res/mipmap-anydpi-v26/ic_launcher_beta.xml": []byte("beta"),
	}, files)
}

// TestEdit_ResourceTableStoredAligned 测试资源表不压缩且 4 字节对齐
func TestEdit_ResourceTableStoredAligned(t *testing.T) {
	path := sampleAPK(t)
	for i := 0; i < 3; i++ {
		// 不同的前置长度得到不同的填充
		name := "res/raw/" + string(rune('a'+i)) + ".bin"
		require.NoError(t, Edit(path, func(e *Editor) error {
			if err := e.WriteEntry(context.Background(), name, []byte{byte(i)}); err != nil {
				return err
			}
			return e.ReplaceEntry(context.Background(), ResourceTableName, bytes.Repeat([]byte{byte(i)}, 100+i))
		}))

		zr, err := zip.OpenReader(path)
		require.NoError(t, err)
		for _, f := range zr.File {
			if f.Name != ResourceTableName {
				continue
			}
			assert.Equal(t, uint16(zip.Store), f.Method)
			off, err := f.DataOffset()
			require.NoError(t, err)
			assert.Zero(t, off%4, "resources.arsc data offset %d", off)
		}
		require.NoError(t, zr.Close())
	}
}

// TestEdit_NoChangesKeepsFile 测试未修改时文件逐字节不变
func TestEdit_NoChangesKeepsFile(t *testing.T) {
	path := sampleAPK(t)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, Edit(path, func(e *Editor) error {
		assert.ElementsMatch(t, []string{
			"AndroidManifest.xml", "resources.arsc", "res/mipmap-anydpi-v26/ic_launcher.xml", "classes.dex",
		}, e.Entries())
		return nil
	}))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// TestEdit_FlushOnError 测试作用域函数失败时目录仍写出一次且错误合并
func TestEdit_FlushOnError(t *testing.T) {
	path := sampleAPK(t)
	boom := errors.New("boom")

	err := Edit(path, func(e *Editor) error {
		require.NoError(t, e.WriteEntry(context.Background(), "extra.txt", []byte("kept")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	data, err := ReadEntry(path, "extra.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), data)
}

// TestEdit_Errors 测试缺失条目、取消与关闭后的调用
func TestEdit_Errors(t *testing.T) {
	path := sampleAPK(t)
	e, err := Open(path)
	require.NoError(t, err)

	assert.True(t, errors.Is(e.DeleteEntry("missing"), patcherr.ErrMissing))
	assert.True(t, errors.Is(e.ReplaceEntry(context.Background(), "missing", nil), patcherr.ErrMissing))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = e.WriteEntry(ctx, "late.txt", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, e.Has("late.txt"))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Error(t, e.WriteEntry(context.Background(), "after.txt", nil))

	ok, err := HasEntry(path, "late.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestOpen_NotAnArchive 测试非 zip 文件
func TestOpen_NotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.apk")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("junk"), 100), 0o644))

	_, err := Open(path)
	assert.True(t, errors.Is(err, patcherr.ErrMalformed))
	assert.True(t, errors.Is(Validate(path), patcherr.ErrMalformed))

	_, err = ReadEntry(filepath.Join(t.TempDir(), "absent.apk"), "x")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// TestReader 测试读取接口
func TestReader(t *testing.T) {
	path := sampleAPK(t)
	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	assert.True(t, r.Has("classes.dex"))
	assert.Len(t, r.Names(), 4)
	data, err := r.Read("classes.dex")
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("dex"), 1000), data)

	_, err = r.Read("nope")
	assert.True(t, errors.Is(err, patcherr.ErrMissing))
}
