package testutil

import (
	"io"
	"os"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

// WriteAPK 以 deflate 写出包含 files 的安装包，条目按名称排序
func WriteAPK(tb testing.TB, path string, files map[string][]byte) {
	tb.Helper()

	f, err := os.Create(path)
	require.NoError(tb, err)
	defer f.Close()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	zw := zip.NewWriter(f)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(tb, err)
		_, err = w.Write(files[name])
		require.NoError(tb, err)
	}
	require.NoError(tb, zw.Close())
}

// ReadAPK 读取安装包全部条目
func ReadAPK(tb testing.TB, path string) map[string][]byte {
	tb.Helper()

	zr, err := zip.OpenReader(path)
	require.NoError(tb, err)
	defer zr.Close()

	out := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(tb, err)
		buf, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(tb, err)
		out[f.Name] = buf
	}
	return out
}
