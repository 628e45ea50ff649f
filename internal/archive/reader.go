package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/klauspost/compress/zip"

	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

// Reader 只读归档
type Reader struct {
	zr    *zip.ReadCloser
	files map[string]*zip.File
}

// OpenReader 打开归档用于读取
func OpenReader(path string) (*Reader, error) {
	zr, err := zip.OpenReader(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", patcherr.ErrMalformed, path, err)
	}
	r := &Reader{zr: zr, files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		// 同名条目以后出现者为准，与中央目录语义一致
		r.files[f.Name] = f
	}
	return r, nil
}

// Has 条目是否存在
func (r *Reader) Has(name string) bool {
	_, ok := r.files[name]
	return ok
}

// Names 条目名，按目录顺序
func (r *Reader) Names() []string {
	names := make([]string, 0, len(r.zr.File))
	for _, f := range r.zr.File {
		names = append(names, f.Name)
	}
	return names
}

// Read 读取条目内容
func (r *Reader) Read(name string) ([]byte, error) {
	f, ok := r.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: entry %s not in archive", patcherr.ErrMissing, name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open entry %s: %v", patcherr.ErrMalformed, name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: read entry %s: %v", patcherr.ErrMalformed, name, err)
	}
	return data, nil
}

// Close 关闭归档
func (r *Reader) Close() error { return r.zr.Close() }

// ReadEntry 读取单个条目
func ReadEntry(path, name string) ([]byte, error) {
	r, err := OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Read(name)
}

// HasEntry 条目是否存在
func HasEntry(path, name string) (bool, error) {
	r, err := OpenReader(path)
	if err != nil {
		return false, err
	}
	defer r.Close()
	return r.Has(name), nil
}

// Validate 检查文件是否为可读取的 zip 归档
func Validate(path string) error {
	r, err := OpenReader(path)
	if err != nil {
		return err
	}
	return r.Close()
}
