package watcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/apk-analysis/apk-patcher-go/internal/archive"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

var baseNamePattern = regexp.MustCompile(`^base-([0-9A-Za-z][0-9A-Za-z._+-]*)\.apk$`)

// ParseBaseName 从 base-<version>.apk 中取出版本号
func ParseBaseName(name string) (string, bool) {
	m := baseNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// MatchBase 只关注基础包
func MatchBase(name string) bool {
	_, ok := ParseBaseName(name)
	return ok
}

// NewInboxHandler 校验投放的基础包，移入缓存目录后为该版本提交运行
func NewInboxHandler(cacheDir string, submit func(ctx context.Context, version string) error) FileHandler {
	return func(ctx context.Context, filePath string) error {
		name := filepath.Base(filePath)
		version, ok := ParseBaseName(name)
		if !ok {
			return fmt.Errorf("%w: unexpected file name %q", patcherr.ErrMalformed, name)
		}

		if err := archive.Validate(filePath); err != nil {
			// 损坏的文件留在原处等人工处理
			return fmt.Errorf("validate %s: %w", name, err)
		}

		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return err
		}
		if err := moveFile(filePath, filepath.Join(cacheDir, name)); err != nil {
			return fmt.Errorf("import %s: %w", name, err)
		}

		return submit(ctx, version)
	}
}

// moveFile 优先改名，跨文件系统时复制后删除
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}
