package steps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patcher-go/internal/archive"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
	"github.com/apk-analysis/apk-patcher-go/internal/retry"
	"github.com/apk-analysis/apk-patcher-go/internal/step"
)

// DownloadStep 下载一个安装包到缓存，再复制到工作目录
// 缓存优先：缓存文件存在且是合法归档时不再请求网络
type DownloadStep struct {
	kind     step.Kind
	name     string
	artifact string
	opts     Options
}

// NewDownloadBaseStep 主包
func NewDownloadBaseStep(opts Options) *DownloadStep {
	return &DownloadStep{kind: step.KindDownloadBase, name: "Download base package", artifact: "base", opts: opts}
}

// NewDownloadLangStep 语言分包
func NewDownloadLangStep(opts Options) *DownloadStep {
	return &DownloadStep{kind: step.KindDownloadLang, name: "Download language split", artifact: opts.LocaleSplit(), opts: opts}
}

// NewDownloadResourcesStep 屏幕密度分包；未配置密度时该步骤被跳过
func NewDownloadResourcesStep(opts Options) *DownloadStep {
	s := &DownloadStep{kind: step.KindDownloadResources, name: "Download resources split", opts: opts}
	if opts.Density != "" {
		s.artifact = "config." + opts.Density
	}
	return s
}

// NewDownloadLibsStep 原生库分包；ABI 中的 - 按分包命名规则换成 _
func NewDownloadLibsStep(opts Options) *DownloadStep {
	s := &DownloadStep{kind: step.KindDownloadLibs, name: "Download native libraries split", opts: opts}
	if opts.ABI != "" {
		s.artifact = "config." + strings.ReplaceAll(opts.ABI, "-", "_")
	}
	return s
}

func (s *DownloadStep) Kind() step.Kind   { return s.kind }
func (s *DownloadStep) Group() step.Group { return step.GroupDownload }
func (s *DownloadStep) Name() string      { return s.name }

// Skip 没有可下载的分包
func (s *DownloadStep) Skip(*step.Runner) (bool, string) {
	if s.artifact == "" {
		return true, "split not configured"
	}
	return false, ""
}

// URL 远程地址
func (s *DownloadStep) URL() string {
	return fmt.Sprintf("%s/tracker/download/%s/%s", s.opts.Mirror, s.opts.Version, s.artifact)
}

func (s *DownloadStep) fileName() string {
	return fmt.Sprintf("%s-%s.apk", s.artifact, s.opts.Version)
}

// CachePath 持久缓存路径
func (s *DownloadStep) CachePath() string { return filepath.Join(s.opts.CacheDir, s.fileName()) }

// WorkingPath 本次运行的工作副本路径
func (s *DownloadStep) WorkingPath() string { return filepath.Join(s.opts.WorkDir, s.fileName()) }

func (s *DownloadStep) Run(ctx context.Context, r *step.Runner) (step.Artifact, error) {
	log := r.Logger().WithFields(logrus.Fields{"step": string(s.kind), "artifact": s.artifact})
	cache := s.CachePath()

	fromCache := false
	if _, err := os.Stat(cache); err == nil {
		if verr := archive.Validate(cache); verr == nil {
			fromCache = true
			log.WithField("path", cache).Info("Using cached package")
		} else {
			log.WithError(verr).Warn("Cached package is corrupt, downloading again")
			if err := os.Remove(cache); err != nil {
				return step.Artifact{}, fmt.Errorf("%w: remove corrupt cache: %v", patcherr.ErrTransfer, err)
			}
		}
	}

	if !fromCache {
		if err := s.fetch(ctx, log); err != nil {
			return step.Artifact{}, err
		}
	}

	size, err := copyFile(ctx, cache, s.WorkingPath(), s.opts.chunkSize())
	if err != nil {
		return step.Artifact{}, err
	}
	log.WithFields(logrus.Fields{"path": s.WorkingPath(), "size": size}).Info("Working copy ready")

	return step.Artifact{File: &step.FileArtifact{
		Artifact:  s.artifact,
		Version:   s.opts.Version,
		CachePath: cache,
		Path:      s.WorkingPath(),
		Size:      size,
		FromCache: fromCache,
	}}, nil
}

// fetch 下载到 <cache>.part，校验通过后改名为缓存文件
func (s *DownloadStep) fetch(ctx context.Context, log *logrus.Entry) error {
	if err := os.MkdirAll(s.opts.CacheDir, 0o755); err != nil {
		return fmt.Errorf("%w: create cache dir: %v", patcherr.ErrTransfer, err)
	}
	part := s.CachePath() + ".part"
	url := s.URL()

	cfg := s.opts.Retry
	cfg.Logger = log
	cfg.Operation = string(s.kind)
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	err := retry.Do(ctx, &cfg, func(ctx context.Context) error {
		return s.transfer(ctx, url, part, log)
	})
	if err != nil {
		return err
	}

	if err := archive.Validate(part); err != nil {
		os.Remove(part)
		return fmt.Errorf("%w: downloaded %s is not a valid package: %w", patcherr.ErrTransfer, s.artifact, err)
	}
	if err := os.Rename(part, s.CachePath()); err != nil {
		return fmt.Errorf("%w: %v", patcherr.ErrTransfer, err)
	}
	log.WithField("path", s.CachePath()).Info("📦 Package downloaded")
	return nil
}

// transfer 一次 HTTP 传输；.part 已有内容时用 Range 续传
func (s *DownloadStep) transfer(ctx context.Context, url, part string, log *logrus.Entry) error {
	var offset int64
	if fi, err := os.Stat(part); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("%w: %v", patcherr.ErrTransfer, err))
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := s.opts.client().Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", patcherr.ErrTransfer, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		flags |= os.O_APPEND
		log.WithField("offset", offset).Info("Resuming download")
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// .part 比远端文件还长，丢弃后重来
		os.Remove(part)
		return fmt.Errorf("%w: range not satisfiable for %s", patcherr.ErrTransfer, url)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned %s", patcherr.ErrTransfer, url, resp.Status)
	default:
		return retry.Permanent(fmt.Errorf("%w: %s returned %s", patcherr.ErrTransfer, url, resp.Status))
	}

	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return retry.Permanent(fmt.Errorf("%w: %v", patcherr.ErrTransfer, err))
	}
	n, err := copyChunks(ctx, f, resp.Body, s.opts.chunkSize())
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: %v", patcherr.ErrTransfer, cerr)
	}
	log.WithFields(logrus.Fields{"bytes": n, "status": resp.StatusCode}).Debug("Transfer finished")
	return err
}

// copyChunks 分块复制，每块之间检查取消；已写入的字节保留在 dst 中
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, chunkSize int) (int64, error) {
	buf := make([]byte, chunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, retry.Permanent(fmt.Errorf("%w: write: %v", patcherr.ErrTransfer, werr))
			}
			total += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			return total, fmt.Errorf("%w: read: %v", patcherr.ErrTransfer, rerr)
		}
	}
}

// copyFile 把缓存复制为工作副本
func copyFile(ctx context.Context, src, dst string, chunkSize int) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", patcherr.ErrTransfer, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("%w: %v", patcherr.ErrTransfer, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", patcherr.ErrTransfer, err)
	}
	n, err := copyChunks(ctx, out, in, chunkSize)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: %v", patcherr.ErrTransfer, cerr)
	}
	return n, err
}
