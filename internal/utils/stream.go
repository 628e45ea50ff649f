package utils

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/apk-analysis/apk-patcher-go/internal/step"
)

// lz4Suffix 压缩后的运行日志后缀
const lz4Suffix = ".lz4"

// StreamJSONLReader 流式 JSONL 读取器，.lz4 文件透明解压
type StreamJSONLReader struct {
	file    *os.File
	scanner *bufio.Scanner
	lineNum int
}

// NewStreamJSONLReader 创建流式 JSONL 读取器
func NewStreamJSONLReader(filePath string) (*StreamJSONLReader, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}

	var src io.Reader = file
	if strings.HasSuffix(filePath, lz4Suffix) {
		src = lz4.NewReader(file)
	}

	scanner := bufio.NewScanner(src)
	// 设置较大的缓冲区 (1MB) 以处理大行
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024) // 最大 10MB

	return &StreamJSONLReader{
		file:    file,
		scanner: scanner,
	}, nil
}

// ReadNextTyped 读取下一行并解析为指定类型
func (r *StreamJSONLReader) ReadNextTyped(v interface{}) error {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return err
		}
		return io.EOF
	}

	r.lineNum++
	return json.Unmarshal(r.scanner.Bytes(), v)
}

// LineNumber 获取当前行号
func (r *StreamJSONLReader) LineNumber() int {
	return r.lineNum
}

// Close 关闭读取器
func (r *StreamJSONLReader) Close() error {
	return r.file.Close()
}

// ReadRunLog 读取运行日志的全部行
func ReadRunLog(filePath string) ([]step.LogLine, error) {
	reader, err := NewStreamJSONLReader(filePath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var lines []step.LogLine
	for {
		var line step.LogLine
		err := reader.ReadNextTyped(&line)
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", reader.LineNumber(), err)
		}
		lines = append(lines, line)
	}
}

// StreamJSONLWriter 流式 JSONL 写入器
type StreamJSONLWriter struct {
	file   *os.File
	writer *bufio.Writer
}

// NewStreamJSONLWriter 创建流式 JSONL 写入器
func NewStreamJSONLWriter(filePath string) (*StreamJSONLWriter, error) {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	return &StreamJSONLWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024), // 64KB 缓冲
	}, nil
}

// WriteLine 写入一行 JSON
func (w *StreamJSONLWriter) WriteLine(data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(jsonData); err != nil {
		return err
	}
	return w.writer.WriteByte('\n')
}

// Flush 刷新缓冲区
func (w *StreamJSONLWriter) Flush() error {
	return w.writer.Flush()
}

// Close 关闭写入器
func (w *StreamJSONLWriter) Close() error {
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// CompressLZ4 把 src 压缩为 lz4 帧格式写到 dst
func CompressLZ4(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	zw := lz4.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("lz4 compress %s: %w", src, err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("lz4 compress %s: %w", src, err)
	}
	return out.Close()
}

// RunLogFile 单次运行的 JSONL 日志，结束时可压缩为 .jsonl.lz4
type RunLogFile struct {
	mu       sync.Mutex
	path     string
	w        *StreamJSONLWriter
	compress bool
	err      error
	closed   bool
}

// OpenRunLog 在 dir 下创建 <runID>.jsonl
func OpenRunLog(dir, runID string, compress bool) (*RunLogFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, runID+".jsonl")
	w, err := NewStreamJSONLWriter(path)
	if err != nil {
		return nil, err
	}
	return &RunLogFile{path: path, w: w, compress: compress}, nil
}

// Path 当前写入的文件
func (l *RunLogFile) Path() string { return l.path }

// Emit 实现 step.LogSink；写入失败只记录第一次错误
func (l *RunLogFile) Emit(line step.LogLine) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.err != nil {
		return
	}
	if err := l.w.WriteLine(line); err != nil {
		l.err = err
	}
}

// Close 结束写入并返回最终路径
func (l *RunLogFile) Close() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return l.path, l.err
	}
	l.closed = true

	if err := l.w.Close(); err != nil && l.err == nil {
		l.err = err
	}
	if l.err != nil || !l.compress {
		return l.path, l.err
	}

	compressed := l.path + lz4Suffix
	if err := CompressLZ4(l.path, compressed); err != nil {
		// 保留未压缩版本
		return l.path, err
	}
	if err := os.Remove(l.path); err != nil {
		return compressed, err
	}
	l.path = compressed
	return l.path, nil
}
