// Package archive 以追加方式修改安装包（zip）中的条目
//
// 新数据从原中央目录的位置开始追加，中央目录与目录结尾记录只在 Close 时写出一次。
// 被删除或替换的旧条目数据留在文件中，不再被目录引用。
package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/flate"

	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

// ZIP 签名与常量
const (
	sigLocalHeader = 0x04034b50
	sigCentralDir  = 0x02014b50
	sigEndOfDir    = 0x06054b50

	localHeaderLen = 30
	centralDirLen  = 46
	endOfDirLen    = 22
	maxCommentLen  = 0xffff

	methodStore   = 0
	methodDeflate = 8

	versionNeeded = 20
	flagUTF8      = 0x0800

	// extraAlignment zipalign 使用的对齐扩展字段
	extraAlignment = 0xd935
)

// 1981-01-01 00:00:00，输出与运行时间无关
const (
	dosTime = 0
	dosDate = (1981-1980)<<9 | 1<<5 | 1
)

// ResourceTableName 资源表条目名，必须不压缩并 4 字节对齐
const ResourceTableName = "resources.arsc"

type dirEntry struct {
	name   string
	record []byte
}

// Editor 追加模式的归档编辑器
type Editor struct {
	f       *os.File
	path    string
	entries []dirEntry
	comment []byte

	// pos 下一次追加的位置，初始为原中央目录偏移
	pos      int64
	modified bool
	closed   bool
}

// Open 打开归档并读取中央目录
func Open(path string) (*Editor, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	e := &Editor{f: f, path: path}
	if err := e.readDirectory(); err != nil {
		f.Close()
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	return e, nil
}

func (e *Editor) readDirectory() error {
	st, err := e.f.Stat()
	if err != nil {
		return err
	}
	size := st.Size()
	if size < endOfDirLen {
		return fmt.Errorf("%w: file too small for a zip archive", patcherr.ErrMalformed)
	}

	tailLen := int64(endOfDirLen + maxCommentLen)
	if tailLen > size {
		tailLen = size
	}
	tail := make([]byte, tailLen)
	if _, err := e.f.ReadAt(tail, size-tailLen); err != nil {
		return err
	}
	eocd := -1
	for i := len(tail) - endOfDirLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(tail[i:]) == sigEndOfDir {
			eocd = i
			break
		}
	}
	if eocd < 0 {
		return fmt.Errorf("%w: end of central directory not found", patcherr.ErrMalformed)
	}
	rec := tail[eocd:]
	count := binary.LittleEndian.Uint16(rec[10:])
	dirSize := binary.LittleEndian.Uint32(rec[12:])
	dirOffset := binary.LittleEndian.Uint32(rec[16:])
	commentLen := int(binary.LittleEndian.Uint16(rec[20:]))
	if count == 0xffff || dirSize == 0xffffffff || dirOffset == 0xffffffff {
		return fmt.Errorf("%w: zip64 archives are not supported", patcherr.ErrMalformed)
	}
	if endOfDirLen+commentLen > len(rec) {
		return fmt.Errorf("%w: archive comment truncated", patcherr.ErrMalformed)
	}
	e.comment = append([]byte(nil), rec[endOfDirLen:endOfDirLen+commentLen]...)

	if int64(dirOffset)+int64(dirSize) > size-int64(len(tail)-eocd) {
		return fmt.Errorf("%w: central directory 0x%x+%d outside file", patcherr.ErrMalformed, dirOffset, dirSize)
	}
	dir := make([]byte, dirSize)
	if _, err := e.f.ReadAt(dir, int64(dirOffset)); err != nil {
		return err
	}

	for off := 0; off < len(dir); {
		if off+centralDirLen > len(dir) || binary.LittleEndian.Uint32(dir[off:]) != sigCentralDir {
			return fmt.Errorf("%w: bad central directory record at 0x%x", patcherr.ErrMalformed, off)
		}
		nameLen := int(binary.LittleEndian.Uint16(dir[off+28:]))
		extraLen := int(binary.LittleEndian.Uint16(dir[off+30:]))
		commentLen := int(binary.LittleEndian.Uint16(dir[off+32:]))
		end := off + centralDirLen + nameLen + extraLen + commentLen
		if end > len(dir) {
			return fmt.Errorf("%w: central directory record at 0x%x truncated", patcherr.ErrMalformed, off)
		}
		name := string(dir[off+centralDirLen : off+centralDirLen+nameLen])
		e.entries = append(e.entries, dirEntry{name: name, record: dir[off:end]})
		off = end
	}
	if len(e.entries) != int(count) {
		return fmt.Errorf("%w: directory lists %d entries, end record says %d", patcherr.ErrMalformed, len(e.entries), count)
	}
	e.pos = int64(dirOffset)
	return nil
}

// Entries 当前目录中的条目名
func (e *Editor) Entries() []string {
	names := make([]string, len(e.entries))
	for i, ent := range e.entries {
		names[i] = ent.name
	}
	return names
}

// Has 条目是否存在
func (e *Editor) Has(name string) bool { return e.find(name) >= 0 }

func (e *Editor) find(name string) int {
	for i, ent := range e.entries {
		if ent.name == name {
			return i
		}
	}
	return -1
}

// DeleteEntry 从目录中移除条目
func (e *Editor) DeleteEntry(name string) error {
	if e.closed {
		return errors.New("archive editor closed")
	}
	i := e.find(name)
	if i < 0 {
		return fmt.Errorf("%w: entry %s not in archive", patcherr.ErrMissing, name)
	}
	e.entries = append(e.entries[:i], e.entries[i+1:]...)
	e.modified = true
	return nil
}

// ReplaceEntry 替换已存在的条目
func (e *Editor) ReplaceEntry(ctx context.Context, name string, data []byte) error {
	if !e.Has(name) {
		return fmt.Errorf("%w: entry %s not in archive", patcherr.ErrMissing, name)
	}
	return e.WriteEntry(ctx, name, data)
}

// WriteEntry 追加条目；同名旧条目从目录中移除
// 只在条目边界检查取消，单个条目的写入不会被打断
func (e *Editor) WriteEntry(ctx context.Context, name string, data []byte) error {
	if e.closed {
		return errors.New("archive editor closed")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if uint64(len(data)) >= 0xffffffff || e.pos >= 0xffffffff {
		return fmt.Errorf("write %s: %w: entry would need zip64", name, patcherr.ErrMalformed)
	}

	method := uint16(methodDeflate)
	payload := data
	if name == ResourceTableName {
		method = methodStore
	} else {
		compressed, err := deflate(data)
		if err != nil {
			return fmt.Errorf("compress %s: %w", name, err)
		}
		payload = compressed
	}

	flags := uint16(0)
	if hasNonASCII(name) {
		flags |= flagUTF8
	}
	crc := crc32.ChecksumIEEE(data)

	var extra []byte
	if method == methodStore {
		extra = alignmentExtra(e.pos, len(name), 4)
	}

	var buf bytes.Buffer
	buf.Grow(localHeaderLen + len(name) + len(extra) + len(payload))
	writeLocalHeader(&buf, name, method, flags, crc, uint32(len(payload)), uint32(len(data)), extra)
	buf.Write(payload)

	offset := e.pos
	if _, err := e.f.WriteAt(buf.Bytes(), offset); err != nil {
		return fmt.Errorf("write %s: %w: %v", name, patcherr.ErrArchiveIntegrity, err)
	}
	e.pos += int64(buf.Len())

	if i := e.find(name); i >= 0 {
		e.entries = append(e.entries[:i], e.entries[i+1:]...)
	}
	var rec bytes.Buffer
	writeCentralRecord(&rec, name, method, flags, crc, uint32(len(payload)), uint32(len(data)), uint32(offset))
	e.entries = append(e.entries, dirEntry{name: name, record: rec.Bytes()})
	e.modified = true
	return nil
}

// Close 写出中央目录与目录结尾记录并关闭文件；只生效一次
// 未做任何修改时文件保持原样
func (e *Editor) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if !e.modified {
		return e.f.Close()
	}

	var buf bytes.Buffer
	for _, ent := range e.entries {
		buf.Write(ent.record)
	}
	dirSize := buf.Len()
	if e.pos+int64(dirSize) >= 0xffffffff || len(e.entries) >= 0xffff {
		e.f.Close()
		return fmt.Errorf("%w: archive %s would need zip64", patcherr.ErrArchiveIntegrity, e.path)
	}
	writeEndOfDir(&buf, len(e.entries), uint32(dirSize), uint32(e.pos), e.comment)

	err := func() error {
		if _, err := e.f.WriteAt(buf.Bytes(), e.pos); err != nil {
			return err
		}
		if err := e.f.Truncate(e.pos + int64(buf.Len())); err != nil {
			return err
		}
		return e.f.Sync()
	}()
	closeErr := e.f.Close()
	if err = errors.Join(err, closeErr); err != nil {
		return fmt.Errorf("%w: flush directory of %s: %v", patcherr.ErrArchiveIntegrity, e.path, err)
	}
	return nil
}

// Edit 在作用域内编辑归档；无论成功与否，退出时都只写出一次目录
func Edit(path string, fn func(*Editor) error) error {
	e, err := Open(path)
	if err != nil {
		return err
	}
	fnErr := fn(e)
	return errors.Join(fnErr, e.Close())
}

func deflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// alignmentExtra 构造 0xd935 扩展字段，使条目数据从 align 的整数倍开始
func alignmentExtra(headerOffset int64, nameLen int, align int) []byte {
	dataStart := headerOffset + localHeaderLen + int64(nameLen) + 6
	pad := int((int64(align) - dataStart%int64(align)) % int64(align))
	extra := make([]byte, 6+pad)
	binary.LittleEndian.PutUint16(extra[0:], extraAlignment)
	binary.LittleEndian.PutUint16(extra[2:], uint16(2+pad))
	binary.LittleEndian.PutUint16(extra[4:], uint16(align))
	return extra
}

func hasNonASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return true
		}
	}
	return false
}

func writeLocalHeader(buf *bytes.Buffer, name string, method, flags uint16, crc, compSize, size uint32, extra []byte) {
	var h [localHeaderLen]byte
	binary.LittleEndian.PutUint32(h[0:], sigLocalHeader)
	binary.LittleEndian.PutUint16(h[4:], versionNeeded)
	binary.LittleEndian.PutUint16(h[6:], flags)
	binary.LittleEndian.PutUint16(h[8:], method)
	binary.LittleEndian.PutUint16(h[10:], dosTime)
	binary.LittleEndian.PutUint16(h[12:], dosDate)
	binary.LittleEndian.PutUint32(h[14:], crc)
	binary.LittleEndian.PutUint32(h[18:], compSize)
	binary.LittleEndian.PutUint32(h[22:], size)
	binary.LittleEndian.PutUint16(h[26:], uint16(len(name)))
	binary.LittleEndian.PutUint16(h[28:], uint16(len(extra)))
	buf.Write(h[:])
	buf.WriteString(name)
	buf.Write(extra)
}

func writeCentralRecord(buf *bytes.Buffer, name string, method, flags uint16, crc, compSize, size, offset uint32) {
	var h [centralDirLen]byte
	binary.LittleEndian.PutUint32(h[0:], sigCentralDir)
	binary.LittleEndian.PutUint16(h[4:], versionNeeded)
	binary.LittleEndian.PutUint16(h[6:], versionNeeded)
	binary.LittleEndian.PutUint16(h[8:], flags)
	binary.LittleEndian.PutUint16(h[10:], method)
	binary.LittleEndian.PutUint16(h[12:], dosTime)
	binary.LittleEndian.PutUint16(h[14:], dosDate)
	binary.LittleEndian.PutUint32(h[16:], crc)
	binary.LittleEndian.PutUint32(h[20:], compSize)
	binary.LittleEndian.PutUint32(h[24:], size)
	binary.LittleEndian.PutUint16(h[28:], uint16(len(name)))
	binary.LittleEndian.PutUint32(h[42:], offset)
	buf.Write(h[:])
	buf.WriteString(name)
}

func writeEndOfDir(buf *bytes.Buffer, count int, dirSize, dirOffset uint32, comment []byte) {
	var h [endOfDirLen]byte
	binary.LittleEndian.PutUint32(h[0:], sigEndOfDir)
	binary.LittleEndian.PutUint16(h[8:], uint16(count))
	binary.LittleEndian.PutUint16(h[10:], uint16(count))
	binary.LittleEndian.PutUint32(h[12:], dirSize)
	binary.LittleEndian.PutUint32(h[16:], dirOffset)
	binary.LittleEndian.PutUint16(h[20:], uint16(len(comment)))
	buf.Write(h[:])
	buf.Write(comment)
}
