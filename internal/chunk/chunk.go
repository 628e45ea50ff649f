// Package chunk 实现 Android 二进制资源格式共用的 chunk 头、类型化值与字符串池编解码
package chunk

import (
	"encoding/binary"
	"fmt"

	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

// Chunk 类型
const (
	TypeNull       uint16 = 0x0000
	TypeStringPool uint16 = 0x0001
	TypeTable      uint16 = 0x0002
	TypeXML        uint16 = 0x0003

	TypeXMLStartNamespace uint16 = 0x0100
	TypeXMLEndNamespace   uint16 = 0x0101
	TypeXMLStartElement   uint16 = 0x0102
	TypeXMLEndElement     uint16 = 0x0103
	TypeXMLCData          uint16 = 0x0104
	TypeXMLResourceMap    uint16 = 0x0180

	TypeTablePackage     uint16 = 0x0200
	TypeTableType        uint16 = 0x0201
	TypeTableTypeSpec    uint16 = 0x0202
	TypeTableLibrary     uint16 = 0x0203
	TypeTableOverlayable uint16 = 0x0204
)

// HeaderSize 基础 chunk 头长度: type(2) + headerSize(2) + size(4)
const HeaderSize = 8

// Header chunk 头
type Header struct {
	Type       uint16
	HeaderSize uint16
	Size       uint32
}

// ReadHeader 读取 off 处的 chunk 头并校验其长度不越界
func ReadHeader(data []byte, off int) (Header, error) {
	if off < 0 || off+HeaderSize > len(data) {
		return Header{}, fmt.Errorf("%w: chunk header at 0x%x truncated (have %d bytes)", patcherr.ErrMalformed, off, len(data))
	}
	h := Header{
		Type:       binary.LittleEndian.Uint16(data[off:]),
		HeaderSize: binary.LittleEndian.Uint16(data[off+2:]),
		Size:       binary.LittleEndian.Uint32(data[off+4:]),
	}
	if h.HeaderSize < HeaderSize || uint32(h.HeaderSize) > h.Size {
		return Header{}, fmt.Errorf("%w: chunk 0x%04x at 0x%x has header size %d, total size %d",
			patcherr.ErrMalformed, h.Type, off, h.HeaderSize, h.Size)
	}
	if uint64(off)+uint64(h.Size) > uint64(len(data)) {
		return Header{}, fmt.Errorf("%w: chunk 0x%04x at 0x%x declares %d bytes, only %d available",
			patcherr.ErrMalformed, h.Type, off, h.Size, len(data)-off)
	}
	return h, nil
}

// Slice 返回 off 处完整 chunk 的字节
func Slice(data []byte, off int) (Header, []byte, error) {
	h, err := ReadHeader(data, off)
	if err != nil {
		return Header{}, nil, err
	}
	return h, data[off : off+int(h.Size)], nil
}

// Walk 依次遍历 data[start:] 中首尾相接的子 chunk
func Walk(data []byte, start int, fn func(h Header, raw []byte) error) error {
	for off := start; off < len(data); {
		h, raw, err := Slice(data, off)
		if err != nil {
			return err
		}
		if err := fn(h, raw); err != nil {
			return err
		}
		off += int(h.Size)
	}
	return nil
}

// U16 读取小端 uint16，越界时返回格式错误
func U16(data []byte, off int) (uint16, error) {
	if off < 0 || off+2 > len(data) {
		return 0, fmt.Errorf("%w: read u16 at 0x%x past end 0x%x", patcherr.ErrMalformed, off, len(data))
	}
	return binary.LittleEndian.Uint16(data[off:]), nil
}

// U32 读取小端 uint32，越界时返回格式错误
func U32(data []byte, off int) (uint32, error) {
	if off < 0 || off+4 > len(data) {
		return 0, fmt.Errorf("%w: read u32 at 0x%x past end 0x%x", patcherr.ErrMalformed, off, len(data))
	}
	return binary.LittleEndian.Uint32(data[off:]), nil
}
