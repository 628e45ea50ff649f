package chunk

import (
	"fmt"

	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

// Res_value 数据类型
const (
	ValueNull          uint8 = 0x00
	ValueReference     uint8 = 0x01
	ValueAttribute     uint8 = 0x02
	ValueString        uint8 = 0x03
	ValueFloat         uint8 = 0x04
	ValueDimension     uint8 = 0x05
	ValueFraction      uint8 = 0x06
	ValueIntDec        uint8 = 0x10
	ValueIntHex        uint8 = 0x11
	ValueIntBoolean    uint8 = 0x12
	ValueIntColorARGB8 uint8 = 0x1c
	ValueIntColorRGB8  uint8 = 0x1d
	ValueIntColorARGB4 uint8 = 0x1e
	ValueIntColorRGB4  uint8 = 0x1f
)

// ValueSize Res_value 编码长度
const ValueSize = 8

// NoIndex 空字符串池引用
const NoIndex uint32 = 0xFFFFFFFF

// Value 类型化值 (Res_value)
type Value struct {
	Type uint8
	Data uint32
}

// ReadValue 读取 off 处的 Res_value
func ReadValue(data []byte, off int) (Value, error) {
	if off < 0 || off+ValueSize > len(data) {
		return Value{}, fmt.Errorf("%w: value at 0x%x truncated", patcherr.ErrMalformed, off)
	}
	size, _ := U16(data, off)
	if size < ValueSize {
		return Value{}, fmt.Errorf("%w: value at 0x%x declares size %d", patcherr.ErrMalformed, off, size)
	}
	data32, _ := U32(data, off+4)
	return Value{Type: data[off+3], Data: data32}, nil
}

// Encode 写入 Res_value
func (v Value) Encode(w *Writer) {
	w.U16(ValueSize)
	w.U8(0)
	w.U8(v.Type)
	w.U32(v.Data)
}

// IsReference 是否为资源引用
func (v Value) IsReference() bool { return v.Type == ValueReference }

// IsColor 是否为颜色值
func (v Value) IsColor() bool { return v.Type >= ValueIntColorARGB8 && v.Type <= ValueIntColorRGB4 }

func (v Value) String() string {
	switch {
	case v.Type == ValueReference:
		return fmt.Sprintf("@0x%08x", v.Data)
	case v.Type == ValueString:
		return fmt.Sprintf("string#%d", v.Data)
	case v.IsColor():
		return fmt.Sprintf("#%08x", v.Data)
	case v.Type == ValueIntBoolean:
		return fmt.Sprintf("%t", v.Data != 0)
	default:
		return fmt.Sprintf("0x%02x:0x%08x", v.Type, v.Data)
	}
}
