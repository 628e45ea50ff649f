package chunk

import "encoding/binary"

// Writer 小端序字节写入器
// Begin/End 成对使用：End 时回填 chunk 的总长度，因此嵌套 chunk 的长度总是由内向外重新计算
type Writer struct {
	buf []byte
}

// NewWriter 创建写入器
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Len 已写入字节数
func (w *Writer) Len() int { return len(w.buf) }

// Bytes 返回已写入的字节
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) U8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) U16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *Writer) Write(p []byte) { w.buf = append(w.buf, p...) }

// Zero 写入 n 个零字节
func (w *Writer) Zero(n int) {
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

// Align4 以零字节补齐到 4 字节边界
func (w *Writer) Align4() {
	for len(w.buf)%4 != 0 {
		w.buf = append(w.buf, 0)
	}
}

// PutU16At 覆盖 pos 处的 uint16
func (w *Writer) PutU16At(pos int, v uint16) { binary.LittleEndian.PutUint16(w.buf[pos:], v) }

// PutU32At 覆盖 pos 处的 uint32
func (w *Writer) PutU32At(pos int, v uint32) { binary.LittleEndian.PutUint32(w.buf[pos:], v) }

// Begin 写入 chunk 头（长度占位），返回 chunk 起始位置
func (w *Writer) Begin(typ uint16, headerSize uint16) int {
	start := len(w.buf)
	w.U16(typ)
	w.U16(headerSize)
	w.U32(0)
	return start
}

// End 回填 start 处 chunk 的总长度
func (w *Writer) End(start int) {
	w.PutU32At(start+4, uint32(len(w.buf)-start))
}
