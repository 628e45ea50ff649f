package arsc

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Config 资源配置 (ResTable_config)，原始字节保留用于回写
type Config struct {
	raw []byte

	Size                  uint32
	MCC                   uint16
	MNC                   uint16
	Language              [2]byte
	Country               [2]byte
	Orientation           uint8
	Touchscreen           uint8
	Density               uint16
	Keyboard              uint8
	Navigation            uint8
	InputFlags            uint8
	ScreenWidth           uint16
	ScreenHeight          uint16
	SDKVersion            uint16
	MinorVersion          uint16
	ScreenLayout          uint8
	UIMode                uint8
	SmallestScreenWidthDp uint16
	ScreenWidthDp         uint16
	ScreenHeightDp        uint16
	LocaleScript          [4]byte
	LocaleVariant         [8]byte
	ScreenLayout2         uint8
	ColorMode             uint8
}

// 常见密度取值
const (
	DensityDefault = 0
	DensityLow     = 120
	DensityMedium  = 160
	DensityTV      = 213
	DensityHigh    = 240
	DensityXHigh   = 320
	DensityXXHigh  = 480
	DensityXXXHigh = 640
	DensityAny     = 0xfffe
	DensityNone    = 0xffff
)

// DefaultConfigSize aapt2 写出的 ResTable_config 长度
const DefaultConfigSize = 64

// ParseConfig 解码配置，超出 size 的字段视为 0
func ParseConfig(b []byte) Config {
	c := Config{raw: b}
	if len(b) < 4 {
		return c
	}
	c.Size = binary.LittleEndian.Uint32(b)
	full := make([]byte, 64)
	copy(full, b)

	c.MCC = binary.LittleEndian.Uint16(full[4:])
	c.MNC = binary.LittleEndian.Uint16(full[6:])
	copy(c.Language[:], full[8:10])
	copy(c.Country[:], full[10:12])
	c.Orientation = full[12]
	c.Touchscreen = full[13]
	c.Density = binary.LittleEndian.Uint16(full[14:])
	c.Keyboard = full[16]
	c.Navigation = full[17]
	c.InputFlags = full[18]
	c.ScreenWidth = binary.LittleEndian.Uint16(full[20:])
	c.ScreenHeight = binary.LittleEndian.Uint16(full[22:])
	c.SDKVersion = binary.LittleEndian.Uint16(full[24:])
	c.MinorVersion = binary.LittleEndian.Uint16(full[26:])
	c.ScreenLayout = full[28]
	c.UIMode = full[29]
	c.SmallestScreenWidthDp = binary.LittleEndian.Uint16(full[30:])
	c.ScreenWidthDp = binary.LittleEndian.Uint16(full[32:])
	c.ScreenHeightDp = binary.LittleEndian.Uint16(full[34:])
	copy(c.LocaleScript[:], full[36:40])
	copy(c.LocaleVariant[:], full[40:48])
	c.ScreenLayout2 = full[48]
	c.ColorMode = full[49]
	return c
}

// NewDefaultConfig 全零的默认配置
func NewDefaultConfig(size uint32) Config {
	if size < 28 {
		size = DefaultConfigSize
	}
	b := make([]byte, size)
	binary.LittleEndian.PutUint32(b, size)
	return ParseConfig(b)
}

// Bytes 原始配置字节
func (c Config) Bytes() []byte { return c.raw }

// IsDefault 除 size 外全部为 0
func (c Config) IsDefault() bool {
	if len(c.raw) < 4 {
		return true
	}
	for _, b := range c.raw[4:] {
		if b != 0 {
			return false
		}
	}
	return true
}

// String 按 aapt 限定符顺序输出，例如 "anydpi-v26"、"en-rUS-xxhdpi"；默认配置为空串
func (c Config) String() string {
	var parts []string
	add := func(s string) {
		if s != "" {
			parts = append(parts, s)
		}
	}

	if c.MCC != 0 {
		add(fmt.Sprintf("mcc%d", c.MCC))
	}
	switch c.MNC {
	case 0:
	case 0xffff:
		add("mnc00")
	default:
		add(fmt.Sprintf("mnc%d", c.MNC))
	}
	add(c.locale())

	switch c.ScreenLayout & 0xc0 {
	case 0x40:
		add("ldltr")
	case 0x80:
		add("ldrtl")
	}
	if c.SmallestScreenWidthDp != 0 {
		add(fmt.Sprintf("sw%ddp", c.SmallestScreenWidthDp))
	}
	if c.ScreenWidthDp != 0 {
		add(fmt.Sprintf("w%ddp", c.ScreenWidthDp))
	}
	if c.ScreenHeightDp != 0 {
		add(fmt.Sprintf("h%ddp", c.ScreenHeightDp))
	}
	add(pick(c.ScreenLayout&0x0f, map[uint8]string{1: "small", 2: "normal", 3: "large", 4: "xlarge"}))
	add(pick(c.ScreenLayout&0x30, map[uint8]string{0x10: "notlong", 0x20: "long"}))
	add(pick(c.ScreenLayout2&0x03, map[uint8]string{1: "notround", 2: "round"}))
	add(pick(c.ColorMode&0x03, map[uint8]string{1: "nowidecg", 2: "widecg"}))
	add(pick(c.ColorMode&0x0c, map[uint8]string{0x04: "lowdr", 0x08: "highdr"}))
	add(pick(c.Orientation, map[uint8]string{1: "port", 2: "land", 3: "square"}))
	add(pick(c.UIMode&0x0f, map[uint8]string{2: "desk", 3: "car", 4: "television", 5: "appliance", 6: "watch", 7: "vrheadset"}))
	add(pick(c.UIMode&0x30, map[uint8]string{0x10: "notnight", 0x20: "night"}))
	add(densityName(c.Density))
	add(pick(c.Touchscreen, map[uint8]string{1: "notouch", 3: "finger"}))
	add(pick(c.InputFlags&0x03, map[uint8]string{1: "keysexposed", 2: "keyshidden", 3: "keyssoft"}))
	add(pick(c.Keyboard, map[uint8]string{1: "nokeys", 2: "qwerty", 3: "12key"}))
	add(pick(c.InputFlags&0x0c, map[uint8]string{0x04: "navexposed", 0x08: "navhidden"}))
	add(pick(c.Navigation, map[uint8]string{1: "nonav", 2: "dpad", 3: "trackball", 4: "wheel"}))
	if c.ScreenWidth != 0 || c.ScreenHeight != 0 {
		add(fmt.Sprintf("%dx%d", c.ScreenWidth, c.ScreenHeight))
	}
	if c.SDKVersion != 0 {
		add(fmt.Sprintf("v%d", c.SDKVersion))
	}
	return strings.Join(parts, "-")
}

func pick(v uint8, names map[uint8]string) string {
	return names[v]
}

func densityName(d uint16) string {
	switch d {
	case DensityDefault:
		return ""
	case DensityLow:
		return "ldpi"
	case DensityMedium:
		return "mdpi"
	case DensityTV:
		return "tvdpi"
	case DensityHigh:
		return "hdpi"
	case DensityXHigh:
		return "xhdpi"
	case DensityXXHigh:
		return "xxhdpi"
	case DensityXXXHigh:
		return "xxxhdpi"
	case DensityAny:
		return "anydpi"
	case DensityNone:
		return "nodpi"
	default:
		return fmt.Sprintf("%ddpi", d)
	}
}

func (c Config) locale() string {
	lang := unpackLocalePart(c.Language, 'a')
	region := unpackLocalePart(c.Country, '0')
	script := strings.TrimRight(string(c.LocaleScript[:]), "\x00")
	variant := strings.TrimRight(string(c.LocaleVariant[:]), "\x00")
	if lang == "" {
		return ""
	}
	if script == "" && variant == "" {
		if region == "" {
			return lang
		}
		return lang + "-r" + region
	}
	out := "b+" + lang
	for _, p := range []string{script, region, variant} {
		if p != "" {
			out += "+" + p
		}
	}
	return out
}

// unpackLocalePart 两字节语言/地区；最高位置 1 时为压缩的三字母编码
func unpackLocalePart(in [2]byte, base byte) string {
	if in[0] == 0 {
		return ""
	}
	if in[0]&0x80 == 0 {
		return strings.TrimRight(string(in[:]), "\x00")
	}
	first := in[1] & 0x1f
	second := ((in[1] & 0xe0) >> 5) | ((in[0] & 0x03) << 3)
	third := (in[0] & 0x7c) >> 2
	return string([]byte{first + base, second + base, third + base})
}
