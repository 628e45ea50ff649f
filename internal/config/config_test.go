package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPatch() PatchConfig {
	return PatchConfig{
		Mirror:    "https://mirror.example.com",
		Version:   "223015",
		Channel:   "beta",
		CacheDir:  "/tmp/cache",
		WorkDir:   "/tmp/work",
		Locale:    "en",
		ColorName: "brand_icon_background",
		IconColor: "#FF101010",
	}
}

// TestLoad_FileAndDefaults 测试 YAML、默认值与环境变量覆盖
func TestLoad_FileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
patch:
  mirror: https://mirror.example.com
  channel: alpha
  retry:
    initial_interval: 250ms
watcher:
  enabled: true
`), 0o644))
	t.Setenv("PATCH_VERSION", "224100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "alpha", cfg.Patch.Channel)
	assert.Equal(t, "224100", cfg.Patch.Version)
	assert.Equal(t, "en", cfg.Patch.Locale)
	assert.Equal(t, 250*time.Millisecond, cfg.Patch.Retry.InitialInterval)
	assert.Equal(t, 3, cfg.Patch.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Watcher.Debounce)
	assert.True(t, cfg.Watcher.Enabled)
	assert.NoError(t, cfg.Patch.Validate())
}

// TestLoad_MissingFile 测试配置文件不存在
func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

// TestParseColor 测试颜色解析
func TestParseColor(t *testing.T) {
	v, err := ParseColor("#80112233")
	require.NoError(t, err)
	assert.Equal(t, uint32(0x80112233), v)

	v, err = ParseColor("#112233")
	require.NoError(t, err)
	assert.Equal(t, uint32(0xff112233), v)

	for _, bad := range []string{"", "112233", "#12345", "#GG112233", "#1122334455"} {
		_, err := ParseColor(bad)
		assert.Error(t, err, bad)
	}
}

// TestPatchConfig_Validate 测试补丁配置校验
func TestPatchConfig_Validate(t *testing.T) {
	ok := validPatch()
	assert.NoError(t, ok.Validate())

	cases := map[string]func(p *PatchConfig){
		"mirror missing":  func(p *PatchConfig) { p.Mirror = "" },
		"mirror relative": func(p *PatchConfig) { p.Mirror = "mirror/path" },
		"channel":         func(p *PatchConfig) { p.Channel = "nightly" },
		"locale":          func(p *PatchConfig) { p.Locale = "not a locale!" },
		"color name":      func(p *PatchConfig) { p.ColorName = "Brand-Color" },
		"color":           func(p *PatchConfig) { p.IconColor = "black" },
		"dirs":            func(p *PatchConfig) { p.WorkDir = "" },
		"version":         func(p *PatchConfig) { p.Version = "../1" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := validPatch()
			mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

// TestInitLogger 测试日志级别与格式
func TestInitLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := InitLogger(&LogConfig{Level: "debug", Format: "json"}, &buf)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.True(t, logger.ReportCaller)

	logger.WithField("step", "download_base").Info("hello")
	assert.Contains(t, buf.String(), `"step":"download_base"`)
	assert.Contains(t, buf.String(), "config/config_test.go")

	logger = InitLogger(&LogConfig{Level: "bogus"}, &buf)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.False(t, logger.ReportCaller)
	_, isText := logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText)
}
