package steps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/apk-patcher-go/internal/config"
	"github.com/apk-analysis/apk-patcher-go/internal/retry"
)

// TestNewOptions 测试由配置构造运行参数
func TestNewOptions(t *testing.T) {
	pc := config.PatchConfig{
		Mirror:    "https://mirror.example.com/",
		Version:   "224100",
		Channel:   "alpha",
		CacheDir:  "/cache",
		WorkDir:   "/work",
		Locale:    "pt-BR",
		ColorName: "brand_icon_background",
		IconColor: "#202020",
		ABI:       "arm64-v8a",
		Retry:     config.RetryConfig{MaxAttempts: 4, InitialInterval: time.Second, Strategy: "linear"},
	}
	opts, err := NewOptions(pc, "/work/run-1")
	require.NoError(t, err)

	assert.Equal(t, "https://mirror.example.com", opts.Mirror)
	assert.Equal(t, "/work/run-1", opts.WorkDir)
	assert.Equal(t, uint32(0xff202020), opts.IconColor)
	assert.Equal(t, "config.pt", opts.LocaleSplit())
	assert.Equal(t, "canary", opts.Channel.IconPostfix())
	assert.Equal(t, retry.StrategyLinear, opts.Retry.Strategy)
	assert.Equal(t, 4, opts.Retry.MaxAttempts)
	assert.Equal(t, defaultChunkSize, opts.chunkSize())

	pc.Version = ""
	_, err = NewOptions(pc, "/work/run-1")
	assert.Error(t, err)

	pc.Version = "224100"
	pc.Channel = "nightly"
	_, err = NewOptions(pc, "/work/run-1")
	assert.Error(t, err)
}

// TestChannel_IconPostfix 测试渠道后缀
func TestChannel_IconPostfix(t *testing.T) {
	assert.Equal(t, "", ChannelStable.IconPostfix())
	assert.Equal(t, "beta", ChannelBeta.IconPostfix())
	assert.Equal(t, "canary", ChannelAlpha.IconPostfix())
}
