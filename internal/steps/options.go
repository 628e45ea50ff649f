// Package steps 实现具体的下载与补丁步骤，并按配置组装流水线
package steps

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/apk-analysis/apk-patcher-go/internal/config"
	"github.com/apk-analysis/apk-patcher-go/internal/retry"
)

// Channel 发布渠道
type Channel string

const (
	ChannelStable Channel = "stable"
	ChannelBeta   Channel = "beta"
	ChannelAlpha  Channel = "alpha"
)

// IconPostfix 渠道对应的图标文件后缀，stable 为空
func (c Channel) IconPostfix() string {
	switch c {
	case ChannelBeta:
		return "beta"
	case ChannelAlpha:
		return "canary"
	default:
		return ""
	}
}

const defaultChunkSize = 256 * 1024

// Options 一次补丁运行所需的全部配置
type Options struct {
	Mirror    string
	Version   string
	Channel   Channel
	CacheDir  string
	WorkDir   string
	Locale    language.Tag
	ColorName string
	IconColor uint32
	Density   string
	ABI       string

	ChunkSize  int
	HTTPClient *http.Client
	Retry      retry.Config
}

// NewOptions 由配置构造 Options；workDir 为本次运行独占的工作目录
func NewOptions(pc config.PatchConfig, workDir string) (Options, error) {
	if err := pc.Validate(); err != nil {
		return Options{}, err
	}
	if pc.Version == "" {
		return Options{}, fmt.Errorf("patch version is required")
	}
	color, err := config.ParseColor(pc.IconColor)
	if err != nil {
		return Options{}, err
	}
	tag, err := language.Parse(pc.Locale)
	if err != nil {
		return Options{}, err
	}
	timeout := pc.HTTPTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return Options{
		Mirror:     strings.TrimRight(pc.Mirror, "/"),
		Version:    pc.Version,
		Channel:    Channel(pc.Channel),
		CacheDir:   pc.CacheDir,
		WorkDir:    workDir,
		Locale:     tag,
		ColorName:  pc.ColorName,
		IconColor:  color,
		Density:    pc.Density,
		ABI:        pc.ABI,
		ChunkSize:  pc.ChunkSize,
		HTTPClient: &http.Client{Timeout: timeout},
		Retry: retry.Config{
			MaxAttempts:     pc.Retry.MaxAttempts,
			InitialInterval: pc.Retry.InitialInterval,
			MaxInterval:     pc.Retry.MaxInterval,
			Strategy:        retry.ParseStrategy(pc.Retry.Strategy),
		},
	}, nil
}

// LocaleSplit 语言分包名，只取语言子标签，例如 en-US -> config.en
func (o Options) LocaleSplit() string {
	base, _ := o.Locale.Base()
	return "config." + base.String()
}

func (o Options) chunkSize() int {
	if o.ChunkSize <= 0 {
		return defaultChunkSize
	}
	return o.ChunkSize
}

func (o Options) client() *http.Client {
	if o.HTTPClient == nil {
		return http.DefaultClient
	}
	return o.HTTPClient
}
