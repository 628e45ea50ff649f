package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/text/language"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Log      LogConfig      `mapstructure:"log"`
	Patch    PatchConfig    `mapstructure:"patch"`
	Watcher  WatcherConfig  `mapstructure:"watcher"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 为空时写操作不鉴权
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

type LogConfig struct {
	Level        string `mapstructure:"level"`         // debug, info, warn, error
	Format       string `mapstructure:"format"`        // json, text
	RunDir       string `mapstructure:"run_dir"`       // 每次运行的 JSONL 日志目录
	CompressRuns bool   `mapstructure:"compress_runs"` // 运行结束后压缩为 .jsonl.lz4
}

// PatchConfig 补丁流水线配置
type PatchConfig struct {
	Mirror    string `mapstructure:"mirror"`
	Version   string `mapstructure:"version"`
	Channel   string `mapstructure:"channel"` // stable, beta, alpha
	CacheDir  string `mapstructure:"cache_dir"`
	WorkDir   string `mapstructure:"work_dir"`
	Locale    string `mapstructure:"locale"`
	ColorName string `mapstructure:"color_name"`
	IconColor string `mapstructure:"icon_color"` // #AARRGGBB 或 #RRGGBB
	Density   string `mapstructure:"density"`   // 为空时不下载密度分包
	ABI       string `mapstructure:"abi"`       // 为空时不下载原生库分包
	ChunkSize int    `mapstructure:"chunk_size"`

	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	Retry       RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 下载重试配置
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Strategy        string        `mapstructure:"strategy"`
}

// WatcherConfig 基础包投放目录监听配置
type WatcherConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Dir      string        `mapstructure:"dir"` // 投放目录，导入后文件移入 patch.cache_dir
	Debounce time.Duration `mapstructure:"debounce"`
}

var (
	colorPattern    = regexp.MustCompile(`^#([0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)
	resourcePattern = regexp.MustCompile(`^[a-z_][a-z0-9_.]*$`)
)

// ParseColor 解析 #AARRGGBB / #RRGGBB，后者补全不透明 alpha
func ParseColor(s string) (uint32, error) {
	if !colorPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid color %q, want #AARRGGBB or #RRGGBB", s)
	}
	v, err := strconv.ParseUint(s[1:], 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid color %q: %w", s, err)
	}
	if len(s) == 7 {
		v |= 0xff000000
	}
	return uint32(v), nil
}

// Validate 校验补丁配置的语法；版本号允许为空，由请求在运行时提供
func (p *PatchConfig) Validate() error {
	if p.Mirror == "" {
		return fmt.Errorf("patch.mirror is required")
	}
	if u, err := url.Parse(p.Mirror); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("patch.mirror %q is not an absolute URL", p.Mirror)
	}
	switch p.Channel {
	case "stable", "beta", "alpha":
	default:
		return fmt.Errorf("patch.channel %q must be stable, beta or alpha", p.Channel)
	}
	if _, err := language.Parse(p.Locale); err != nil {
		return fmt.Errorf("patch.locale %q: %w", p.Locale, err)
	}
	if !resourcePattern.MatchString(p.ColorName) {
		return fmt.Errorf("patch.color_name %q is not a valid resource name", p.ColorName)
	}
	if _, err := ParseColor(p.IconColor); err != nil {
		return fmt.Errorf("patch.icon_color: %w", err)
	}
	if p.CacheDir == "" || p.WorkDir == "" {
		return fmt.Errorf("patch.cache_dir and patch.work_dir are required")
	}
	if strings.ContainsAny(p.Version, `/\`) {
		return fmt.Errorf("patch.version %q must not contain path separators", p.Version)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "data/patcher.db")
	v.SetDefault("rabbitmq.queue", "patch_runs")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 32)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.run_dir", "data/logs")
	v.SetDefault("log.compress_runs", true)

	v.SetDefault("patch.channel", "stable")
	v.SetDefault("patch.cache_dir", "data/cache")
	v.SetDefault("patch.work_dir", "data/work")
	v.SetDefault("patch.locale", "en")
	v.SetDefault("patch.color_name", "brand_icon_background")
	v.SetDefault("patch.icon_color", "#FF000000")
	v.SetDefault("patch.chunk_size", 256*1024)
	v.SetDefault("patch.http_timeout", 5*time.Minute)
	v.SetDefault("patch.retry.max_attempts", 3)
	v.SetDefault("patch.retry.initial_interval", time.Second)
	v.SetDefault("patch.retry.max_interval", 30*time.Second)
	v.SetDefault("patch.retry.strategy", "exponential")
	v.SetDefault("watcher.dir", "data/inbox")
	v.SetDefault("watcher.debounce", 2*time.Second)
}

// Load 读取 YAML 配置，环境变量优先；path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖（支持嵌套配置）
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	// Mirror
	v.BindEnv("patch.mirror", "PATCH_MIRROR")
	v.BindEnv("patch.version", "PATCH_VERSION")
	v.BindEnv("server.api_token", "PATCHER_API_TOKEN")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
