package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-patcher-go/internal/config"
)

var (
	// 全局参数
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "patcher",
	Short: "Download an app release, recolor its icon and add a locale split",
	Long: `patcher downloads the base and split packages of a release from a mirror,
rewrites the launcher icon background color inside the resource table and
produces an extra locale split, so the resulting set installs with adb install-multiple.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute 执行根命令
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd, serveCmd, listCmd, versionCmd)
}

// loadConfig 读取配置并创建日志器
func loadConfig(out io.Writer) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, config.InitLogger(&cfg.Log, out), nil
}
