package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/repository"
	"github.com/apk-analysis/apk-patcher-go/internal/service"
	"github.com/apk-analysis/apk-patcher-go/internal/utils"
)

var runReq service.PatchRequest

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the patch pipeline once in the foreground",
	Example: `  patcher run --version 8.1.0 --locale de
  patcher run --config patcher.yaml --channel beta --icon-color "#FF3DDC84"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runOnce(ctx, cmd.OutOrStdout())
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runReq.Version, "version", "", "release version (default: patch.version)")
	f.StringVar(&runReq.Channel, "channel", "", "stable, beta or alpha")
	f.StringVar(&runReq.Locale, "locale", "", "locale of the generated split, e.g. de or pt-BR")
	f.StringVar(&runReq.Density, "density", "", "density split to download, e.g. xxhdpi")
	f.StringVar(&runReq.ABI, "abi", "", "native library split to download, e.g. arm64-v8a")
	f.StringVar(&runReq.ColorName, "color-name", "", "color resource name for the icon background")
	f.StringVar(&runReq.IconColor, "icon-color", "", "icon background color, #AARRGGBB or #RRGGBB")
}

func runOnce(ctx context.Context, out io.Writer) error {
	cfg, logger, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	repo := repository.NewRunRepository(db, logger)

	svc := service.NewPatchService(repo, cfg.Patch, logger,
		service.WithRunLog(func(runID string) (service.RunLog, error) {
			return utils.OpenRunLog(cfg.Log.RunDir, runID, cfg.Log.CompressRuns)
		}),
	)

	req := runReq
	req.Source = domain.RunSourceCLI
	run, err := svc.Submit(ctx, req)
	if err != nil {
		return err
	}

	execErr := executeWithRetry(ctx, svc, run.ID, logger)
	if ctx.Err() != nil {
		// Ctrl-C：运行已重置为 queued，这里直接取消
		if err := svc.CancelRun(context.Background(), run.ID); err != nil {
			logger.WithError(err).Warn("Failed to cancel interrupted run")
		}
	}

	final, err := svc.GetRun(context.Background(), run.ID)
	if err != nil {
		return err
	}
	printRun(out, final)
	return execErr
}

// executeWithRetry 前台执行，可重试的失败在本进程内重来
func executeWithRetry(ctx context.Context, svc service.PatchService, runID string, logger *logrus.Logger) error {
	for {
		err := svc.Execute(ctx, runID)
		retryErr, ok := service.IsRetryableError(err)
		if !ok {
			return err
		}
		logger.WithFields(logrus.Fields{
			"run_id":      runID,
			"retry_count": retryErr.RetryCount,
			"max_retry":   retryErr.MaxRetry,
		}).Warn("🔄 Run failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func printRun(out io.Writer, run *domain.PatchRun) {
	fmt.Fprintf(out, "run:     %s\n", run.ID)
	fmt.Fprintf(out, "status:  %s\n", run.Status)
	if run.FailureType != domain.FailureTypeNone {
		fmt.Fprintf(out, "failure: %s (%s)\n", run.FailureType.GetDisplayName(), run.ErrorMessage)
	}
	if run.ColorResourceID != 0 {
		fmt.Fprintf(out, "color:   %s = 0x%08x\n", run.ColorName, run.ColorResourceID)
	}
	if run.OutputPath != "" {
		fmt.Fprintf(out, "output:  %s\n", run.OutputPath)
	}
	var files []string
	if run.InstallSet != "" && json.Unmarshal([]byte(run.InstallSet), &files) == nil && len(files) > 0 {
		fmt.Fprintln(out, "install: adb install-multiple \\")
		for i, f := range files {
			sep := " \\"
			if i == len(files)-1 {
				sep = ""
			}
			fmt.Fprintf(out, "           %s%s\n", f, sep)
		}
	}
	if run.LogPath != "" {
		fmt.Fprintf(out, "log:     %s\n", run.LogPath)
	}
}
