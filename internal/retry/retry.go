// Package retry 传输类操作的重试策略
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
)

// Strategy 重试间隔策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// ParseStrategy 解析配置中的策略名，未知名称退回指数退避
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyFixed, StrategyLinear:
		return Strategy(s)
	default:
		return StrategyExponential
	}
}

// Config 重试配置
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Strategy        Strategy
	Logger          logrus.FieldLogger

	// Operation 指标标签，例如 download_base
	Operation string
	Observer  Observer
}

// Observer 接收重试指标
type Observer interface {
	RecordRetryAttempt(operation string, attempt int)
	RecordRetrySuccess(operation string)
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        StrategyExponential,
		Logger:          logrus.StandardLogger(),
	}
}

// permanentError 标记不再重试的错误
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent 包装一个不应重试的错误，errors.Is/As 仍能看到原始错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable 判断错误是否值得再试一次
// 传输错误可重试；取消、格式与结构错误不可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	switch {
	case errors.As(err, &p):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, patcherr.ErrCanceled):
		return false
	case errors.Is(err, patcherr.ErrMalformed), errors.Is(err, patcherr.ErrMissing):
		return false
	case errors.Is(err, patcherr.ErrTransfer):
		return true
	default:
		return false
	}
}

// Func 可重试的操作
type Func func(ctx context.Context) error

// Do 执行 fn，失败且可重试时按策略等待后再试
func Do(ctx context.Context, cfg *Config, fn Func) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry canceled: %w", errors.Join(lastErr, err))
			}
			return fmt.Errorf("retry canceled: %w", err)
		}

		start := time.Now()
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.WithField("attempt", attempt).Info("Operation succeeded after retry")
				if cfg.Observer != nil {
					cfg.Observer.RecordRetrySuccess(cfg.Operation)
				}
			}
			return nil
		}
		lastErr = err

		log.WithFields(logrus.Fields{
			"attempt":  attempt,
			"max":      attempts,
			"duration": time.Since(start).String(),
			"error":    err.Error(),
		}).Warn("Operation failed")

		if !IsRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		wait := nextInterval(cfg.Strategy, cfg.InitialInterval, cfg.MaxInterval, attempt)
		log.WithFields(logrus.Fields{
			"next_attempt": attempt + 1,
			"wait":         wait.String(),
		}).Info("Waiting before retry")

		if cfg.Observer != nil {
			cfg.Observer.RecordRetryAttempt(cfg.Operation, attempt+1)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry canceled during wait: %w", errors.Join(lastErr, ctx.Err()))
		case <-timer.C:
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", attempts, lastErr)
}

// DoWithResult 带返回值的 Do
func DoWithResult[T any](ctx context.Context, cfg *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// nextInterval 第 attempt 次失败后的等待时间
func nextInterval(strategy Strategy, initial, max time.Duration, attempt int) time.Duration {
	var next time.Duration
	switch strategy {
	case StrategyFixed:
		next = initial
	case StrategyLinear:
		next = initial * time.Duration(attempt)
	default:
		next = initial * time.Duration(1<<(attempt-1))
	}
	if max > 0 && next > max {
		next = max
	}
	return next
}
