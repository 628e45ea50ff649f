package utils

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// OptimizeDBPool 优化数据库连接池
func OptimizeDBPool(db *gorm.DB, sqlite bool) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	if sqlite {
		// sqlite 单写者，多连接只会带来 database is locked
		sqlDB.SetMaxOpenConns(1)
		return nil
	}

	// 根据并发量调整,避免频繁创建销毁连接
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	return nil
}

// ReportDBStats 定期上报连接池统计，ctx 结束时返回
func ReportDBStats(ctx context.Context, db *gorm.DB, interval time.Duration, report func(open, idle, inUse int)) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats := sqlDB.Stats()
		report(stats.OpenConnections, stats.Idle, stats.InUse)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
