// Package postgres はPostgreSQL(gorm)によるセッションストア
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect はPostgreSQLに接続し疎通を確認する
func Connect(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL が未設定です")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("PostgreSQLへの接続に失敗: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("SQLハンドルの取得に失敗: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("PostgreSQLの疎通確認に失敗: %w", err)
	}
	return db, nil
}

// Migrate はテーブルを作成・更新する
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&sessionModel{},
		&grantModel{},
		&processedEventModel{},
		&overlayModel{},
		&pricingModel{},
	); err != nil {
		return fmt.Errorf("マイグレーションに失敗: %w", err)
	}
	return nil
}

// Close は接続を閉じる
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
