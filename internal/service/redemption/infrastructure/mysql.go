package infrastructure

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"vouchercore/internal/pkg/bootstrap"
	"vouchercore/internal/pkg/logger"
)

// NewMySQL 根据配置打开 GORM 连接。TranslateError 打开后唯一键冲突会转换为 gorm.ErrDuplicatedKey。
func NewMySQL(ctx context.Context, cfg bootstrap.MySQLConfig) (*gorm.DB, error) {
	dsn := mysql.NewConfig()
	dsn.User = cfg.User
	dsn.Passwd = cfg.Password
	dsn.Net = "tcp"
	dsn.Addr = cfg.Addr
	dsn.DBName = cfg.Database
	dsn.ParseTime = true
	dsn.Loc = time.UTC
	dsn.Params = map[string]string{"charset": "utf8mb4"}

	db, err := gorm.Open(gormmysql.Open(dsn.FormatDSN()), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open mysql %s/%s", cfg.Addr, cfg.Database)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB")
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, errors.Wrapf(err, "ping mysql %s", cfg.Addr)
	}
	logger.Ctx(ctx).Info().Str("addr", cfg.Addr).Str("database", cfg.Database).Msg("✅ Connected to MySQL")
	return db, nil
}

// AutoMigrate 创建或更新台账相关的表和索引。
func AutoMigrate(db *gorm.DB) error {
	return errors.Wrap(
		db.AutoMigrate(&RedemptionModel{}, &FraudCaseModel{}, &FraudCaseHistoryModel{}),
		"auto migrate redemption tables",
	)
}
