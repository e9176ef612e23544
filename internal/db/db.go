package db

import (
	"esign-workflow/internal/config"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var AppDb *gorm.DB

func ConnectDb(zl *zap.Logger) error {
	dsn := fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v sslmode=disable TimeZone=UTC",
		config.AppConfig.DBHost,
		config.AppConfig.DBUser,
		config.AppConfig.DBPassword,
		config.AppConfig.DBName,
		config.AppConfig.DBPort,
	)

	level := logger.Info
	if config.AppConfig.Environment == "production" {
		level = logger.Error
	}
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: time.Second,
			LogLevel:      level,
			Colorful:      true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newLogger})
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	AppDb = db
	zl.Info("Success connecting to db", zap.String("host", config.AppConfig.DBHost))

	return nil
}

func CloseDb(zl *zap.Logger) {
	if AppDb == nil {
		return
	}
	sqlDB, err := AppDb.DB()
	if err != nil {
		zl.Error("failed to get db handle", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		zl.Error("failed to close db", zap.Error(err))
		return
	}
	zl.Info("Closing DB")
}
