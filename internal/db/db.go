package db

import (
	"fmt"
	"strings"
	"time"

	"github.com/carelink/portal/internal/chat"
	"github.com/carelink/portal/internal/models"
	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	sqlitePrefix = "sqlite:"
	slowQuery    = 200 * time.Millisecond
)

// Open picks the driver from the DSN: "sqlite:<dsn>" uses the pure-Go
// SQLite driver, anything else is treated as a MySQL DSN.
func Open(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: NewLogger(logger.Warn, slowQuery)}

	var (
		gdb *gorm.DB
		err error
	)
	if strings.HasPrefix(dsn, sqlitePrefix) {
		gdb, err = gorm.Open(gormsqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix)), cfg)
		if err == nil {
			// SQLite allows a single writer.
			if sqlDB, dbErr := gdb.DB(); dbErr == nil {
				sqlDB.SetMaxOpenConns(1)
			}
		}
	} else {
		gdb, err = gorm.Open(mysql.Open(dsn), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return gdb, nil
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &chat.Conversation{}, &chat.Message{})
}

// Connect opens and migrates, panicking on failure. Used by binaries.
func Connect(dsn string) *gorm.DB {
	gdb, err := Open(dsn)
	if err != nil {
		panic(err)
	}
	if err := Migrate(gdb); err != nil {
		panic(fmt.Sprintf("migrate: %v", err))
	}
	return gdb
}
