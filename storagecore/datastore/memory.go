package datastore

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// UseInMemory sets the DB instance to an in-memory DB using SQLite. Intended
// for tests and local development only.
func UseInMemory() (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// Shared-cache sqlite has a single writer; one pooled connection makes
	// concurrent transactions queue instead of failing busy.
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	instance = &postgresStore{
		db: gdb,
	}

	return gdb, nil
}
