package main

import (
	"log"

	"whatsapp-inbox/internal/config"
	"whatsapp-inbox/internal/database"
	"whatsapp-inbox/internal/logger"
	"whatsapp-inbox/internal/models"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const batchSize = 500

// migrate_data copies conversations and messages from the SQLite file at
// DB_PATH into the PostgreSQL database configured by DB_*. Rows already
// present in PostgreSQL are kept, so the tool can be re-run.
func main() {
	cfg, _ := config.LoadConfig()
	zl, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	// 1. Connect to SQLite (Source)
	sqliteDB, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		zl.Fatal("Failed to connect to SQLite", zap.Error(err))
	}
	zl.Info("Connected to SQLite", zap.String("path", cfg.DBPath))

	// 2. Connect to PostgreSQL (Destination)
	cfg.DBDriver = "postgres"
	pgDB, err := database.Open(cfg)
	if err != nil {
		zl.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}

	zl.Info("Starting data migration")

	// Conversations first, messages reference them.
	var conversations []models.Conversation
	copyTable(zl, sqliteDB, pgDB, "conversations", &conversations)

	var messages []models.Message
	copyTable(zl, sqliteDB, pgDB, "messages", &messages)

	// Explicit ids were inserted, so move the serial past them.
	query := "SELECT setval(pg_get_serial_sequence('messages', 'id'), coalesce(max(id), 0) + 1, false) FROM messages"
	if err := pgDB.Exec(query).Error; err != nil {
		zl.Error("Error syncing sequence", zap.String("table", "messages"), zap.Error(err))
	} else {
		zl.Info("Synced sequence", zap.String("table", "messages"))
	}

	zl.Info("Migration completed")
}

// copyTable reads every row of table into rows (a pointer to a slice) and
// writes it to dest in batches.
func copyTable(zl *zap.Logger, src, dest *gorm.DB, table string, rows interface{}) {
	zl.Info("Migrating table", zap.String("table", table))

	res := src.Table(table).Find(rows)
	if res.Error != nil {
		zl.Error("Error reading from SQLite", zap.String("table", table), zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 0 {
		zl.Info("Nothing to migrate", zap.String("table", table))
		return
	}

	err := dest.Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, batchSize).Error
	})
	if err != nil {
		zl.Error("Error writing to PostgreSQL", zap.String("table", table), zap.Error(err))
		return
	}
	zl.Info("Successfully migrated", zap.String("table", table), zap.Int64("rows", res.RowsAffected))
}
