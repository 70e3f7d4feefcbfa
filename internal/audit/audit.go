// Package audit persists the activity trail consumed by the record core.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/veristone/keystone/internal/models"
)

// Logger is the activity-log sink the record core writes to. Audit failures
// never fail the write that produced them.
type Logger interface {
	Write(ctx context.Context, entry models.AuditLog)
}

// NopLogger discards audit entries.
type NopLogger struct{}

func (NopLogger) Write(context.Context, models.AuditLog) {}

// GormLogger persists audit entries to the audit_logs table.
type GormLogger struct {
	db *gorm.DB
}

// NewGormLogger creates a database-backed audit logger.
func NewGormLogger(db *gorm.DB) *GormLogger {
	return &GormLogger{db: db}
}

// Write stores one entry. Errors are logged, not propagated.
func (l *GormLogger) Write(ctx context.Context, entry models.AuditLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := l.db.WithContext(ctx).Create(&entry).Error; err != nil {
		log.Printf("audit: write entry: %v", err)
	}
}

// MemLogger collects entries in memory for tests.
type MemLogger struct {
	Entries []models.AuditLog
}

func (l *MemLogger) Write(_ context.Context, entry models.AuditLog) {
	l.Entries = append(l.Entries, entry)
}
