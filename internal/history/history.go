// Package history persists command execution records in a local
// SQLite database under the server's state directory.
package history

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultLimit is the page size when a query does not name one.
const DefaultLimit = 50

// ErrNotFound reports a lookup for a command id with no record.
var ErrNotFound = errors.New("command record not found")

var DB *gorm.DB

// CommandRecord is one persisted command execution.
type CommandRecord struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	ClientUUID  string    `gorm:"column:client_uuid;not null;index:idx_client_uuid" json:"client_uuid"`
	Command     string    `gorm:"not null;index:idx_command" json:"command"`
	Cwd         string    `json:"cwd,omitempty"`
	Stdout      string    `json:"stdout"`
	Stderr      string    `json:"stderr"`
	Returncode  int       `gorm:"not null" json:"returncode"`
	StartedAt   time.Time `gorm:"not null" json:"started_at"`
	CompletedAt time.Time `gorm:"not null;index:idx_completed_at,sort:desc" json:"completed_at"`
	DurationMS  int64     `gorm:"column:duration_ms;not null" json:"duration_ms"`
	User        string    `gorm:"not null;default:api" json:"user"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"-"`
}

func (CommandRecord) TableName() string { return "command_history" }

// NewRecord builds an unsaved record with a fresh id and the duration
// derived from the timestamps. The recording user is always the API
// layer; agents never write history.
func NewRecord(clientUUID, command, cwd, stdout, stderr string, returncode int, startedAt, completedAt time.Time) CommandRecord {
	return CommandRecord{
		ID:          uuid.NewString(),
		ClientUUID:  clientUUID,
		Command:     command,
		Cwd:         cwd,
		Stdout:      stdout,
		Stderr:      stderr,
		Returncode:  returncode,
		StartedAt:   startedAt.UTC(),
		CompletedAt: completedAt.UTC(),
		DurationMS:  completedAt.Sub(startedAt).Milliseconds(),
		User:        "api",
	}
}

// Init opens (creating if needed) the history database at dbPath.
func Init(dbPath string) error {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&CommandRecord{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// Append stores one record.
func Append(record CommandRecord) error {
	if err := DB.Create(&record).Error; err != nil {
		return fmt.Errorf("append command record: %w", err)
	}
	return nil
}

// Get returns the record with the given id, or ErrNotFound.
func Get(commandID string) (*CommandRecord, error) {
	var record CommandRecord
	if err := DB.Where("id = ?", commandID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

// Query narrows and pages a client's history listing.
type Query struct {
	Limit  int
	Offset int
	Search string // substring match on the command text
	Status string // "success" (returncode 0), "failed" (non-zero), or ""
}

// ListForClient returns one page of a client's records, newest
// completion first, plus the total matching count across all pages.
func ListForClient(clientUUID string, q Query) ([]CommandRecord, int64, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}

	var total int64
	if err := clientQuery(clientUUID, q).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count command records: %w", err)
	}

	var records []CommandRecord
	err := clientQuery(clientUUID, q).
		Order("completed_at DESC").
		Limit(q.Limit).
		Offset(q.Offset).
		Find(&records).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list command records: %w", err)
	}
	return records, total, nil
}

func clientQuery(clientUUID string, q Query) *gorm.DB {
	tx := DB.Model(&CommandRecord{}).Where("client_uuid = ?", clientUUID)
	if q.Search != "" {
		tx = tx.Where("command LIKE ?", "%"+q.Search+"%")
	}
	switch q.Status {
	case "success":
		tx = tx.Where("returncode = 0")
	case "failed":
		tx = tx.Where("returncode != 0")
	}
	return tx
}

// DeleteOld purges records whose completion is older than days full
// days, measured from UTC midnight today.
func DeleteOld(days int) (int64, error) {
	cutoff := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -days)
	result := DB.Where("completed_at < ?", cutoff).Delete(&CommandRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old command records: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		log.Printf("[history] deleted %d command record(s) older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// DeleteForClient removes every record for one client.
func DeleteForClient(clientUUID string) (int64, error) {
	result := DB.Where("client_uuid = ?", clientUUID).Delete(&CommandRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete command records for client: %w", result.Error)
	}
	log.Printf("[history] deleted %d command record(s) for client %s", result.RowsAffected, clientUUID)
	return result.RowsAffected, nil
}
