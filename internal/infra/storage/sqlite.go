package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"bophades/internal/engine"
	"bophades/internal/event"
)

// JournalEntry is one command in the write-ahead journal.
type JournalEntry struct {
	ID      uint   `gorm:"primaryKey"`
	RunID   string `gorm:"index;size:36"`
	Seq     uint64 `gorm:"index"`
	Name    string `gorm:"size:64"`
	Caller  string `gorm:"size:42"`
	Payload []byte
	At      time.Time
}

// EventRecord is one committed event.
type EventRecord struct {
	ID        uint   `gorm:"primaryKey"`
	RunID     string `gorm:"index;size:36"`
	Kind      string `gorm:"index;size:64"`
	Data      []byte
	CreatedAt time.Time
}

// StateSnapshot is a point-in-time dump of the core's read model.
type StateSnapshot struct {
	ID        uint   `gorm:"primaryKey"`
	RunID     string `gorm:"index;size:36"`
	Seq       uint64
	Data      []byte
	CreatedAt time.Time
}

// Storage persists the command journal, events and snapshots.
type Storage struct {
	db    *gorm.DB
	runID string
}

// NewStorage opens (or creates) the SQLite database. An empty path falls
// back to the per-user config directory.
func NewStorage(path string) (*Storage, error) {
	dbPath := path
	if dbPath == "" {
		var err error
		if dbPath, err = getDBPath(); err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return open(db)
}

func open(db *gorm.DB) (*Storage, error) {
	if err := db.AutoMigrate(&JournalEntry{}, &EventRecord{}, &StateSnapshot{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db, runID: uuid.NewString()}, nil
}

// getDBPath resolves the database file path based on OS
func getDBPath() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "Bophades", "data", "rbs.db"), nil
}

// RunID identifies this process's rows.
func (s *Storage) RunID() string { return s.runID }

// UseRun continues an earlier run: new rows carry its id so a later
// replay sees one unbroken journal.
func (s *Storage) UseRun(id string) {
	if id != "" {
		s.runID = id
	}
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Journal Operations
// ======================================================================================

// SaveCommand appends a command to the journal.
func (s *Storage) SaveCommand(ctx context.Context, cmd engine.Command) error {
	entry := JournalEntry{
		RunID:   s.runID,
		Seq:     cmd.Seq,
		Name:    cmd.Name,
		Caller:  cmd.Caller.Hex(),
		Payload: cmd.Payload,
		At:      cmd.At,
	}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// Commands loads a run's journal in sequence order.
func (s *Storage) Commands(ctx context.Context, runID string) ([]engine.Command, error) {
	var entries []JournalEntry
	if err := s.db.WithContext(ctx).Where("run_id = ?", runID).Order("seq").Find(&entries).Error; err != nil {
		return nil, err
	}
	out := make([]engine.Command, 0, len(entries))
	for _, e := range entries {
		out = append(out, engine.Command{
			Seq:     e.Seq,
			Name:    e.Name,
			Caller:  common.HexToAddress(e.Caller),
			Payload: e.Payload,
			At:      e.At,
		})
	}
	return out, nil
}

// LastRun returns the run id of the most recent journal entry.
func (s *Storage) LastRun(ctx context.Context) (string, error) {
	var entry JournalEntry
	err := s.db.WithContext(ctx).Order("id desc").First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil // Not found is not an error
	}
	return entry.RunID, err
}

// ======================================================================================
// Event Operations
// ======================================================================================

// Record stores a committed event. Failures are logged, never returned.
func (s *Storage) Record(ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode event", slog.String("kind", string(ev.Kind())), slog.Any("error", err))
		return
	}
	rec := EventRecord{RunID: s.runID, Kind: string(ev.Kind()), Data: data}
	if err := s.db.Create(&rec).Error; err != nil {
		slog.Error("Failed to persist event", slog.String("kind", string(ev.Kind())), slog.Any("error", err))
	}
}

// Events returns this run's stored events of a kind, oldest first. An empty
// kind returns all of them.
func (s *Storage) Events(ctx context.Context, kind event.Kind) ([]EventRecord, error) {
	q := s.db.WithContext(ctx).Where("run_id = ?", s.runID)
	if kind != "" {
		q = q.Where("kind = ?", string(kind))
	}
	var out []EventRecord
	err := q.Order("id").Find(&out).Error
	return out, err
}

// ======================================================================================
// Snapshot Operations
// ======================================================================================

// SaveSnapshot stores the JSON encoding of state taken after seq.
func (s *Storage) SaveSnapshot(ctx context.Context, seq uint64, state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.db.WithContext(ctx).Create(&StateSnapshot{RunID: s.runID, Seq: seq, Data: data}).Error
}

// LatestSnapshot decodes the newest snapshot into out. It reports false
// when none exists.
func (s *Storage) LatestSnapshot(ctx context.Context, out any) (uint64, bool, error) {
	var snap StateSnapshot
	err := s.db.WithContext(ctx).Order("id desc").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if err := json.Unmarshal(snap.Data, out); err != nil {
		return 0, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap.Seq, true, nil
}
