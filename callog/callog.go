// Package callog keeps the call history of the modem manager in a sqlite
// database.
package callog

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ENGK3/modemmgr"
)

// ErrClosed is returned by a Store after Close.
var ErrClosed = errors.New("call log closed")

// Call is the database schema of a finished call.
type Call struct {
	Seq          uint   `gorm:"primaryKey;autoIncrement"`
	ID           string `gorm:"uniqueIndex"`
	Number       string `gorm:"index"`
	Direction    string
	Outcome      string
	Reason       string
	StartedAt    time.Time
	ConnectedAt  *time.Time
	EndedAt      time.Time
	AudioRouting bool
	RequestID    string
}

func fromSummary(s modemmgr.CallSummary) *Call {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.ConnectedAt != nil {
		t := s.ConnectedAt.UTC()
		s.ConnectedAt = &t
	}
	return &Call{
		ID:           s.ID,
		Number:       s.Number,
		Direction:    string(s.Direction),
		Outcome:      string(s.Outcome),
		Reason:       s.Reason,
		StartedAt:    s.StartedAt.UTC(),
		ConnectedAt:  s.ConnectedAt,
		EndedAt:      s.EndedAt.UTC(),
		AudioRouting: s.AudioRouting,
		RequestID:    s.RequestID,
	}
}

// Summary converts the row back to the manager representation.
func (c *Call) Summary() modemmgr.CallSummary {
	return modemmgr.CallSummary{
		ID:           c.ID,
		Number:       c.Number,
		Direction:    modemmgr.Direction(c.Direction),
		Outcome:      modemmgr.CallOutcome(c.Outcome),
		Reason:       c.Reason,
		StartedAt:    c.StartedAt,
		ConnectedAt:  c.ConnectedAt,
		EndedAt:      c.EndedAt,
		AudioRouting: c.AudioRouting,
		RequestID:    c.RequestID,
	}
}

// Store records calls. It implements modemmgr.CallRecorder and
// modemmgr.HistorySource.
type Store struct {
	mu sync.RWMutex
	db *gorm.DB
}

// Open opens or creates the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("open call log: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open call log: %w", err)
	}
	// sqlite allows a single writer
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Call{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate call log: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordCall stores a finished call.
func (s *Store) RecordCall(call modemmgr.CallSummary) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Create(fromSummary(call)).Error
}

// Recent returns up to limit calls, newest first. A limit <= 0 returns all calls.
func (s *Store) Recent(limit int) ([]modemmgr.CallSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	var rows []Call
	q := s.db.Order("seq desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]modemmgr.CallSummary, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].Summary())
	}
	return out, nil
}

// ByNumber returns up to limit calls to or from number, newest first.
func (s *Store) ByNumber(number string, limit int) ([]modemmgr.CallSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	var rows []Call
	q := s.db.Where("number = ?", number).Order("seq desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]modemmgr.CallSummary, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].Summary())
	}
	return out, nil
}

// Prune deletes calls that ended before cutoff and returns how many were removed.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	res := s.db.Where("ended_at < ?", cutoff.UTC()).Delete(&Call{})
	return res.RowsAffected, res.Error
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	s.db = nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
