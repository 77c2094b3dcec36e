package audit

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// EventRecord is the persisted form of an audit event.
type EventRecord struct {
	ID         uint      `gorm:"primarykey" json:"-"`
	CreatedAt  time.Time `json:"timestamp"`
	EventID    string    `gorm:"index" json:"id"`
	Profile    string    `json:"profile"`
	Source     string    `json:"source"`
	Valid      bool      `json:"valid"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason"`
	LatencyMS  float64   `json:"latency_ms"`
	ShadowMode bool      `json:"shadow_mode"`
	InputLen   int       `json:"input_len"`
}

func (EventRecord) TableName() string { return "audit_events" }

// Store persists audit events to Postgres and serves the retrieval API.
// It implements Sink; writes happen on the async sink's goroutine.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

func OpenStore(dsn string, logger *zap.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate audit store: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Log(ev Event) {
	rec := EventRecord{
		CreatedAt:  ev.Timestamp,
		EventID:    ev.ID,
		Profile:    ev.Profile,
		Source:     ev.Source,
		Valid:      ev.Valid,
		Action:     ev.Action,
		Reason:     ev.Reason,
		LatencyMS:  ev.LatencyMS,
		ShadowMode: ev.ShadowMode,
		InputLen:   ev.InputLen,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		s.logger.Error("failed to persist audit event",
			zap.String("event_id", ev.ID),
			zap.Error(err),
		)
	}
}

// Recent returns the latest events, newest first.
func (s *Store) Recent(limit int) ([]EventRecord, error) {
	var recs []EventRecord
	if err := s.db.Order("id DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}
