// Package cache persists the last known materialized state so a restart
// renders instantly before the live connection re-establishes. The cache is
// a latency optimization, never a source of truth: loads degrade to an empty
// state on any corruption or staleness, and persist failures are swallowed.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clinicdesk/clinicsync/internal/model"
)

const defaultProfile = "default"

var errMissingDatabase = errors.New("cache: database handle is required")

// snapshotRecord is the single persisted row per profile.
type snapshotRecord struct {
	Profile     string `gorm:"column:profile;primaryKey;size:64;not null"`
	PayloadJSON string `gorm:"column:payload_json;type:text;not null"`
	SavedAtMs   int64  `gorm:"column:saved_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (snapshotRecord) TableName() string {
	return "sync_snapshots"
}

// envelope is the serialized form of a cached state.
type envelope struct {
	Reservations  map[model.CustomerKey][]model.Reservation `json:"reservations"`
	Conversations map[model.CustomerKey][]model.ChatMessage `json:"conversations"`
	Vacations     []model.VacationPeriod                    `json:"vacations"`
	LastUpdateMs  *int64                                    `json:"last_update_ms,omitempty"`
	SavedAtMs     int64                                     `json:"__ts"`
}

// Open establishes the SQLite cache database and migrates its schema.
func Open(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("cache: database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&snapshotRecord{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("snapshot cache initialized", zap.String("path", path))
	}

	return db, nil
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Database *gorm.DB
	Profile  string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store reads and writes the snapshot envelope for one profile.
type Store struct {
	db      *gorm.DB
	profile string
	clock   func() time.Time
	logger  *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	profile := cfg.Profile
	if profile == "" {
		profile = defaultProfile
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, profile: profile, clock: clock, logger: logger}, nil
}

// Load returns the cached state when a valid, fresh envelope exists, and an
// empty default state otherwise. It never returns an error: corrupted or
// expired envelopes must degrade to empty state, not break initialization.
func (s *Store) Load(ttl time.Duration) model.DataState {
	empty := model.NewDataState()

	var record snapshotRecord
	err := s.db.Where("profile = ?", s.profile).Take(&record).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.Warn("snapshot cache read failed", zap.Error(err))
		}
		return empty
	}

	var stored envelope
	if err := json.Unmarshal([]byte(record.PayloadJSON), &stored); err != nil {
		s.logger.Warn("snapshot cache payload corrupted", zap.Error(err))
		return empty
	}

	age := s.clock().Sub(time.UnixMilli(stored.SavedAtMs))
	if age < 0 || age >= ttl {
		return empty
	}

	state := model.DataState{
		Reservations:  stored.Reservations,
		Conversations: stored.Conversations,
		Vacations:     stored.Vacations,
	}
	if stored.LastUpdateMs != nil {
		lastUpdate := time.UnixMilli(*stored.LastUpdateMs)
		state.LastUpdate = &lastUpdate
	}
	state.Normalize()
	return state
}

// Persist writes the current state with a fresh timestamp. Failures are
// logged and swallowed.
func (s *Store) Persist(state model.DataState) {
	stored := envelope{
		Reservations:  state.Reservations,
		Conversations: state.Conversations,
		Vacations:     state.Vacations,
		SavedAtMs:     s.clock().UnixMilli(),
	}
	if state.LastUpdate != nil {
		lastUpdateMs := state.LastUpdate.UnixMilli()
		stored.LastUpdateMs = &lastUpdateMs
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		s.logger.Warn("snapshot cache marshal failed", zap.Error(err))
		return
	}

	record := snapshotRecord{
		Profile:     s.profile,
		PayloadJSON: string(payload),
		SavedAtMs:   stored.SavedAtMs,
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "profile"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		s.logger.Warn("snapshot cache write failed", zap.Error(err))
	}
}
