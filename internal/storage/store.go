package storage

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/arjunm-dev/optionflow/internal/model"
)

// Store persists the decision audit trail and the position archive. A nil or
// disabled store is tolerated everywhere: the pipeline runs without
// persistence, it just loses replay history across restarts.
type Store struct {
	db      *gorm.DB
	enabled bool
}

// DecisionRecord is one row of the append-only audit trail.
type DecisionRecord struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	Token    string `gorm:"index"`
	Symbol   string
	Action   string
	Side     string
	Price    decimal.Decimal `gorm:"type:decimal(18,4)"`
	Quantity int
	Rules    string
	CycleAt  time.Time `gorm:"index"`
	CreatedAt time.Time
}

// PositionRecord archives a closed position.
type PositionRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Token      string `gorm:"index"`
	Symbol     string
	Side       string
	EntryPrice decimal.Decimal `gorm:"type:decimal(18,4)"`
	ExitPrice  decimal.Decimal `gorm:"type:decimal(18,4)"`
	Quantity   int
	ExitReason string
	OpenedAt   time.Time
	ClosedAt   time.Time
	CreatedAt  time.Time
}

// Open connects using DATABASE_URL when it carries a postgres scheme,
// otherwise a local sqlite file at path. Empty both → disabled store.
func Open(databaseURL, path string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		dialector = postgres.Open(databaseURL)
	case path != "":
		dialector = sqlite.Open(path)
	default:
		log.Warn().Msg("no database configured, running without persistence")
		return &Store{}, nil
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&DecisionRecord{}, &PositionRecord{}); err != nil {
		return nil, err
	}

	log.Info().Msg("💾 Database connected")
	return &Store{db: db, enabled: true}, nil
}

// SaveDecision appends a decision to the audit trail.
func (s *Store) SaveDecision(d model.Decision) error {
	if s == nil || !s.enabled {
		return nil
	}
	rec := DecisionRecord{
		Token:    d.Instrument.Token,
		Symbol:   d.Instrument.Symbol,
		Action:   string(d.Action),
		Side:     string(d.Side),
		Price:    d.Price,
		Quantity: d.Quantity,
		Rules:    strings.Join(d.RulesApplied, ","),
		CycleAt:  d.Timestamp,
	}
	return s.db.Create(&rec).Error
}

// ArchivePosition stores a closed position.
func (s *Store) ArchivePosition(p model.Position) error {
	if s == nil || !s.enabled {
		return nil
	}
	rec := PositionRecord{
		Token:      p.Instrument.Token,
		Symbol:     p.Instrument.Symbol,
		Side:       string(p.Side),
		EntryPrice: p.EntryPrice,
		ExitPrice:  p.ExitPrice,
		Quantity:   p.Quantity,
		ExitReason: p.ExitReason,
		OpenedAt:   p.OpenedAt,
		ClosedAt:   p.ClosedAt,
	}
	return s.db.Create(&rec).Error
}

// RecentDecisions returns the latest decisions, newest first.
func (s *Store) RecentDecisions(limit int) ([]DecisionRecord, error) {
	if s == nil || !s.enabled {
		return nil, nil
	}
	var out []DecisionRecord
	err := s.db.Order("id desc").Limit(limit).Find(&out).Error
	return out, err
}
