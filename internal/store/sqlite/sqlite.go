// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package sqlite implements the persistence backend on a local SQLite database using GORM.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wneessen/vendorloc/internal/geo"
	"github.com/wneessen/vendorloc/internal/store"
)

const name = "sqlite"

// PositionModel is the GORM model of a saved position, keyed by user and role.
type PositionModel struct {
	UserID     string `gorm:"primaryKey"`
	Role       string `gorm:"primaryKey"`
	Latitude   float64
	Longitude  float64
	Provenance int
	SavedAt    time.Time
}

func (PositionModel) TableName() string { return "user_locations" }

// HistoryModel is the GORM model of a seller position history entry.
type HistoryModel struct {
	ID         string `gorm:"primaryKey"`
	SellerID   string `gorm:"index"`
	Latitude   float64
	Longitude  float64
	RecordedAt time.Time `gorm:"index"`
}

func (HistoryModel) TableName() string { return "location_history" }

// Backend stores positions in SQLite.
type Backend struct {
	name string
	db   *gorm.DB
}

// New opens the SQLite database at path and migrates the schema.
func New(path string) (*Backend, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %q: %w", path, err)
	}
	return NewWithDB(db)
}

// NewWithDB returns a Backend on an already opened database and migrates the schema.
func NewWithDB(db *gorm.DB) (*Backend, error) {
	if err := db.AutoMigrate(&PositionModel{}, &HistoryModel{}); err != nil {
		return nil, fmt.Errorf("failed to migrate sqlite schema: %w", err)
	}
	return &Backend{name: name, db: db}, nil
}

func (b *Backend) Name() string {
	return b.name
}

// ReadLastPosition reads the saved position of the user in the given role.
func (b *Backend) ReadLastPosition(ctx context.Context, userID string, role store.Role) (*store.Record, error) {
	if err := store.ValidateKey(userID, role); err != nil {
		return nil, err
	}

	var model PositionModel
	err := b.db.WithContext(ctx).Where(&PositionModel{UserID: userID, Role: string(role)}).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read saved position: %w", err)
	}
	return &store.Record{
		Position:   geo.Position{Latitude: model.Latitude, Longitude: model.Longitude},
		Provenance: geo.Provenance(model.Provenance),
		UpdatedAt:  model.SavedAt,
	}, nil
}

// WritePosition creates or overwrites the saved position of the user in the given role.
func (b *Backend) WritePosition(ctx context.Context, userID string, role store.Role, record store.Record) error {
	if err := store.ValidateKey(userID, role); err != nil {
		return err
	}

	model := PositionModel{
		UserID:     userID,
		Role:       string(role),
		Latitude:   record.Position.Latitude,
		Longitude:  record.Position.Longitude,
		Provenance: int(record.Provenance),
		SavedAt:    record.UpdatedAt.UTC(),
	}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "role"}},
		UpdateAll: true,
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("failed to write position: %w", err)
	}
	return nil
}

// AppendHistory inserts a seller position history entry. Entries are never updated, a duplicate
// ID is rejected.
func (b *Backend) AppendHistory(ctx context.Context, entry store.HistoryEntry) error {
	if strings.TrimSpace(entry.SellerID) == "" {
		return store.ErrEmptyUser
	}
	model := HistoryModel{
		ID:         entry.ID,
		SellerID:   entry.SellerID,
		Latitude:   entry.Position.Latitude,
		Longitude:  entry.Position.Longitude,
		RecordedAt: entry.Timestamp.UTC(),
	}
	if err := b.db.WithContext(ctx).Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("failed to append position history: %w: %w", store.ErrRejected, err)
		}
		return fmt.Errorf("failed to append position history: %w", err)
	}
	return nil
}

// History returns the position history of a seller, newest first.
func (b *Backend) History(ctx context.Context, sellerID string, limit int) ([]store.HistoryEntry, error) {
	var models []HistoryModel
	query := b.db.WithContext(ctx).Where(&HistoryModel{SellerID: sellerID}).Order("recorded_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("failed to read position history: %w", err)
	}

	entries := make([]store.HistoryEntry, 0, len(models))
	for _, model := range models {
		entries = append(entries, store.HistoryEntry{
			ID:        model.ID,
			SellerID:  model.SellerID,
			Position:  geo.Position{Latitude: model.Latitude, Longitude: model.Longitude},
			Timestamp: model.RecordedAt,
		})
	}
	return entries, nil
}

// Close closes the underlying database connection.
func (b *Backend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
