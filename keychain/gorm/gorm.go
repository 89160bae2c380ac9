//go:build !wasm
// +build !wasm

// Package gorm provides a GORM-based keychain backend. It supports any
// database GORM supports (PostgreSQL, MySQL, SQLite, etc.) and suits hosts
// that already keep their state in a relational database.
//
// # Usage
//
//	db, _ := gorm.Open(postgres.Open(dsn), &gorm.Config{})
//	_ = gormkc.AutoMigrate(db)
//	kc := keychain.New(gormkc.New(db), "com.example.app")
package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/panyam/mobileauth/keychain"
)

// ItemModel is the GORM model for keychain items
type ItemModel struct {
	Namespace string    `gorm:"primaryKey;size:255"`
	Key       string    `gorm:"primaryKey;size:255"`
	Value     []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (ItemModel) TableName() string {
	return "keychain_items"
}

// AutoMigrate creates or updates the keychain table
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&ItemModel{})
}

// Backend implements keychain.Backend using GORM
type Backend struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Backend {
	return &Backend{db: db}
}

func (b *Backend) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var model ItemModel
	err := b.db.WithContext(ctx).First(&model, "namespace = ? AND key = ?", namespace, key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, keychain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get keychain item: %w", err)
	}
	return model.Value, nil
}

func (b *Backend) Put(ctx context.Context, namespace, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	model := &ItemModel{Namespace: namespace, Key: key, Value: value}
	err := b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "namespace"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(model).Error
	if err != nil {
		return fmt.Errorf("put keychain item: %w", err)
	}
	return nil
}

func (b *Backend) Delete(ctx context.Context, namespace, key string) error {
	err := b.db.WithContext(ctx).
		Where("namespace = ? AND key = ?", namespace, key).
		Delete(&ItemModel{}).Error
	if err != nil {
		return fmt.Errorf("delete keychain item: %w", err)
	}
	return nil
}
