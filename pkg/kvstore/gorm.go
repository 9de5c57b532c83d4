package kvstore

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Counter is the persisted row backing a named counter.
type Counter struct {
	Name  string `gorm:"primaryKey"`
	Value int64
}

// GormStore backs counters with the database so sequence numbers stay
// strictly increasing across worker processes. The increment itself is
// a single UPDATE executed by the storage engine.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Increment(name string) (int64, error) {
	var value int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Counter{Name: name, Value: 0}).Error; err != nil {
			return err
		}
		if err := tx.Model(&Counter{}).
			Where("name = ?", name).
			UpdateColumn("value", gorm.Expr("value + 1")).Error; err != nil {
			return err
		}
		var row Counter
		if err := tx.Where("name = ?", name).First(&row).Error; err != nil {
			return err
		}
		value = row.Value
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("kvstore: increment %s: %w", name, err)
	}
	return value, nil
}
