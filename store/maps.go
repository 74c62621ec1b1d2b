package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/masa23/quarantined/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CombinedEntries returns the rows of a combined map in id order.
func (s *Store) CombinedEntries(ctx context.Context, mapName string, owner *Owner) ([]model.CombinedEntry, error) {
	var rows []model.CombinedEntry
	err := scoped(s.db.WithContext(ctx), owner).
		Where("map_name = ?", mapName).
		Order("id").
		Find(&rows).Error
	return rows, wrap("select combined entries", err)
}

// GenericEntries returns the rows of a generic map in id order.
func (s *Store) GenericEntries(ctx context.Context, mapName string, owner *Owner) ([]model.GenericEntry, error) {
	var rows []model.GenericEntry
	err := scoped(s.db.WithContext(ctx), owner).
		Where("map_name = ?", mapName).
		Order("id").
		Find(&rows).Error
	return rows, wrap("select generic entries", err)
}

// AddCombined inserts e unless a row of the same map already carries the
// same (case folded) values in fields.
func (s *Store) AddCombined(ctx context.Context, e *model.CombinedEntry, fields []string) error {
	for _, f := range fields {
		e.SetField(f, strings.ToLower(strings.TrimSpace(e.Field(f))))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&model.CombinedEntry{}).Where("map_name = ?", e.MapName)
		for _, f := range fields {
			q = q.Where("LOWER("+f+") = ?", e.Field(f))
		}
		var n int64
		if err := q.Count(&n).Error; err != nil {
			return wrap("check combined entry", err)
		}
		if n > 0 {
			return ErrDuplicate
		}
		if err := tx.Create(e).Error; err != nil {
			return wrap("insert combined entry", err)
		}
		return s.bump(tx, e.MapName)
	})
}

// AddGeneric inserts e unless the map already has the pattern.
func (s *Store) AddGeneric(ctx context.Context, e *model.GenericEntry) error {
	e.Pattern = strings.TrimSpace(e.Pattern)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		err := tx.Model(&model.GenericEntry{}).
			Where("map_name = ? AND LOWER(pattern) = ?", e.MapName, strings.ToLower(e.Pattern)).
			Count(&n).Error
		if err != nil {
			return wrap("check generic entry", err)
		}
		if n > 0 {
			return ErrDuplicate
		}
		if err := tx.Create(e).Error; err != nil {
			return wrap("insert generic entry", err)
		}
		return s.bump(tx, e.MapName)
	})
}

// DeleteCombined removes one row of a combined map visible to owner.
func (s *Store) DeleteCombined(ctx context.Context, mapName string, id uint64, owner Owner) error {
	return s.deleteEntry(ctx, &model.CombinedEntry{}, mapName, id, owner)
}

// DeleteGeneric removes one row of a generic map visible to owner.
func (s *Store) DeleteGeneric(ctx context.Context, mapName string, id uint64, owner Owner) error {
	return s.deleteEntry(ctx, &model.GenericEntry{}, mapName, id, owner)
}

func (s *Store) deleteEntry(ctx context.Context, row any, mapName string, id uint64, owner Owner) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := scoped(tx, &owner).Where("map_name = ? AND id = ?", mapName, id).Delete(row)
		if res.Error != nil {
			return wrap("delete entry", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return s.bump(tx, mapName)
	})
}

func scoped(db *gorm.DB, owner *Owner) *gorm.DB {
	if owner == nil || owner.Admin {
		return db
	}
	return db.Where("user_id = ?", owner.UserID)
}

// Activity returns the last change time of a map. ok is false when the map
// never changed.
func (s *Store) Activity(ctx context.Context, mapName string) (at time.Time, ok bool, err error) {
	var act model.MapActivity
	err = s.db.WithContext(ctx).Where("map_name = ?", mapName).Take(&act).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrap("select map activity", err)
	}
	return act.LastChangedAt.UTC(), true, nil
}

// StampActivity records a regeneration at "at", never moving the log
// backwards. It returns the stored time.
func (s *Store) StampActivity(ctx context.Context, mapName string, at time.Time) (time.Time, error) {
	var stored time.Time
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prev, ok, err := activityTx(tx, mapName)
		if err != nil {
			return err
		}
		stored = at.UTC().Truncate(time.Second)
		if ok && prev.After(stored) {
			stored = prev
		}
		return upsertActivity(tx, mapName, stored)
	})
	return stored, err
}

// bump advances the activity of a changed map strictly past its previous
// value, so a regeneration stamped in the same second still reads as stale.
func (s *Store) bump(tx *gorm.DB, mapName string) error {
	prev, ok, err := activityTx(tx, mapName)
	if err != nil {
		return err
	}
	at := s.now()
	if ok && !at.After(prev) {
		at = prev.Add(time.Second)
	}
	return upsertActivity(tx, mapName, at)
}

func activityTx(tx *gorm.DB, mapName string) (time.Time, bool, error) {
	var act model.MapActivity
	err := tx.Where("map_name = ?", mapName).Take(&act).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrap("select map activity", err)
	}
	return act.LastChangedAt.UTC(), true, nil
}

func upsertActivity(tx *gorm.DB, mapName string, at time.Time) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "map_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_changed_at"}),
	}).Create(&model.MapActivity{MapName: mapName, LastChangedAt: at}).Error
	return wrap("upsert map activity", err)
}
