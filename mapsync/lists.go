package mapsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/masa23/quarantined/config"
	"github.com/masa23/quarantined/model"
	"github.com/masa23/quarantined/store"
)

var (
	ErrUnknownMap    = errors.New("unknown map")
	ErrMissingValue  = errors.New("missing map field value")
	ErrInvalidScore  = errors.New("invalid score")
	ErrDuplicate     = store.ErrDuplicate
	ErrEntryNotFound = store.ErrNotFound
)

// ListStore is the list table side of the metadata store.
type ListStore interface {
	CombinedEntries(ctx context.Context, mapName string, owner *store.Owner) ([]model.CombinedEntry, error)
	GenericEntries(ctx context.Context, mapName string, owner *store.Owner) ([]model.GenericEntry, error)
	AddCombined(ctx context.Context, e *model.CombinedEntry, fields []string) error
	AddGeneric(ctx context.Context, e *model.GenericEntry) error
	DeleteCombined(ctx context.Context, mapName string, id uint64, owner store.Owner) error
	DeleteGeneric(ctx context.Context, mapName string, id uint64, owner store.Owner) error
}

// Entry is one list row as seen by a user.
type Entry struct {
	ID     uint64
	UserID uint64
	Line   string
}

// Lists edits the list tables behind the configured maps. Every change
// advances the map's activity log in the same transaction.
type Lists struct {
	store ListStore
	maps  *config.Maps
}

func NewLists(st ListStore, maps *config.Maps) *Lists {
	return &Lists{store: st, maps: maps}
}

func (l *Lists) lookup(name string) (config.Map, error) {
	m, ok := l.maps.LookupMap(name)
	if !ok {
		return m, fmt.Errorf("%w: %s", ErrUnknownMap, name)
	}
	return m, nil
}

// Add creates an entry owned by owner. values holds the map's fields; for
// generic maps "pattern" and the optional "score".
func (l *Lists) Add(ctx context.Context, name string, owner store.Owner, values map[string]string) (uint64, error) {
	m, err := l.lookup(name)
	if err != nil {
		return 0, err
	}
	switch m.Model {
	case config.MapCombined:
		e := &model.CombinedEntry{MapName: m.Name, UserID: owner.UserID}
		for _, f := range m.Fields {
			v := strings.TrimSpace(values[f])
			if v == "" {
				return 0, fmt.Errorf("%w: %s", ErrMissingValue, f)
			}
			e.SetField(f, v)
		}
		if err := l.store.AddCombined(ctx, e, m.Fields); err != nil {
			return 0, err
		}
		return e.ID, nil
	case config.MapGeneric:
		e := &model.GenericEntry{MapName: m.Name, Pattern: strings.TrimSpace(values["pattern"]), UserID: owner.UserID}
		if e.Pattern == "" {
			return 0, fmt.Errorf("%w: pattern", ErrMissingValue)
		}
		if s := strings.TrimSpace(values["score"]); s != "" {
			score, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: %q", ErrInvalidScore, s)
			}
			e.Score = &score
		}
		if err := l.store.AddGeneric(ctx, e); err != nil {
			return 0, err
		}
		return e.ID, nil
	default:
		return 0, fmt.Errorf("%w: %s", config.ErrUnknownMapModel, m.Model)
	}
}

// Delete removes an entry visible to owner.
func (l *Lists) Delete(ctx context.Context, name string, id uint64, owner store.Owner) error {
	m, err := l.lookup(name)
	if err != nil {
		return err
	}
	switch m.Model {
	case config.MapCombined:
		return l.store.DeleteCombined(ctx, m.Name, id, owner)
	case config.MapGeneric:
		return l.store.DeleteGeneric(ctx, m.Name, id, owner)
	default:
		return fmt.Errorf("%w: %s", config.ErrUnknownMapModel, m.Model)
	}
}

// Entries lists the entries of a map visible to owner, rendered the way
// the map file shows them.
func (l *Lists) Entries(ctx context.Context, name string, owner store.Owner) ([]Entry, error) {
	m, err := l.lookup(name)
	if err != nil {
		return nil, err
	}
	var out []Entry
	switch m.Model {
	case config.MapCombined:
		rows, err := l.store.CombinedEntries(ctx, m.Name, &owner)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			line, _ := CombinedLine(&rows[i], m.Fields)
			out = append(out, Entry{ID: rows[i].ID, UserID: rows[i].UserID, Line: line})
		}
	case config.MapGeneric:
		rows, err := l.store.GenericEntries(ctx, m.Name, &owner)
		if err != nil {
			return nil, err
		}
		for i := range rows {
			line, _ := GenericLine(&rows[i])
			out = append(out, Entry{ID: rows[i].ID, UserID: rows[i].UserID, Line: line})
		}
	default:
		return nil, fmt.Errorf("%w: %s", config.ErrUnknownMapModel, m.Model)
	}
	return out, nil
}
