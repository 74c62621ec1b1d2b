// Package mapsync renders list tables into the flat map files read by the
// scanner and decides when those files must be rewritten.
package mapsync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/masa23/quarantined/config"
	"github.com/masa23/quarantined/metrics"
	"github.com/masa23/quarantined/model"
	"github.com/masa23/quarantined/store"
)

// Store is the part of the metadata store maps are built from.
type Store interface {
	CombinedEntries(ctx context.Context, mapName string, owner *store.Owner) ([]model.CombinedEntry, error)
	GenericEntries(ctx context.Context, mapName string, owner *store.Owner) ([]model.GenericEntry, error)
	Activity(ctx context.Context, mapName string) (time.Time, bool, error)
	StampActivity(ctx context.Context, mapName string, at time.Time) (time.Time, error)
}

type Service struct {
	store   Store
	dir     string
	mode    os.FileMode
	log     *slog.Logger
	metrics *metrics.Metrics
	// Now is the clock regenerations are stamped with.
	Now func() time.Time
}

func NewService(conf config.Maps, st Store, log *slog.Logger, m *metrics.Metrics) *Service {
	mode := conf.Mode
	if mode == 0 {
		mode = 0644
	}
	return &Service{store: st, dir: conf.Dir, mode: mode, log: log, metrics: m, Now: time.Now}
}

// Path is where the file of m is published.
func (s *Service) Path(m config.Map) string {
	return filepath.Join(s.dir, m.Name+".txt")
}

// Regenerate rewrites the file of m from its list table and then records
// the regeneration in the activity log. The log is left alone when the file
// could not be published.
func (s *Service) Regenerate(ctx context.Context, m config.Map) error {
	err := s.regenerate(ctx, m)
	result := "ok"
	if err != nil {
		result = "error"
		s.log.ErrorContext(ctx, "map regeneration failed", "map", m.Name, "error", err)
	}
	s.metrics.MapRegenerations.WithLabelValues(m.Name, result).Inc()
	return err
}

func (s *Service) regenerate(ctx context.Context, m config.Map) error {
	render, err := rendererFor(m.Model)
	if err != nil {
		return err
	}
	prev, changed, err := s.store.Activity(ctx, m.Name)
	if err != nil {
		return err
	}
	ts := s.Now().UTC().Truncate(time.Second)
	if changed && prev.After(ts) {
		ts = prev
	}

	entries, err := render(ctx, s.store, m)
	if err != nil {
		return err
	}
	if err := s.publish(s.Path(m), ts, entries); err != nil {
		return err
	}

	stored, err := s.store.StampActivity(ctx, m.Name, ts)
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "map regenerated", "map", m.Name, "entries", len(entries),
		"last_modified", ts.Format(time.RFC3339), "activity", stored.Format(time.RFC3339))
	return nil
}

// publish writes a complete file next to path and renames it into place.
func (s *Service) publish(path string, ts time.Time, entries []string) (err error) {
	fd, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp map file: %w", err)
	}
	tmp := fd.Name()
	defer func() {
		if err != nil {
			fd.Close()
			os.Remove(tmp)
		}
	}()

	w := bufio.NewWriter(fd)
	fmt.Fprintln(w, HeaderLine(ts))
	for _, e := range entries {
		fmt.Fprintln(w, e)
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("write map file: %w", err)
	}
	if err = fd.Sync(); err != nil {
		return fmt.Errorf("sync map file: %w", err)
	}
	if err = fd.Close(); err != nil {
		return fmt.Errorf("close map file: %w", err)
	}
	if err = os.Chmod(tmp, s.mode); err != nil {
		return fmt.Errorf("chmod map file: %w", err)
	}
	if err = os.Chtimes(tmp, ts, ts); err != nil {
		return fmt.Errorf("set map file time: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish map file: %w", err)
	}
	return nil
}

// NeedsUpdate reports whether the published file of m is missing,
// unreadable, without a valid header or older than the map's last change.
func (s *Service) NeedsUpdate(ctx context.Context, m config.Map) (bool, error) {
	fileTS, err := FileTimestamp(s.Path(m))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.WarnContext(ctx, "map file unreadable", "map", m.Name, "error", err)
		}
		return true, nil
	}
	last, changed, err := s.store.Activity(ctx, m.Name)
	if err != nil {
		return false, err
	}
	return IsStale(fileTS, last, changed), nil
}

// Status describes the published state of one map.
type Status struct {
	Map          config.Map
	Stale        bool
	FileTime     time.Time
	LastChanged  time.Time
	NeverChanged bool
}

func (s *Service) Status(ctx context.Context, m config.Map) (Status, error) {
	st := Status{Map: m}
	last, changed, err := s.store.Activity(ctx, m.Name)
	if err != nil {
		return st, err
	}
	st.LastChanged, st.NeverChanged = last, !changed
	if st.FileTime, err = FileTimestamp(s.Path(m)); err != nil {
		st.Stale = true
		return st, nil
	}
	st.Stale = IsStale(st.FileTime, last, changed)
	return st, nil
}

// Published regenerates m when it is stale and returns the file to serve.
// When regeneration fails the previous file is served if there is one.
func (s *Service) Published(ctx context.Context, m config.Map) (*Published, error) {
	stale, err := s.NeedsUpdate(ctx, m)
	if err != nil {
		return nil, err
	}
	if stale {
		if err := s.Regenerate(ctx, m); err != nil {
			s.log.WarnContext(ctx, "serving previous map file", "map", m.Name)
		}
	}
	return ReadPublished(s.Path(m))
}
