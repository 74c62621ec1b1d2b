// Package sweeper removes quarantined messages past the retention period.
package sweeper

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"time"

	"github.com/masa23/quarantined/metrics"
	"github.com/masa23/quarantined/model"
	"github.com/masa23/quarantined/store"
)

// Store is the part of the metadata store the sweep reads and updates.
type Store interface {
	SweepCandidates(ctx context.Context, f store.SweepFilter, afterID uint64, limit int) ([]model.Message, error)
	CountStoredWithoutLocation(ctx context.Context, f store.SweepFilter) (int64, error)
	ClearStored(ctx context.Context, ids []uint64) (int64, error)
}

// Remover deletes a quarantine directory. A missing directory must yield
// an error matching fs.ErrNotExist.
type Remover interface {
	Delete(path string) error
}

// Archiver copies a message somewhere before its directory is removed.
type Archiver interface {
	Archive(ctx context.Context, msg *model.Message) error
}

type Options struct {
	Days int
	// DryRun only reports what would be removed.
	DryRun bool
	// LocalOnly restricts the sweep to messages ingested by this server.
	LocalOnly bool
}

// Report summarises one sweep.
type Report struct {
	Candidates      int
	Deleted         int
	Missing         int
	Failed          int
	Cleared         int64
	MissingLocation int64
}

type Sweeper struct {
	store    Store
	remover  Remover
	archiver Archiver
	server   string
	batch    int
	log      *slog.Logger
	metrics  *metrics.Metrics
	// Now is the clock the cutoff is computed from.
	Now func() time.Time
}

func New(st Store, r Remover, server string, batch int, log *slog.Logger, m *metrics.Metrics) *Sweeper {
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{store: st, remover: r, server: server, batch: batch, log: log, metrics: m, Now: time.Now}
}

// WithArchiver makes the sweep archive every message before removing it.
func (s *Sweeper) WithArchiver(a Archiver) *Sweeper {
	s.archiver = a
	return s
}

// Sweep removes the directories of stored messages older than opts.Days and
// clears their stored flag, one update per batch. A directory that is
// already gone still gets its flag cleared. Failures of single messages are
// logged and counted; they do not stop the sweep.
func (s *Sweeper) Sweep(ctx context.Context, opts Options) (*Report, error) {
	if opts.Days <= 0 {
		return nil, errors.New("retention days must be positive")
	}
	f := store.SweepFilter{Before: s.Now().UTC().AddDate(0, 0, -opts.Days)}
	if opts.LocalOnly {
		f.Server = s.server
	}
	log := s.log.With("cutoff", f.Before.Format(time.RFC3339), "dry_run", opts.DryRun)
	rep := &Report{}

	missing, err := s.store.CountStoredWithoutLocation(ctx, f)
	if err != nil {
		return nil, err
	}
	rep.MissingLocation = missing
	s.metrics.SweepMissingPaths.Set(float64(missing))
	if missing > 0 {
		log.WarnContext(ctx, "stored messages without location", "count", missing)
	}

	var after uint64
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rows, err := s.store.SweepCandidates(ctx, f, after, s.batch)
		if err != nil {
			return rep, err
		}
		if len(rows) == 0 {
			break
		}
		after = rows[len(rows)-1].ID
		rep.Candidates += len(rows)

		ids := make([]uint64, 0, len(rows))
		for i := range rows {
			if id, ok := s.sweepOne(ctx, log, &rows[i], opts.DryRun, rep); ok {
				ids = append(ids, id)
			}
		}
		if opts.DryRun || len(ids) == 0 {
			continue
		}
		n, err := s.store.ClearStored(ctx, ids)
		if err != nil {
			return rep, err
		}
		rep.Cleared += n
	}

	log.InfoContext(ctx, "sweep finished",
		"candidates", rep.Candidates,
		"deleted", rep.Deleted,
		"already_gone", rep.Missing,
		"failed", rep.Failed,
		"cleared", rep.Cleared,
	)
	return rep, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, log *slog.Logger, msg *model.Message, dryRun bool, rep *Report) (uint64, bool) {
	loc := *msg.MailLocation
	log = log.With("id", msg.ID, "qid", msg.QueueID, "location", loc)
	if dryRun {
		log.InfoContext(ctx, "would delete quarantined message", "created_at", msg.CreatedAt.Format(time.RFC3339))
		return 0, false
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, msg); err != nil {
			log.ErrorContext(ctx, "cannot archive quarantined message", "error", err)
			rep.Failed++
			s.metrics.SweepFailed.Inc()
			return 0, false
		}
	}

	err := s.remover.Delete(loc)
	switch {
	case err == nil:
		rep.Deleted++
		s.metrics.SweepDeleted.Inc()
	case errors.Is(err, fs.ErrNotExist):
		log.DebugContext(ctx, "quarantine directory already gone")
		rep.Missing++
	default:
		log.ErrorContext(ctx, "cannot delete quarantined message", "error", err)
		rep.Failed++
		s.metrics.SweepFailed.Inc()
		return 0, false
	}
	return msg.ID, true
}
