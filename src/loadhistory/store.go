package loadhistory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/instance"
	sensosentry "github.com/sensocto/sensocto-go/src/pkg/sentry"
	"github.com/sensocto/sensocto-go/src/types"
)

const pruneInterval = time.Hour

// Store persists classified load samples so the circadian profile can be
// warm-started across restarts. Correctness never depends on it: with
// history disabled the predictor simply cold-starts from a flat profile.
type Store struct {
	db        *sql.DB
	retention time.Duration
	logger    *logrus.Entry

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewStore opens (or creates) the history database and registers the
// store on the instance.
func NewStore(ctx context.Context) (*Store, error) {
	cfg := configs.GetCurrentConfig().History
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("create history db directory: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.DBPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	s := &Store{
		db:        db,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		logger:    logrus.WithField("module", "loadhistory"),
		stopCh:    make(chan struct{}),
	}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history tables: %w", err)
	}
	if inst := instance.GetInstance(ctx); inst != nil {
		inst.History = s
	}
	return s, nil
}

func (s *Store) initTables() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS load_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		scheduler REAL NOT NULL,
		memory REAL NOT NULL,
		queue REAL NOT NULL,
		mailbox REAL NOT NULL,
		level TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_load_samples_ts ON load_samples(ts);
	`)
	return err
}

func (s *Store) Start(ctx context.Context) error {
	s.wg.Add(1)
	sensosentry.Go(func() {
		defer s.wg.Done()
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				if n, err := s.Prune(ctx); err != nil {
					s.logger.WithError(err).Warn("history prune failed")
				} else if n > 0 {
					s.logger.WithField("removed", n).Debug("pruned expired load samples")
				}
			}
		}
	})
	return nil
}

func (s *Store) Close(ctx context.Context) {
	s.once.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	if err := s.db.Close(); err != nil {
		s.logger.WithError(err).Warn("failed to close history db")
	}
}

// RecordSample satisfies sysload.Recorder. Failures are the caller's to
// log; a broken history store must never affect classification.
func (s *Store) RecordSample(ctx context.Context, sample types.LoadSample, level types.LoadLevel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO load_samples (ts, scheduler, memory, queue, mailbox, level)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sample.Timestamp,
		sample.SchedulerUtilization,
		sample.MemoryPressure,
		sample.QueuePressure,
		sample.MailboxPressure,
		level.String(),
	)
	return err
}

// ProfileSeed aggregates the stored samples of the last `days` days into
// a 24-bucket demand profile: each bucket is the mean max-pressure of the
// samples whose local hour falls into it. Hours with no samples stay 0
// (flat), matching cold start.
func (s *Store) ProfileSeed(ctx context.Context, days int) ([24]float64, error) {
	var profile [24]float64
	if days <= 0 {
		return profile, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, scheduler, memory, queue, mailbox
		FROM load_samples WHERE ts >= ?`, cutoff)
	if err != nil {
		return profile, fmt.Errorf("query load samples: %w", err)
	}
	defer rows.Close()

	var sums [24]float64
	var counts [24]int
	for rows.Next() {
		var sample types.LoadSample
		if err := rows.Scan(
			&sample.Timestamp,
			&sample.SchedulerUtilization,
			&sample.MemoryPressure,
			&sample.QueuePressure,
			&sample.MailboxPressure,
		); err != nil {
			return profile, fmt.Errorf("scan load sample: %w", err)
		}
		hour := time.UnixMilli(sample.Timestamp).Hour()
		sums[hour] += sample.MaxPressure()
		counts[hour]++
	}
	if err := rows.Err(); err != nil {
		return profile, err
	}
	for h := range profile {
		if counts[h] > 0 {
			profile[h] = sums[h] / float64(counts[h])
		}
	}
	return profile, nil
}

// Prune deletes samples older than the retention window and returns how
// many rows were removed. Retention <= 0 keeps everything.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM load_samples WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count reports how many samples are currently stored.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM load_samples`).Scan(&n)
	return n, err
}
