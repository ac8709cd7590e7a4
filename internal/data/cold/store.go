package cold

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/market"
)

// Store is the durable on-disk bar tier, backed by an embedded SQLite
// database keyed on (symbol, timeframe, ts_event). Reads never block
// writes (WAL mode).
type Store struct {
	db      *sqlx.DB
	path    string
	timeout time.Duration
}

const schema = `
CREATE TABLE IF NOT EXISTS bars (
	symbol    TEXT    NOT NULL,
	timeframe TEXT    NOT NULL,
	ts_event  INTEGER NOT NULL,
	o REAL NOT NULL,
	h REAL NOT NULL,
	l REAL NOT NULL,
	c REAL NOT NULL,
	v INTEGER NOT NULL,
	PRIMARY KEY (symbol, timeframe, ts_event)
);
CREATE INDEX IF NOT EXISTS idx_bars_desc ON bars (symbol, timeframe, ts_event DESC);

CREATE TABLE IF NOT EXISTS metadata (
	symbol       TEXT    NOT NULL,
	timeframe    TEXT    NOT NULL,
	last_updated INTEGER NOT NULL,
	bar_count    INTEGER NOT NULL,
	oldest_ts    INTEGER NOT NULL,
	newest_ts    INTEGER NOT NULL,
	PRIMARY KEY (symbol, timeframe)
);
`

// Open opens (or creates) the cold store at path.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open cold store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply cold store schema: %w", err)
	}
	return &Store{db: db, path: path, timeout: 10 * time.Second}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store upserts a batch of bars in a single transaction and refreshes the
// per-(symbol, timeframe) metadata row. Returns the number of bars
// written. On error nothing is committed; the caller keeps the batch and
// decides whether to retry.
func (s *Store) Store(ctx context.Context, symbol, tf string, bars []market.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cold store tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (symbol, timeframe, ts_event, o, h, l, c, v)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe, ts_event)
		DO UPDATE SET o=excluded.o, h=excluded.h, l=excluded.l, c=excluded.c, v=excluded.v`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if err := b.Validate(); err != nil {
			return 0, fmt.Errorf("rejecting invalid bar: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, symbol, tf, b.Ts, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return 0, fmt.Errorf("failed to upsert bar %s %s @%d: %w", symbol, tf, b.Ts, err)
		}
	}

	if err := s.updateMetadataTx(ctx, tx, symbol, tf); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cold store batch: %w", err)
	}

	log.Debug().Str("symbol", symbol).Str("timeframe", tf).Int("bars", len(bars)).Msg("cold store batch written")
	return len(bars), nil
}

func (s *Store) updateMetadataTx(ctx context.Context, tx *sqlx.Tx, symbol, tf string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO metadata (symbol, timeframe, last_updated, bar_count, oldest_ts, newest_ts)
		SELECT symbol, timeframe, ?, COUNT(*), MIN(ts_event), MAX(ts_event)
		FROM bars WHERE symbol = ? AND timeframe = ?
		GROUP BY symbol, timeframe
		ON CONFLICT (symbol, timeframe)
		DO UPDATE SET last_updated=excluded.last_updated, bar_count=excluded.bar_count,
			oldest_ts=excluded.oldest_ts, newest_ts=excluded.newest_ts`,
		time.Now().UnixMilli(), symbol, tf)
	if err != nil {
		return fmt.Errorf("failed to refresh metadata for %s %s: %w", symbol, tf, err)
	}
	return nil
}

// GetOpts bounds a range query. Zero values mean unbounded.
type GetOpts struct {
	StartTs int64
	EndTs   int64
	Limit   int
}

// Get returns bars for (symbol, tf) ordered ascending by event time.
func (s *Store) Get(ctx context.Context, symbol, tf string, opts GetOpts) ([]market.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `SELECT symbol, timeframe, ts_event, o, h, l, c, v FROM bars WHERE symbol = ? AND timeframe = ?`
	args := []interface{}{symbol, tf}

	if opts.StartTs > 0 {
		query += ` AND ts_event >= ?`
		args = append(args, opts.StartTs)
	}
	if opts.EndTs > 0 {
		query += ` AND ts_event <= ?`
		args = append(args, opts.EndTs)
	}
	query += ` ORDER BY ts_event ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	var bars []market.Bar
	if err := s.db.SelectContext(ctx, &bars, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query bars %s %s: %w", symbol, tf, err)
	}
	return bars, nil
}

// Newest returns the most recent bar for (symbol, tf), or nil when none exists.
func (s *Store) Newest(ctx context.Context, symbol, tf string) (*market.Bar, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var b market.Bar
	err := s.db.GetContext(ctx, &b, `
		SELECT symbol, timeframe, ts_event, o, h, l, c, v
		FROM bars WHERE symbol = ? AND timeframe = ?
		ORDER BY ts_event DESC LIMIT 1`, symbol, tf)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query newest bar %s %s: %w", symbol, tf, err)
	}
	return &b, nil
}

// Aggregate builds dstTf bars from srcTf bars by chunked reduce and stores
// the complete chunks. Returns the aggregated bars.
func (s *Store) Aggregate(ctx context.Context, symbol, srcTf, dstTf string, multiplier int) ([]market.Bar, error) {
	src, err := s.Get(ctx, symbol, srcTf, GetOpts{})
	if err != nil {
		return nil, err
	}
	agg := market.Aggregate(src, dstTf, multiplier)
	if len(agg) == 0 {
		return nil, nil
	}
	if _, err := s.Store(ctx, symbol, dstTf, agg); err != nil {
		return nil, fmt.Errorf("failed to store aggregated bars: %w", err)
	}
	return agg, nil
}

// SeriesStats is the per-(symbol, timeframe) metadata snapshot.
type SeriesStats struct {
	Symbol      string `db:"symbol" json:"symbol"`
	Timeframe   string `db:"timeframe" json:"timeframe"`
	LastUpdated int64  `db:"last_updated" json:"last_updated"`
	BarCount    int64  `db:"bar_count" json:"bar_count"`
	OldestTs    int64  `db:"oldest_ts" json:"oldest_ts"`
	NewestTs    int64  `db:"newest_ts" json:"newest_ts"`
}

// Summary describes the whole store.
type Summary struct {
	TotalSeries int           `json:"total_series"`
	TotalBars   int64         `json:"total_bars"`
	DiskBytes   int64         `json:"disk_bytes"`
	Series      []SeriesStats `json:"series"`
}

// Summary reports totals and per-series stats plus the on-disk size.
func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var series []SeriesStats
	err := s.db.SelectContext(ctx, &series, `
		SELECT symbol, timeframe, last_updated, bar_count, oldest_ts, newest_ts
		FROM metadata ORDER BY symbol, timeframe`)
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}

	sum := &Summary{TotalSeries: len(series), Series: series}
	for _, st := range series {
		sum.TotalBars += st.BarCount
	}
	if fi, err := os.Stat(s.path); err == nil {
		sum.DiskBytes = fi.Size()
	}
	return sum, nil
}
