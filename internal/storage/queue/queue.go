package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/leshachaplin/tracker/internal/domain"
)

const defaultMaxEntries = 10000

type Config struct {
	Path       string `mapstructure:"path"`
	MaxEntries int    `mapstructure:"max_entries"`
}

// Entry is a persisted event awaiting delivery.
type Entry struct {
	Sequence   uint64
	Event      domain.Event
	Attempts   int
	EnqueuedAt time.Time
	Size       int
}

type Stats struct {
	Appended      uint64
	Evicted       uint64
	Corrupted     uint64
	StorageErrors uint64
}

type Option func(*Queue)

// WithEvictionHandler registers fn to receive the sequence numbers dropped by
// the capacity policy. fn runs after the store lock is released.
func WithEvictionHandler(fn func(seqs []uint64)) Option {
	return func(q *Queue) {
		q.onEvict = fn
	}
}

func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

type eventRow struct {
	Sequence   uint64 `gorm:"column:sequence;primaryKey;autoIncrement"`
	VisitorID  string `gorm:"column:visitor_id"`
	Name       string `gorm:"column:name"`
	Payload    []byte `gorm:"column:payload"`
	Size       int    `gorm:"column:size"`
	Attempts   int    `gorm:"column:attempts"`
	EnqueuedAt int64  `gorm:"column:enqueued_at"`
}

func (eventRow) TableName() string { return "events" }

type settingRow struct {
	Name  string `gorm:"column:name;primaryKey"`
	Value string `gorm:"column:value"`
}

func (settingRow) TableName() string { return "settings" }

// Queue is a durable FIFO of events backed by SQLite. Every method holds the
// store mutex for exactly one logical operation.
type Queue struct {
	mu         sync.Mutex
	db         *gorm.DB
	maxEntries int
	stats      Stats
	storageErr atomic.Uint64
	onEvict    func([]uint64)
	now        func() time.Time
	logger     zerolog.Logger
}

func Open(ctx context.Context, cfg Config, logger zerolog.Logger, opts ...Option) (*Queue, error) {
	if cfg.Path == "" {
		return nil, errors.New("queue: path is required")
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = defaultMaxEntries
	}

	dsn := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	q := &Queue{
		db:         db,
		maxEntries: cfg.MaxEntries,
		now:        time.Now,
		logger:     logger.With().Str("component", "queue").Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return q, nil
}

func (q *Queue) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			sequence    INTEGER PRIMARY KEY AUTOINCREMENT,
			visitor_id  TEXT    NOT NULL DEFAULT '',
			name        TEXT    NOT NULL,
			payload     BLOB    NOT NULL,
			size        INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			enqueued_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			name  TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range stmts {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		return nil
	})
}

// Append persists ev at the tail. registered, when non-nil, is called with the
// new sequence number before the store lock is released, so no reader can
// observe the entry before it runs. Entries above the capacity are evicted
// oldest first.
func (q *Queue) Append(ctx context.Context, ev domain.Event, registered func(seq uint64)) (uint64, error) {
	payload, err := encodeRecord(ev)
	if err != nil {
		return 0, q.wrapErr("append", err)
	}

	row := eventRow{
		VisitorID:  ev.VisitorID,
		Name:       ev.Name,
		Payload:    payload,
		Size:       ev.WireSize(),
		EnqueuedAt: q.now().UnixNano(),
	}

	var evicted []uint64
	q.mu.Lock()
	err = q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if createErr := tx.Create(&row).Error; createErr != nil {
			return createErr
		}
		var evictErr error
		evicted, evictErr = q.evict(tx)
		return evictErr
	})
	if err == nil {
		q.stats.Appended++
		q.stats.Evicted += uint64(len(evicted))
		if registered != nil {
			registered(row.Sequence)
		}
	}
	q.mu.Unlock()

	if err != nil {
		return 0, q.wrapErr("append", err)
	}

	if len(evicted) > 0 {
		q.logger.Warn().Int("evicted", len(evicted)).Int("max_entries", q.maxEntries).
			Msg("queue is full, oldest events dropped")
		if q.onEvict != nil {
			q.onEvict(evicted)
		}
	}

	return row.Sequence, nil
}

func (q *Queue) evict(tx *gorm.DB) ([]uint64, error) {
	if q.maxEntries < 0 {
		return nil, nil
	}

	var count int64
	if err := tx.Model(&eventRow{}).Count(&count).Error; err != nil {
		return nil, err
	}
	over := int(count) - q.maxEntries
	if over <= 0 {
		return nil, nil
	}

	var seqs []uint64
	if err := tx.Model(&eventRow{}).Order("sequence ASC").Limit(over).Pluck("sequence", &seqs).Error; err != nil {
		return nil, err
	}
	if err := tx.Where("sequence IN ?", seqs).Delete(&eventRow{}).Error; err != nil {
		return nil, err
	}
	return seqs, nil
}

// PeekBatch returns up to maxCount of the oldest entries whose sizes, joined
// by one separator byte each, sum to at most maxBytes. The first entry is
// always returned, even when it alone exceeds maxBytes. Entries are not
// removed. Undecodable rows are dropped, and peeking continues past them
// until a decodable entry is found or the queue is empty.
func (q *Queue) PeekBatch(ctx context.Context, maxCount, maxBytes int) ([]Entry, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		var rows []eventRow
		if err := q.db.WithContext(ctx).Order("sequence ASC").Limit(maxCount).Find(&rows).Error; err != nil {
			return nil, q.wrapErr("peek", err)
		}

		entries, corrupt := q.decodeRows(rows, maxBytes)
		if len(corrupt) > 0 {
			if err := q.db.WithContext(ctx).Where("sequence IN ?", corrupt).Delete(&eventRow{}).Error; err != nil {
				return nil, q.wrapErr("peek", err)
			}
			q.stats.Corrupted += uint64(len(corrupt))
		}

		// a full page of corrupt rows may hide decodable ones behind it
		if len(entries) > 0 || len(corrupt) == 0 || len(rows) < maxCount {
			return entries, nil
		}
	}
}

func (q *Queue) decodeRows(rows []eventRow, maxBytes int) ([]Entry, []uint64) {
	var (
		entries []Entry
		corrupt []uint64
		total   int
	)
	for _, row := range rows {
		size := row.Size
		if len(entries) > 0 {
			size++
		}
		if len(entries) > 0 && maxBytes > 0 && total+size > maxBytes {
			break
		}

		ev, err := decodeRecord(row.Payload)
		if err != nil {
			q.logger.Error().Err(err).Uint64("sequence", row.Sequence).Msg("drop undecodable entry")
			corrupt = append(corrupt, row.Sequence)
			continue
		}

		total += size
		entries = append(entries, Entry{
			Sequence:   row.Sequence,
			Event:      ev,
			Attempts:   row.Attempts,
			EnqueuedAt: time.Unix(0, row.EnqueuedAt).UTC(),
			Size:       row.Size,
		})
	}
	return entries, corrupt
}

// Acknowledge removes the given entries. Unknown sequence numbers are ignored.
func (q *Queue) Acknowledge(ctx context.Context, seqs []uint64) error {
	if len(seqs) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.db.WithContext(ctx).Where("sequence IN ?", seqs).Delete(&eventRow{}).Error; err != nil {
		return q.wrapErr("acknowledge", err)
	}
	return nil
}

// Requeue bumps the attempt count of the given entries. Their position is
// unchanged.
func (q *Queue) Requeue(ctx context.Context, seqs []uint64, increment int) error {
	if len(seqs) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.db.WithContext(ctx).Model(&eventRow{}).
		Where("sequence IN ?", seqs).
		UpdateColumn("attempts", gorm.Expr("attempts + ?", increment)).Error
	if err != nil {
		return q.wrapErr("requeue", err)
	}
	return nil
}

func (q *Queue) PurgeAll(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.db.WithContext(ctx).Exec("DELETE FROM events").Error; err != nil {
		return q.wrapErr("purge", err)
	}
	return nil
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var count int64
	if err := q.db.WithContext(ctx).Model(&eventRow{}).Count(&count).Error; err != nil {
		return 0, q.wrapErr("len", err)
	}
	return int(count), nil
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := q.stats
	stats.StorageErrors = q.storageErr.Load()
	return stats
}

func (q *Queue) Setting(ctx context.Context, key string) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var row settingRow
	err := q.db.WithContext(ctx).Where("name = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, q.wrapErr("setting", err)
	}
	return row.Value, true, nil
}

func (q *Queue) SetSetting(ctx context.Context, key, value string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&settingRow{Name: key, Value: value}).Error
	if err != nil {
		return q.wrapErr("set setting", err)
	}
	return nil
}

func (q *Queue) Close() error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (q *Queue) wrapErr(op string, err error) *domain.StorageError {
	kind := domain.StorageOther
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrFull:
			kind = domain.StorageFull
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			kind = domain.StorageCorrupt
		case sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrReadonly:
			kind = domain.StorageIO
		}
	}

	q.storageErr.Add(1)
	q.logger.Error().Err(err).Str("op", op).Str("kind", string(kind)).Msg("storage failure")
	return &domain.StorageError{Op: op, Kind: kind, Err: err}
}
