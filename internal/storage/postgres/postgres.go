// Package postgres is the shared-deployment store. It implements the same
// catalogue and review methods as the sqlite store on top of a pgx pool.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // Registers the pgx5:// migrate driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/conorfennell/kioku/internal/domain"
	kerrors "github.com/conorfennell/kioku/internal/errors"
	"github.com/conorfennell/kioku/internal/fsrs"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open migrates the database at dsn to the latest schema and connects a pool.
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	if err := Migrate(dsn); err != nil {
		return nil, err
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate applies the embedded migrations.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	defer func() {
		e1, e2 := m.Close()
		if e1 != nil || e2 != nil {
			log.Warn().AnErr("source", e1).AnErr("database", e2).Msg("migrate-close")
		}
	}()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nanos(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func timePtr(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := fromNanos(*n)
	return &t
}

// InsertSource registers a new source and returns its ID.
func (s *Store) InsertSource(ctx context.Context, path, typ string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `INSERT INTO sources (path, type) VALUES ($1, $2) RETURNING id`, path, typ).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert source %s: %w", path, err)
	}
	return id, nil
}

const sourceColumns = `id, path, type, last_scanned`

func scanSource(row pgx.Row) (domain.Source, error) {
	var src domain.Source
	var scanned *int64
	if err := row.Scan(&src.ID, &src.Path, &src.Type, &scanned); err != nil {
		return src, err
	}
	src.LastScanned = timePtr(scanned)
	return src, nil
}

// FindSourceByPath returns nil when no source has the path.
func (s *Store) FindSourceByPath(ctx context.Context, path string) (*domain.Source, error) {
	src, err := scanSource(s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE path = $1`, path))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find source by path %s: %w", path, err)
	}
	return &src, nil
}

// GetSource returns the source or a not-found error.
func (s *Store) GetSource(ctx context.Context, id int64) (*domain.Source, error) {
	src, err := scanSource(s.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kerrors.NewNotFound("source", fmt.Sprint(id))
		}
		return nil, fmt.Errorf("failed to get source %d: %w", id, err)
	}
	return &src, nil
}

// GetAllSources retrieves all stored sources ordered by ID.
func (s *Store) GetAllSources(ctx context.Context) ([]domain.Source, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all sources: %w", err)
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// UpdateSourceLastScanned records when a source was last reconciled.
func (s *Store) UpdateSourceLastScanned(ctx context.Context, sourceID int64, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE sources SET last_scanned = $1 WHERE id = $2`, at.UnixNano(), sourceID); err != nil {
		return fmt.Errorf("failed to update last scanned for source ID %d: %w", sourceID, err)
	}
	return nil
}

// DeleteSource removes a source and retires its items.
func (s *Store) DeleteSource(ctx context.Context, id int64, at time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE items SET retired_at = $1
		WHERE source_id = $2 AND retired_at IS NULL
	`, at.UnixNano(), id); err != nil {
		return fmt.Errorf("failed to retire items for source %d: %w", id, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return kerrors.NewNotFound("source", fmt.Sprint(id))
	}
	return tx.Commit(ctx)
}

const itemColumns = `hash, prompt, answer, context, source_id, retired_at`

func scanItem(row pgx.Row) (domain.Item, error) {
	var it domain.Item
	var sourceID, retired *int64
	if err := row.Scan(&it.Hash, &it.Prompt, &it.Answer, &it.Context, &sourceID, &retired); err != nil {
		return it, err
	}
	if sourceID != nil {
		it.SourceID = *sourceID
	}
	it.Retired = retired != nil
	return it, nil
}

// FindItemByHash returns nil when the item is unknown.
func (s *Store) FindItemByHash(ctx context.Context, hash string) (*domain.Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE hash = $1`, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find item %s: %w", hash, err)
	}
	return &it, nil
}

// UpsertItem stores an item under sourceID, un-retiring it if it existed.
// It reports whether the item was previously unknown.
func (s *Store) UpsertItem(ctx context.Context, item domain.Item, sourceID int64) (bool, error) {
	// xmax = 0 only for freshly inserted rows.
	var inserted bool
	err := s.pool.QueryRow(ctx, `
		INSERT INTO items (hash, prompt, answer, context, source_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash) DO UPDATE SET
			prompt = excluded.prompt,
			answer = excluded.answer,
			context = excluded.context,
			source_id = excluded.source_id,
			retired_at = NULL
		RETURNING (xmax = 0)
	`, item.Hash, item.Prompt, item.Answer, item.Context, sourceID).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert item %s: %w", item.Hash, err)
	}
	return inserted, nil
}

// GetItemsBySourceID lists a source's items, optionally including retired ones.
func (s *Store) GetItemsBySourceID(ctx context.Context, sourceID int64, includeRetired bool) ([]domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE source_id = $1`
	if !includeRetired {
		query += ` AND retired_at IS NULL`
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY hash`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get items for source ID %d: %w", sourceID, err)
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item row for source ID %d: %w", sourceID, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// RetireItem marks an item as no longer present in its source.
func (s *Store) RetireItem(ctx context.Context, hash string, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE items SET retired_at = $1
		WHERE hash = $2 AND retired_at IS NULL
	`, at.UnixNano(), hash); err != nil {
		return fmt.Errorf("failed to retire item %s: %w", hash, err)
	}
	return nil
}

const cardColumns = `id, learner_id, item_hash, state, due, stability, difficulty,
	elapsed_days, scheduled_days, reps, lapses, last_review, created_at`

func scanCard(row pgx.Row) (domain.Card, error) {
	var c domain.Card
	var state int
	var due, created int64
	var last *int64
	err := row.Scan(&c.ID, &c.LearnerID, &c.ItemHash, &state, &due, &c.Stability, &c.Difficulty,
		&c.ElapsedDays, &c.ScheduledDays, &c.Reps, &c.Lapses, &last, &created)
	if err != nil {
		return c, err
	}
	c.State = fsrs.State(state)
	c.Due = fromNanos(due)
	c.LastReview = timePtr(last)
	c.CreatedAt = fromNanos(created)
	return c, nil
}

// CreateCard inserts a card unless the learner already has one for the item.
func (s *Store) CreateCard(ctx context.Context, c *domain.Card) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO cards (id, learner_id, item_hash, state, due, stability, difficulty,
			elapsed_days, scheduled_days, reps, lapses, last_review, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (learner_id, item_hash) DO NOTHING
	`, c.ID, c.LearnerID, c.ItemHash, int(c.State), c.Due.UnixNano(), c.Stability, c.Difficulty,
		c.ElapsedDays, c.ScheduledDays, c.Reps, c.Lapses, nanos(c.LastReview), c.CreatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to insert card for %s/%s: %w", c.LearnerID, c.ItemHash, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetCard returns the card or a not-found error.
func (s *Store) GetCard(ctx context.Context, id string) (*domain.Card, error) {
	c, err := scanCard(s.pool.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kerrors.NewNotFound("card", id)
		}
		return nil, fmt.Errorf("failed to get card %s: %w", id, err)
	}
	return &c, nil
}

// FindCardByItem returns nil when the learner has no card for the item.
func (s *Store) FindCardByItem(ctx context.Context, learnerID, itemHash string) (*domain.Card, error) {
	c, err := scanCard(s.pool.QueryRow(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE learner_id = $1 AND item_hash = $2`, learnerID, itemHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find card for %s/%s: %w", learnerID, itemHash, err)
	}
	return &c, nil
}

// DueCards lists due cards on active items: learning steps first, then
// reviews, then new cards, each by due time.
func (s *Store) DueCards(ctx context.Context, learnerID string, now time.Time, limit int) ([]domain.Card, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.learner_id, c.item_hash, c.state, c.due, c.stability, c.difficulty,
			c.elapsed_days, c.scheduled_days, c.reps, c.lapses, c.last_review, c.created_at
		FROM cards c
		JOIN items i ON i.hash = c.item_hash
		WHERE c.learner_id = $1 AND c.due <= $2 AND i.retired_at IS NULL
		ORDER BY CASE WHEN c.state IN ($3, $4) THEN 0 WHEN c.state = $5 THEN 1 ELSE 2 END, c.due, c.id
		LIMIT $6
	`, learnerID, now.UnixNano(), int(fsrs.Learning), int(fsrs.Relearning), int(fsrs.Review), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due cards for %s: %w", learnerID, err)
	}
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card row: %w", err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// ApplyReview writes the card, log entry and counters in one transaction,
// failing with a conflict if the stored reps differ from ExpectedReps.
func (s *Store) ApplyReview(ctx context.Context, rc domain.ReviewCommit) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	c := rc.Card
	tag, err := tx.Exec(ctx, `
		UPDATE cards
		SET state = $1, due = $2, stability = $3, difficulty = $4, elapsed_days = $5,
			scheduled_days = $6, reps = $7, lapses = $8, last_review = $9
		WHERE id = $10 AND reps = $11
	`, int(c.State), c.Due.UnixNano(), c.Stability, c.Difficulty, c.ElapsedDays,
		c.ScheduledDays, c.Reps, c.Lapses, nanos(c.LastReview), c.ID, rc.ExpectedReps)
	if err != nil {
		return fmt.Errorf("failed to update card %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return kerrors.NewConflict(fmt.Sprintf("card %s was modified concurrently", c.ID))
	}

	l := rc.Log
	if _, err := tx.Exec(ctx, `
		INSERT INTO review_logs (id, card_id, rating, state_before, state_after,
			response_time_ms, elapsed_days, scheduled_days, reviewed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, l.ID, l.CardID, int(l.Rating), int(l.StateBefore), int(l.StateAfter), l.ResponseTimeMs,
		l.ElapsedDays, l.ScheduledDays, l.ReviewedAt.UnixNano()); err != nil {
		return fmt.Errorf("failed to insert review log for card %s: %w", l.CardID, err)
	}

	correct := 0
	if rc.Correct {
		correct = 1
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO learner_stats (learner_id, times_reviewed, times_correct)
		VALUES ($1, 1, $2)
		ON CONFLICT (learner_id) DO UPDATE SET
			times_reviewed = learner_stats.times_reviewed + 1,
			times_correct = learner_stats.times_correct + excluded.times_correct
	`, c.LearnerID, correct); err != nil {
		return fmt.Errorf("failed to update stats for %s: %w", c.LearnerID, err)
	}

	return tx.Commit(ctx)
}

// ApplyUndo restores the card and counters and deletes the latest log entry.
func (s *Store) ApplyUndo(ctx context.Context, uc domain.UndoCommit) (*domain.ReviewLog, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the card row so a concurrent review cannot slip in between.
	var reps int
	if err := tx.QueryRow(ctx, `SELECT reps FROM cards WHERE id = $1 AND learner_id = $2 FOR UPDATE`,
		uc.CardID, uc.LearnerID).Scan(&reps); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, kerrors.NewNotFound("card", uc.CardID)
		}
		return nil, fmt.Errorf("failed to lock card %s: %w", uc.CardID, err)
	}

	logs, err := queryLogs(ctx, tx, uc.CardID, 1)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, kerrors.NewNotFound("review log", uc.CardID)
	}
	last := logs[0]
	if err := uc.Precedes(reps, last); err != nil {
		return nil, err
	}

	snap := uc.Snapshot
	if _, err := tx.Exec(ctx, `
		UPDATE cards
		SET state = $1, due = $2, stability = $3, difficulty = $4, elapsed_days = $5,
			scheduled_days = $6, reps = $7, lapses = $8, last_review = $9
		WHERE id = $10
	`, int(snap.State), snap.Due.UnixNano(), snap.Stability, snap.Difficulty, snap.ElapsedDays,
		snap.ScheduledDays, snap.Reps, snap.Lapses, nanos(snap.LastReview), uc.CardID); err != nil {
		return nil, fmt.Errorf("failed to restore card %s: %w", uc.CardID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM review_logs WHERE id = $1`, last.ID); err != nil {
		return nil, fmt.Errorf("failed to delete review log %s: %w", last.ID, err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO learner_stats (learner_id, times_reviewed, times_correct)
		VALUES ($1, $2, $3)
		ON CONFLICT (learner_id) DO UPDATE SET
			times_reviewed = excluded.times_reviewed,
			times_correct = excluded.times_correct
	`, uc.LearnerID, uc.Stats.TimesReviewed, uc.Stats.TimesCorrect); err != nil {
		return nil, fmt.Errorf("failed to restore stats for %s: %w", uc.LearnerID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit undo: %w", err)
	}
	return &last, nil
}

// History returns a card's review log, most recent first. limit <= 0 returns all.
func (s *Store) History(ctx context.Context, cardID string, limit int) ([]domain.ReviewLog, error) {
	return queryLogs(ctx, s.pool, cardID, limit)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryLogs(ctx context.Context, q querier, cardID string, limit int) ([]domain.ReviewLog, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := q.Query(ctx, `
		SELECT id, card_id, rating, state_before, state_after, response_time_ms,
			elapsed_days, scheduled_days, reviewed_at
		FROM review_logs
		WHERE card_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, cardID, lim)
	if err != nil {
		return nil, fmt.Errorf("failed to get review logs for card %s: %w", cardID, err)
	}
	defer rows.Close()

	var logs []domain.ReviewLog
	for rows.Next() {
		var l domain.ReviewLog
		var rating, before, after int
		var at int64
		if err := rows.Scan(&l.ID, &l.CardID, &rating, &before, &after, &l.ResponseTimeMs,
			&l.ElapsedDays, &l.ScheduledDays, &at); err != nil {
			return nil, fmt.Errorf("failed to scan review log row: %w", err)
		}
		l.Rating = fsrs.Rating(rating)
		l.StateBefore = fsrs.State(before)
		l.StateAfter = fsrs.State(after)
		l.ReviewedAt = fromNanos(at)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetStats returns the learner's counters, zero if they have never reviewed.
func (s *Store) GetStats(ctx context.Context, learnerID string) (domain.Stats, error) {
	st := domain.Stats{LearnerID: learnerID}
	err := s.pool.QueryRow(ctx, `
		SELECT times_reviewed, times_correct FROM learner_stats WHERE learner_id = $1
	`, learnerID).Scan(&st.TimesReviewed, &st.TimesCorrect)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return st, fmt.Errorf("failed to get stats for %s: %w", learnerID, err)
	}
	return st, nil
}
