package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/kioku/internal/domain"
	kerrors "github.com/conorfennell/kioku/internal/errors"
	"github.com/conorfennell/kioku/internal/fsrs"
)

const cardColumns = `id, learner_id, item_hash, state, due, stability, difficulty,
	elapsed_days, scheduled_days, reps, lapses, last_review, created_at`

func scanCard(row interface{ Scan(...any) error }) (domain.Card, error) {
	var c domain.Card
	var due, created int64
	var last sql.NullInt64
	err := row.Scan(&c.ID, &c.LearnerID, &c.ItemHash, &c.State, &due, &c.Stability, &c.Difficulty,
		&c.ElapsedDays, &c.ScheduledDays, &c.Reps, &c.Lapses, &last, &created)
	if err != nil {
		return c, err
	}
	c.Due = fromNanos(due)
	c.LastReview = timePtr(last)
	c.CreatedAt = fromNanos(created)
	return c, nil
}

// CreateCard inserts a card unless the learner already has one for the item.
// It reports whether a row was written.
func (db *DB) CreateCard(ctx context.Context, c *domain.Card) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO cards (id, learner_id, item_hash, state, due, stability, difficulty,
			elapsed_days, scheduled_days, reps, lapses, last_review, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(learner_id, item_hash) DO NOTHING
	`, c.ID, c.LearnerID, c.ItemHash, c.State, toNanos(c.Due), c.Stability, c.Difficulty,
		c.ElapsedDays, c.ScheduledDays, c.Reps, c.Lapses, nullNanos(c.LastReview), toNanos(c.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert card for %s/%s: %w", c.LearnerID, c.ItemHash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// GetCard returns the card or a not-found error.
func (db *DB) GetCard(ctx context.Context, id string) (*domain.Card, error) {
	c, err := scanCard(db.conn.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kerrors.NewNotFound("card", id)
		}
		return nil, fmt.Errorf("failed to get card %s: %w", id, err)
	}
	return &c, nil
}

// FindCardByItem returns nil when the learner has no card for the item.
func (db *DB) FindCardByItem(ctx context.Context, learnerID, itemHash string) (*domain.Card, error) {
	c, err := scanCard(db.conn.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE learner_id = ? AND item_hash = ?`, learnerID, itemHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find card for %s/%s: %w", learnerID, itemHash, err)
	}
	return &c, nil
}

// DueCards lists the learner's cards due at or before now on active items.
// Cards in a learning step come first, then reviews, then new cards; each
// group is ordered by due time.
func (db *DB) DueCards(ctx context.Context, learnerID string, now time.Time, limit int) ([]domain.Card, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT c.id, c.learner_id, c.item_hash, c.state, c.due, c.stability, c.difficulty,
			c.elapsed_days, c.scheduled_days, c.reps, c.lapses, c.last_review, c.created_at
		FROM cards c
		JOIN items i ON i.hash = c.item_hash
		WHERE c.learner_id = ? AND c.due <= ? AND i.retired_at IS NULL
		ORDER BY CASE c.state WHEN ? THEN 0 WHEN ? THEN 0 WHEN ? THEN 1 ELSE 2 END, c.due, c.id
		LIMIT ?
	`, learnerID, toNanos(now), fsrs.Learning, fsrs.Relearning, fsrs.Review, limit)
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

// ApplyReview writes the reviewed card, appends its log entry and bumps the
// learner's counters in one transaction. If the stored card's reps no longer
// match ExpectedReps nothing is written and a conflict error is returned.
func (db *DB) ApplyReview(ctx context.Context, rc domain.ReviewCommit) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	c := rc.Card
	res, err := tx.ExecContext(ctx, `
		UPDATE cards
		SET state = ?, due = ?, stability = ?, difficulty = ?, elapsed_days = ?,
			scheduled_days = ?, reps = ?, lapses = ?, last_review = ?
		WHERE id = ? AND reps = ?
	`, c.State, toNanos(c.Due), c.Stability, c.Difficulty, c.ElapsedDays,
		c.ScheduledDays, c.Reps, c.Lapses, nullNanos(c.LastReview), c.ID, rc.ExpectedReps)
	if err != nil {
		return fmt.Errorf("failed to update card %s: %w", c.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return kerrors.NewConflict(fmt.Sprintf("card %s was modified concurrently", c.ID))
	}

	if err := insertLog(ctx, tx, rc.Log); err != nil {
		return err
	}

	correct := 0
	if rc.Correct {
		correct = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO learner_stats (learner_id, times_reviewed, times_correct)
		VALUES (?, 1, ?)
		ON CONFLICT(learner_id) DO UPDATE SET
			times_reviewed = times_reviewed + 1,
			times_correct = times_correct + excluded.times_correct
	`, c.LearnerID, correct); err != nil {
		return fmt.Errorf("failed to update stats for %s: %w", c.LearnerID, err)
	}

	return tx.Commit()
}

func insertLog(ctx context.Context, tx *sql.Tx, l domain.ReviewLog) error {
	var rt sql.NullInt64
	if l.ResponseTimeMs != nil {
		rt = sql.NullInt64{Int64: *l.ResponseTimeMs, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO review_logs (id, card_id, rating, state_before, state_after,
			response_time_ms, elapsed_days, scheduled_days, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.CardID, l.Rating, l.StateBefore, l.StateAfter, rt, l.ElapsedDays, l.ScheduledDays, toNanos(l.ReviewedAt))
	if err != nil {
		return fmt.Errorf("failed to insert review log for card %s: %w", l.CardID, err)
	}
	return nil
}

// ApplyUndo restores the card from the supplied snapshot, overwrites the
// learner's counters and deletes the card's most recent log entry, all in
// one transaction. It returns the removed entry, or a conflict when the
// snapshot is not the card as it stood before that entry.
func (db *DB) ApplyUndo(ctx context.Context, uc domain.UndoCommit) (*domain.ReviewLog, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var reps int
	err = tx.QueryRowContext(ctx, `SELECT reps FROM cards WHERE id = ? AND learner_id = ?`,
		uc.CardID, uc.LearnerID).Scan(&reps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kerrors.NewNotFound("card", uc.CardID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read card %s: %w", uc.CardID, err)
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

	s := uc.Snapshot
	res, err := tx.ExecContext(ctx, `
		UPDATE cards
		SET state = ?, due = ?, stability = ?, difficulty = ?, elapsed_days = ?,
			scheduled_days = ?, reps = ?, lapses = ?, last_review = ?
		WHERE id = ? AND learner_id = ? AND reps = ?
	`, s.State, toNanos(s.Due), s.Stability, s.Difficulty, s.ElapsedDays,
		s.ScheduledDays, s.Reps, s.Lapses, nullNanos(s.LastReview), uc.CardID, uc.LearnerID, reps)
	if err != nil {
		return nil, fmt.Errorf("failed to restore card %s: %w", uc.CardID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, kerrors.NewConflict(fmt.Sprintf("card %s changed during undo", uc.CardID))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM review_logs WHERE id = ?`, last.ID); err != nil {
		return nil, fmt.Errorf("failed to delete review log %s: %w", last.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO learner_stats (learner_id, times_reviewed, times_correct)
		VALUES (?, ?, ?)
		ON CONFLICT(learner_id) DO UPDATE SET
			times_reviewed = excluded.times_reviewed,
			times_correct = excluded.times_correct
	`, uc.LearnerID, uc.Stats.TimesReviewed, uc.Stats.TimesCorrect); err != nil {
		return nil, fmt.Errorf("failed to restore stats for %s: %w", uc.LearnerID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit undo: %w", err)
	}
	return &last, nil
}

// History returns a card's review log, most recent first. limit <= 0 returns all.
func (db *DB) History(ctx context.Context, cardID string, limit int) ([]domain.ReviewLog, error) {
	return queryLogs(ctx, db.conn, cardID, limit)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryLogs(ctx context.Context, q querier, cardID string, limit int) ([]domain.ReviewLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, card_id, rating, state_before, state_after, response_time_ms,
			elapsed_days, scheduled_days, reviewed_at
		FROM review_logs
		WHERE card_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, cardID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get review logs for card %s: %w", cardID, err)
	}
	defer rows.Close()

	var logs []domain.ReviewLog
	for rows.Next() {
		var l domain.ReviewLog
		var rt sql.NullInt64
		var at int64
		if err := rows.Scan(&l.ID, &l.CardID, &l.Rating, &l.StateBefore, &l.StateAfter, &rt,
			&l.ElapsedDays, &l.ScheduledDays, &at); err != nil {
			return nil, fmt.Errorf("failed to scan review log row: %w", err)
		}
		if rt.Valid {
			v := rt.Int64
			l.ResponseTimeMs = &v
		}
		l.ReviewedAt = fromNanos(at)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// GetStats returns the learner's counters, zero if they have never reviewed.
func (db *DB) GetStats(ctx context.Context, learnerID string) (domain.Stats, error) {
	st := domain.Stats{LearnerID: learnerID}
	err := db.conn.QueryRowContext(ctx, `
		SELECT times_reviewed, times_correct FROM learner_stats WHERE learner_id = ?
	`, learnerID).Scan(&st.TimesReviewed, &st.TimesCorrect)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("failed to get stats for %s: %w", learnerID, err)
	}
	return st, nil
}
