package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/kioku/internal/domain"
	kerrors "github.com/conorfennell/kioku/internal/errors"
)

// InsertSource registers a new source and returns its ID.
func (db *DB) InsertSource(ctx context.Context, path, typ string) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO sources (path, type)
		VALUES (?, ?)
	`, path, typ)
	if err != nil {
		return 0, fmt.Errorf("failed to insert source %s: %w", path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for source %s: %w", path, err)
	}
	return id, nil
}

const sourceColumns = `id, path, type, last_scanned`

func scanSource(row interface{ Scan(...any) error }) (domain.Source, error) {
	var s domain.Source
	var scanned sql.NullInt64
	if err := row.Scan(&s.ID, &s.Path, &s.Type, &scanned); err != nil {
		return s, err
	}
	s.LastScanned = timePtr(scanned)
	return s, nil
}

// FindSourceByPath returns nil when no source has the path.
func (db *DB) FindSourceByPath(ctx context.Context, path string) (*domain.Source, error) {
	s, err := scanSource(db.conn.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE path = ?`, path))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find source by path %s: %w", path, err)
	}
	return &s, nil
}

// GetSource returns the source or a not-found error.
func (db *DB) GetSource(ctx context.Context, id int64) (*domain.Source, error) {
	s, err := scanSource(db.conn.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kerrors.NewNotFound("source", fmt.Sprint(id))
		}
		return nil, fmt.Errorf("failed to get source %d: %w", id, err)
	}
	return &s, nil
}

// GetAllSources retrieves all stored sources ordered by ID.
func (db *DB) GetAllSources(ctx context.Context) ([]domain.Source, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all sources: %w", err)
	}
	defer rows.Close()

	var sources []domain.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// UpdateSourceLastScanned records when a source was last reconciled.
func (db *DB) UpdateSourceLastScanned(ctx context.Context, sourceID int64, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE sources SET last_scanned = ? WHERE id = ?`, toNanos(at), sourceID)
	if err != nil {
		return fmt.Errorf("failed to update last scanned for source ID %d: %w", sourceID, err)
	}
	return nil
}

// DeleteSource removes a source and retires its items. Cards and review
// history for those items are kept.
func (db *DB) DeleteSource(ctx context.Context, id int64, at time.Time) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE items SET retired_at = ?
		WHERE source_id = ? AND retired_at IS NULL
	`, toNanos(at), id); err != nil {
		return fmt.Errorf("failed to retire items for source %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kerrors.NewNotFound("source", fmt.Sprint(id))
	}
	return tx.Commit()
}

const itemColumns = `hash, prompt, answer, context, source_id, retired_at`

func scanItem(row interface{ Scan(...any) error }) (domain.Item, error) {
	var it domain.Item
	var sourceID, retired sql.NullInt64
	if err := row.Scan(&it.Hash, &it.Prompt, &it.Answer, &it.Context, &sourceID, &retired); err != nil {
		return it, err
	}
	it.SourceID = sourceID.Int64
	it.Retired = retired.Valid
	return it, nil
}

// FindItemByHash returns nil when the item is unknown. Retired items are returned.
func (db *DB) FindItemByHash(ctx context.Context, hash string) (*domain.Item, error) {
	it, err := scanItem(db.conn.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE hash = ?`, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find item %s: %w", hash, err)
	}
	return &it, nil
}

// UpsertItem stores a parsed item under sourceID. An existing item with the
// same hash is moved to the source and un-retired. It reports whether the
// item was previously unknown.
func (db *DB) UpsertItem(ctx context.Context, item domain.Item, sourceID int64) (bool, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO items (hash, prompt, answer, context, source_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, item.Hash, item.Prompt, item.Answer, item.Context, sourceID)
	if err != nil {
		return false, fmt.Errorf("failed to insert item %s: %w", item.Hash, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}

	if _, err := db.conn.ExecContext(ctx, `
		UPDATE items
		SET prompt = ?, answer = ?, context = ?, source_id = ?, retired_at = NULL
		WHERE hash = ?
	`, item.Prompt, item.Answer, item.Context, sourceID, item.Hash); err != nil {
		return false, fmt.Errorf("failed to update item %s: %w", item.Hash, err)
	}
	return false, nil
}

// GetItemsBySourceID lists a source's items, optionally including retired ones.
func (db *DB) GetItemsBySourceID(ctx context.Context, sourceID int64, includeRetired bool) ([]domain.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE source_id = ?`
	if !includeRetired {
		query += ` AND retired_at IS NULL`
	}
	rows, err := db.conn.QueryContext(ctx, query+` ORDER BY hash`, sourceID)
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
func (db *DB) RetireItem(ctx context.Context, hash string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE items SET retired_at = ?
		WHERE hash = ? AND retired_at IS NULL
	`, toNanos(at), hash)
	if err != nil {
		return fmt.Errorf("failed to retire item %s: %w", hash, err)
	}
	return nil
}
