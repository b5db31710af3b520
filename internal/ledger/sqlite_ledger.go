// Package ledger records completed generations in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-service/internal/core"
	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const (
	driverName      = "sqlite"
	previewMaxRunes = 100
	previewEllipsis = "..."
)

// Error messages.
const (
	msgSaveFailed   = "Failed to save generation"
	msgQueryFailed  = "Failed to fetch generations"
	msgDeleteFailed = "Failed to delete generation"
)

const schema = `
CREATE TABLE IF NOT EXISTS audio_generations (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	text_content     TEXT NOT NULL,
	text_preview     TEXT NOT NULL,
	voice_type       TEXT NOT NULL,
	speed            REAL NOT NULL,
	file_url         TEXT NOT NULL,
	filename         TEXT NOT NULL,
	file_size        INTEGER NOT NULL,
	duration_seconds INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audio_generations_user_id ON audio_generations (user_id);
CREATE INDEX IF NOT EXISTS idx_audio_generations_created_at ON audio_generations (created_at DESC);
`

const (
	insertRecord = `INSERT INTO audio_generations
	(id, user_id, text_content, text_preview, voice_type, speed, file_url, filename, file_size,
	 duration_seconds, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectSummaries = `SELECT id, text_preview, voice_type, speed, file_url, filename, file_size,
	duration_seconds, created_at
	FROM audio_generations WHERE user_id = ?
	ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`

	selectCount = `SELECT COUNT(*) FROM audio_generations WHERE user_id = ?`

	selectRecord = `SELECT id, user_id, text_content, text_preview, voice_type, speed, file_url, filename,
	file_size, duration_seconds, created_at, updated_at
	FROM audio_generations WHERE id = ? AND user_id = ?`

	deleteRecord = `DELETE FROM audio_generations WHERE id = ? AND user_id = ?`

	selectStats = `SELECT COUNT(*), COALESCE(SUM(duration_seconds), 0), COALESCE(SUM(file_size), 0),
	MIN(created_at), MAX(created_at)
	FROM audio_generations WHERE user_id = ?`
)

// SQLiteLedger implements core.Ledger on a SQLite database.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
	log *logger.Logger
}

// NewSQLiteLedger opens the database at dsn and ensures the schema exists.
// A nil clock defaults to time.Now.
func NewSQLiteLedger(ctx context.Context, dsn string, now func() time.Time, log *logger.Logger) (*SQLiteLedger, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	// SQLite allows a single writer; one connection keeps writes serialized.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, schema)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	if now == nil {
		now = time.Now
	}

	return &SQLiteLedger{db: db, now: now, log: log}, nil
}

// Close releases the database.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

// Ping verifies database connectivity.
func (l *SQLiteLedger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Save inserts record, assigning its id, preview and timestamps.
func (l *SQLiteLedger) Save(ctx context.Context, record core.GenerationRecord) (core.GenerationRecord, error) {
	now := l.now().UTC()

	record.ID = uuid.NewString()
	record.TextPreview = Preview(record.TextContent)
	record.CreatedAt = now
	record.UpdatedAt = now

	_, err := l.db.ExecContext(ctx, insertRecord,
		record.ID, record.OwnerID, record.TextContent, record.TextPreview, record.VoiceType,
		record.Speed, record.FileURL, record.Filename, record.FileSize, record.DurationSeconds,
		now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		l.log.Error("Database save error: %v", err)

		return core.GenerationRecord{}, core.NewError(core.KindPersistence, msgSaveFailed, err)
	}

	l.log.Info("Generation saved to database: %s", record.ID)

	return record, nil
}

// ListByOwner returns one page of the owner's generations, newest first.
// A non-positive limit yields an empty page and a negative offset counts as zero.
func (l *SQLiteLedger) ListByOwner(
	ctx context.Context,
	ownerID string,
	limit, offset int,
) ([]core.GenerationSummary, error) {
	if limit <= 0 {
		return []core.GenerationSummary{}, nil
	}

	rows, err := l.db.QueryContext(ctx, selectSummaries, ownerID, limit, max(offset, 0))
	if err != nil {
		return nil, core.NewError(core.KindPersistence, msgQueryFailed, err)
	}
	defer rows.Close()

	summaries := make([]core.GenerationSummary, 0, limit)

	for rows.Next() {
		var (
			summary   core.GenerationSummary
			createdAt int64
		)

		scanErr := rows.Scan(
			&summary.ID, &summary.TextPreview, &summary.VoiceType, &summary.Speed, &summary.FileURL,
			&summary.Filename, &summary.FileSize, &summary.DurationSeconds, &createdAt,
		)
		if scanErr != nil {
			return nil, core.NewError(core.KindPersistence, msgQueryFailed, scanErr)
		}

		summary.CreatedAt = fromUnixNano(createdAt)
		summaries = append(summaries, summary)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, core.NewError(core.KindPersistence, msgQueryFailed, rowsErr)
	}

	return summaries, nil
}

// CountByOwner returns the number of generations the owner has.
func (l *SQLiteLedger) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	var count int

	err := l.db.QueryRowContext(ctx, selectCount, ownerID).Scan(&count)
	if err != nil {
		return 0, core.NewError(core.KindPersistence, msgQueryFailed, err)
	}

	return count, nil
}

// GetByID returns the record only when it belongs to ownerID; otherwise nil.
func (l *SQLiteLedger) GetByID(ctx context.Context, id, ownerID string) (*core.GenerationRecord, error) {
	var (
		record               core.GenerationRecord
		createdAt, updatedAt int64
	)

	err := l.db.QueryRowContext(ctx, selectRecord, id, ownerID).Scan(
		&record.ID, &record.OwnerID, &record.TextContent, &record.TextPreview, &record.VoiceType,
		&record.Speed, &record.FileURL, &record.Filename, &record.FileSize, &record.DurationSeconds,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, core.NewError(core.KindPersistence, msgQueryFailed, err)
	}

	record.CreatedAt = fromUnixNano(createdAt)
	record.UpdatedAt = fromUnixNano(updatedAt)

	return &record, nil
}

// DeleteByID removes the record scoped by id and owner and reports whether a row was removed.
func (l *SQLiteLedger) DeleteByID(ctx context.Context, id, ownerID string) (bool, error) {
	result, err := l.db.ExecContext(ctx, deleteRecord, id, ownerID)
	if err != nil {
		return false, core.NewError(core.KindPersistence, msgDeleteFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, core.NewError(core.KindPersistence, msgDeleteFailed, err)
	}

	if affected > 0 {
		l.log.Info("Generation deleted from database: %s", id)
	}

	return affected > 0, nil
}

// StatsByOwner aggregates the owner's generations.
func (l *SQLiteLedger) StatsByOwner(ctx context.Context, ownerID string) (core.OwnerStats, error) {
	var (
		stats       core.OwnerStats
		first, last sql.NullInt64
	)

	err := l.db.QueryRowContext(ctx, selectStats, ownerID).Scan(
		&stats.TotalGenerations, &stats.TotalDurationSeconds, &stats.TotalFileSizeBytes, &first, &last,
	)
	if err != nil {
		return core.OwnerStats{}, core.NewError(core.KindPersistence, msgQueryFailed, err)
	}

	if first.Valid {
		firstAt := fromUnixNano(first.Int64)
		stats.FirstGeneration = &firstAt
	}

	if last.Valid {
		lastAt := fromUnixNano(last.Int64)
		stats.LastGeneration = &lastAt
	}

	return stats, nil
}

// Preview returns the first 100 characters of text, with an ellipsis when truncated.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewMaxRunes {
		return text
	}

	return string(runes[:previewMaxRunes]) + previewEllipsis
}

func fromUnixNano(value int64) time.Time {
	return time.Unix(0, value).UTC()
}
