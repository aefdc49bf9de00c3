// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store is the persistent cache: a single-writer, WAL-mode
// SQLite mirror of the upstream catalog, indexed by upstream id, with
// this daemon's processing state attached to each row.
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/andronics/tvsyncd/internal/model"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS shows (
	upstream_id            INTEGER PRIMARY KEY,
	title                   TEXT NOT NULL,
	type                    TEXT,
	language                TEXT,
	status                  TEXT,
	premiered               TEXT,
	ended                   TEXT,
	runtime                 INTEGER,
	genres                  TEXT,
	network                 TEXT,
	country                 TEXT,
	rating                  REAL,
	downstream_catalog_id   INTEGER,
	secondary_id            TEXT,
	processing_status       TEXT NOT NULL DEFAULT 'PENDING',
	filter_reason           TEXT,
	filter_category         TEXT,
	downstream_series_id    INTEGER,
	accepted_at             TIMESTAMP,
	last_checked_at         TIMESTAMP,
	upstream_updated_at     INTEGER NOT NULL DEFAULT 0,
	retry_after             TIMESTAMP,
	retry_count             INTEGER NOT NULL DEFAULT 0,
	pending_since           TIMESTAMP,
	error_message           TEXT,
	created_at              TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at              TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_shows_processing_status ON shows(processing_status);
CREATE INDEX IF NOT EXISTS idx_shows_downstream_catalog_id ON shows(downstream_catalog_id);
CREATE INDEX IF NOT EXISTS idx_shows_language ON shows(language);
CREATE INDEX IF NOT EXISTS idx_shows_country ON shows(country);
CREATE INDEX IF NOT EXISTS idx_shows_type ON shows(type);
CREATE INDEX IF NOT EXISTS idx_shows_premiered ON shows(premiered);
CREATE INDEX IF NOT EXISTS idx_shows_retry_after ON shows(retry_after);
CREATE INDEX IF NOT EXISTS idx_shows_pending_since ON shows(pending_since);
CREATE INDEX IF NOT EXISTS idx_shows_upstream_updated_at ON shows(upstream_updated_at);

CREATE TRIGGER IF NOT EXISTS trg_shows_updated_at
AFTER UPDATE ON shows
BEGIN
	UPDATE shows SET updated_at = CURRENT_TIMESTAMP WHERE upstream_id = NEW.upstream_id;
END;

CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);
`

// Store is the persistent show cache. It owns a single write-ahead
// logging SQLite connection; the daemon's sync orchestrator is its
// only writer, while HTTP handlers may read through it concurrently.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path,
// enables write-ahead logging, and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "opening cache database")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "applying cache schema")
	}

	s := &Store{db: db}
	if err := s.ensureSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchemaVersion() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return errors.Wrap(err, "reading schema version")
	}
	if count == 0 {
		_, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion)
		return errors.Wrap(err, "recording schema version")
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Healthcheck verifies the database connection is alive.
func (s *Store) Healthcheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func joinStrings(ss []string) string { return strings.Join(ss, ",") }

func splitStrings(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// Upsert inserts a show or, if its upstream id already exists,
// replaces its metadata and sync bookkeeping. ProcessingStatus is
// written when the caller sets it; when it is empty a new row starts
// PENDING and an existing row keeps its status. The other processing
// state fields are never written here and are left as they are.
func (s *Store) Upsert(ctx context.Context, show *model.Show) error {
	return s.UpsertMany(ctx, []*model.Show{show})
}

// UpsertMany performs a batched insert-or-replace in a single
// transaction, used by the initial-sync page loop.
func (s *Store) UpsertMany(ctx context.Context, shows []*model.Show) error {
	if len(shows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning upsert transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO shows (
			upstream_id, title, type, language, status, premiered, ended, runtime,
			genres, network, country, rating, downstream_catalog_id, secondary_id,
			last_checked_at, upstream_updated_at, processing_status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(NULLIF(?17, ''), 'PENDING'))
		ON CONFLICT(upstream_id) DO UPDATE SET
			processing_status = CASE WHEN ?17 = '' THEN shows.processing_status ELSE excluded.processing_status END,
			title = excluded.title,
			type = excluded.type,
			language = excluded.language,
			status = excluded.status,
			premiered = excluded.premiered,
			ended = excluded.ended,
			runtime = excluded.runtime,
			genres = excluded.genres,
			network = excluded.network,
			country = excluded.country,
			rating = excluded.rating,
			downstream_catalog_id = excluded.downstream_catalog_id,
			secondary_id = excluded.secondary_id,
			last_checked_at = excluded.last_checked_at,
			upstream_updated_at = excluded.upstream_updated_at
	`)
	if err != nil {
		return errors.Wrap(err, "preparing upsert statement")
	}
	defer stmt.Close()

	for _, show := range shows {
		lastChecked := show.LastCheckedAt
		if lastChecked.IsZero() {
			lastChecked = time.Now()
		}
		_, err := stmt.ExecContext(ctx,
			show.UpstreamID, show.Title, show.Type, show.Language, show.Status,
			show.Premiered, show.Ended, show.Runtime, joinStrings(show.Genres),
			show.Network, show.Country, show.Rating, show.DownstreamCatalogID, show.SecondaryID,
			lastChecked, show.UpstreamUpdatedAt, string(show.ProcessingStatus),
		)
		if err != nil {
			return errors.Wrapf(err, "upserting show %d", show.UpstreamID)
		}
	}

	return tx.Commit()
}

const selectColumns = `
	upstream_id, title, type, language, status, premiered, ended, runtime,
	genres, network, country, rating, downstream_catalog_id, secondary_id,
	processing_status, filter_reason, filter_category, downstream_series_id,
	accepted_at, last_checked_at, upstream_updated_at, retry_after, retry_count,
	pending_since, error_message, created_at, updated_at
`

func scanShow(row interface{ Scan(...any) error }) (*model.Show, error) {
	var show model.Show
	var genres string
	var runtime sql.NullInt64
	var rating sql.NullFloat64
	var downstreamCatalogID sql.NullInt64
	var secondaryID sql.NullString
	var filterReason, filterCategory, errorMessage sql.NullString
	var downstreamSeriesID sql.NullInt64
	var acceptedAt, retryAfter, pendingSince sql.NullTime

	err := row.Scan(
		&show.UpstreamID, &show.Title, &show.Type, &show.Language, &show.Status,
		&show.Premiered, &show.Ended, &runtime, &genres, &show.Network, &show.Country,
		&rating, &downstreamCatalogID, &secondaryID, &show.ProcessingStatus, &filterReason,
		&filterCategory, &downstreamSeriesID, &acceptedAt, &show.LastCheckedAt,
		&show.UpstreamUpdatedAt, &retryAfter, &show.RetryCount, &pendingSince,
		&errorMessage, &show.CreatedAt, &show.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	show.Genres = splitStrings(genres)
	if runtime.Valid {
		v := int(runtime.Int64)
		show.Runtime = &v
	}
	if rating.Valid {
		v := rating.Float64
		show.Rating = &v
	}
	if downstreamCatalogID.Valid {
		v := downstreamCatalogID.Int64
		show.DownstreamCatalogID = &v
	}
	if secondaryID.Valid {
		show.SecondaryID = &secondaryID.String
	}
	if filterReason.Valid {
		show.FilterReason = &filterReason.String
	}
	if filterCategory.Valid {
		show.FilterCategory = &filterCategory.String
	}
	if downstreamSeriesID.Valid {
		v := downstreamSeriesID.Int64
		show.DownstreamSeriesID = &v
	}
	if acceptedAt.Valid {
		show.AcceptedAt = &acceptedAt.Time
	}
	if retryAfter.Valid {
		show.RetryAfter = &retryAfter.Time
	}
	if pendingSince.Valid {
		show.PendingSince = &pendingSince.Time
	}
	if errorMessage.Valid {
		show.ErrorMessage = &errorMessage.String
	}

	return &show, nil
}

// Get fetches a show by its upstream id, returning (nil, nil) if absent.
func (s *Store) Get(ctx context.Context, upstreamID int64) (*model.Show, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM shows WHERE upstream_id = ?`, upstreamID)
	show, err := scanShow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting show %d", upstreamID)
	}
	return show, nil
}

// GetByDownstreamCatalogID fetches a show by its downstream catalog id.
func (s *Store) GetByDownstreamCatalogID(ctx context.Context, id int64) (*model.Show, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM shows WHERE downstream_catalog_id = ?`, id)
	show, err := scanShow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting show by downstream catalog id %d", id)
	}
	return show, nil
}

// Delete removes a show from the cache. The sync engine never calls
// this; it exists for manual operator maintenance only.
func (s *Store) Delete(ctx context.Context, upstreamID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shows WHERE upstream_id = ?`, upstreamID)
	return errors.Wrapf(err, "deleting show %d", upstreamID)
}

// ListByStatus returns shows in the given processing status, in
// ascending upstream id order, honoring limit/offset for HTTP-surface
// pagination.
func (s *Store) ListByStatus(ctx context.Context, status model.Status, limit, offset int) ([]*model.Show, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM shows WHERE processing_status = ? ORDER BY upstream_id LIMIT ? OFFSET ?`,
		status, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "listing shows by status")
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows *sql.Rows) ([]*model.Show, error) {
	var out []*model.Show
	for rows.Next() {
		show, err := scanShow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, show)
	}
	return out, rows.Err()
}

// IterFiltered streams every FILTERED show to fn, used by filter-change
// re-evaluation. Iteration stops early if fn returns an error.
func (s *Store) IterFiltered(ctx context.Context, fn func(*model.Show) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM shows WHERE processing_status = ?`, model.StatusFiltered)
	if err != nil {
		return errors.Wrap(err, "iterating filtered shows")
	}
	defer rows.Close()

	for rows.Next() {
		show, err := scanShow(rows)
		if err != nil {
			return err
		}
		if err := fn(show); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ReadyForRetry returns shows pending a downstream id whose retry
// deadline has passed and which have not yet crossed the abandonment
// horizon.
func (s *Store) ReadyForRetry(ctx context.Context, now time.Time, abandonAfter time.Duration) ([]*model.Show, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM shows
		WHERE processing_status = ?
		  AND retry_after <= ?
		  AND (pending_since IS NULL OR pending_since > ?)
		ORDER BY upstream_id
	`, model.StatusPendingDownstreamID, now, now.Add(-abandonAfter))
	if err != nil {
		return nil, errors.Wrap(err, "querying shows ready for retry")
	}
	defer rows.Close()
	return scanAll(rows)
}

// DueForAbandonment returns shows pending a downstream id whose
// pending_since has crossed the abandonment horizon.
func (s *Store) DueForAbandonment(ctx context.Context, now time.Time, abandonAfter time.Duration) ([]*model.Show, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM shows
		WHERE processing_status = ? AND pending_since IS NOT NULL AND pending_since <= ?
		ORDER BY upstream_id
	`, model.StatusPendingDownstreamID, now.Add(-abandonAfter))
	if err != nil {
		return nil, errors.Wrap(err, "querying shows due for abandonment")
	}
	defer rows.Close()
	return scanAll(rows)
}

// IDsUpdatedSince returns the upstream ids of shows this cache has
// already seen with an upstream_updated_at older than ts — i.e. shows
// the incremental sync updates feed should treat as stale.
func (s *Store) IDsUpdatedSince(ctx context.Context, ts int64) (map[int64]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT upstream_id, upstream_updated_at FROM shows WHERE upstream_updated_at < ?`, ts)
	if err != nil {
		return nil, errors.Wrap(err, "querying ids updated since")
	}
	defer rows.Close()

	out := map[int64]int64{}
	for rows.Next() {
		var id, updated int64
		if err := rows.Scan(&id, &updated); err != nil {
			return nil, err
		}
		out[id] = updated
	}
	return out, rows.Err()
}

// MarkAdded transitions a show to ADDED, recording its downstream
// series id and clearing any filter/retry bookkeeping. pending_since is
// cleared here (not preserved) so a later re-entry into the retry queue
// starts a fresh abandonment clock.
func (s *Store) MarkAdded(ctx context.Context, upstreamID, downstreamSeriesID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE shows SET processing_status = ?, downstream_series_id = ?, accepted_at = ?,
			filter_reason = NULL, filter_category = NULL, error_message = NULL,
			retry_after = NULL, pending_since = NULL
		WHERE upstream_id = ?
	`, model.StatusAdded, downstreamSeriesID, now, upstreamID)
	return errors.Wrapf(err, "marking show %d added", upstreamID)
}

// MarkFiltered transitions a show to FILTERED with a reason/category,
// clearing any downstream linkage and retry bookkeeping.
func (s *Store) MarkFiltered(ctx context.Context, upstreamID int64, reason, category string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE shows SET processing_status = ?, filter_reason = ?, filter_category = ?,
			downstream_series_id = NULL, retry_after = NULL, pending_since = NULL
		WHERE upstream_id = ?
	`, model.StatusFiltered, reason, category, upstreamID)
	return errors.Wrapf(err, "marking show %d filtered", upstreamID)
}

// MarkPendingDownstreamID transitions a show into (or keeps it in) the
// downstream-id retry queue. pending_since is set only if it is
// currently null — a successive call never advances it.
func (s *Store) MarkPendingDownstreamID(ctx context.Context, upstreamID int64, retryAfter, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE shows SET processing_status = ?, retry_after = ?,
			pending_since = COALESCE(pending_since, ?)
		WHERE upstream_id = ?
	`, model.StatusPendingDownstreamID, retryAfter, now, upstreamID)
	return errors.Wrapf(err, "marking show %d pending downstream id", upstreamID)
}

// MarkFailed transitions a show to FAILED with an error message. The
// retry-queue clock is cleared so that a show later reprocessed back
// into PENDING_DOWNSTREAM_ID isn't abandoned against its previous run.
func (s *Store) MarkFailed(ctx context.Context, upstreamID int64, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE shows SET processing_status = ?, error_message = ?,
			retry_after = NULL, pending_since = NULL
		WHERE upstream_id = ?
	`, model.StatusFailed, errMsg, upstreamID)
	return errors.Wrapf(err, "marking show %d failed", upstreamID)
}

// UpdateStatus sets a show's processing status directly, used for the
// EXISTS, SKIPPED and PENDING transitions that carry no extra
// bookkeeping. Like the other out-transitions it resets the retry-queue
// clock.
func (s *Store) UpdateStatus(ctx context.Context, upstreamID int64, status model.Status) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE shows SET processing_status = ?, retry_after = NULL, pending_since = NULL
		WHERE upstream_id = ?
	`, status, upstreamID)
	return errors.Wrapf(err, "updating show %d status", upstreamID)
}

// IncrementRetryCount increments and returns a show's retry count. The
// counter is a lifetime count of retry attempts and is never reset by
// a successful transition out of PENDING_DOWNSTREAM_ID.
func (s *Store) IncrementRetryCount(ctx context.Context, upstreamID int64) (int, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE shows SET retry_count = retry_count + 1 WHERE upstream_id = ?`, upstreamID)
	if err != nil {
		return 0, errors.Wrapf(err, "incrementing retry count for show %d", upstreamID)
	}
	var count int
	err = s.db.QueryRowContext(ctx, `SELECT retry_count FROM shows WHERE upstream_id = ?`, upstreamID).Scan(&count)
	return count, errors.Wrapf(err, "reading retry count for show %d", upstreamID)
}

// CountByStatus returns the number of cached shows for each processing status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT processing_status, COUNT(*) FROM shows GROUP BY processing_status`)
	if err != nil {
		return nil, errors.Wrap(err, "counting shows by status")
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}

// CountByFilterCategory returns the number of FILTERED shows per
// filter category.
func (s *Store) CountByFilterCategory(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT filter_category, COUNT(*) FROM shows
		WHERE processing_status = ? AND filter_category IS NOT NULL
		GROUP BY filter_category
	`, model.StatusFiltered)
	if err != nil {
		return nil, errors.Wrap(err, "counting shows by filter category")
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, err
		}
		out[category] = count
	}
	return out, rows.Err()
}

// CountByRetryCount returns the number of shows pending a downstream
// id, bucketed by their current retry count.
func (s *Store) CountByRetryCount(ctx context.Context) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT retry_count, COUNT(*) FROM shows WHERE processing_status = ? GROUP BY retry_count
	`, model.StatusPendingDownstreamID)
	if err != nil {
		return nil, errors.Wrap(err, "counting shows by retry count")
	}
	defer rows.Close()

	out := map[int]int{}
	for rows.Next() {
		var count, n int
		if err := rows.Scan(&n, &count); err != nil {
			return nil, err
		}
		out[n] = count
	}
	return out, rows.Err()
}

// TotalCount returns the total number of cached shows.
func (s *Store) TotalCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM shows`).Scan(&count)
	return count, errors.Wrap(err, "counting shows")
}

// MaxUpstreamID returns the highest upstream id currently cached, or 0
// if the cache is empty.
func (s *Store) MaxUpstreamID(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(upstream_id) FROM shows`).Scan(&max); err != nil {
		return 0, errors.Wrap(err, "reading max upstream id")
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}
