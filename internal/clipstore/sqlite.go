package clipstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/you/cliprater/internal/core"
)

const schema = `CREATE TABLE IF NOT EXISTS clips (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  url TEXT NOT NULL,
  description TEXT NOT NULL,
  submitted_by TEXT NOT NULL,
  submitted_at TEXT NOT NULL,
  interaction_id TEXT,
  message_id TEXT
);
CREATE TABLE IF NOT EXISTS clip_ratings (
  clip_id INTEGER NOT NULL REFERENCES clips(id) ON DELETE CASCADE,
  rated_by TEXT NOT NULL,
  rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
  rated_at TEXT NOT NULL,
  PRIMARY KEY (clip_id, rated_by)
);`

// Fixed width so text comparison orders chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const clipColumns = "c.id, c.url, c.description, c.submitted_by, c.submitted_at, COALESCE(c.interaction_id, ''), COALESCE(c.message_id, '')"

// SQLiteStore keeps clips in one table and their ratings in a child table
// keyed by (clip_id, rated_by).
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens (creating if needed) the database at path and brings the
// schema up to date. Legacy tables gain the id columns here; Migrate fills them.
// The unique id indexes are created right away unless legacy rows still lack
// ids, in which case Prepare must run before the store accepts writes safely.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if err := addLegacyColumns(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	pending, err := countMissingIDs(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if pending == 0 {
		if err := createUniqueIndexes(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func sqliteDSN(path string) string {
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_txlock", "immediate")
	return path + "?" + params.Encode()
}

func (s *SQLiteStore) Close(context.Context) error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.db.PingContext(ctx), "sqlite ping")
}

// RawDB exposes the handle for pragma tuning and diagnostics.
func (s *SQLiteStore) RawDB() *sql.DB { return s.db }

func (s *SQLiteStore) String() string {
	return fmt.Sprintf("SQLiteStore{%p}", s.db)
}

func (s *SQLiteStore) EnsureIndexes(ctx context.Context) error {
	if err := createUniqueIndexes(ctx, s.db); err != nil {
		return storageErr(OpEnsureIndexes, "", err)
	}
	return nil
}

var uniqueIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS clips_uq_interaction_id ON clips(interaction_id);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS clips_uq_message_id ON clips(message_id);`,
}

func createUniqueIndexes(ctx context.Context, db *sql.DB) error {
	for _, stmt := range uniqueIndexes {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "create index")
		}
	}
	return nil
}

const missingIDsWhere = `interaction_id IS NULL OR interaction_id = '' OR message_id IS NULL OR message_id = ''`

func countMissingIDs(ctx context.Context, db *sql.DB) (int64, error) {
	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clips WHERE `+missingIDsWhere+`;`).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "sqlite: count legacy clips")
	}
	return n, nil
}

// Migrate backfills missing interaction_id/message_id values with the row id.
func (s *SQLiteStore) Migrate(ctx context.Context) (MigrationResult, error) {
	const q = `UPDATE clips
SET interaction_id = COALESCE(NULLIF(interaction_id, ''), CAST(id AS TEXT)),
    message_id = COALESCE(NULLIF(message_id, ''), CAST(id AS TEXT))
WHERE ` + missingIDsWhere + `;`
	res, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return MigrationResult{}, storageErr(OpMigrate, "", errors.Wrap(err, "backfill ids"))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return MigrationResult{}, storageErr(OpMigrate, "", errors.Wrap(err, "rows affected"))
	}
	return MigrationResult{Matched: n, Modified: n}, nil
}

func (s *SQLiteStore) CreateClip(ctx context.Context, in NewClip) (core.Clip, error) {
	if err := ValidateNewClip(in); err != nil {
		return core.Clip{}, opErr(OpCreateClip, in.MessageID, ErrValidation, err)
	}
	const q = `INSERT INTO clips (url, description, submitted_by, submitted_at, interaction_id, message_id)
VALUES (?, ?, ?, ?, ?, ?);`
	submittedAt := s.now()
	res, err := s.db.ExecContext(ctx, q, in.URL, in.Description, in.SubmittedBy,
		formatTime(submittedAt), in.InteractionID, in.MessageID)
	if err != nil {
		if isUniqueViolation(err) {
			return core.Clip{}, opErr(OpCreateClip, in.MessageID, ErrDuplicateKey, err)
		}
		return core.Clip{}, storageErr(OpCreateClip, in.MessageID, errors.Wrap(err, "insert clip"))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.Clip{}, storageErr(OpCreateClip, in.MessageID, errors.Wrap(err, "last insert id"))
	}
	return core.Clip{
		ID:            strconv.FormatInt(id, 10),
		URL:           in.URL,
		Description:   in.Description,
		SubmittedBy:   in.SubmittedBy,
		SubmittedAt:   submittedAt,
		InteractionID: in.InteractionID,
		MessageID:     in.MessageID,
		Ratings:       []core.Rating{},
	}, nil
}

func (s *SQLiteStore) GetClip(ctx context.Context, id string) (core.Clip, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return core.Clip{}, notFound(OpGetClip, id, "clip not found")
	}
	return s.getOne(ctx, s.db, OpGetClip, id, "c.id = ?", n)
}

func (s *SQLiteStore) GetClipByMessageID(ctx context.Context, messageID string) (core.Clip, error) {
	return s.getOne(ctx, s.db, OpGetClipByMessageID, messageID, "c.message_id = ?", messageID)
}

func (s *SQLiteStore) GetClipByInteractionID(ctx context.Context, interactionID string) (core.Clip, error) {
	return s.getOne(ctx, s.db, OpGetClipByInteractionID, interactionID, "c.interaction_id = ?", interactionID)
}

func (s *SQLiteStore) ListClips(ctx context.Context) ([]core.Clip, error) {
	clips, err := loadClips(ctx, s.db, "", nil)
	if err != nil {
		return nil, storageErr(OpListClips, "", err)
	}
	return clips, nil
}

func (s *SQLiteStore) ListClipsByUser(ctx context.Context, submittedBy string) ([]core.Clip, error) {
	clips, err := loadClips(ctx, s.db, "c.submitted_by = ?", []any{submittedBy})
	if err != nil {
		return nil, storageErr(OpListClipsByUser, submittedBy, err)
	}
	return clips, nil
}

// UpsertRating inserts or overwrites ratedBy's row in one statement; the
// (clip_id, rated_by) key makes a duplicate impossible.
func (s *SQLiteStore) UpsertRating(ctx context.Context, messageID string, rating int, ratedBy string) (core.Clip, error) {
	if err := validateRatingInput(messageID, rating, ratedBy); err != nil {
		return core.Clip{}, opErr(OpUpsertRating, messageID, ErrValidation, err)
	}
	const q = `INSERT INTO clip_ratings (clip_id, rated_by, rating, rated_at)
SELECT id, ?, ?, ? FROM clips WHERE message_id = ?
ON CONFLICT(clip_id, rated_by) DO UPDATE SET rating = excluded.rating, rated_at = excluded.rated_at;`

	var clip core.Clip
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, ratedBy, rating, formatTime(s.now()), messageID)
		if err != nil {
			return storageErr(OpUpsertRating, messageID, errors.Wrap(err, "upsert rating"))
		}
		if n, err := res.RowsAffected(); err != nil {
			return storageErr(OpUpsertRating, messageID, errors.Wrap(err, "rows affected"))
		} else if n == 0 {
			return notFound(OpUpsertRating, messageID, "clip not found")
		}
		clip, err = s.getOne(ctx, tx, OpUpsertRating, messageID, "c.message_id = ?", messageID)
		return err
	})
	return clip, err
}

func (s *SQLiteStore) RemoveRating(ctx context.Context, messageID, ratedBy string) (core.Clip, error) {
	const q = `DELETE FROM clip_ratings
WHERE rated_by = ? AND clip_id = (SELECT id FROM clips WHERE message_id = ?);`

	var clip core.Clip
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, ratedBy, messageID)
		if err != nil {
			return storageErr(OpRemoveRating, messageID, errors.Wrap(err, "delete rating"))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr(OpRemoveRating, messageID, errors.Wrap(err, "rows affected"))
		}
		clip, err = s.getOne(ctx, tx, OpRemoveRating, messageID, "c.message_id = ?", messageID)
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound(OpRemoveRating, messageID, "user %s has not rated this clip", ratedBy)
		}
		return nil
	})
	if err != nil {
		return core.Clip{}, err
	}
	return clip, nil
}

func (s *SQLiteStore) RemoveClip(ctx context.Context, messageID string) (core.Clip, error) {
	var clip core.Clip
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		clip, err = s.getOne(ctx, tx, OpRemoveClip, messageID, "c.message_id = ?", messageID)
		if err != nil {
			return err
		}
		id, err := strconv.ParseInt(clip.ID, 10, 64)
		if err != nil {
			return storageErr(OpRemoveClip, messageID, errors.Wrapf(err, "parse clip id %q", clip.ID))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM clip_ratings WHERE clip_id = ?;`, id); err != nil {
			return storageErr(OpRemoveClip, messageID, errors.Wrap(err, "delete ratings"))
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM clips WHERE id = ?;`, id); err != nil {
			return storageErr(OpRemoveClip, messageID, errors.Wrap(err, "delete clip"))
		}
		return nil
	})
	if err != nil {
		return core.Clip{}, err
	}
	return clip, nil
}

// GetAverageRating returns 0 for an unrated or absent clip.
func (s *SQLiteStore) GetAverageRating(ctx context.Context, messageID string) (float64, error) {
	const q = `SELECT COALESCE(AVG(r.rating), 0)
FROM clip_ratings r JOIN clips c ON c.id = r.clip_id
WHERE c.message_id = ?;`
	var avg float64
	if err := s.db.QueryRowContext(ctx, q, messageID).Scan(&avg); err != nil {
		return 0, storageErr(OpGetAverageRating, messageID, errors.Wrap(err, "average"))
	}
	return avg, nil
}

// GetRatingsForClip returns an empty slice for an absent clip.
func (s *SQLiteStore) GetRatingsForClip(ctx context.Context, messageID string) ([]core.Rating, error) {
	const q = `SELECT r.clip_id, r.rating, r.rated_by, r.rated_at
FROM clip_ratings r JOIN clips c ON c.id = r.clip_id
WHERE c.message_id = ?
ORDER BY r.rowid;`
	byClip, err := loadRatings(ctx, s.db, q, messageID)
	if err != nil {
		return nil, storageErr(OpGetRatingsForClip, messageID, err)
	}
	for _, ratings := range byClip {
		return ratings, nil
	}
	return []core.Rating{}, nil
}

// ListClipsSortedByAverageRating keeps unrated clips, ranking them with an
// average of 0. Ties fall back to submission order.
func (s *SQLiteStore) ListClipsSortedByAverageRating(ctx context.Context) ([]core.RatedClip, error) {
	const q = `SELECT c.id, COALESCE(AVG(r.rating), 0) AS avg_rating
FROM clips c LEFT JOIN clip_ratings r ON r.clip_id = c.id
GROUP BY c.id
ORDER BY avg_rating DESC, c.submitted_at ASC, c.id ASC;`

	var out []core.RatedClip
	err := s.withReadTx(ctx, func(tx queryer) error {
		clips, err := loadClips(ctx, tx, "", nil)
		if err != nil {
			return storageErr(OpListSortedByAverage, "", err)
		}
		byID := make(map[string]core.Clip, len(clips))
		for _, c := range clips {
			byID[c.ID] = c
		}

		rows, err := tx.QueryContext(ctx, q)
		if err != nil {
			return storageErr(OpListSortedByAverage, "", errors.Wrap(err, "rank clips"))
		}
		defer rows.Close()
		out = make([]core.RatedClip, 0, len(clips))
		for rows.Next() {
			var (
				id  int64
				avg float64
			)
			if err := rows.Scan(&id, &avg); err != nil {
				return storageErr(OpListSortedByAverage, "", errors.Wrap(err, "scan rank"))
			}
			if clip, ok := byID[strconv.FormatInt(id, 10)]; ok {
				out = append(out, core.RatedClip{Clip: clip, AvgRating: avg})
			}
		}
		if err := rows.Err(); err != nil {
			return storageErr(OpListSortedByAverage, "", errors.Wrap(err, "iterate rank"))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", "", errors.Wrap(err, "begin tx"))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", "", errors.Wrap(err, "commit tx"))
	}
	return nil
}

// withReadTx runs fn inside a deferred transaction on a single connection.
// The DSN makes BeginTx immediate, which would queue readers behind writers.
func (s *SQLiteStore) withReadTx(ctx context.Context, fn func(q queryer) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return storageErr("begin", "", errors.Wrap(err, "acquire conn"))
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `BEGIN DEFERRED;`); err != nil {
		return storageErr("begin", "", errors.Wrap(err, "begin read tx"))
	}
	if err := fn(conn); err != nil {
		_, _ = conn.ExecContext(context.Background(), `ROLLBACK;`)
		return err
	}
	if _, err := conn.ExecContext(ctx, `COMMIT;`); err != nil {
		_, _ = conn.ExecContext(context.Background(), `ROLLBACK;`)
		return storageErr("commit", "", errors.Wrap(err, "commit read tx"))
	}
	return nil
}

func (s *SQLiteStore) getOne(ctx context.Context, q queryer, op, key, where string, arg any) (core.Clip, error) {
	clips, err := loadClips(ctx, q, where, []any{arg})
	if err != nil {
		return core.Clip{}, storageErr(op, key, err)
	}
	if len(clips) == 0 {
		return core.Clip{}, notFound(op, key, "clip not found")
	}
	return clips[0], nil
}

func loadClips(ctx context.Context, q queryer, where string, args []any) ([]core.Clip, error) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(clipColumns)
	b.WriteString(" FROM clips c")
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	b.WriteString(" ORDER BY c.submitted_at ASC, c.id ASC;")

	rows, err := q.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list clips")
	}
	defer rows.Close()

	var out []core.Clip
	for rows.Next() {
		var (
			clip core.Clip
			id   int64
			ts   string
		)
		if err := rows.Scan(&id, &clip.URL, &clip.Description, &clip.SubmittedBy, &ts, &clip.InteractionID, &clip.MessageID); err != nil {
			return nil, errors.Wrap(err, "scan clip")
		}
		clip.ID = strconv.FormatInt(id, 10)
		clip.SubmittedAt = parseTime(ts)
		out = append(out, clip)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate clips")
	}
	if len(out) == 0 {
		return []core.Clip{}, nil
	}

	var rq strings.Builder
	rq.WriteString("SELECT r.clip_id, r.rating, r.rated_by, r.rated_at FROM clip_ratings r")
	if where != "" {
		rq.WriteString(" JOIN clips c ON c.id = r.clip_id WHERE ")
		rq.WriteString(where)
	}
	rq.WriteString(" ORDER BY r.rowid;")
	byClip, err := loadRatings(ctx, q, rq.String(), args...)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Ratings = emptyIfNil(byClip[out[i].ID])
	}
	return out, nil
}

func loadRatings(ctx context.Context, q queryer, query string, args ...any) (map[string][]core.Rating, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list ratings")
	}
	defer rows.Close()

	out := make(map[string][]core.Rating)
	for rows.Next() {
		var (
			clipID int64
			r      core.Rating
			ts     string
		)
		if err := rows.Scan(&clipID, &r.Rating, &r.RatedBy, &ts); err != nil {
			return nil, errors.Wrap(err, "scan rating")
		}
		r.RatedAt = parseTime(ts)
		key := strconv.FormatInt(clipID, 10)
		out[key] = append(out[key], r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate ratings")
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
