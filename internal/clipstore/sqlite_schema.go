package clipstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// PragmaResult records the outcome of one tuning statement.
type PragmaResult struct {
	Pragma string
	Value  any
	Err    error
}

var tuningPragmas = []string{
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA wal_autocheckpoint=1000;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA mmap_size=268435456;",
}

// ApplyPragmas runs optional tuning statements. Failures are reported per
// pragma and never abort; the caller decides what to log.
func (s *SQLiteStore) ApplyPragmas(ctx context.Context) []PragmaResult {
	out := make([]PragmaResult, 0, len(tuningPragmas))
	for _, pragma := range tuningPragmas {
		value, err := applyPragma(ctx, s.db, pragma)
		out = append(out, PragmaResult{Pragma: pragma, Value: value, Err: err})
	}
	return out
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	row := db.QueryRowContext(ctx, pragma)
	var value any
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				return nil, execErr
			}
			return "ok", nil
		}
		return nil, err
	}
	return value, nil
}

// addLegacyColumns upgrades clips tables created before interaction and
// message ids existed. The new columns stay NULL until Migrate backfills them.
func addLegacyColumns(ctx context.Context, db *sql.DB) error {
	columns, err := sqliteTableInfo(ctx, db, "clips")
	if err != nil {
		return errors.Wrap(err, "sqlite: describe clips")
	}
	for _, name := range []string{"interaction_id", "message_id"} {
		if _, ok := columns[name]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE clips ADD COLUMN %s TEXT;`, name)); err != nil {
			return errors.Wrapf(err, "sqlite: add %s column", name)
		}
	}
	return nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		lower := strings.ToLower(strings.TrimSpace(name))
		out[lower] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
