package legacy

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/sells-group/serp-enricher/internal/model"
	"github.com/sells-group/serp-enricher/pkg/xmlstock"
)

// lookupSQL reads raw API responses from the retired serp_data.db layout.
// A query may appear once per group; the newest usable row wins.
const lookupSQL = `SELECT query, xml_response FROM serp_results
	WHERE query IN (?, ?) AND xml_response IS NOT NULL AND xml_response != ''
	ORDER BY created_at DESC`

// SQLiteStore serves payloads from a retired SQLite cache of raw xmlstock
// responses. The file is opened read-only.
type SQLiteStore struct {
	db     *sql.DB
	maxTop int
}

// NewSQLite opens the legacy cache at path in read-only mode.
func NewSQLite(path string, maxTop int) (*SQLiteStore, error) {
	dsn := "file:" + path + "?mode=ro&_pragma=query_only(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "legacy: open sqlite")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrapf(err, "legacy: ping sqlite %s", path)
	}
	return &SQLiteStore{db: db, maxTop: maxTop}, nil
}

// Lookup implements Store. Rows holding an API error or unparseable XML
// are skipped rather than reported.
func (s *SQLiteStore) Lookup(ctx context.Context, keyword string) (*model.Payload, error) {
	key := NormalizeKey(keyword)
	if key == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, lookupSQL, key, keyword)
	if err != nil {
		return nil, eris.Wrapf(err, "legacy: query serp_results %q", key)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var query, raw string
		if err := rows.Scan(&query, &raw); err != nil {
			return nil, eris.Wrap(err, "legacy: scan serp_results")
		}
		comp, err := xmlstock.ParseResponse(query, []byte(raw), s.maxTop)
		if err != nil {
			zap.L().Debug("legacy: skipping unusable row",
				zap.String("keyword", key),
				zap.Error(err),
			)
			continue
		}
		p := comp.Payload
		return &p, nil
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "legacy: iterate serp_results")
	}
	return nil, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
