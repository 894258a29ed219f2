package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/serp-enricher/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix nanoseconds so staleness comparisons stay numeric.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// Pragmas are passed through the DSN so every pooled connection gets them.
func NewSQLite(dsn string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return newSQLiteFromDB(db, opts...), nil
}

var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range sqlitePragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}
	return dsn
}

func newSQLiteFromDB(db *sql.DB, opts ...Option) *SQLiteStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &SQLiteStore{db: db, opts: o}
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS query_records (
	query_group         TEXT NOT NULL,
	keyword             TEXT NOT NULL,
	frequency_world     INTEGER NOT NULL DEFAULT 0,
	frequency_exact     INTEGER NOT NULL DEFAULT 0,
	normalized          TEXT,
	lemmatized          TEXT,
	entities            TEXT,
	main_intent         TEXT,
	commercial_score    REAL,
	informational_score REAL,
	status              TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'processing', 'completed', 'error')),
	request_id          TEXT,
	error_message       TEXT,
	payload             TEXT,
	source              TEXT,
	ads                 TEXT,
	cluster_id          TEXT,
	domains_observed    INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	last_updated        INTEGER NOT NULL,
	PRIMARY KEY (query_group, keyword),
	CHECK ((status = 'completed') = (payload IS NOT NULL)),
	CHECK (status <> 'completed' OR error_message IS NULL),
	CHECK (status <> 'error' OR error_message IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_query_records_status ON query_records(query_group, status);
CREATE INDEX IF NOT EXISTS idx_query_records_updated ON query_records(status, last_updated);

CREATE TABLE IF NOT EXISTS domain_group_stats (
	domain              TEXT NOT NULL,
	query_group         TEXT NOT NULL,
	commercial_count    INTEGER NOT NULL DEFAULT 0,
	informational_count INTEGER NOT NULL DEFAULT 0,
	total_count         INTEGER NOT NULL DEFAULT 0,
	first_seen          INTEGER NOT NULL,
	last_seen           INTEGER NOT NULL,
	PRIMARY KEY (domain, query_group)
);

CREATE TABLE IF NOT EXISTS domain_global_stats (
	domain              TEXT PRIMARY KEY,
	commercial_count    INTEGER NOT NULL DEFAULT 0,
	informational_count INTEGER NOT NULL DEFAULT 0,
	total_count         INTEGER NOT NULL DEFAULT 0,
	groups_count        INTEGER NOT NULL DEFAULT 0,
	commercial_ratio    REAL NOT NULL DEFAULT 0,
	is_commercial       INTEGER NOT NULL DEFAULT 0,
	confidence_score    REAL NOT NULL DEFAULT 0,
	first_seen          INTEGER NOT NULL,
	last_seen           INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_domain_global_total ON domain_global_stats(total_count);

CREATE TABLE IF NOT EXISTS batch_runs (
	run_id      TEXT PRIMARY KEY,
	query_group TEXT NOT NULL,
	report      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batch_runs_group ON batch_runs(query_group, started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) now() int64 {
	return s.opts.now().UTC().UnixNano()
}

// --- records ---

func (s *SQLiteStore) Get(ctx context.Context, group, keyword string) (*model.QueryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM query_records WHERE query_group = ? AND keyword = ?`,
		group, keyword,
	)
	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s/%s", group, keyword)
	}
	return rec, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec *model.QueryRecord) error {
	if err := rec.Validate(); err != nil {
		return eris.Wrap(err, "sqlite: upsert")
	}
	enc, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM query_records WHERE query_group = ? AND keyword = ?`,
		rec.Group, rec.Keyword,
	).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return eris.Wrapf(err, "sqlite: upsert read %s/%s", rec.Group, rec.Keyword)
	default:
		if err := checkUpsert(model.Status(existing), rec.Status); err != nil {
			return eris.Wrapf(err, "sqlite: upsert %s/%s", rec.Group, rec.Keyword)
		}
	}

	now := s.now()
	created := nanos(rec.CreatedAt)
	if created == 0 {
		created = now
	}
	label, comm, info := intentArgs(&rec.Intent)

	res, err := tx.ExecContext(ctx, `
		INSERT INTO query_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(query_group, keyword) DO UPDATE SET
			frequency_world = excluded.frequency_world,
			frequency_exact = excluded.frequency_exact,
			normalized = excluded.normalized,
			lemmatized = excluded.lemmatized,
			entities = excluded.entities,
			main_intent = excluded.main_intent,
			commercial_score = excluded.commercial_score,
			informational_score = excluded.informational_score,
			status = excluded.status,
			request_id = excluded.request_id,
			error_message = excluded.error_message,
			payload = excluded.payload,
			source = excluded.source,
			ads = excluded.ads,
			cluster_id = excluded.cluster_id,
			domains_observed = MAX(query_records.domains_observed, excluded.domains_observed),
			last_updated = excluded.last_updated
		WHERE query_records.status = ?`,
		rec.Group, rec.Keyword, rec.FrequencyWorld, rec.FrequencyExact,
		rec.Normalized, rec.Lemmatized, nullText(enc.entities), label, comm, info,
		string(rec.Status), rec.RequestID, rec.ErrorMessage, nullText(enc.payload),
		nullable(string(rec.Source)), nullText(enc.ads), rec.ClusterID,
		boolInt(rec.DomainsObserved), created, now,
		existing,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert record %s/%s", rec.Group, rec.Keyword)
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: upsert rows affected")
	} else if n == 0 {
		return eris.Wrapf(ErrInvalidTransition, "sqlite: upsert %s/%s moved concurrently", rec.Group, rec.Keyword)
	}
	return eris.Wrap(tx.Commit(), "sqlite: upsert commit")
}

func (s *SQLiteStore) SeedPending(ctx context.Context, group string, seeds []model.Seed) (int64, error) {
	seeds = dedupeSeeds(seeds)
	if len(seeds) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: seed begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO query_records (query_group, keyword, frequency_world, frequency_exact, status, created_at, last_updated)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(query_group, keyword) DO NOTHING`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: seed prepare")
	}
	defer stmt.Close()

	now := s.now()
	var inserted int64
	for _, seed := range seeds {
		res, err := stmt.ExecContext(ctx, group, seed.Keyword, seed.FrequencyWorld, seed.FrequencyExact, now, now)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: seed %s/%s", group, seed.Keyword)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: seed rows affected")
		}
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: seed commit")
	}
	return inserted, nil
}

func (s *SQLiteStore) UpdateAttributes(ctx context.Context, group, keyword string, attrs model.Attributes) error {
	sets, args, err := attributeSets(attrs, func(int) string { return "?" })
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, group, keyword)
	res, err := s.db.ExecContext(ctx,
		`UPDATE query_records SET `+strings.Join(sets, ", ")+` WHERE query_group = ? AND keyword = ?`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update attributes %s/%s", group, keyword)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: update attributes %s/%s", group, keyword)
	}
	return nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, group string, limit int) ([]model.QueryRecord, error) {
	return s.queryRecords(ctx, "list pending",
		`SELECT `+recordColumns+` FROM query_records
		 WHERE query_group = ? AND status = 'pending'
		 ORDER BY frequency_world DESC, keyword LIMIT ?`,
		group, listLimit(limit),
	)
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, group string, status model.Status, limit int) ([]model.QueryRecord, error) {
	if !status.Valid() {
		return nil, eris.Errorf("sqlite: list by status: unknown status %q", status)
	}
	return s.queryRecords(ctx, "list by status",
		`SELECT `+recordColumns+` FROM query_records
		 WHERE query_group = ? AND status = ?
		 ORDER BY keyword LIMIT ?`,
		group, string(status), listLimit(limit),
	)
}

func (s *SQLiteStore) AggregateStatistics(ctx context.Context, group string) (*model.Statistics, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+statisticsColumns+`
		FROM query_records WHERE (? = '' OR query_group = ?)`,
		group, group,
	)
	st, err := scanStatistics(row)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: aggregate statistics")
	}
	st.Group = group
	return st, nil
}

func (s *SQLiteStore) ListGroups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT query_group FROM query_records ORDER BY query_group`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list groups")
	}
	defer rows.Close()

	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan group")
		}
		groups = append(groups, g)
	}
	return groups, eris.Wrap(rows.Err(), "sqlite: list groups iterate")
}

// --- transitions ---

func (s *SQLiteStore) MarkProcessing(ctx context.Context, group, keyword string) (bool, error) {
	now := s.now()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO query_records (query_group, keyword, status, created_at, last_updated)
		VALUES (?, ?, 'pending', ?, ?)
		ON CONFLICT(query_group, keyword) DO NOTHING`,
		group, keyword, now, now,
	); err != nil {
		return false, eris.Wrapf(err, "sqlite: ensure record %s/%s", group, keyword)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE query_records SET status = 'processing', error_message = NULL, last_updated = ?
		WHERE query_group = ? AND keyword = ? AND status = 'pending'`,
		now, group, keyword,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark processing %s/%s", group, keyword)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, group, keyword string, c model.Completion) error {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal payload")
	}
	label, comm, info := intentArgs(c.Intent)

	res, err := s.db.ExecContext(ctx, `
		UPDATE query_records SET
			status = 'completed',
			request_id = COALESCE(?, request_id),
			payload = ?,
			source = ?,
			error_message = NULL,
			main_intent = COALESCE(?, main_intent),
			commercial_score = COALESCE(?, commercial_score),
			informational_score = COALESCE(?, informational_score),
			last_updated = ?
		WHERE query_group = ? AND keyword = ? AND status = 'processing'`,
		nullable(c.RequestID), string(payload), string(completionSource(c)),
		label, comm, info, s.now(), group, keyword,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete %s/%s", group, keyword)
	}
	return s.checkTransition(ctx, res, "complete", group, keyword)
}

func (s *SQLiteStore) Fail(ctx context.Context, group, keyword, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE query_records SET status = 'error', error_message = ?, last_updated = ?
		WHERE query_group = ? AND keyword = ? AND status = 'processing'`,
		failReason(reason), s.now(), group, keyword,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail %s/%s", group, keyword)
	}
	return s.checkTransition(ctx, res, "fail", group, keyword)
}

func (s *SQLiteStore) Defer(ctx context.Context, group, keyword, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE query_records SET error_message = ?, last_updated = ?
		WHERE query_group = ? AND keyword = ? AND status = 'processing'`,
		failReason(reason), s.now(), group, keyword,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: defer %s/%s", group, keyword)
	}
	return s.checkTransition(ctx, res, "defer", group, keyword)
}

// checkTransition turns a zero-row conditional update into ErrNotFound or
// ErrInvalidTransition.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, op, group, keyword string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM query_records WHERE query_group = ? AND keyword = ?`,
		group, keyword,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s/%s", op, group, keyword)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s %s/%s: read status", op, group, keyword)
	}
	return eris.Wrapf(ErrInvalidTransition, "sqlite: %s %s/%s: status is %s", op, group, keyword, status)
}

// --- recovery ---

func (s *SQLiteStore) FindStaleProcessing(ctx context.Context, group string, cutoff time.Time) ([]model.QueryRecord, error) {
	return s.queryRecords(ctx, "find stale processing",
		`SELECT `+recordColumns+` FROM query_records
		 WHERE query_group = ? AND status = 'processing' AND last_updated <= ?
		 ORDER BY last_updated, keyword`,
		group, cutoff.UTC().UnixNano(),
	)
}

func (s *SQLiteStore) Requeue(ctx context.Context, group, keyword string, cutoff time.Time, note string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE query_records SET
			status = 'pending',
			error_message = CASE
				WHEN error_message IS NULL OR error_message = '' THEN ?
				ELSE error_message || '; ' || ?
			END,
			last_updated = ?
		WHERE query_group = ? AND keyword = ? AND status = 'processing' AND last_updated <= ?`,
		note, note, s.now(), group, keyword, cutoff.UTC().UnixNano(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: requeue %s/%s", group, keyword)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) RetryErrored(ctx context.Context, group string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE query_records SET status = 'pending', last_updated = ?
		WHERE query_group = ? AND status = 'error'`,
		s.now(), group,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: retry errored %s", group)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// --- domain statistics ---

func (s *SQLiteStore) RecordObservation(ctx context.Context, obs model.Observation) error {
	if obs.Domain == "" || obs.Group == "" {
		return eris.New("sqlite: record observation: domain and group are required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: observation begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.observeTx(ctx, tx, obs, s.now()); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: observation commit")
}

func (s *SQLiteStore) ObserveRecord(ctx context.Context, group, keyword string, obs []model.Observation) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: observe record begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE query_records SET domains_observed = 1
		WHERE query_group = ? AND keyword = ? AND status = 'completed' AND domains_observed = 0`,
		group, keyword,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark observed %s/%s", group, keyword)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return false, nil
	}

	now := s.now()
	for _, o := range obs {
		if err := s.observeTx(ctx, tx, o, now); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: observe record commit")
	}
	return true, nil
}

// observeTx increments the (domain, group) row and rewrites the global row
// from the sum of all group rows.
func (s *SQLiteStore) observeTx(ctx context.Context, tx *sql.Tx, obs model.Observation, now int64) error {
	comm, info := observationCounts(obs)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO domain_group_stats (domain, query_group, commercial_count, informational_count, total_count, first_seen, last_seen)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(domain, query_group) DO UPDATE SET
			commercial_count = commercial_count + excluded.commercial_count,
			informational_count = informational_count + excluded.informational_count,
			total_count = total_count + 1,
			last_seen = excluded.last_seen`,
		obs.Domain, obs.Group, comm, info, now, now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: increment domain %s in %s", obs.Domain, obs.Group)
	}

	g := model.DomainGlobalStat{Domain: obs.Domain}
	var first, last int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(commercial_count), 0), COALESCE(SUM(informational_count), 0),
			COALESCE(SUM(total_count), 0), COUNT(*), COALESCE(MIN(first_seen), 0), COALESCE(MAX(last_seen), 0)
		FROM domain_group_stats WHERE domain = ?`,
		obs.Domain,
	).Scan(&g.CommercialCount, &g.InformationalCount, &g.TotalCount, &g.GroupsCount, &first, &last); err != nil {
		return eris.Wrapf(err, "sqlite: sum domain %s", obs.Domain)
	}
	s.opts.thresholds.Derive(&g)

	_, err := tx.ExecContext(ctx, `
		INSERT INTO domain_global_stats (domain, commercial_count, informational_count, total_count,
			groups_count, commercial_ratio, is_commercial, confidence_score, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			commercial_count = excluded.commercial_count,
			informational_count = excluded.informational_count,
			total_count = excluded.total_count,
			groups_count = excluded.groups_count,
			commercial_ratio = excluded.commercial_ratio,
			is_commercial = excluded.is_commercial,
			confidence_score = excluded.confidence_score,
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen`,
		g.Domain, g.CommercialCount, g.InformationalCount, g.TotalCount, g.GroupsCount,
		g.CommercialRatio, boolInt(g.IsCommercial), g.ConfidenceScore, first, last,
	)
	return eris.Wrapf(err, "sqlite: upsert global domain %s", obs.Domain)
}

func (s *SQLiteStore) ListUnobserved(ctx context.Context, group string, limit int) ([]model.QueryRecord, error) {
	return s.queryRecords(ctx, "list unobserved",
		`SELECT `+recordColumns+` FROM query_records
		 WHERE query_group = ? AND status = 'completed' AND domains_observed = 0
		 ORDER BY last_updated, keyword LIMIT ?`,
		group, listLimit(limit),
	)
}

const domainGlobalColumns = `domain, commercial_count, informational_count, total_count, groups_count,
	commercial_ratio, is_commercial, confidence_score, first_seen, last_seen`

func (s *SQLiteStore) GetDomainGlobal(ctx context.Context, domain string) (*model.DomainGlobalStat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+domainGlobalColumns+` FROM domain_global_stats WHERE domain = ?`, domain)
	g, err := scanSQLiteDomainGlobal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get domain %s", domain)
	}
	return g, nil
}

func (s *SQLiteStore) GetDomainGroup(ctx context.Context, domain, group string) (*model.DomainStat, error) {
	var (
		d           model.DomainStat
		first, last int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT domain, query_group, commercial_count, informational_count, total_count, first_seen, last_seen
		FROM domain_group_stats WHERE domain = ? AND query_group = ?`,
		domain, group,
	).Scan(&d.Domain, &d.Group, &d.CommercialCount, &d.InformationalCount, &d.TotalCount, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get domain %s in %s", domain, group)
	}
	d.FirstSeen, d.LastSeen = fromNanos(first), fromNanos(last)
	return &d, nil
}

func (s *SQLiteStore) ListDomainGlobal(ctx context.Context, filter model.DomainFilter) ([]model.DomainGlobalStat, error) {
	query := `SELECT ` + domainGlobalColumns + ` FROM domain_global_stats WHERE total_count >= ?`
	args := []any{filter.MinTotal}
	if filter.CommercialOnly {
		query += ` AND is_commercial = 1`
	}
	query += ` ORDER BY total_count DESC, domain LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list domains")
	}
	defer rows.Close()

	var out []model.DomainGlobalStat
	for rows.Next() {
		g, err := scanSQLiteDomainGlobal(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan domain")
		}
		out = append(out, *g)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list domains iterate")
}

// --- batch runs ---

func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.BatchRun) error {
	report, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batch_runs (run_id, query_group, report, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET report = excluded.report, finished_at = excluded.finished_at`,
		run.RunID, run.Group, string(report), nanos(run.StartedAt), nanos(run.FinishedAt),
	)
	return eris.Wrapf(err, "sqlite: save run %s", run.RunID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.BatchRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT report FROM batch_runs
		WHERE (? = '' OR query_group = ?) AND started_at >= ?
		ORDER BY started_at DESC LIMIT ?`,
		filter.Group, filter.Group, nanos(filter.Since), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.BatchRun
	for rows.Next() {
		var report string
		if err := rows.Scan(&report); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		var r model.BatchRun
		if err := json.Unmarshal([]byte(report), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) queryRecords(ctx context.Context, op, query string, args ...any) ([]model.QueryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close()

	var out []model.QueryRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s", op)
		}
		out = append(out, *rec)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func scanSQLiteRecord(row scannable) (*model.QueryRecord, error) {
	var (
		rec                                  model.QueryRecord
		normalized, lemmatized, mainIntent   sql.NullString
		requestID, errMsg, source, clusterID sql.NullString
		entities, payload, ads               sql.NullString
		comm, info                           sql.NullFloat64
		status                               string
		observed, created, updated           int64
	)
	if err := row.Scan(&rec.Group, &rec.Keyword, &rec.FrequencyWorld, &rec.FrequencyExact,
		&normalized, &lemmatized, &entities, &mainIntent, &comm, &info,
		&status, &requestID, &errMsg, &payload, &source, &ads, &clusterID,
		&observed, &created, &updated,
	); err != nil {
		return nil, err
	}

	st, err := model.ParseStatus(status)
	if err != nil {
		return nil, eris.Wrap(model.ErrCorruptRecord, err.Error())
	}
	rec.Status = st
	rec.Normalized = nullStringPtr(normalized)
	rec.Lemmatized = nullStringPtr(lemmatized)
	rec.MainIntent = nullStringPtr(mainIntent)
	rec.RequestID = nullStringPtr(requestID)
	rec.ErrorMessage = nullStringPtr(errMsg)
	rec.ClusterID = nullStringPtr(clusterID)
	if comm.Valid {
		rec.CommercialScore = &comm.Float64
	}
	if info.Valid {
		rec.InformationalScore = &info.Float64
	}
	rec.Source = model.PayloadSource(source.String)
	rec.DomainsObserved = observed != 0
	rec.CreatedAt = fromNanos(created)
	rec.LastUpdated = fromNanos(updated)

	if err := decodeJSONColumns(&rec, []byte(entities.String), []byte(payload.String), []byte(ads.String)); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanSQLiteDomainGlobal(row scannable) (*model.DomainGlobalStat, error) {
	var (
		g           model.DomainGlobalStat
		isComm      int64
		first, last int64
	)
	if err := row.Scan(&g.Domain, &g.CommercialCount, &g.InformationalCount, &g.TotalCount, &g.GroupsCount,
		&g.CommercialRatio, &isComm, &g.ConfidenceScore, &first, &last); err != nil {
		return nil, err
	}
	g.IsCommercial = isComm != 0
	g.FirstSeen, g.LastSeen = fromNanos(first), fromNanos(last)
	return &g, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
