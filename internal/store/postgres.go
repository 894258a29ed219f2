package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/serp-enricher/internal/db"
	"github.com/sells-group/serp-enricher/internal/model"
)

// PostgresStore implements Store using pgxpool, for deployments where
// several enrichment processes share one record store.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	opts    options
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection for the hot
// transition path.
var preparedStatements = map[string]string{
	"get_record":    `SELECT ` + recordColumns + ` FROM query_records WHERE query_group = $1 AND keyword = $2`,
	"ensure_record": `INSERT INTO query_records (query_group, keyword, status, created_at, last_updated) VALUES ($1, $2, 'pending', $3, $3) ON CONFLICT (query_group, keyword) DO NOTHING`,
	"claim_record":  `UPDATE query_records SET status = 'processing', error_message = NULL, last_updated = $1 WHERE query_group = $2 AND keyword = $3 AND status = 'pending'`,
	"defer_record":  `UPDATE query_records SET error_message = $1, last_updated = $2 WHERE query_group = $3 AND keyword = $4 AND status = 'processing'`,
	"fail_record":   `UPDATE query_records SET status = 'error', error_message = $1, last_updated = $2 WHERE query_group = $3 AND keyword = $4 AND status = 'processing'`,
	"record_status": `SELECT status FROM query_records WHERE query_group = $1 AND keyword = $2`,
	"get_domain":    `SELECT ` + domainGlobalColumns + ` FROM domain_global_stats WHERE domain = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig, opts ...Option) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	s := newPostgresFromPool(pool, opts...)
	s.closeFn = pool.Close
	return s, nil
}

func newPostgresFromPool(pool db.Pool, opts ...Option) *PostgresStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &PostgresStore{pool: pool, opts: o}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS query_records (
	query_group         TEXT NOT NULL,
	keyword             TEXT NOT NULL,
	frequency_world     BIGINT NOT NULL DEFAULT 0,
	frequency_exact     BIGINT NOT NULL DEFAULT 0,
	normalized          TEXT,
	lemmatized          TEXT,
	entities            JSONB,
	main_intent         TEXT,
	commercial_score    DOUBLE PRECISION,
	informational_score DOUBLE PRECISION,
	status              TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'processing', 'completed', 'error')),
	request_id          TEXT,
	error_message       TEXT,
	payload             JSONB,
	source              TEXT,
	ads                 JSONB,
	cluster_id          TEXT,
	domains_observed    BOOLEAN NOT NULL DEFAULT false,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_updated        TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	commercial_count    BIGINT NOT NULL DEFAULT 0,
	informational_count BIGINT NOT NULL DEFAULT 0,
	total_count         BIGINT NOT NULL DEFAULT 0,
	first_seen          TIMESTAMPTZ NOT NULL,
	last_seen           TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (domain, query_group)
);

CREATE TABLE IF NOT EXISTS domain_global_stats (
	domain              TEXT PRIMARY KEY,
	commercial_count    BIGINT NOT NULL DEFAULT 0,
	informational_count BIGINT NOT NULL DEFAULT 0,
	total_count         BIGINT NOT NULL DEFAULT 0,
	groups_count        BIGINT NOT NULL DEFAULT 0,
	commercial_ratio    DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_commercial       BOOLEAN NOT NULL DEFAULT false,
	confidence_score    DOUBLE PRECISION NOT NULL DEFAULT 0,
	first_seen          TIMESTAMPTZ NOT NULL,
	last_seen           TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_domain_global_total ON domain_global_stats(total_count DESC);

CREATE TABLE IF NOT EXISTS batch_runs (
	run_id      TEXT PRIMARY KEY,
	query_group TEXT NOT NULL,
	report      JSONB NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batch_runs_group ON batch_runs(query_group, started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) now() time.Time {
	return s.opts.now().UTC()
}

// --- records ---

func (s *PostgresStore) Get(ctx context.Context, group, keyword string) (*model.QueryRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM query_records WHERE query_group = $1 AND keyword = $2`,
		group, keyword,
	)
	rec, err := scanPostgresRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s/%s", group, keyword)
	}
	return rec, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, rec *model.QueryRecord) error {
	if err := rec.Validate(); err != nil {
		return eris.Wrap(err, "postgres: upsert")
	}
	enc, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing string
	err = tx.QueryRow(ctx,
		`SELECT status FROM query_records WHERE query_group = $1 AND keyword = $2 FOR UPDATE`,
		rec.Group, rec.Keyword,
	).Scan(&existing)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return eris.Wrapf(err, "postgres: upsert read %s/%s", rec.Group, rec.Keyword)
	default:
		if err := checkUpsert(model.Status(existing), rec.Status); err != nil {
			return eris.Wrapf(err, "postgres: upsert %s/%s", rec.Group, rec.Keyword)
		}
	}

	now := s.now()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	label, comm, info := intentArgs(&rec.Intent)

	tag, err := tx.Exec(ctx, `
		INSERT INTO query_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (query_group, keyword) DO UPDATE SET
			frequency_world = EXCLUDED.frequency_world,
			frequency_exact = EXCLUDED.frequency_exact,
			normalized = EXCLUDED.normalized,
			lemmatized = EXCLUDED.lemmatized,
			entities = EXCLUDED.entities,
			main_intent = EXCLUDED.main_intent,
			commercial_score = EXCLUDED.commercial_score,
			informational_score = EXCLUDED.informational_score,
			status = EXCLUDED.status,
			request_id = EXCLUDED.request_id,
			error_message = EXCLUDED.error_message,
			payload = EXCLUDED.payload,
			source = EXCLUDED.source,
			ads = EXCLUDED.ads,
			cluster_id = EXCLUDED.cluster_id,
			domains_observed = query_records.domains_observed OR EXCLUDED.domains_observed,
			last_updated = EXCLUDED.last_updated
		WHERE query_records.status = $21`,
		rec.Group, rec.Keyword, rec.FrequencyWorld, rec.FrequencyExact,
		rec.Normalized, rec.Lemmatized, nullText(enc.entities), label, comm, info,
		string(rec.Status), rec.RequestID, rec.ErrorMessage, nullText(enc.payload),
		nullable(string(rec.Source)), nullText(enc.ads), rec.ClusterID,
		rec.DomainsObserved, created, now,
		existing,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert record %s/%s", rec.Group, rec.Keyword)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrInvalidTransition, "postgres: upsert %s/%s moved concurrently", rec.Group, rec.Keyword)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: upsert commit")
}

// SeedPending bulk-loads seeds through COPY; existing keys are left as they are.
func (s *PostgresStore) SeedPending(ctx context.Context, group string, seeds []model.Seed) (int64, error) {
	seeds = dedupeSeeds(seeds)
	if len(seeds) == 0 {
		return 0, nil
	}
	now := s.now()
	rows := make([][]any, len(seeds))
	for i, seed := range seeds {
		rows[i] = []any{group, seed.Keyword, seed.FrequencyWorld, seed.FrequencyExact, string(model.StatusPending), now, now}
	}
	cols := []string{"query_group", "keyword", "frequency_world", "frequency_exact", "status", "created_at", "last_updated"}
	n, err := db.BulkInsert(ctx, s.pool, db.InsertConfig{
		Table:        "query_records",
		Columns:      cols,
		ConflictKeys: []string{"query_group", "keyword"},
	}, rows)
	return n, eris.Wrapf(err, "postgres: seed %s", group)
}

func (s *PostgresStore) UpdateAttributes(ctx context.Context, group, keyword string, attrs model.Attributes) error {
	sets, args, err := attributeSets(attrs, func(i int) string { return fmt.Sprintf("$%d", i) })
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		return nil
	}
	n := len(args)
	args = append(args, group, keyword)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE query_records SET %s WHERE query_group = $%d AND keyword = $%d`,
			strings.Join(sets, ", "), n+1, n+2),
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update attributes %s/%s", group, keyword)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: update attributes %s/%s", group, keyword)
	}
	return nil
}

func (s *PostgresStore) ListPending(ctx context.Context, group string, limit int) ([]model.QueryRecord, error) {
	return s.queryRecords(ctx, "list pending",
		`SELECT `+recordColumns+` FROM query_records
		 WHERE query_group = $1 AND status = 'pending'
		 ORDER BY frequency_world DESC, keyword LIMIT $2`,
		group, listLimit(limit),
	)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, group string, status model.Status, limit int) ([]model.QueryRecord, error) {
	if !status.Valid() {
		return nil, eris.Errorf("postgres: list by status: unknown status %q", status)
	}
	return s.queryRecords(ctx, "list by status",
		`SELECT `+recordColumns+` FROM query_records
		 WHERE query_group = $1 AND status = $2
		 ORDER BY keyword LIMIT $3`,
		group, string(status), listLimit(limit),
	)
}

func (s *PostgresStore) AggregateStatistics(ctx context.Context, group string) (*model.Statistics, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+statisticsColumns+`
		FROM query_records WHERE ($1 = '' OR query_group = $1)`,
		group,
	)
	st, err := scanStatistics(row)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: aggregate statistics")
	}
	st.Group = group
	return st, nil
}

func (s *PostgresStore) ListGroups(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT query_group FROM query_records ORDER BY query_group`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list groups")
	}
	groups, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return groups, eris.Wrap(err, "postgres: collect groups")
}

// --- transitions ---

func (s *PostgresStore) MarkProcessing(ctx context.Context, group, keyword string) (bool, error) {
	now := s.now()
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO query_records (query_group, keyword, status, created_at, last_updated)
		VALUES ($1, $2, 'pending', $3, $3)
		ON CONFLICT (query_group, keyword) DO NOTHING`,
		group, keyword, now,
	); err != nil {
		return false, eris.Wrapf(err, "postgres: ensure record %s/%s", group, keyword)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE query_records SET status = 'processing', error_message = NULL, last_updated = $1
		WHERE query_group = $2 AND keyword = $3 AND status = 'pending'`,
		now, group, keyword,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark processing %s/%s", group, keyword)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Complete(ctx context.Context, group, keyword string, c model.Completion) error {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal payload")
	}
	label, comm, info := intentArgs(c.Intent)

	tag, err := s.pool.Exec(ctx, `
		UPDATE query_records SET
			status = 'completed',
			request_id = COALESCE($1, request_id),
			payload = $2,
			source = $3,
			error_message = NULL,
			main_intent = COALESCE($4, main_intent),
			commercial_score = COALESCE($5, commercial_score),
			informational_score = COALESCE($6, informational_score),
			last_updated = $7
		WHERE query_group = $8 AND keyword = $9 AND status = 'processing'`,
		nullable(c.RequestID), string(payload), string(completionSource(c)),
		label, comm, info, s.now(), group, keyword,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete %s/%s", group, keyword)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), "complete", group, keyword)
}

func (s *PostgresStore) Fail(ctx context.Context, group, keyword, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE query_records SET status = 'error', error_message = $1, last_updated = $2
		WHERE query_group = $3 AND keyword = $4 AND status = 'processing'`,
		failReason(reason), s.now(), group, keyword,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail %s/%s", group, keyword)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), "fail", group, keyword)
}

func (s *PostgresStore) Defer(ctx context.Context, group, keyword, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE query_records SET error_message = $1, last_updated = $2
		WHERE query_group = $3 AND keyword = $4 AND status = 'processing'`,
		failReason(reason), s.now(), group, keyword,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: defer %s/%s", group, keyword)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), "defer", group, keyword)
}

func (s *PostgresStore) checkTransition(ctx context.Context, affected int64, op, group, keyword string) error {
	if affected > 0 {
		return nil
	}
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM query_records WHERE query_group = $1 AND keyword = $2`,
		group, keyword,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: %s %s/%s", op, group, keyword)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: %s %s/%s: read status", op, group, keyword)
	}
	return eris.Wrapf(ErrInvalidTransition, "postgres: %s %s/%s: status is %s", op, group, keyword, status)
}

// --- recovery ---

func (s *PostgresStore) FindStaleProcessing(ctx context.Context, group string, cutoff time.Time) ([]model.QueryRecord, error) {
	return s.queryRecords(ctx, "find stale processing",
		`SELECT `+recordColumns+` FROM query_records
		 WHERE query_group = $1 AND status = 'processing' AND last_updated <= $2
		 ORDER BY last_updated, keyword`,
		group, cutoff.UTC(),
	)
}

func (s *PostgresStore) Requeue(ctx context.Context, group, keyword string, cutoff time.Time, note string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE query_records SET
			status = 'pending',
			error_message = CASE
				WHEN error_message IS NULL OR error_message = '' THEN $1
				ELSE error_message || '; ' || $1
			END,
			last_updated = $2
		WHERE query_group = $3 AND keyword = $4 AND status = 'processing' AND last_updated <= $5`,
		note, s.now(), group, keyword, cutoff.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: requeue %s/%s", group, keyword)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RetryErrored(ctx context.Context, group string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE query_records SET status = 'pending', last_updated = $1
		WHERE query_group = $2 AND status = 'error'`,
		s.now(), group,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: retry errored %s", group)
	}
	return tag.RowsAffected(), nil
}

// --- domain statistics ---

func (s *PostgresStore) RecordObservation(ctx context.Context, obs model.Observation) error {
	if obs.Domain == "" || obs.Group == "" {
		return eris.New("postgres: record observation: domain and group are required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: observation begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.observeTx(ctx, tx, obs, s.now()); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: observation commit")
}

func (s *PostgresStore) ObserveRecord(ctx context.Context, group, keyword string, obs []model.Observation) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: observe record begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE query_records SET domains_observed = true
		WHERE query_group = $1 AND keyword = $2 AND status = 'completed' AND NOT domains_observed`,
		group, keyword,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark observed %s/%s", group, keyword)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	now := s.now()
	for _, o := range obs {
		if err := s.observeTx(ctx, tx, o, now); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: observe record commit")
	}
	return true, nil
}

// observeTx locks the domain's global row, increments the (domain, group)
// row and rewrites the global row from the sum of all group rows.
func (s *PostgresStore) observeTx(ctx context.Context, tx pgx.Tx, obs model.Observation, now time.Time) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO domain_global_stats (domain, first_seen, last_seen) VALUES ($1, $2, $2)
		ON CONFLICT (domain) DO NOTHING`,
		obs.Domain, now,
	); err != nil {
		return eris.Wrapf(err, "postgres: ensure global domain %s", obs.Domain)
	}
	if _, err := tx.Exec(ctx, `SELECT 1 FROM domain_global_stats WHERE domain = $1 FOR UPDATE`, obs.Domain); err != nil {
		return eris.Wrapf(err, "postgres: lock global domain %s", obs.Domain)
	}

	comm, info := observationCounts(obs)
	if _, err := tx.Exec(ctx, `
		INSERT INTO domain_group_stats (domain, query_group, commercial_count, informational_count, total_count, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, 1, $5, $5)
		ON CONFLICT (domain, query_group) DO UPDATE SET
			commercial_count = domain_group_stats.commercial_count + EXCLUDED.commercial_count,
			informational_count = domain_group_stats.informational_count + EXCLUDED.informational_count,
			total_count = domain_group_stats.total_count + 1,
			last_seen = EXCLUDED.last_seen`,
		obs.Domain, obs.Group, comm, info, now,
	); err != nil {
		return eris.Wrapf(err, "postgres: increment domain %s in %s", obs.Domain, obs.Group)
	}

	g := model.DomainGlobalStat{Domain: obs.Domain}
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(commercial_count), 0)::bigint, COALESCE(SUM(informational_count), 0)::bigint,
			COALESCE(SUM(total_count), 0)::bigint, COUNT(*), MIN(first_seen), MAX(last_seen)
		FROM domain_group_stats WHERE domain = $1`,
		obs.Domain,
	).Scan(&g.CommercialCount, &g.InformationalCount, &g.TotalCount, &g.GroupsCount, &g.FirstSeen, &g.LastSeen); err != nil {
		return eris.Wrapf(err, "postgres: sum domain %s", obs.Domain)
	}
	s.opts.thresholds.Derive(&g)

	_, err := tx.Exec(ctx, `
		UPDATE domain_global_stats SET
			commercial_count = $2,
			informational_count = $3,
			total_count = $4,
			groups_count = $5,
			commercial_ratio = $6,
			is_commercial = $7,
			confidence_score = $8,
			first_seen = $9,
			last_seen = $10
		WHERE domain = $1`,
		g.Domain, g.CommercialCount, g.InformationalCount, g.TotalCount, g.GroupsCount,
		g.CommercialRatio, g.IsCommercial, g.ConfidenceScore, g.FirstSeen, g.LastSeen,
	)
	return eris.Wrapf(err, "postgres: update global domain %s", obs.Domain)
}

func (s *PostgresStore) ListUnobserved(ctx context.Context, group string, limit int) ([]model.QueryRecord, error) {
	return s.queryRecords(ctx, "list unobserved",
		`SELECT `+recordColumns+` FROM query_records
		 WHERE query_group = $1 AND status = 'completed' AND NOT domains_observed
		 ORDER BY last_updated, keyword LIMIT $2`,
		group, listLimit(limit),
	)
}

func (s *PostgresStore) GetDomainGlobal(ctx context.Context, domain string) (*model.DomainGlobalStat, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+domainGlobalColumns+` FROM domain_global_stats WHERE domain = $1`, domain)
	g, err := scanPostgresDomainGlobal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get domain %s", domain)
	}
	return g, nil
}

func (s *PostgresStore) GetDomainGroup(ctx context.Context, domain, group string) (*model.DomainStat, error) {
	var d model.DomainStat
	err := s.pool.QueryRow(ctx, `
		SELECT domain, query_group, commercial_count, informational_count, total_count, first_seen, last_seen
		FROM domain_group_stats WHERE domain = $1 AND query_group = $2`,
		domain, group,
	).Scan(&d.Domain, &d.Group, &d.CommercialCount, &d.InformationalCount, &d.TotalCount, &d.FirstSeen, &d.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get domain %s in %s", domain, group)
	}
	return &d, nil
}

func (s *PostgresStore) ListDomainGlobal(ctx context.Context, filter model.DomainFilter) ([]model.DomainGlobalStat, error) {
	query := `SELECT ` + domainGlobalColumns + ` FROM domain_global_stats WHERE total_count >= $1`
	if filter.CommercialOnly {
		query += ` AND is_commercial`
	}
	query += ` ORDER BY total_count DESC, domain LIMIT $2`

	rows, err := s.pool.Query(ctx, query, filter.MinTotal, listLimit(filter.Limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list domains")
	}
	defer rows.Close()

	var out []model.DomainGlobalStat
	for rows.Next() {
		g, err := scanPostgresDomainGlobal(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan domain")
		}
		out = append(out, *g)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list domains iterate")
}

// --- batch runs ---

func (s *PostgresStore) SaveRun(ctx context.Context, run *model.BatchRun) error {
	report, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO batch_runs (run_id, query_group, report, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE SET report = EXCLUDED.report, finished_at = EXCLUDED.finished_at`,
		run.RunID, run.Group, string(report), run.StartedAt.UTC(), run.FinishedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save run %s", run.RunID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.BatchRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT report FROM batch_runs
		WHERE ($1 = '' OR query_group = $1) AND started_at >= $2
		ORDER BY started_at DESC LIMIT $3`,
		filter.Group, filter.Since.UTC(), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.BatchRun
	for rows.Next() {
		var report []byte
		if err := rows.Scan(&report); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		var r model.BatchRun
		if err := json.Unmarshal(report, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// helpers

func (s *PostgresStore) queryRecords(ctx context.Context, op, query string, args ...any) ([]model.QueryRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var out []model.QueryRecord
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s", op)
		}
		out = append(out, *rec)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func scanPostgresRecord(row scannable) (*model.QueryRecord, error) {
	var (
		rec                    model.QueryRecord
		entities, payload, ads []byte
		status                 string
		source                 *string
	)
	if err := row.Scan(&rec.Group, &rec.Keyword, &rec.FrequencyWorld, &rec.FrequencyExact,
		&rec.Normalized, &rec.Lemmatized, &entities, &rec.MainIntent, &rec.CommercialScore, &rec.InformationalScore,
		&status, &rec.RequestID, &rec.ErrorMessage, &payload, &source, &ads, &rec.ClusterID,
		&rec.DomainsObserved, &rec.CreatedAt, &rec.LastUpdated,
	); err != nil {
		return nil, err
	}

	st, err := model.ParseStatus(status)
	if err != nil {
		return nil, eris.Wrap(model.ErrCorruptRecord, err.Error())
	}
	rec.Status = st
	if source != nil {
		rec.Source = model.PayloadSource(*source)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.LastUpdated = rec.LastUpdated.UTC()

	if err := decodeJSONColumns(&rec, entities, payload, ads); err != nil {
		return nil, err
	}
	return &rec, nil
}

func scanPostgresDomainGlobal(row scannable) (*model.DomainGlobalStat, error) {
	var g model.DomainGlobalStat
	if err := row.Scan(&g.Domain, &g.CommercialCount, &g.InformationalCount, &g.TotalCount, &g.GroupsCount,
		&g.CommercialRatio, &g.IsCommercial, &g.ConfidenceScore, &g.FirstSeen, &g.LastSeen); err != nil {
		return nil, err
	}
	return &g, nil
}
