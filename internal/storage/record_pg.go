package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/veilchat/backend/internal/circuitbreaker"
	"github.com/veilchat/backend/internal/core"
	"github.com/veilchat/backend/internal/retry"
)

// identRe validates schema and table identifiers before they are spliced
// into DDL and DML text.
var identRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// PostgresRecordConfig configures the SQL record adapter.
type PostgresRecordConfig struct {
	Schema string
	Table  string

	Breaker *circuitbreaker.CircuitBreaker
	Retry   retry.Policy
	Logger  *slog.Logger
}

// PostgresRecordAdapter stores records in a Postgres table keyed by
// (namespace, id), with version_id as the optimistic concurrency token.
type PostgresRecordAdapter struct {
	db      *sql.DB
	schema  string
	table   string
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Policy
	logger  *slog.Logger

	ownsDB bool
}

// NewPostgresRecordAdapter wraps an existing pool. The adapter takes
// ownership of db and closes it on Close.
func NewPostgresRecordAdapter(db *sql.DB, cfg PostgresRecordConfig) (*PostgresRecordAdapter, error) {
	if cfg.Schema == "" {
		cfg.Schema = "storage"
	}
	if cfg.Table == "" {
		cfg.Table = "records"
	}
	if !identRe.MatchString(cfg.Schema) {
		return nil, core.Ef(core.KindValidationFailed, "invalid schema identifier %q", cfg.Schema)
	}
	if !identRe.MatchString(cfg.Table) {
		return nil, core.Ef(core.KindValidationFailed, "invalid table identifier %q", cfg.Table)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = core.IsRetryable
	}

	return &PostgresRecordAdapter{
		db:      db,
		schema:  cfg.Schema,
		table:   cfg.Table,
		breaker: cfg.Breaker,
		retry:   cfg.Retry,
		logger:  cfg.Logger,
		ownsDB:  true,
	}, nil
}

// OpenPostgres opens and pings a Postgres pool.
func OpenPostgres(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// DB exposes the pool for components that must share a transaction with
// record writes (outbox append). The adapter remains the pool's owner.
func (a *PostgresRecordAdapter) DB() *sql.DB {
	return a.db
}

func (a *PostgresRecordAdapter) fq() string {
	return a.schema + "." + a.table
}

// Init bootstraps the schema, the records table, and the namespace index.
// All statements are idempotent.
func (a *PostgresRecordAdapter) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, a.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace  TEXT        NOT NULL,
			id         TEXT        NOT NULL,
			version_id TEXT        NOT NULL,
			data       JSONB       NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (namespace, id)
		)`, a.fq()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_namespace_idx ON %s (namespace)`,
			a.table, a.fq()),
	}

	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return mapPgError(fmt.Errorf("record schema bootstrap: %w", err))
		}
	}
	a.logger.Info("[RecordAdapter] schema ready", "schema", a.schema, "table", a.table)
	return nil
}

// Close releases the pool.
func (a *PostgresRecordAdapter) Close() error {
	if !a.ownsDB {
		return nil
	}
	return a.db.Close()
}

// Upsert writes a record, assigning a fresh versionId. With a concurrency
// token the write is conditional on the stored version; zero matched rows
// signal PreconditionFailed.
func (a *PostgresRecordAdapter) Upsert(ctx context.Context, namespace string, rec Record, opts UpsertOptions) (Record, error) {
	if rec.ID == "" {
		return Record{}, core.E(core.KindValidationFailed, "record id must be non-empty")
	}

	data, err := json.Marshal(rec.Data)
	if err != nil {
		return Record{}, core.Wrap(core.KindValidationFailed, "record data not serializable", err)
	}
	newVersion := uuid.New().String()

	var stored Record
	err = a.execute(ctx, "upsert", func(ctx context.Context) error {
		if opts.ConcurrencyToken != "" {
			return a.conditionalUpdate(ctx, a.db, namespace, rec.ID, opts.ConcurrencyToken, newVersion, data, &stored)
		}
		return a.plainUpsert(ctx, a.db, namespace, rec.ID, newVersion, data, &stored)
	})
	if err != nil {
		return Record{}, err
	}
	stored.Namespace = namespace
	return stored, nil
}

// UpsertTx writes a record inside the caller's transaction so a business
// write and its outbox entry commit atomically. No breaker or retry wrap
// here: a transaction cannot be partially retried, its fate belongs to the
// caller.
func (a *PostgresRecordAdapter) UpsertTx(ctx context.Context, tx *sql.Tx, namespace string, rec Record, opts UpsertOptions) (Record, error) {
	if rec.ID == "" {
		return Record{}, core.E(core.KindValidationFailed, "record id must be non-empty")
	}

	data, err := json.Marshal(rec.Data)
	if err != nil {
		return Record{}, core.Wrap(core.KindValidationFailed, "record data not serializable", err)
	}
	newVersion := uuid.New().String()

	var stored Record
	if opts.ConcurrencyToken != "" {
		err = a.conditionalUpdate(ctx, tx, namespace, rec.ID, opts.ConcurrencyToken, newVersion, data, &stored)
	} else {
		err = a.plainUpsert(ctx, tx, namespace, rec.ID, newVersion, data, &stored)
	}
	if err != nil {
		return Record{}, mapPgError(err)
	}
	stored.Namespace = namespace
	return stored, nil
}

// queryRower is satisfied by *sql.DB and *sql.Tx, letting upserts run
// standalone or inside a caller transaction.
type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (a *PostgresRecordAdapter) plainUpsert(ctx context.Context, q queryRower, namespace, id, version string, data []byte, out *Record) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, id, version_id, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, id) DO UPDATE
		SET version_id = EXCLUDED.version_id,
		    data       = EXCLUDED.data,
		    updated_at = now()
		RETURNING id, version_id, data, created_at, updated_at`, a.fq())

	row := q.QueryRowContext(ctx, query, namespace, id, version, data)
	return scanRecord(row, out)
}

func (a *PostgresRecordAdapter) conditionalUpdate(ctx context.Context, q queryRower, namespace, id, token, version string, data []byte, out *Record) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET version_id = $4, data = $5, updated_at = now()
		WHERE namespace = $1 AND id = $2 AND version_id = $3
		RETURNING id, version_id, data, created_at, updated_at`, a.fq())

	row := q.QueryRowContext(ctx, query, namespace, id, token, version, data)
	err := scanRecord(row, out)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Ef(core.KindPreconditionFailed,
			"version mismatch for %s/%s", namespace, id).WithMeta("expectedVersion", token)
	}
	return err
}

// Get returns the record or NotFound.
func (a *PostgresRecordAdapter) Get(ctx context.Context, ref ObjectReference) (Record, error) {
	query := fmt.Sprintf(`
		SELECT id, version_id, data, created_at, updated_at
		FROM %s WHERE namespace = $1 AND id = $2`, a.fq())

	var rec Record
	err := a.execute(ctx, "get", func(ctx context.Context) error {
		row := a.db.QueryRowContext(ctx, query, ref.Namespace, ref.ID)
		if err := scanRecord(row, &rec); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return core.Ef(core.KindNotFound, "record %s/%s not found", ref.Namespace, ref.ID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	rec.Namespace = ref.Namespace
	return rec, nil
}

// Delete removes the record, conditionally when a concurrency token is set.
// A token mismatch is PreconditionFailed; a plain miss is NotFound.
func (a *PostgresRecordAdapter) Delete(ctx context.Context, ref ObjectReference, opts DeleteOptions) error {
	return a.execute(ctx, "delete", func(ctx context.Context) error {
		var (
			res sql.Result
			err error
		)
		if opts.ConcurrencyToken != "" {
			query := fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1 AND id = $2 AND version_id = $3`, a.fq())
			res, err = a.db.ExecContext(ctx, query, ref.Namespace, ref.ID, opts.ConcurrencyToken)
		} else {
			query := fmt.Sprintf(`DELETE FROM %s WHERE namespace = $1 AND id = $2`, a.fq())
			res, err = a.db.ExecContext(ctx, query, ref.Namespace, ref.ID)
		}
		if err != nil {
			return err
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			if opts.ConcurrencyToken != "" {
				exists, err := a.exists(ctx, ref)
				if err != nil {
					return err
				}
				if exists {
					return core.Ef(core.KindPreconditionFailed,
						"version mismatch deleting %s/%s", ref.Namespace, ref.ID)
				}
			}
			return core.Ef(core.KindNotFound, "record %s/%s not found", ref.Namespace, ref.ID)
		}
		return nil
	})
}

func (a *PostgresRecordAdapter) exists(ctx context.Context, ref ObjectReference) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE namespace = $1 AND id = $2`, a.fq())
	var one int
	err := a.db.QueryRowContext(ctx, query, ref.Namespace, ref.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Query pages through a namespace ordered by id ascending. The cursor is
// base64 JSON {lastId}; NextCursor is set iff a row beyond the limit exists.
func (a *PostgresRecordAdapter) Query(ctx context.Context, namespace string, q Query, page Page) (QueryResult, error) {
	if page.Limit <= 0 {
		page.Limit = 100
	}

	lastID, err := decodeCursor(page.Cursor)
	if err != nil {
		return QueryResult{}, err
	}

	query := fmt.Sprintf(`
		SELECT id, version_id, data, created_at, updated_at
		FROM %s WHERE namespace = $1 AND id > $2`, a.fq())
	args := []interface{}{namespace, lastID}

	if len(q.Filter) > 0 {
		filter, err := json.Marshal(q.Filter)
		if err != nil {
			return QueryResult{}, core.Wrap(core.KindValidationFailed, "query filter not serializable", err)
		}
		query += fmt.Sprintf(` AND data @> $%d::jsonb`, len(args)+1)
		args = append(args, filter)
	}
	query += fmt.Sprintf(` ORDER BY id ASC LIMIT $%d`, len(args)+1)
	args = append(args, page.Limit+1)

	var result QueryResult
	err = a.execute(ctx, "query", func(ctx context.Context) error {
		rows, err := a.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		var records []Record
		for rows.Next() {
			var rec Record
			if err := scanRecord(rows, &rec); err != nil {
				return err
			}
			rec.Namespace = namespace
			records = append(records, rec)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		next := ""
		if len(records) > page.Limit {
			records = records[:page.Limit]
			next = encodeCursor(records[len(records)-1].ID)
		}
		result = QueryResult{Records: records, NextCursor: next}
		return nil
	})
	if err != nil {
		return QueryResult{}, err
	}
	return result, nil
}

// execute applies the uniform adapter wrap: breaker gate, error mapping,
// breaker bookkeeping, then retry on transient kinds.
func (a *PostgresRecordAdapter) execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func(ctx context.Context) error {
		if a.breaker != nil && !a.breaker.Allow() {
			return core.Ef(core.KindTransientAdapter, "record adapter breaker open (%s)", op)
		}

		err := fn(ctx)
		if err != nil {
			err = mapPgError(err)
			if a.breaker != nil {
				a.breaker.RecordFailure()
			}
			a.logger.Warn("[RecordAdapter] operation failed", "op", op, "error", err)
			return err
		}
		if a.breaker != nil {
			a.breaker.RecordSuccess()
		}
		return nil
	}
	return retry.Do(ctx, a.retry, attempt)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner, out *Record) error {
	var data []byte
	if err := row.Scan(&out.ID, &out.VersionID, &data, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &out.Data); err != nil {
		return core.Wrap(core.KindConsistency, "stored record data is not valid JSON", err)
	}
	return nil
}

type cursorToken struct {
	LastID string `json:"lastId"`
}

func encodeCursor(lastID string) string {
	raw, _ := json.Marshal(cursorToken{LastID: lastID})
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return "", core.Wrap(core.KindValidationFailed, "malformed pagination cursor", err)
	}
	var tok cursorToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return "", core.Wrap(core.KindValidationFailed, "malformed pagination cursor", err)
	}
	return tok.LastID, nil
}

// Postgres vendor error codes the adapter maps onto the taxonomy.
const (
	pgStatementTimeout = "57014"
	pgUniqueViolation  = "23505"
	pgSerialization    = "40001"
	pgDeadlockDetected = "40P01"
)

// mapPgError translates driver errors into taxonomy kinds. Errors already
// carrying a kind pass through unchanged.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var kindErr *core.Error
	if errors.As(err, &kindErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.Wrap(core.KindTimeout, "database call timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return core.Wrap(core.KindTransientAdapter, "database call cancelled", err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgStatementTimeout:
			return core.Wrap(core.KindTimeout, "statement timeout", err)
		case pgUniqueViolation:
			return core.Wrap(core.KindConflict, "unique constraint violation", err).
				WithMeta("constraint", pqErr.Constraint)
		case pgSerialization, pgDeadlockDetected:
			return core.Wrap(core.KindTransientAdapter, "serialization failure", err)
		}
		// Class 08 covers connection exceptions.
		if pqErr.Code.Class() == "08" {
			return core.Wrap(core.KindTransientAdapter, "database connection failure", err)
		}
		return core.Wrap(core.KindPermanentAdapter, "database rejected statement", err).
			WithMeta("pgCode", string(pqErr.Code))
	}

	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return core.Wrap(core.KindTransientAdapter, "database connection lost", err)
	}
	return core.Wrap(core.KindTransientAdapter, "database call failed", err)
}
