// Package store writes ingested records into the relational store with
// idempotent bulk upserts.
//
// Every Upsert call runs in its own transaction. Rows are keyed by the
// table's primary key and overwrite every non-key column of an existing
// row, so writing the same rows twice leaves the table unchanged. Columns
// marked insert-only are written on insert and afterwards only by Update.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/esi-contract-ingest/pkg/logging"
)

var (
	upsertRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_upsert_rows_total",
		Help: "Rows written by bulk upserts by table",
	}, []string{"table"})

	upsertDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_upsert_duration_seconds",
		Help:    "Bulk upsert duration by table",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"table"})

	upsertErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_upsert_errors_total",
		Help: "Failed bulk upserts and updates by table",
	}, []string{"table"})

	updateRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_update_rows_total",
		Help: "Existing rows overwritten by updates by table",
	}, []string{"table"})
)

// Writer performs idempotent bulk upserts.
type Writer struct {
	db      *sql.DB
	dialect Dialect
	logger  zerolog.Logger
}

// NewWriter creates a writer for db using dialect's upsert syntax.
func NewWriter(db *sql.DB, dialect Dialect, logger zerolog.Logger) *Writer {
	return &Writer{
		db:      db,
		dialect: dialect,
		logger:  logging.Component(logger, "bulk-writer").With().Str("dialect", string(dialect)).Logger(),
	}
}

// Dialect returns the writer's dialect.
func (w *Writer) Dialect() Dialect {
	return w.dialect
}

// Upsert inserts rows or overwrites the existing rows with the same primary
// key. It returns the number of distinct rows written. Empty input is a
// no-op that does not touch the database.
func (w *Writer) Upsert(ctx context.Context, t Table, rows []Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := t.Validate(); err != nil {
		return 0, err
	}
	rows, err := t.dedupe(rows)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	defer func() {
		upsertDuration.WithLabelValues(t.Name).Observe(time.Since(start).Seconds())
	}()

	err = w.inTx(ctx, t, func(tx *sql.Tx) error {
		if w.dialect == DialectGeneric {
			return w.upsertGeneric(ctx, tx, t, rows)
		}
		return w.upsertNative(ctx, tx, t, rows)
	})
	if err != nil {
		upsertErrors.WithLabelValues(t.Name).Inc()
		return 0, err
	}

	upsertRows.WithLabelValues(t.Name).Add(float64(len(rows)))
	w.logger.Debug().
		Str("table", t.Name).
		Int("rows", len(rows)).
		Dur("duration", time.Since(start)).
		Msg("Batch upserted")

	return len(rows), nil
}

// Update overwrites the non-key columns of rows that already exist, matched
// by primary key, in one transaction. Insert-only columns are overwritten
// too. Rows with no stored counterpart are skipped. It returns the number of
// rows the driver reports as affected.
func (w *Writer) Update(ctx context.Context, t Table, rows []Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := t.Validate(); err != nil {
		return 0, err
	}
	rows, err := t.dedupe(rows)
	if err != nil {
		return 0, err
	}

	// The update owns the insert-only columns, so they are part of the SET.
	t.InsertOnly = nil
	update, _ := buildGenericStatements(w.dialect, t)
	if update == "" {
		return 0, fmt.Errorf("table %s: no columns to update", t.Name)
	}

	affected := 0
	err = w.inTx(ctx, t, func(tx *sql.Tx) error {
		for _, r := range rows {
			n, err := execUpdate(ctx, tx, t, update, r)
			if err != nil {
				return err
			}
			affected += int(n)
		}
		return nil
	})
	if err != nil {
		upsertErrors.WithLabelValues(t.Name).Inc()
		return 0, err
	}

	updateRows.WithLabelValues(t.Name).Add(float64(affected))
	w.logger.Debug().
		Str("table", t.Name).
		Int("rows", len(rows)).
		Int("affected", affected).
		Msg("Batch updated")

	return affected, nil
}

// inTx runs fn in a transaction, committing on success.
func (w *Writer) inTx(ctx context.Context, t Table, fn func(tx *sql.Tx) error) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction on %s: %w", t.Name, err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			w.logger.Warn().Err(rbErr).Str("table", t.Name).Msg("Rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", t.Name, err)
	}
	return nil
}

// upsertNative writes rows with one statement, split only when the batch
// exceeds the dialect's bind-parameter limit.
func (w *Writer) upsertNative(ctx context.Context, tx *sql.Tx, t Table, rows []Row) error {
	perStatement := max(1, w.dialect.maxParams()/len(t.Columns))

	for start := 0; start < len(rows); start += perStatement {
		end := min(start+perStatement, len(rows))

		query, args, err := BuildUpsert(w.dialect, t, rows[start:end])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert %d rows into %s: %w", end-start, t.Name, err)
		}
	}
	return nil
}

// upsertGeneric updates each row by key and inserts it when nothing matched.
func (w *Writer) upsertGeneric(ctx context.Context, tx *sql.Tx, t Table, rows []Row) error {
	update, insert := buildGenericStatements(w.dialect, t)
	exists := buildExistsQuery(w.dialect, t)

	for _, r := range rows {
		var found bool
		if update == "" {
			var one int
			err := tx.QueryRowContext(ctx, exists, keyArgs(t, r)...).Scan(&one)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return fmt.Errorf("look up %s: %w", t.Name, err)
			default:
				found = true
			}
		} else {
			n, err := execUpdate(ctx, tx, t, update, r)
			if err != nil {
				return err
			}
			found = n > 0
		}
		if found {
			continue
		}

		args := make([]any, 0, len(t.Columns))
		for _, c := range t.Columns {
			args = append(args, r[c])
		}
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", t.Name, err)
		}
	}
	return nil
}

// execUpdate runs the UPDATE built by buildGenericStatements for one row.
func execUpdate(ctx context.Context, tx *sql.Tx, t Table, update string, r Row) (int64, error) {
	updateCols := t.updateColumns()
	args := make([]any, 0, len(updateCols)+len(t.PrimaryKey))
	for _, c := range updateCols {
		args = append(args, r[c])
	}
	args = append(args, keyArgs(t, r)...)

	res, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", t.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update %s: rows affected: %w", t.Name, err)
	}
	return n, nil
}

func keyArgs(t Table, r Row) []any {
	args := make([]any, 0, len(t.PrimaryKey))
	for _, pk := range t.PrimaryKey {
		args = append(args, r[pk])
	}
	return args
}

// BuildUpsert renders the multi-row upsert statement for a native dialect.
// Rows must already be free of duplicate keys.
func BuildUpsert(d Dialect, t Table, rows []Row) (string, []any, error) {
	if d == DialectGeneric {
		return "", nil, fmt.Errorf("dialect %s has no native upsert", d)
	}
	if err := t.Validate(); err != nil {
		return "", nil, err
	}
	if len(rows) == 0 {
		return "", nil, fmt.Errorf("no rows")
	}

	var b strings.Builder
	updateCols := t.updateColumns()

	if d == DialectMySQL && len(updateCols) == 0 {
		b.WriteString("INSERT IGNORE INTO ")
	} else {
		b.WriteString("INSERT INTO ")
	}
	b.WriteString(d.quote(t.Name))
	b.WriteString(" (")
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.quote(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(t.Columns))
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, c := range t.Columns {
			if j > 0 {
				b.WriteString(", ")
			}
			args = append(args, r[c])
			b.WriteString(d.placeholder(len(args)))
		}
		b.WriteByte(')')
	}

	switch d {
	case DialectMySQL:
		if len(updateCols) > 0 {
			b.WriteString(" ON DUPLICATE KEY UPDATE ")
			for i, c := range updateCols {
				if i > 0 {
					b.WriteString(", ")
				}
				q := d.quote(c)
				b.WriteString(q + " = VALUES(" + q + ")")
			}
		}
	default:
		b.WriteString(" ON CONFLICT (")
		for i, pk := range t.PrimaryKey {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.quote(pk))
		}
		b.WriteByte(')')
		if len(updateCols) == 0 {
			b.WriteString(" DO NOTHING")
			break
		}
		b.WriteString(" DO UPDATE SET ")
		for i, c := range updateCols {
			if i > 0 {
				b.WriteString(", ")
			}
			q := d.quote(c)
			b.WriteString(q + " = excluded." + q)
		}
	}

	return b.String(), args, nil
}

// buildGenericStatements renders the per-row UPDATE and INSERT. update is
// empty when the table has no columns to overwrite.
func buildGenericStatements(d Dialect, t Table) (update, insert string) {
	updateCols := t.updateColumns()

	if len(updateCols) > 0 {
		n := 0
		sets := make([]string, 0, len(updateCols))
		for _, c := range updateCols {
			n++
			sets = append(sets, d.quote(c)+" = "+d.placeholder(n))
		}
		update = "UPDATE " + d.quote(t.Name) + " SET " + strings.Join(sets, ", ") +
			" WHERE " + keyCondition(d, t, n)
	}

	cols := make([]string, 0, len(t.Columns))
	marks := make([]string, 0, len(t.Columns))
	for i, c := range t.Columns {
		cols = append(cols, d.quote(c))
		marks = append(marks, d.placeholder(i+1))
	}
	insert = "INSERT INTO " + d.quote(t.Name) + " (" + strings.Join(cols, ", ") +
		") VALUES (" + strings.Join(marks, ", ") + ")"

	return update, insert
}

// buildExistsQuery renders a key lookup for tables without update columns.
func buildExistsQuery(d Dialect, t Table) string {
	return "SELECT 1 FROM " + d.quote(t.Name) + " WHERE " + keyCondition(d, t, 0)
}

// keyCondition matches the primary key, numbering placeholders after offset.
func keyCondition(d Dialect, t Table, offset int) string {
	where := make([]string, 0, len(t.PrimaryKey))
	for i, pk := range t.PrimaryKey {
		where = append(where, d.quote(pk)+" = "+d.placeholder(offset+i+1))
	}
	return strings.Join(where, " AND ")
}
