package testutil

import (
	"context"
	"database/sql"
	"testing"
)

// ContractSchema creates the contracts and contract_items tables.
var ContractSchema = []string{
	`CREATE TABLE contracts (
		contract_id              INTEGER PRIMARY KEY,
		title                    TEXT,
		price                    REAL NOT NULL,
		collateral               REAL NOT NULL,
		status                   TEXT NOT NULL,
		contract_type            TEXT NOT NULL,
		issuer_id                INTEGER NOT NULL,
		issuer_corporation_id    INTEGER NOT NULL,
		start_location_id        INTEGER,
		end_location_id          INTEGER,
		start_location_region_id INTEGER,
		for_corporation          BOOLEAN NOT NULL,
		date_issued              TIMESTAMP NOT NULL,
		date_expired             TIMESTAMP NOT NULL,
		date_completed           TIMESTAMP,
		reward                   REAL,
		volume                   REAL,
		days_to_complete         INTEGER,
		buyout                   REAL,
		issuer_name              TEXT,
		issuer_corporation_name  TEXT,
		is_ship_contract         BOOLEAN NOT NULL DEFAULT 0,
		item_processing_status   TEXT NOT NULL,
		items_last_fetched_at    TIMESTAMP,
		contract_esi_etag        TEXT
	)`,
	`CREATE TABLE contract_items (
		record_id         INTEGER PRIMARY KEY,
		contract_id       INTEGER NOT NULL REFERENCES contracts (contract_id),
		type_id           INTEGER NOT NULL,
		quantity          INTEGER NOT NULL,
		is_included       BOOLEAN NOT NULL,
		is_singleton      BOOLEAN NOT NULL,
		is_blueprint_copy BOOLEAN,
		raw_quantity      INTEGER
	)`,
	`CREATE INDEX ix_contract_items_contract_id ON contract_items (contract_id)`,
}

// CreateContractSchema applies ContractSchema to db.
func CreateContractSchema(t testing.TB, db *sql.DB) {
	t.Helper()
	for _, stmt := range ContractSchema {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
}

// DumpTable returns every row of table ordered by orderBy, with each column
// rendered as a string. NULL is rendered as "<nil>".
func DumpTable(t testing.TB, db *sql.DB, table, orderBy string) []map[string]string {
	t.Helper()

	rows, err := db.QueryContext(context.Background(), "SELECT * FROM "+table+" ORDER BY "+orderBy)
	if err != nil {
		t.Fatalf("query %s: %v", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		t.Fatalf("columns of %s: %v", table, err)
	}

	var out []map[string]string
	for rows.Next() {
		values := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			t.Fatalf("scan %s: %v", table, err)
		}

		row := make(map[string]string, len(cols))
		for i, col := range cols {
			if values[i].Valid {
				row[col] = values[i].String
			} else {
				row[col] = "<nil>"
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate %s: %v", table, err)
	}
	return out
}
