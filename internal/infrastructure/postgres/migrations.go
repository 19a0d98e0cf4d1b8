package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// LatestVersion is the schema version this build writes.
const LatestVersion = 3

// latestSchema creates a brand-new store directly at LatestVersion.
const latestSchema = `
CREATE TABLE schema_version (
    id         BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
    version    INTEGER NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE patients (
    patient_id TEXT PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    birth_date TEXT NOT NULL DEFAULT '',
    age        INTEGER NOT NULL DEFAULT 0,
    gender     TEXT NOT NULL DEFAULT '',
    memo       TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE prescriptions (
    id               BIGSERIAL PRIMARY KEY,
    patient_id       TEXT NOT NULL REFERENCES patients (patient_id),
    receipt_date_raw TEXT NOT NULL,
    receipt_date     DATE,
    receipt_num      TEXT NOT NULL,
    hospital_name    TEXT NOT NULL DEFAULT '',
    doctor_name      TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT prescriptions_natural_key UNIQUE (patient_id, receipt_date_raw, receipt_num)
);
CREATE INDEX prescriptions_receipt_date_idx ON prescriptions (receipt_date);

CREATE TABLE medicines (
    yakjung_code      TEXT PRIMARY KEY,
    drug_name         TEXT NOT NULL DEFAULT '',
    drug_form         TEXT NOT NULL DEFAULT '',
    dosage_route      TEXT NOT NULL DEFAULT '',
    cls_code          TEXT NOT NULL DEFAULT '',
    manufacturer      TEXT NOT NULL DEFAULT '',
    storage_raw       TEXT NOT NULL DEFAULT '',
    storage_container TEXT NOT NULL DEFAULT '',
    temperature       TEXT NOT NULL DEFAULT '',
    unit              TEXT NOT NULL DEFAULT '',
    effects           JSONB NOT NULL DEFAULT '[]',
    custom_usage      TEXT NOT NULL DEFAULT '',
    usage_priority    INTEGER NOT NULL DEFAULT 0,
    auto_print        BOOLEAN NOT NULL DEFAULT TRUE,
    api_fetched       BOOLEAN NOT NULL DEFAULT FALSE,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX medicines_unresolved_idx ON medicines (yakjung_code) WHERE NOT api_fetched;

CREATE TABLE bohcode_mappings (
    bohcode      TEXT PRIMARY KEY,
    yakjung_code TEXT NOT NULL REFERENCES medicines (yakjung_code),
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX bohcode_mappings_yakjung_idx ON bohcode_mappings (yakjung_code);

CREATE TABLE prescription_medicines (
    id                BIGSERIAL PRIMARY KEY,
    prescription_id   BIGINT NOT NULL REFERENCES prescriptions (id) ON DELETE CASCADE,
    line_no           INTEGER NOT NULL,
    bohcode           TEXT NOT NULL REFERENCES bohcode_mappings (bohcode),
    drug_name         TEXT NOT NULL DEFAULT '',
    prescription_days INTEGER NOT NULL DEFAULT 0,
    daily_dose        DOUBLE PRECISION NOT NULL DEFAULT 0,
    single_dose       DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX prescription_medicines_rx_idx ON prescription_medicines (prescription_id);
CREATE INDEX prescription_medicines_bohcode_idx ON prescription_medicines (bohcode);

CREATE TABLE parsing_history (
    id              BIGSERIAL PRIMARY KEY,
    prescription_id BIGINT NOT NULL REFERENCES prescriptions (id) ON DELETE CASCADE,
    parsed_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    parsed_date     DATE NOT NULL DEFAULT CURRENT_DATE
);
CREATE INDEX parsing_history_date_idx ON parsing_history (parsed_date);
CREATE INDEX parsing_history_rx_idx ON parsing_history (prescription_id);
` + outboxInboxSchema

const outboxInboxSchema = `
CREATE TABLE IF NOT EXISTS outbox (
    id             BIGSERIAL PRIMARY KEY,
    aggregate_id   TEXT NOT NULL,
    aggregate_type TEXT NOT NULL,
    event_type     TEXT NOT NULL,
    payload        JSONB NOT NULL,
    kafka_topic    TEXT NOT NULL,
    kafka_key      TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    processed_at   TIMESTAMPTZ,
    retry_count    INTEGER NOT NULL DEFAULT 0,
    last_error     TEXT
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (created_at) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS inbox (
    idempotency_key TEXT PRIMARY KEY,
    handler_name    TEXT NOT NULL,
    status          TEXT NOT NULL,
    payload         JSONB,
    result          JSONB,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    expires_at      TIMESTAMPTZ
);
`

// migration upgrades an existing store from version-1 to version. Every
// statement checks before it creates or alters, so a replay is harmless.
type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 2,
		name:    "medicine effects and storage container",
		sql: `
ALTER TABLE medicines ADD COLUMN IF NOT EXISTS effects JSONB NOT NULL DEFAULT '[]';
ALTER TABLE medicines ADD COLUMN IF NOT EXISTS storage_container TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS medicines_unresolved_idx ON medicines (yakjung_code) WHERE NOT api_fetched;
`,
	},
	{
		version: 3,
		name:    "parsing date, outbox and inbox",
		sql: `
ALTER TABLE parsing_history ADD COLUMN IF NOT EXISTS parsed_date DATE;
UPDATE parsing_history SET parsed_date = (parsed_at AT TIME ZONE current_setting('TimeZone'))::date WHERE parsed_date IS NULL;
ALTER TABLE parsing_history ALTER COLUMN parsed_date SET DEFAULT CURRENT_DATE;
ALTER TABLE parsing_history ALTER COLUMN parsed_date SET NOT NULL;
CREATE INDEX IF NOT EXISTS parsing_history_date_idx ON parsing_history (parsed_date);
CREATE INDEX IF NOT EXISTS parsing_history_rx_idx ON parsing_history (prescription_id);
` + outboxInboxSchema,
	},
}

// Migrate brings the schema to LatestVersion and returns the versions before
// and after. A store without tables is created at the latest schema in one
// step; a versioned store replays the migrations above its version in order,
// each in its own transaction.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (from, to int, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	current, err := currentVersion(ctx, pool)
	if err != nil {
		return 0, 0, err
	}

	if current == 0 {
		if err := createLatest(ctx, pool); err != nil {
			return 0, 0, fmt.Errorf("create schema: %w", err)
		}
		logger.Info("created schema", zap.Int("version", LatestVersion))
		return 0, LatestVersion, nil
	}
	if current > LatestVersion {
		return current, current, fmt.Errorf("schema version %d is newer than this build (%d)", current, LatestVersion)
	}

	version := current
	for _, m := range migrations {
		if m.version <= version {
			continue
		}
		if m.version != version+1 {
			return current, version, fmt.Errorf("migration gap: at %d, next is %d", version, m.version)
		}
		if err := apply(ctx, pool, m); err != nil {
			return current, version, fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		logger.Info("applied migration", zap.Int("version", m.version), zap.String("name", m.name))
		version = m.version
	}
	return current, version, nil
}

// currentVersion returns 0 for an empty store. A store with tables but no
// version row predates versioning and counts as version 1.
func currentVersion(ctx context.Context, q queryable) (int, error) {
	var hasVersionTable, hasMedicines bool
	err := q.QueryRow(ctx, `
		SELECT to_regclass('schema_version') IS NOT NULL,
		       to_regclass('medicines') IS NOT NULL`).Scan(&hasVersionTable, &hasMedicines)
	if err != nil {
		return 0, fmt.Errorf("inspect schema: %w", err)
	}
	if !hasVersionTable {
		if hasMedicines {
			return 1, nil
		}
		return 0, nil
	}

	var v int
	err = q.QueryRow(ctx, `SELECT version FROM schema_version`).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func createLatest(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, latestSchema); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, LatestVersion); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit(ctx)
}

func apply(ctx context.Context, pool *pgxpool.Pool, m migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
		    id         BOOLEAN PRIMARY KEY DEFAULT TRUE CHECK (id),
		    version    INTEGER NOT NULL,
		    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("ensure version table: %w", err)
	}
	if _, err := tx.Exec(ctx, m.sql); err != nil {
		return fmt.Errorf("execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_version (id, version) VALUES (TRUE, $1)
		ON CONFLICT (id) DO UPDATE SET version = EXCLUDED.version, updated_at = NOW()`, m.version); err != nil {
		return fmt.Errorf("record version: %w", err)
	}
	return tx.Commit(ctx)
}
