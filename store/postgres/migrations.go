package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the credits store.
var Migrations = migrate.NewGroup("credits")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_credit_accounts",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_accounts (
    account_id        TEXT PRIMARY KEY,
    available_credits BIGINT NOT NULL DEFAULT 0 CHECK (available_credits >= 0),
    total_used        BIGINT NOT NULL DEFAULT 0 CHECK (total_used >= 0),
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_credit_accounts_prefix ON credit_accounts (account_id text_pattern_ops);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_accounts`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_entries",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_entries (
    id          TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL,
    kind        TEXT NOT NULL CHECK (kind IN ('usage', 'purchase', 'bonus', 'refund')),
    amount      BIGINT NOT NULL CHECK (amount <> 0),
    description TEXT NOT NULL DEFAULT '',
    plan_id     TEXT NOT NULL DEFAULT '',
    reference   TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_credit_entries_account_created ON credit_entries (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_credit_entries_purchase ON credit_entries (account_id, plan_id, created_at) WHERE kind = 'purchase';
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_entries_reference ON credit_entries (reference) WHERE reference <> '';
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_entries`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_plans",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_plans (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL DEFAULT '',
    slug         TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    type         TEXT NOT NULL DEFAULT 'package',
    price_amount BIGINT NOT NULL DEFAULT 0,
    currency     TEXT NOT NULL DEFAULT 'brl',
    credits      BIGINT NOT NULL DEFAULT 0,
    active       BOOLEAN NOT NULL DEFAULT TRUE,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_plans_slug ON credit_plans (slug);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS credit_plans`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_credit_issuances",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS credit_issuances (
    id          TEXT PRIMARY KEY,
    account_id  TEXT NOT NULL,
    subject_key TEXT NOT NULL,
    payload     TEXT NOT NULL DEFAULT '',
    issued_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    issued_day  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credit_issuances_lookup ON credit_issuances (account_id, subject_key, issued_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_issuances_day ON credit_issuances (account_id, subject_key, issued_day);

CREATE TABLE IF NOT EXISTS credit_issuance_validations (
    id           TEXT PRIMARY KEY,
    issuance_id  TEXT NOT NULL REFERENCES credit_issuances (id),
    validated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    ip           TEXT NOT NULL DEFAULT '',
    user_agent   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_credit_validations_issuance ON credit_issuance_validations (issuance_id, validated_at);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS credit_issuance_validations;
DROP TABLE IF EXISTS credit_issuances;
`)
				return err
			},
		},
	)
}
