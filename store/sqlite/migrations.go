package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the credits store (SQLite).
//
// Timestamps are unix milliseconds. The entry triggers compare them
// numerically and the driver scans them back as integers.
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
    available_credits INTEGER NOT NULL DEFAULT 0 CHECK (available_credits >= 0),
    total_used        INTEGER NOT NULL DEFAULT 0 CHECK (total_used >= 0),
    created_at        INTEGER NOT NULL DEFAULT 0,
    updated_at        INTEGER NOT NULL DEFAULT 0
);
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
    amount      INTEGER NOT NULL CHECK (amount <> 0),
    description TEXT NOT NULL DEFAULT '',
    plan_id     TEXT NOT NULL DEFAULT '',
    reference   TEXT NOT NULL DEFAULT '',
    guard_since INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_credit_entries_account_created ON credit_entries (account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_credit_entries_purchase ON credit_entries (account_id, plan_id, created_at) WHERE kind = 'purchase';
CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_entries_reference ON credit_entries (reference) WHERE reference <> '';

CREATE TRIGGER IF NOT EXISTS trg_credit_entries_check
BEFORE INSERT ON credit_entries
BEGIN
    SELECT RAISE(ABORT, 'insufficient credits')
     WHERE NEW.amount < 0
       AND COALESCE((SELECT available_credits FROM credit_accounts WHERE account_id = NEW.account_id), 0) + NEW.amount < 0;
    SELECT RAISE(ABORT, 'duplicate payment')
     WHERE NEW.guard_since > 0
       AND EXISTS (SELECT 1 FROM credit_entries
                    WHERE account_id = NEW.account_id
                      AND plan_id = NEW.plan_id
                      AND kind = 'purchase'
                      AND created_at >= NEW.guard_since);
END;

CREATE TRIGGER IF NOT EXISTS trg_credit_entries_apply
AFTER INSERT ON credit_entries
BEGIN
    INSERT OR IGNORE INTO credit_accounts (account_id, created_at, updated_at)
    VALUES (NEW.account_id, NEW.created_at, NEW.created_at);
    UPDATE credit_accounts
       SET available_credits = available_credits + NEW.amount,
           total_used        = total_used + MAX(-NEW.amount, 0),
           updated_at        = NEW.created_at
     WHERE account_id = NEW.account_id;
END;
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TRIGGER IF EXISTS trg_credit_entries_apply;
DROP TRIGGER IF EXISTS trg_credit_entries_check;
DROP TABLE IF EXISTS credit_entries;
`)
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
    price_amount INTEGER NOT NULL DEFAULT 0,
    currency     TEXT NOT NULL DEFAULT 'brl',
    credits      INTEGER NOT NULL DEFAULT 0,
    active       INTEGER NOT NULL DEFAULT 1,
    created_at   INTEGER NOT NULL DEFAULT 0,
    updated_at   INTEGER NOT NULL DEFAULT 0
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
    issued_at   INTEGER NOT NULL,
    issued_day  TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_issuances_day ON credit_issuances (account_id, subject_key, issued_day);

CREATE TABLE IF NOT EXISTS credit_issuance_validations (
    id           TEXT PRIMARY KEY,
    issuance_id  TEXT NOT NULL REFERENCES credit_issuances (id),
    validated_at INTEGER NOT NULL,
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
