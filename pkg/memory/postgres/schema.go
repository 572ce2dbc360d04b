package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlGuestMemory = `
CREATE TABLE IF NOT EXISTS guest_memory (
    user_id         TEXT         PRIMARY KEY,
    user_name       TEXT,
    preferred_name  TEXT,
    likes           JSONB        NOT NULL DEFAULT '[]'::jsonb,
    dislikes        JSONB        NOT NULL DEFAULT '[]'::jsonb,
    notes           JSONB        NOT NULL DEFAULT '[]'::jsonb,
    facts           JSONB        NOT NULL DEFAULT '[]'::jsonb,
    visits          INTEGER      NOT NULL DEFAULT 0,
    first_seen_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_seen_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

ALTER TABLE guest_memory ADD COLUMN IF NOT EXISTS preferred_name TEXT;
ALTER TABLE guest_memory ADD COLUMN IF NOT EXISTS likes         JSONB       NOT NULL DEFAULT '[]'::jsonb;
ALTER TABLE guest_memory ADD COLUMN IF NOT EXISTS dislikes      JSONB       NOT NULL DEFAULT '[]'::jsonb;
ALTER TABLE guest_memory ADD COLUMN IF NOT EXISTS notes         JSONB       NOT NULL DEFAULT '[]'::jsonb;
ALTER TABLE guest_memory ADD COLUMN IF NOT EXISTS visits        INTEGER     NOT NULL DEFAULT 0;
ALTER TABLE guest_memory ADD COLUMN IF NOT EXISTS first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now();
`

const ddlChatHistory = `
CREATE TABLE IF NOT EXISTS chat_history (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_history_user_id
    ON chat_history (user_id, id);
`

// Migrate creates or upgrades the guest_memory and chat_history tables.
// It is idempotent and safe to call on every application start. Tables created
// by earlier deployments that only carried user_name and facts are extended
// in place.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlGuestMemory, ddlChatHistory} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
