package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/callidora/calli/pkg/memory"
)

// HistoryImpl keeps the per-guest conversation tail in the chat_history table.
//
// Obtain one via [Store.History] rather than constructing directly.
// All methods are safe for concurrent use.
type HistoryImpl struct {
	pool *pgxpool.Pool
	cap  int
}

// Append implements [memory.HistoryStore]. The inserts and the trim to the
// configured cap run in one transaction.
func (h *HistoryImpl) Append(ctx context.Context, userID string, turns ...memory.Turn) error {
	if userID == "" {
		return memory.ErrNoUserID
	}
	if len(turns) == 0 {
		return nil
	}

	err := pgx.BeginFunc(ctx, h.pool, func(tx pgx.Tx) error {
		const insert = `
			INSERT INTO chat_history (user_id, role, content, created_at)
			VALUES ($1, $2, $3, $4)`

		batch := &pgx.Batch{}
		for _, t := range turns {
			at := t.At
			if at.IsZero() {
				at = time.Now().UTC()
			}
			batch.Queue(insert, userID, t.Role, t.Content, at)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		const trim = `
			DELETE FROM chat_history
			WHERE  user_id = $1
			  AND  id NOT IN (
			       SELECT id FROM chat_history
			       WHERE  user_id = $1
			       ORDER  BY id DESC
			       LIMIT  $2)`
		_, err := tx.Exec(ctx, trim, userID, h.cap)
		return err
	})
	if err != nil {
		return fmt.Errorf("chat history: append: %w", err)
	}
	return nil
}

// Recent implements [memory.HistoryStore]. n <= 0 returns the whole stored
// tail, oldest first.
func (h *HistoryImpl) Recent(ctx context.Context, userID string, n int) ([]memory.Turn, error) {
	if n <= 0 || n > h.cap {
		n = h.cap
	}

	const q = `
		SELECT role, content, created_at
		FROM (
		    SELECT id, role, content, created_at
		    FROM   chat_history
		    WHERE  user_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) tail
		ORDER  BY id`

	rows, err := h.pool.Query(ctx, q, userID, n)
	if err != nil {
		return nil, fmt.Errorf("chat history: recent: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.Turn, error) {
		var t memory.Turn
		if err := row.Scan(&t.Role, &t.Content, &t.At); err != nil {
			return memory.Turn{}, err
		}
		t.At = t.At.UTC()
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("chat history: scan rows: %w", err)
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	return turns, nil
}
