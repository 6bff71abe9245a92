package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/deskbridge/store"
)

func (d *DB) UpsertBlackList(ctx context.Context, upsert *store.BlackList) (*store.BlackList, error) {
	upsert.CreatedTs = time.Now().Unix()

	stmt := `INSERT INTO blacklist (user_id, reason, expires_ts, created_ts)
		VALUES (` + placeholders(4) + `)
		ON CONFLICT (user_id) DO UPDATE SET reason = EXCLUDED.reason, expires_ts = EXCLUDED.expires_ts`
	if _, err := d.db.ExecContext(ctx, stmt, upsert.UserID, upsert.Reason, upsert.ExpiresTs, upsert.CreatedTs); err != nil {
		return nil, fmt.Errorf("failed to upsert blacklist entry: %w", err)
	}

	return upsert, nil
}

func (d *DB) ListBlackLists(ctx context.Context, find *store.FindBlackList) ([]*store.BlackList, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}

	query := `SELECT user_id, reason, expires_ts, created_ts
		FROM blacklist
		WHERE ` + strings.Join(where, " AND ")

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list blacklist entries: %w", err)
	}
	defer rows.Close()

	list := make([]*store.BlackList, 0)
	for rows.Next() {
		entry := &store.BlackList{}
		var expiresTs sql.NullInt64
		if err := rows.Scan(&entry.UserID, &entry.Reason, &expiresTs, &entry.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan blacklist entry: %w", err)
		}
		if expiresTs.Valid {
			entry.ExpiresTs = &expiresTs.Int64
		}
		list = append(list, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate blacklist entries: %w", err)
	}

	return list, nil
}

func (d *DB) DeleteBlackList(ctx context.Context, userID int64) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM blacklist WHERE user_id = `+placeholder(1), userID); err != nil {
		return fmt.Errorf("failed to delete blacklist entry: %w", err)
	}
	return nil
}
