package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskbridge/store"
)

func (d *DB) UpsertBlackList(ctx context.Context, upsert *store.BlackList) (*store.BlackList, error) {
	upsert.CreatedTs = time.Now().Unix()

	stmt := `INSERT INTO blacklist (user_id, reason, expires_ts, created_ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET reason = excluded.reason, expires_ts = excluded.expires_ts`
	if _, err := d.db.ExecContext(ctx, stmt, upsert.UserID, upsert.Reason, upsert.ExpiresTs, upsert.CreatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to upsert blacklist entry")
	}

	return upsert, nil
}

func (d *DB) ListBlackLists(ctx context.Context, find *store.FindBlackList) ([]*store.BlackList, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.UserID != nil {
		where, args = append(where, "user_id = ?"), append(args, *find.UserID)
	}

	query := `SELECT user_id, reason, expires_ts, created_ts
		FROM blacklist
		WHERE ` + strings.Join(where, " AND ")

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list blacklist entries")
	}
	defer rows.Close()

	list := make([]*store.BlackList, 0)
	for rows.Next() {
		entry := &store.BlackList{}
		var expiresTs sql.NullInt64
		if err := rows.Scan(&entry.UserID, &entry.Reason, &expiresTs, &entry.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan blacklist entry")
		}
		if expiresTs.Valid {
			entry.ExpiresTs = &expiresTs.Int64
		}
		list = append(list, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate blacklist entries")
	}

	return list, nil
}

func (d *DB) DeleteBlackList(ctx context.Context, userID int64) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM blacklist WHERE user_id = ?`, userID); err != nil {
		return errors.Wrap(err, "failed to delete blacklist entry")
	}
	return nil
}
