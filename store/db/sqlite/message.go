package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskbridge/store"
)

func (d *DB) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, error) {
	create.CreatedTs = time.Now().Unix()

	stmt := `INSERT INTO message (conversation_id, direction, sender_id, platform_msg_id, body, created_ts)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.ConversationID, create.Direction, create.SenderID, create.PlatformMsgID, create.Body, create.CreatedTs,
	).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create message")
	}

	return create, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ConversationID != nil {
		where, args = append(where, "conversation_id = ?"), append(args, *find.ConversationID)
	}
	if find.Direction != nil {
		where, args = append(where, "direction = ?"), append(args, *find.Direction)
	}
	if find.SinceTs != nil {
		where, args = append(where, "created_ts >= ?"), append(args, *find.SinceTs)
	}

	query := `SELECT id, conversation_id, direction, sender_id, platform_msg_id, body, created_ts
		FROM message
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	list := make([]*store.Message, 0)
	for rows.Next() {
		msg := &store.Message{}
		if err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Direction,
			&msg.SenderID,
			&msg.PlatformMsgID,
			&msg.Body,
			&msg.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		list = append(list, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate messages")
	}

	return list, nil
}
