package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/deskbridge/store"
)

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	now := time.Now().Unix()
	create.CreatedTs = now
	create.UpdatedTs = now

	fields := []string{"entity_id", "entity_type", "topic_id", "status", "language", "entity_name", "custom_id", "verification", "pre_bind_count", "created_ts", "updated_ts"}
	args := []any{create.EntityID, create.EntityType, create.TopicID, create.Status, create.Language, create.EntityName, create.CustomID, create.Verification, create.PreBindCount, create.CreatedTs, create.UpdatedTs}

	stmt := `INSERT INTO conversation (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	return create, nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.EntityID != nil {
		where, args = append(where, "entity_id = "+placeholder(len(args)+1)), append(args, *find.EntityID)
	}
	if find.EntityType != nil {
		where, args = append(where, "entity_type = "+placeholder(len(args)+1)), append(args, *find.EntityType)
	}
	if find.TopicID != nil {
		where, args = append(where, "topic_id = "+placeholder(len(args)+1)), append(args, *find.TopicID)
	}
	if find.Status != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, *find.Status)
	}

	query := `SELECT id, entity_id, entity_type, topic_id, status, language, entity_name, custom_id, verification, pre_bind_count, created_ts, updated_ts
		FROM conversation
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY updated_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		list = append(list, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	return list, nil
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args := []string{}, []any{}

	if update.ClearTopicID {
		set = append(set, "topic_id = NULL")
	} else if update.TopicID != nil {
		set, args = append(set, "topic_id = "+placeholder(len(args)+1)), append(args, *update.TopicID)
	}
	if update.Status != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, *update.Status)
	}
	if update.Language != nil {
		set, args = append(set, "language = "+placeholder(len(args)+1)), append(args, *update.Language)
	}
	if update.EntityName != nil {
		set, args = append(set, "entity_name = "+placeholder(len(args)+1)), append(args, *update.EntityName)
	}
	if update.CustomID != nil {
		set, args = append(set, "custom_id = "+placeholder(len(args)+1)), append(args, *update.CustomID)
	}
	if update.Verification != nil {
		set, args = append(set, "verification = "+placeholder(len(args)+1)), append(args, *update.Verification)
	}
	if update.PreBindCount != nil {
		set, args = append(set, "pre_bind_count = "+placeholder(len(args)+1)), append(args, *update.PreBindCount)
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, time.Now().Unix())
	args = append(args, update.ID)

	stmt := `UPDATE conversation SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + `
		RETURNING id, entity_id, entity_type, topic_id, status, language, entity_name, custom_id, verification, pre_bind_count, created_ts, updated_ts`
	conv, err := scanConversation(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("conversation not found")
		}
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}

	return conv, nil
}

// BindConversation claims the binding and verifies the conversation in one
// transaction. The binding update re-checks the single-use constraint so two
// concurrent claims cannot both succeed.
func (d *DB) BindConversation(ctx context.Context, bind *store.BindConversation) (*store.Conversation, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	result, err := tx.ExecContext(ctx, `
		UPDATE binding SET state = $1, used_by_entity = $2, used_ts = $3
		WHERE id = $4 AND (state = $5 OR used_by_entity = $2)`,
		store.BindingUsed, bind.EntityID, now, bind.BindingID, store.BindingUnused)
	if err != nil {
		return nil, fmt.Errorf("failed to claim binding: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check binding claim: %w", err)
	}
	if affected == 0 {
		return nil, store.ErrBindingConflict
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversation SET custom_id = $1, verification = $2, pre_bind_count = 0, updated_ts = $3
		WHERE id = $4`,
		bind.CustomID, store.VerificationVerified, now, bind.ConversationID); err != nil {
		return nil, fmt.Errorf("failed to verify conversation: %w", err)
	}

	conv, err := scanConversation(tx.QueryRowContext(ctx, `
		SELECT id, entity_id, entity_type, topic_id, status, language, entity_name, custom_id, verification, pre_bind_count, created_ts, updated_ts
		FROM conversation WHERE id = $1`, bind.ConversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to read bound conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit bind transaction: %w", err)
	}
	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	conv := &store.Conversation{}
	var topicID sql.NullInt64
	if err := row.Scan(
		&conv.ID,
		&conv.EntityID,
		&conv.EntityType,
		&topicID,
		&conv.Status,
		&conv.Language,
		&conv.EntityName,
		&conv.CustomID,
		&conv.Verification,
		&conv.PreBindCount,
		&conv.CreatedTs,
		&conv.UpdatedTs,
	); err != nil {
		return nil, err
	}
	if topicID.Valid {
		conv.TopicID = &topicID.Int64
	}
	return conv, nil
}
