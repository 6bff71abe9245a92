package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/deskbridge/store"
)

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	now := time.Now().Unix()
	create.CreatedTs = now
	create.UpdatedTs = now

	fields := []string{"entity_id", "entity_type", "topic_id", "status", "language", "entity_name", "custom_id", "verification", "pre_bind_count", "created_ts", "updated_ts"}
	args := []any{create.EntityID, create.EntityType, create.TopicID, create.Status, create.Language, create.EntityName, create.CustomID, create.Verification, create.PreBindCount, create.CreatedTs, create.UpdatedTs}

	stmt := `INSERT INTO conversation (` + strings.Join(fields, ", ") + `)
		VALUES (` + strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ") + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create conversation")
	}

	return create, nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.EntityID != nil {
		where, args = append(where, "entity_id = ?"), append(args, *find.EntityID)
	}
	if find.EntityType != nil {
		where, args = append(where, "entity_type = ?"), append(args, *find.EntityType)
	}
	if find.TopicID != nil {
		where, args = append(where, "topic_id = ?"), append(args, *find.TopicID)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, *find.Status)
	}

	query := `SELECT id, entity_id, entity_type, topic_id, status, language, entity_name, custom_id, verification, pre_bind_count, created_ts, updated_ts
		FROM conversation
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY updated_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	list := make([]*store.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate conversations")
	}

	return list, nil
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args := []string{}, []any{}

	if update.ClearTopicID {
		set = append(set, "topic_id = NULL")
	} else if update.TopicID != nil {
		set, args = append(set, "topic_id = ?"), append(args, *update.TopicID)
	}
	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, *update.Status)
	}
	if update.Language != nil {
		set, args = append(set, "language = ?"), append(args, *update.Language)
	}
	if update.EntityName != nil {
		set, args = append(set, "entity_name = ?"), append(args, *update.EntityName)
	}
	if update.CustomID != nil {
		set, args = append(set, "custom_id = ?"), append(args, *update.CustomID)
	}
	if update.Verification != nil {
		set, args = append(set, "verification = ?"), append(args, *update.Verification)
	}
	if update.PreBindCount != nil {
		set, args = append(set, "pre_bind_count = ?"), append(args, *update.PreBindCount)
	}

	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	set, args = append(set, "updated_ts = ?"), append(args, time.Now().Unix())
	args = append(args, update.ID)

	stmt := `UPDATE conversation SET ` + strings.Join(set, ", ") + ` WHERE id = ?
		RETURNING id, entity_id, entity_type, topic_id, status, language, entity_name, custom_id, verification, pre_bind_count, created_ts, updated_ts`
	conv, err := scanConversation(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("conversation not found")
		}
		return nil, errors.Wrap(err, "failed to update conversation")
	}

	return conv, nil
}

// BindConversation claims the binding and verifies the conversation in one
// transaction. The binding update re-checks the single-use constraint so two
// concurrent claims cannot both succeed.
func (d *DB) BindConversation(ctx context.Context, bind *store.BindConversation) (*store.Conversation, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	result, err := tx.ExecContext(ctx, `
		UPDATE binding SET state = ?, used_by_entity = ?, used_ts = ?
		WHERE id = ? AND (state = ? OR used_by_entity = ?)`,
		store.BindingUsed, bind.EntityID, now, bind.BindingID, store.BindingUnused, bind.EntityID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim binding")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "failed to check binding claim")
	}
	if affected == 0 {
		return nil, store.ErrBindingConflict
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversation SET custom_id = ?, verification = ?, pre_bind_count = 0, updated_ts = ?
		WHERE id = ?`,
		bind.CustomID, store.VerificationVerified, now, bind.ConversationID); err != nil {
		return nil, errors.Wrap(err, "failed to verify conversation")
	}

	conv, err := scanConversation(tx.QueryRowContext(ctx, `
		SELECT id, entity_id, entity_type, topic_id, status, language, entity_name, custom_id, verification, pre_bind_count, created_ts, updated_ts
		FROM conversation WHERE id = ?`, bind.ConversationID))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read bound conversation")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit bind transaction")
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
