package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/deskbridge/store"
)

func (d *DB) CreateBinding(ctx context.Context, create *store.Binding) (*store.Binding, error) {
	create.CreatedTs = time.Now().Unix()
	if create.State == "" {
		create.State = store.BindingUnused
	}

	stmt := `INSERT INTO binding (custom_id, password_hash, state, created_ts)
		VALUES (` + placeholders(4) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, create.CustomID, create.PasswordHash, create.State, create.CreatedTs).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create binding: %w", err)
	}

	return create, nil
}

func (d *DB) ListBindings(ctx context.Context, find *store.FindBinding) ([]*store.Binding, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.CustomID != nil {
		where, args = append(where, "custom_id = "+placeholder(len(args)+1)), append(args, *find.CustomID)
	}
	if find.State != nil {
		where, args = append(where, "state = "+placeholder(len(args)+1)), append(args, *find.State)
	}

	query := `SELECT id, custom_id, password_hash, state, used_by_entity, used_ts, created_ts
		FROM binding
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_ts DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Binding, 0)
	for rows.Next() {
		binding := &store.Binding{}
		var passwordHash sql.NullString
		var usedByEntity, usedTs sql.NullInt64
		if err := rows.Scan(
			&binding.ID,
			&binding.CustomID,
			&passwordHash,
			&binding.State,
			&usedByEntity,
			&usedTs,
			&binding.CreatedTs,
		); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		if passwordHash.Valid {
			binding.PasswordHash = &passwordHash.String
		}
		if usedByEntity.Valid {
			binding.UsedByEntity = &usedByEntity.Int64
		}
		if usedTs.Valid {
			binding.UsedTs = &usedTs.Int64
		}
		list = append(list, binding)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bindings: %w", err)
	}

	return list, nil
}
