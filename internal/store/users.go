package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/roach88/skein/internal/model"
)

// Users is the user namespace of a Store.
type Users struct {
	s *Store
}

// Put inserts a user or replaces the stored one when the incoming
// LastModifiedAt is not older. Returns a STALE_WRITE error when the stored
// row wins.
func (u *Users) Put(ctx context.Context, user model.User) error {
	var (
		stale  bool
		stored int64
	)
	err := u.s.write(ctx, user.ID, "put user", func(ctx context.Context) error {
		payload, err := u.s.codec.marshal(user)
		if err != nil {
			return err
		}
		res, err := u.s.db.ExecContext(ctx, `
			INSERT INTO users
			(id, screen_name, last_modified_at, written_at, payload)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				screen_name = excluded.screen_name,
				last_modified_at = excluded.last_modified_at,
				written_at = excluded.written_at,
				payload = excluded.payload
			WHERE excluded.last_modified_at >= users.last_modified_at
		`,
			int64(user.ID),
			user.ScreenName,
			user.LastModifiedAt,
			u.s.now().UnixNano(),
			payload,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			stale = true
			return u.s.db.QueryRowContext(ctx,
				`SELECT last_modified_at FROM users WHERE id = ?`, int64(user.ID)).Scan(&stored)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if stale {
		return model.NewStaleWriteError(user.ID, user.LastModifiedAt, stored)
	}
	return nil
}

// Get returns the stored user.
func (u *Users) Get(ctx context.Context, id uint64) (model.User, bool, error) {
	if !u.s.Available() {
		return model.User{}, false, nil
	}
	return u.getOne(ctx, `SELECT payload FROM users WHERE id = ?`, int64(id))
}

// GetByScreenName looks a user up by handle, case-insensitively.
func (u *Users) GetByScreenName(ctx context.Context, screenName string) (model.User, bool, error) {
	if !u.s.Available() || screenName == "" {
		return model.User{}, false, nil
	}
	return u.getOne(ctx, `SELECT payload FROM users WHERE screen_name = ? ORDER BY last_modified_at DESC LIMIT 1`, screenName)
}

// Delete removes a user.
func (u *Users) Delete(ctx context.Context, id uint64) error {
	return u.s.write(ctx, id, "delete user", func(ctx context.Context) error {
		_, err := u.s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, int64(id))
		return err
	})
}

// Scan yields every stored user accepted by pred (nil accepts all).
func (u *Users) Scan(ctx context.Context, pred func(model.User) bool) iter.Seq2[model.User, error] {
	return func(yield func(model.User, error) bool) {
		if !u.s.Available() {
			return
		}

		rows, err := u.s.db.QueryContext(ctx, `SELECT payload FROM users ORDER BY id ASC`)
		if err != nil {
			yield(model.User{}, fmt.Errorf("scan users: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var blob []byte
			if err := rows.Scan(&blob); err != nil {
				yield(model.User{}, fmt.Errorf("scan users: %w", err))
				return
			}
			var user model.User
			if err := u.s.codec.unmarshal(blob, &user); err != nil {
				yield(model.User{}, fmt.Errorf("scan users: %w", err))
				return
			}
			if pred != nil && !pred(user) {
				continue
			}
			if !yield(user, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.User{}, fmt.Errorf("iterate users: %w", err))
		}
	}
}

// Count returns the number of stored users.
func (u *Users) Count(ctx context.Context) (int, error) {
	if !u.s.Available() {
		return 0, nil
	}
	var n int
	if err := u.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (u *Users) getOne(ctx context.Context, query string, arg any) (model.User, bool, error) {
	var blob []byte
	err := u.s.db.QueryRowContext(ctx, query, arg).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, false, nil
	}
	if err != nil {
		return model.User{}, false, fmt.Errorf("get user: %w", err)
	}

	var user model.User
	if err := u.s.codec.unmarshal(blob, &user); err != nil {
		return model.User{}, false, fmt.Errorf("get user: %w", err)
	}
	return user, true, nil
}
