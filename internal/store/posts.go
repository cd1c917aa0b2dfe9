package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/roach88/skein/internal/model"
)

// Posts is the post namespace of a Store.
type Posts struct {
	s *Store
}

// Put inserts or replaces a post. The derived id sets are persisted with
// the record so a reload after eviction sees them.
func (p *Posts) Put(ctx context.Context, post model.Post) error {
	return p.s.write(ctx, post.ID, "put post", func(ctx context.Context) error {
		payload, err := p.s.codec.marshal(post)
		if err != nil {
			return err
		}
		_, err = p.s.db.ExecContext(ctx, `
			INSERT INTO posts
			(id, author_id, in_reply_to_id, repost_of_id, created_at, written_at, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				payload = excluded.payload,
				written_at = excluded.written_at
		`,
			int64(post.ID),
			int64(post.AuthorID),
			int64(post.InReplyToID),
			int64(post.RepostOfID),
			post.CreatedAt.UnixNano(),
			p.s.now().UnixNano(),
			payload,
		)
		return err
	})
}

// Get returns the stored post. A closed store reports not found.
func (p *Posts) Get(ctx context.Context, id uint64) (model.Post, bool, error) {
	if !p.s.Available() {
		return model.Post{}, false, nil
	}

	var blob []byte
	err := p.s.db.QueryRowContext(ctx, `SELECT payload FROM posts WHERE id = ?`, int64(id)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Post{}, false, nil
	}
	if err != nil {
		return model.Post{}, false, fmt.Errorf("get post %d: %w", id, err)
	}

	var post model.Post
	if err := p.s.codec.unmarshal(blob, &post); err != nil {
		return model.Post{}, false, fmt.Errorf("get post %d: %w", id, err)
	}
	return post, true, nil
}

// Delete removes a post. Deleting a missing id is not an error.
func (p *Posts) Delete(ctx context.Context, id uint64) error {
	return p.s.write(ctx, id, "delete post", func(ctx context.Context) error {
		_, err := p.s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, int64(id))
		return err
	})
}

// Scan yields every stored post accepted by pred (nil accepts all), in id
// order. Iteration stops at the first error, which is yielded last.
func (p *Posts) Scan(ctx context.Context, pred func(model.Post) bool) iter.Seq2[model.Post, error] {
	return func(yield func(model.Post, error) bool) {
		if !p.s.Available() {
			return
		}

		rows, err := p.s.db.QueryContext(ctx, `SELECT payload FROM posts ORDER BY id ASC`)
		if err != nil {
			yield(model.Post{}, fmt.Errorf("scan posts: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var blob []byte
			if err := rows.Scan(&blob); err != nil {
				yield(model.Post{}, fmt.Errorf("scan posts: %w", err))
				return
			}
			var post model.Post
			if err := p.s.codec.unmarshal(blob, &post); err != nil {
				yield(model.Post{}, fmt.Errorf("scan posts: %w", err))
				return
			}
			if pred != nil && !pred(post) {
				continue
			}
			if !yield(post, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.Post{}, fmt.Errorf("iterate posts: %w", err))
		}
	}
}

// RepliesTo returns the ids of stored posts whose in-reply-to target is id.
func (p *Posts) RepliesTo(ctx context.Context, id uint64) ([]uint64, error) {
	if id == 0 || !p.s.Available() {
		return nil, nil
	}
	return p.queryIDs(ctx, `SELECT id FROM posts WHERE in_reply_to_id = ? ORDER BY id ASC`, int64(id))
}

// IDs returns every stored post id in ascending order.
func (p *Posts) IDs(ctx context.Context) ([]uint64, error) {
	if !p.s.Available() {
		return nil, nil
	}
	return p.queryIDs(ctx, `SELECT id FROM posts ORDER BY id ASC`)
}

// ReplyEdges returns id -> in_reply_to_id for every stored reply.
func (p *Posts) ReplyEdges(ctx context.Context) (map[uint64]uint64, error) {
	edges := make(map[uint64]uint64)
	if !p.s.Available() {
		return edges, nil
	}

	rows, err := p.s.db.QueryContext(ctx, `SELECT id, in_reply_to_id FROM posts WHERE in_reply_to_id != 0`)
	if err != nil {
		return nil, fmt.Errorf("reply edges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, parent int64
		if err := rows.Scan(&id, &parent); err != nil {
			return nil, fmt.Errorf("reply edges: %w", err)
		}
		edges[uint64(id)] = uint64(parent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reply edges: %w", err)
	}
	return edges, nil
}

// Count returns the number of stored posts.
func (p *Posts) Count(ctx context.Context) (int, error) {
	if !p.s.Available() {
		return 0, nil
	}
	var n int
	if err := p.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM posts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count posts: %w", err)
	}
	return n, nil
}

func (p *Posts) queryIDs(ctx context.Context, query string, args ...any) ([]uint64, error) {
	rows, err := p.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query post ids: %w", err)
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("query post ids: %w", err)
		}
		ids = append(ids, uint64(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query post ids: %w", err)
	}
	return ids, nil
}
