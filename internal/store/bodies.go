package store

import (
	"database/sql"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/brandon/mailsync/pkg/types"
)

// bodyCacheSize is the number of decoded bodies kept in memory in front of
// the bodies table.
const bodyCacheSize = 256

type bodyCache struct {
	cache *lru.Cache[int64, *types.Body]
}

func newBodyCache() *bodyCache {
	// lru.New only fails for non-positive sizes
	cache, _ := lru.New[int64, *types.Body](bodyCacheSize)
	return &bodyCache{cache: cache}
}

// PutBody stores a message body and points the email row at it. Returns
// the body reference ID.
func (s *Store) PutBody(emailID int64, body *types.Body) (int64, error) {
	result, err := s.db.Handle().Exec(
		"INSERT INTO bodies (body_text, body_html) VALUES (?, ?)", body.Text, body.HTML,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert body: %w", err)
	}

	ref, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get body ref: %w", err)
	}

	if _, err := s.db.Handle().Exec("UPDATE emails SET body_ref = ? WHERE id = ?", ref, emailID); err != nil {
		return 0, fmt.Errorf("failed to link body: %w", err)
	}

	s.bodies.cache.Add(ref, body)
	return ref, nil
}

// GetBody retrieves a cached body by reference, hitting the in-memory LRU
// before the database.
func (s *Store) GetBody(ref int64) (*types.Body, error) {
	if body, ok := s.bodies.cache.Get(ref); ok {
		return body, nil
	}

	var body types.Body
	var text, html sql.NullString
	err := s.db.Handle().QueryRow(
		"SELECT body_text, body_html FROM bodies WHERE id = ?", ref,
	).Scan(&text, &html)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("body %d: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get body: %w", err)
	}

	body.Text = text.String
	body.HTML = html.String
	s.bodies.cache.Add(ref, &body)
	return &body, nil
}
