package drafts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
)

// PebbleStore keeps drafts on local disk so they survive restarts.
type PebbleStore struct {
	db *pebble.DB
}

func OpenPebble(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open drafts at %s: %w", dir, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Get(_ context.Context, userID, key string) (string, error) {
	val, closer, err := s.db.Get([]byte(draftKey(userID, key)))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(val), nil
}

func (s *PebbleStore) Set(ctx context.Context, userID, key, text string) error {
	if text == "" {
		return s.Delete(ctx, userID, key)
	}
	return s.db.Set([]byte(draftKey(userID, key)), []byte(text), pebble.Sync)
}

func (s *PebbleStore) Delete(_ context.Context, userID, key string) error {
	return s.db.Delete([]byte(draftKey(userID, key)), pebble.Sync)
}

// Keys lists the destination keys holding a draft for userID.
func (s *PebbleStore) Keys(userID string) ([]string, error) {
	prefix := []byte(draftKey(userID, ""))
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var keys []string
	for it.First(); it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()[len(prefix):]))
	}
	return keys, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
