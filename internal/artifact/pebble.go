package artifact

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/pebble/v2"

	"xray-chatbot/pkg"
)

// PebbleStore keeps documents on local disk in a pebble database, so links
// survive a restart of a single-node deployment.
type PebbleStore struct {
	db  *pebble.DB
	ttl time.Duration
	now func() time.Time
}

// OpenPebbleStore opens or creates the database in dir.
func OpenPebbleStore(dir string, ttl time.Duration) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db, ttl: ttl, now: time.Now}, nil
}

func (s *PebbleStore) Put(_ context.Context, id string, doc pkg.Document) error {
	var expiresAt time.Time
	if s.ttl > 0 {
		expiresAt = s.now().Add(s.ttl)
	}
	raw, err := encode(doc, expiresAt)
	if err != nil {
		return err
	}
	return s.db.Set([]byte(id), raw, pebble.Sync)
}

// Get returns the document, deleting it instead when it has expired.
func (s *PebbleStore) Get(_ context.Context, id string) (*pkg.Document, error) {
	raw, closer, err := s.db.Get([]byte(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r, err := decode(raw)
	_ = closer.Close()
	if err != nil {
		return nil, err
	}
	if !r.ExpiresAt.IsZero() && !s.now().Before(r.ExpiresAt) {
		_ = s.db.Delete([]byte(id), pebble.NoSync)
		return nil, ErrNotFound
	}
	return r.document(), nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }
