// Package artifact keeps generated report documents until the user
// downloads them.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"xray-chatbot/pkg"
)

// ErrNotFound is returned when no document is stored under an id, or it has
// expired.
var ErrNotFound = errors.New("artifact not found")

// Store persists documents by id.
type Store interface {
	Put(ctx context.Context, id string, doc pkg.Document) error
	Get(ctx context.Context, id string) (*pkg.Document, error)
	Close() error
}

// record is the encoded form used by the redis and pebble stores.
type record struct {
	ContentType string    `json:"content_type"`
	Filename    string    `json:"filename"`
	Data        []byte    `json:"data"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

func encode(doc pkg.Document, expiresAt time.Time) ([]byte, error) {
	return json.Marshal(record{
		ContentType: doc.ContentType,
		Filename:    doc.Filename,
		Data:        doc.Data,
		ExpiresAt:   expiresAt,
	})
}

func decode(raw []byte) (*record, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &r, nil
}

func (r *record) document() *pkg.Document {
	return &pkg.Document{Data: r.Data, ContentType: r.ContentType, Filename: r.Filename}
}

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	ttl  time.Duration
	now  func() time.Time
	docs map[string]memoryEntry
}

type memoryEntry struct {
	doc       pkg.Document
	expiresAt time.Time
}

// NewMemoryStore returns an in-memory store.  Documents older than ttl are
// dropped; a zero ttl keeps them for the life of the process.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, now: time.Now, docs: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Put(_ context.Context, id string, doc pkg.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := memoryEntry{doc: doc}
	if s.ttl > 0 {
		e.expiresAt = s.now().Add(s.ttl)
	}
	s.docs[id] = e
	s.sweepLocked()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*pkg.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.docs[id]
	if !ok || s.expired(e.expiresAt) {
		return nil, ErrNotFound
	}
	doc := e.doc
	return &doc, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) expired(at time.Time) bool {
	return !at.IsZero() && !s.now().Before(at)
}

func (s *MemoryStore) sweepLocked() {
	for id, e := range s.docs {
		if s.expired(e.expiresAt) {
			delete(s.docs, id)
		}
	}
}

// Publisher stores documents under fresh ids and hands out download links.
type Publisher struct {
	store     Store
	urlPrefix string
	onPublish func(ctx context.Context, sessionID string, link pkg.ReportLink)
}

// NewPublisher returns a publisher whose links are urlPrefix + id.
func NewPublisher(store Store, urlPrefix string) *Publisher {
	return &Publisher{store: store, urlPrefix: strings.TrimRight(urlPrefix, "/") + "/"}
}

// OnPublish registers a callback run after every successful publish.
func (p *Publisher) OnPublish(fn func(ctx context.Context, sessionID string, link pkg.ReportLink)) {
	p.onPublish = fn
}

// Publish implements the conversation's Publisher collaborator.
func (p *Publisher) Publish(ctx context.Context, sessionID string, doc pkg.Document) (pkg.ReportLink, error) {
	id := uuid.NewString()
	if err := p.store.Put(ctx, id, doc); err != nil {
		return pkg.ReportLink{}, fmt.Errorf("store report %s: %w", id, err)
	}
	link := pkg.ReportLink{ID: id, URL: p.urlPrefix + id, Filename: doc.Filename}
	if p.onPublish != nil {
		p.onPublish(ctx, sessionID, link)
	}
	return link, nil
}
