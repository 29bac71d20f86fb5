package docstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps documents in process. RWMutex lets concurrent readers
// proceed while Add takes the write lock.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string][]*Document
	subs        map[string]map[*memorySub]struct{}
	last        time.Time
	now         func() time.Time
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string][]*Document),
		subs:        make(map[string]map[*memorySub]struct{}),
		now:         time.Now,
	}
}

// Add implements Store.
func (m *MemoryStore) Add(ctx context.Context, collection string, data any) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := EncodeObject(data)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	// Timestamps are strictly increasing per store, even within one tick.
	created := m.now().UTC().Truncate(time.Microsecond)
	if !created.After(m.last) {
		created = m.last.Add(time.Microsecond)
	}
	m.last = created
	doc := &Document{
		ID:         uuid.NewString(),
		Collection: collection,
		Data:       append(json.RawMessage(nil), raw...),
		CreatedAt:  created,
	}
	m.collections[collection] = append(m.collections[collection], doc)
	subs := make([]*memorySub, 0, len(m.subs[collection]))
	for s := range m.subs[collection] {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.poke()
	}
	return cloneDoc(doc), nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, collection, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, doc := range m.collections[collection] {
		if doc.ID == id {
			return cloneDoc(doc), nil
		}
	}
	return nil, ErrNotFound
}

// Latest implements Store.
func (m *MemoryStore) Latest(ctx context.Context, collection string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := m.collections[collection]
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return cloneDoc(docs[len(docs)-1]), nil
}

// All returns every document of collection in insertion order.
func (m *MemoryStore) All(collection string) []*Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Document, 0, len(m.collections[collection]))
	for _, doc := range m.collections[collection] {
		out = append(out, cloneDoc(doc))
	}
	return out
}

// SubscribeLatest implements Store.
func (m *MemoryStore) SubscribeLatest(ctx context.Context, collection string, fn func(*Document)) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &memorySub{
		store:      m,
		collection: collection,
		notify:     make(chan struct{}, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	// The first delivery reports the current state.
	s.poke()
	m.mu.Lock()
	if m.subs[collection] == nil {
		m.subs[collection] = make(map[*memorySub]struct{})
	}
	m.subs[collection][s] = struct{}{}
	m.mu.Unlock()

	go s.run(ctx, fn)
	return s, nil
}

type memorySub struct {
	store      *MemoryStore
	collection string
	notify     chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// poke never blocks; pending notifications coalesce because subscribers only
// care about the latest document.
func (s *memorySub) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySub) run(ctx context.Context, fn func(*Document)) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
			doc, err := s.store.Latest(ctx, s.collection)
			if err != nil {
				doc = nil
			}
			if ctx.Err() != nil {
				return
			}
			fn(doc)
		}
	}
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs[s.collection], s)
		s.store.mu.Unlock()
		s.cancel()
		<-s.done
	})
	return nil
}

func cloneDoc(d *Document) *Document {
	c := *d
	c.Data = append(json.RawMessage(nil), d.Data...)
	return &c
}
var _ Store = (*MemoryStore)(nil)
