// Package repository is the Postgres implementation of docstore.Store.
// Documents live in one jsonb table; an insert trigger publishes the
// collection name on the documents_added channel for subscribers.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/DigitalSaathi/internal/docstore"
	"github.com/dharsanguruparan/DigitalSaathi/internal/logging"
)

const notifyChannel = "documents_added"

// DocumentRepository wraps all SQL used by the server, worker and CLI.
type DocumentRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDocumentRepository constructs a repository.
func NewDocumentRepository(pool *pgxpool.Pool, logger *zap.Logger) *DocumentRepository {
	return &DocumentRepository{pool: pool, logger: logging.OrNop(logger)}
}

// Add inserts a document; created_at comes from the database clock.
func (r *DocumentRepository) Add(ctx context.Context, collection string, data any) (*docstore.Document, error) {
	raw, err := docstore.EncodeObject(data)
	if err != nil {
		return nil, err
	}
	doc := &docstore.Document{
		ID:         uuid.NewString(),
		Collection: collection,
		Data:       raw,
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO documents (id, collection, data)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, doc.ID, collection, []byte(raw)).Scan(&doc.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	doc.CreatedAt = doc.CreatedAt.UTC()
	return doc, nil
}

// Get returns a document by id.
func (r *DocumentRepository) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, docstore.ErrNotFound
	}
	row := r.pool.QueryRow(ctx, `
		SELECT id::text, collection, data, created_at
		FROM documents WHERE collection=$1 AND id=$2
	`, collection, id)
	return scanDocument(row)
}

// Latest returns the most recently created document of a collection.
func (r *DocumentRepository) Latest(ctx context.Context, collection string) (*docstore.Document, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id::text, collection, data, created_at
		FROM documents WHERE collection=$1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, collection)
	return scanDocument(row)
}

func scanDocument(row pgx.Row) (*docstore.Document, error) {
	var (
		doc  docstore.Document
		data []byte
	)
	if err := row.Scan(&doc.ID, &doc.Collection, &data, &doc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, docstore.ErrNotFound
		}
		return nil, fmt.Errorf("select document: %w", err)
	}
	doc.Data = data
	doc.CreatedAt = doc.CreatedAt.UTC()
	return &doc, nil
}

// SubscribeLatest holds one pooled connection in LISTEN mode for the life of
// the subscription.
func (r *DocumentRepository) SubscribeLatest(ctx context.Context, collection string, fn func(*docstore.Document)) (docstore.Subscription, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &pgSubscription{cancel: cancel, done: make(chan struct{})}
	go r.listen(ctx, conn, collection, fn, sub.done)
	return sub, nil
}

func (r *DocumentRepository) listen(ctx context.Context, conn *pgxpool.Conn, collection string, fn func(*docstore.Document), done chan struct{}) {
	defer close(done)
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(cleanupCtx, "UNLISTEN *"); err != nil {
			// A connection stuck in LISTEN must not go back to the pool.
			_ = conn.Conn().Close(cleanupCtx)
		}
		conn.Release()
	}()

	deliver := func() {
		doc, err := r.Latest(ctx, collection)
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			if ctx.Err() == nil {
				r.logger.Warn("load latest document", zap.String("collection", collection), zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		fn(doc)
	}

	deliver()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("document subscription ended", zap.String("collection", collection), zap.Error(err))
			}
			return
		}
		if n.Payload != collection {
			continue
		}
		deliver()
	}
}

type pgSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *pgSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

var _ docstore.Store = (*DocumentRepository)(nil)
