// Package docstore defines the append-only document store used for listings
// and generated posts: server-assigned ids and timestamps, and a "latest
// document" subscription per collection.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a document or collection has no match.
var ErrNotFound = errors.New("document not found")

// Document is one stored record.
type Document struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Decode unmarshals the document body into v.
func (d *Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode document %s: %w", d.ID, err)
	}
	return nil
}

// Store is the document store capability.
type Store interface {
	// Add appends data (marshalled to a JSON object) to collection and
	// returns the stored document with its id and CreatedAt set.
	Add(ctx context.Context, collection string, data any) (*Document, error)
	Get(ctx context.Context, collection, id string) (*Document, error)
	// Latest returns the most recently created document or ErrNotFound.
	Latest(ctx context.Context, collection string) (*Document, error)
	// SubscribeLatest calls fn with the current latest document (nil when the
	// collection is empty) and again after every change. Callbacks for one
	// subscription never overlap.
	SubscribeLatest(ctx context.Context, collection string, fn func(*Document)) (Subscription, error)
}

// Subscription is a live SubscribeLatest registration. After Close returns
// no further callbacks run. Close must not be called from the callback.
type Subscription interface {
	Close() error
}

// EncodeObject marshals data and checks that it is a JSON object.
func EncodeObject(data any) (json.RawMessage, error) {
	var raw []byte
	switch v := data.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode document: %w", err)
		}
		raw = b
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, errors.New("encode document: data must be a JSON object")
	}
	return json.RawMessage(trimmed), nil
}
