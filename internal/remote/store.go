// Package remote defines the contract between the sync core and the remote data store.
//
// A Store exposes single-record reads and writes, store-assigned appends,
// collection subscriptions that always emit the complete current child set,
// a connection liveness stream and server-side disconnect fallbacks.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
)

// Record is one child of a collection.
type Record struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the record payload into v.
func (r Record) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode record %q: %w", r.Key, err)
	}
	return nil
}

// Snapshot is the full current content of a subscribed collection.
// Consumers replace their cached view with it; it is never a delta.
type Snapshot struct {
	Path    string
	Records []Record
}

// SetOptions controls Set.
type SetOptions struct {
	// FailIfExists turns Set into an atomic create-if-absent returning ErrAlreadyExists.
	FailIfExists bool
}

// Query orders and bounds a collection subscription.
type Query struct {
	OrderBy     string `json:"orderBy,omitempty"`
	LimitToLast int    `json:"limitToLast,omitempty"`
}

// Subscription is a live stream handle. Stop is idempotent and does not block on
// callbacks; a callback already in flight may still run after Stop returns.
type Subscription interface {
	Stop()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Stop() { f() }

// Store is the remote store adapter.
type Store interface {
	// Get reads one record. found is false when nothing is stored at path.
	Get(ctx context.Context, path string) (rec Record, found bool, err error)
	// Set replaces the record at path with value.
	Set(ctx context.Context, path string, value any, opts SetOptions) error
	// Merge writes the given top-level fields, creating the record if absent.
	Merge(ctx context.Context, path string, partial map[string]any) error
	// Append adds value under collection with a store-assigned, time-ordered key.
	Append(ctx context.Context, collection string, value any) (key string, err error)
	// SubscribeCollection streams full snapshots of the children of path.
	SubscribeCollection(ctx context.Context, path string, q Query, onSnapshot func(Snapshot), onError func(error)) (Subscription, error)
	// SubscribeLiveness streams whether the connection to the store is open.
	SubscribeLiveness(onChange func(connected bool)) (Subscription, error)
	// OnDisconnect arms a server-side write of value to path that fires once when the
	// connection is lost.
	OnDisconnect(ctx context.Context, path string, value any) error
	// CancelOnDisconnect disarms a fallback registered for path.
	CancelOnDisconnect(ctx context.Context, path string) error
}

// Encode marshals a write payload; values that already are JSON pass through.
func Encode(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return b, nil
}
