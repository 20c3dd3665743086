// Package relay is the server side of the remote store: it persists records through a
// Backend, fans out full collection snapshots to subscribers and executes the
// disconnect fallbacks armed by each connection.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/remote"
)

// Hub serialises writes and notifies subscribers of the written collection.
type Hub struct {
	backend Backend
	log     zerolog.Logger
	now     func() time.Time

	// writeMu orders every write with the snapshots it produces, so a subscriber's
	// last delivered snapshot always reflects the last write.
	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]map[uint64]*hubSub
	conns  map[uint64]*Conn
	nextID uint64

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

type hubSub struct {
	id    uint64
	path  string
	query remote.Query
	box   *remote.Mailbox[remote.Snapshot]
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithClock overrides the clock used for server timestamps and record times.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// WithLogger sets the hub logger.
func WithLogger(l zerolog.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// NewHub returns a hub persisting through backend.
func NewHub(backend Backend, opts ...HubOption) *Hub {
	h := &Hub{
		backend: backend,
		log:     log.With().Str("component", "relay").Logger(),
		now:     time.Now,
		subs:    make(map[string]map[uint64]*hubSub),
		conns:   make(map[uint64]*Conn),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Get reads one record.
func (h *Hub) Get(ctx context.Context, path string) (remote.Record, bool, error) {
	if err := documentPath(path); err != nil {
		return remote.Record{}, false, err
	}
	rec, ok, err := h.backend.Get(ctx, path)
	if err != nil || !ok {
		return remote.Record{}, false, err
	}
	return remote.Record{Key: rec.Key, Data: rec.Data}, true, nil
}

// Set stores data at path. With failIfExists it is an atomic create-if-absent.
func (h *Hub) Set(ctx context.Context, path string, data json.RawMessage, failIfExists bool) error {
	return h.set(ctx, nil, path, data, failIfExists)
}

// set writes on behalf of from, which is nil for writes that belong to no connection.
func (h *Hub) set(ctx context.Context, from *Conn, path string, data json.RawMessage, failIfExists bool) (err error) {
	op := "set"
	if failIfExists {
		op = "create"
	}
	defer func() { writesTotal.WithLabelValues(op, outcome(err)).Inc() }()

	rec, err := h.record(path, data)
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if err := h.store(ctx, rec, failIfExists); err != nil {
		return err
	}
	if from != nil {
		h.supersede(from, path)
	}
	return nil
}

func (h *Hub) record(path string, data json.RawMessage) (model.Record, error) {
	if err := documentPath(path); err != nil {
		return model.Record{}, err
	}
	now := h.now()
	data, err := remote.ResolveServerTimestamps(data, now)
	if err != nil {
		return model.Record{}, err
	}
	parent, key := remote.Split(path)
	return model.Record{Path: path, Parent: parent, Key: key, Data: data, CreatedAt: now, UpdatedAt: now}, nil
}

// store must be called with writeMu held.
func (h *Hub) store(ctx context.Context, rec model.Record, failIfExists bool) error {
	var err error
	if failIfExists {
		err = h.backend.Create(ctx, rec)
	} else {
		err = h.backend.Put(ctx, rec)
	}
	if err != nil {
		return err
	}
	h.notify(ctx, rec.Parent)
	return nil
}

// Merge writes top-level fields into the record at path.
func (h *Hub) Merge(ctx context.Context, path string, fields map[string]json.RawMessage) error {
	return h.merge(ctx, nil, path, fields)
}

func (h *Hub) merge(ctx context.Context, from *Conn, path string, fields map[string]json.RawMessage) (err error) {
	defer func() { writesTotal.WithLabelValues("merge", outcome(err)).Inc() }()

	if err := documentPath(path); err != nil {
		return err
	}
	if len(fields) == 0 {
		return fmt.Errorf("merge %s: no fields", path)
	}
	now := h.now()
	remote.ResolveFields(fields, now)

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if _, err := h.backend.Merge(ctx, path, fields, now); err != nil {
		return err
	}
	parent, _ := remote.Split(path)
	h.notify(ctx, parent)
	if from != nil {
		h.supersede(from, path)
	}
	return nil
}

// Append stores data under collection with a new ULID key.
func (h *Hub) Append(ctx context.Context, collection string, data json.RawMessage) (string, error) {
	return h.append(ctx, nil, collection, data)
}

func (h *Hub) append(ctx context.Context, from *Conn, collection string, data json.RawMessage) (string, error) {
	if err := collectionPath(collection); err != nil {
		return "", err
	}
	key, err := h.newKey()
	if err != nil {
		return "", err
	}
	if err := h.set(ctx, from, collection+"/"+key, data, true); err != nil {
		return "", err
	}
	return key, nil
}

// supersede drops the fallbacks that connections other than from armed for path.
// writeMu must be held.
func (h *Hub) supersede(from *Conn, path string) {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c != from {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	for _, c := range conns {
		if c.disarm(path) {
			h.log.Debug().Uint64("conn", c.id).Uint64("by", from.id).Str("path", path).Msg("disconnect fallback superseded")
		}
	}
}

// fireFallback writes the fallback c armed for path, if it is still armed.
func (h *Hub) fireFallback(ctx context.Context, c *Conn, path string) (fired bool, err error) {
	defer func() {
		if fired || err != nil {
			writesTotal.WithLabelValues("set", outcome(err)).Inc()
		}
	}()

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	c.mu.Lock()
	data, ok := c.fallbacks[path]
	delete(c.fallbacks, path)
	c.mu.Unlock()
	if !ok {
		return false, nil
	}

	rec, err := h.record(path, data)
	if err != nil {
		return false, err
	}
	if err := h.store(ctx, rec, false); err != nil {
		return false, err
	}
	return true, nil
}

func (h *Hub) newKey() (string, error) {
	h.idMu.Lock()
	defer h.idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(h.now()), h.entropy)
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return id.String(), nil
}

// Subscribe registers sink for full snapshots of the children of path. The current
// snapshot is delivered first. sink runs on a dedicated goroutine per subscription.
func (h *Hub) Subscribe(ctx context.Context, path string, q remote.Query, sink func(remote.Snapshot)) (cancel func(), err error) {
	if err := collectionPath(path); err != nil {
		return nil, err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	records, err := h.backend.List(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}

	h.mu.Lock()
	h.nextID++
	sub := &hubSub{id: h.nextID, path: path, query: q, box: remote.NewMailbox(sink)}
	if h.subs[path] == nil {
		h.subs[path] = make(map[uint64]*hubSub)
	}
	h.subs[path][sub.id] = sub
	h.mu.Unlock()
	subscriptionsActive.Inc()

	sub.box.Put(snapshotOf(path, records, q))
	snapshotsSent.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[path], sub.id)
			if len(h.subs[path]) == 0 {
				delete(h.subs, path)
			}
			h.mu.Unlock()
			sub.box.Close()
			subscriptionsActive.Dec()
		})
	}, nil
}

// notify must be called with writeMu held.
func (h *Hub) notify(ctx context.Context, parent string) {
	h.mu.Lock()
	subs := make([]*hubSub, 0, len(h.subs[parent]))
	for _, s := range h.subs[parent] {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	if len(subs) == 0 {
		return
	}

	records, err := h.backend.List(context.WithoutCancel(ctx), parent)
	if err != nil {
		h.log.Error().Err(err).Str("path", parent).Msg("list for snapshot failed")
		return
	}
	for _, s := range subs {
		s.box.Put(snapshotOf(parent, records, s.query))
		snapshotsSent.Inc()
	}
}

func snapshotOf(path string, records []model.Record, q remote.Query) remote.Snapshot {
	out := make([]remote.Record, 0, len(records))
	for _, r := range records {
		out = append(out, remote.Record{Key: r.Key, Data: r.Data})
	}
	return remote.Snapshot{Path: path, Records: remote.Apply(out, q)}
}

// Shutdown closes every attached connection, firing their fallbacks.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if c.closer != nil {
			c.closer()
		}
		c.Close()
	}
}

func documentPath(path string) error {
	if err := remote.ValidatePath(path); err != nil {
		return err
	}
	if !remote.IsDocumentPath(path) {
		return fmt.Errorf("%w: %q is a collection", remote.ErrInvalidPath, path)
	}
	return nil
}

func collectionPath(path string) error {
	if err := remote.ValidatePath(path); err != nil {
		return err
	}
	if remote.IsDocumentPath(path) {
		return fmt.Errorf("%w: %q is a record", remote.ErrInvalidPath, path)
	}
	return nil
}
