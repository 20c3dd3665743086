package relay

import (
	"context"
	"sync"

	"github.com/Qwaper/BigD-Gram/internal/remote"
)

// LocalStore is an in-process remote.Store bound to a Hub. It behaves like one client
// connection whose liveness can be toggled, which makes disconnect fallbacks observable
// without a network.
type LocalStore struct {
	hub *Hub

	mu       sync.Mutex
	conn     *Conn
	closed   bool
	nextID   uint64
	liveness map[uint64]*remote.Mailbox[bool]
}

var _ remote.Store = (*LocalStore)(nil)

// NewLocalStore returns a connected store.
func NewLocalStore(hub *Hub) *LocalStore {
	return &LocalStore{
		hub:      hub,
		conn:     hub.Connect("", nil),
		liveness: make(map[uint64]*remote.Mailbox[bool]),
	}
}

// SetConnected simulates the connection opening or dropping. Dropping it fires the
// armed disconnect fallbacks.
func (s *LocalStore) SetConnected(connected bool) {
	s.mu.Lock()
	if s.closed || connected == (s.conn != nil) {
		s.mu.Unlock()
		return
	}
	var lost *Conn
	if connected {
		s.conn = s.hub.Connect("", nil)
	} else {
		lost, s.conn = s.conn, nil
	}
	boxes := make([]*remote.Mailbox[bool], 0, len(s.liveness))
	for _, b := range s.liveness {
		boxes = append(boxes, b)
	}
	s.mu.Unlock()

	if lost != nil {
		lost.Close()
	}
	for _, b := range boxes {
		b.Put(connected)
	}
}

// Close drops the connection and stops liveness delivery.
func (s *LocalStore) Close() {
	s.SetConnected(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, b := range s.liveness {
		b.Close()
		delete(s.liveness, id)
	}
}

func (s *LocalStore) current() (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, remote.ErrClosed
	}
	if s.conn == nil {
		return nil, remote.ErrDisconnected
	}
	return s.conn, nil
}

func (s *LocalStore) Get(ctx context.Context, path string) (remote.Record, bool, error) {
	if _, err := s.current(); err != nil {
		return remote.Record{}, false, err
	}
	return s.hub.Get(ctx, path)
}

func (s *LocalStore) Set(ctx context.Context, path string, value any, opts remote.SetOptions) error {
	conn, err := s.current()
	if err != nil {
		return &remote.WriteError{Op: "set", Path: path, Err: err}
	}
	data, err := remote.Encode(value)
	if err != nil {
		return &remote.WriteError{Op: "set", Path: path, Err: err}
	}
	if err := conn.Set(ctx, path, data, opts.FailIfExists); err != nil {
		return &remote.WriteError{Op: "set", Path: path, Err: err}
	}
	return nil
}

func (s *LocalStore) Merge(ctx context.Context, path string, partial map[string]any) error {
	conn, err := s.current()
	if err != nil {
		return &remote.WriteError{Op: "merge", Path: path, Err: err}
	}
	fields, err := remote.EncodeFields(partial)
	if err != nil {
		return &remote.WriteError{Op: "merge", Path: path, Err: err}
	}
	if err := conn.Merge(ctx, path, fields); err != nil {
		return &remote.WriteError{Op: "merge", Path: path, Err: err}
	}
	return nil
}

func (s *LocalStore) Append(ctx context.Context, collection string, value any) (string, error) {
	conn, err := s.current()
	if err != nil {
		return "", &remote.WriteError{Op: "append", Path: collection, Err: err}
	}
	data, err := remote.Encode(value)
	if err != nil {
		return "", &remote.WriteError{Op: "append", Path: collection, Err: err}
	}
	key, err := conn.Append(ctx, collection, data)
	if err != nil {
		return "", &remote.WriteError{Op: "append", Path: collection, Err: err}
	}
	return key, nil
}

// SubscribeCollection never reports asynchronous errors; onError may be nil.
func (s *LocalStore) SubscribeCollection(ctx context.Context, path string, q remote.Query, onSnapshot func(remote.Snapshot), onError func(error)) (remote.Subscription, error) {
	if _, err := s.current(); err != nil {
		return nil, &remote.SubscriptionError{Path: path, Err: err}
	}
	cancel, err := s.hub.Subscribe(ctx, path, q, onSnapshot)
	if err != nil {
		return nil, &remote.SubscriptionError{Path: path, Err: err}
	}
	return remote.SubscriptionFunc(cancel), nil
}

func (s *LocalStore) SubscribeLiveness(onChange func(bool)) (remote.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, remote.ErrClosed
	}
	s.nextID++
	id := s.nextID
	box := remote.NewMailbox(onChange)
	s.liveness[id] = box
	box.Put(s.conn != nil)

	var once sync.Once
	return remote.SubscriptionFunc(func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.liveness, id)
			s.mu.Unlock()
			box.Close()
		})
	}), nil
}

func (s *LocalStore) OnDisconnect(_ context.Context, path string, value any) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	data, err := remote.Encode(value)
	if err != nil {
		return err
	}
	return conn.OnDisconnect(path, data)
}

func (s *LocalStore) CancelOnDisconnect(_ context.Context, path string) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	conn.CancelOnDisconnect(path)
	return nil
}
