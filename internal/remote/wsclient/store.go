package wsclient

import (
	"context"
	"sync"

	"github.com/Qwaper/BigD-Gram/internal/remote"
	"github.com/Qwaper/BigD-Gram/internal/wire"
)

func (c *Client) Get(ctx context.Context, path string) (remote.Record, bool, error) {
	reply, err := c.request(ctx, wire.Frame{Op: wire.OpGet, Path: path})
	if err != nil {
		return remote.Record{}, false, err
	}
	if !reply.Found {
		return remote.Record{}, false, nil
	}
	return remote.Record{Key: reply.Key, Data: reply.Data}, true, nil
}

func (c *Client) Set(ctx context.Context, path string, value any, opts remote.SetOptions) error {
	data, err := remote.Encode(value)
	if err != nil {
		return &remote.WriteError{Op: "set", Path: path, Err: err}
	}
	if _, err := c.request(ctx, wire.Frame{Op: wire.OpSet, Path: path, Data: data, FailIfExists: opts.FailIfExists}); err != nil {
		return &remote.WriteError{Op: "set", Path: path, Err: err}
	}
	return nil
}

func (c *Client) Merge(ctx context.Context, path string, partial map[string]any) error {
	fields, err := remote.EncodeFields(partial)
	if err != nil {
		return &remote.WriteError{Op: "merge", Path: path, Err: err}
	}
	if _, err := c.request(ctx, wire.Frame{Op: wire.OpMerge, Path: path, Fields: fields}); err != nil {
		return &remote.WriteError{Op: "merge", Path: path, Err: err}
	}
	return nil
}

func (c *Client) Append(ctx context.Context, collection string, value any) (string, error) {
	data, err := remote.Encode(value)
	if err != nil {
		return "", &remote.WriteError{Op: "append", Path: collection, Err: err}
	}
	reply, err := c.request(ctx, wire.Frame{Op: wire.OpAppend, Path: collection, Data: data})
	if err != nil {
		return "", &remote.WriteError{Op: "append", Path: collection, Err: err}
	}
	return reply.Key, nil
}

// SubscribeCollection registers the subscription before asking the relay for it, so the
// first snapshot is never lost even when it overtakes the acknowledgement.
func (c *Client) SubscribeCollection(ctx context.Context, path string, q remote.Query, onSnapshot func(remote.Snapshot), onError func(error)) (remote.Subscription, error) {
	s := &subscription{
		id:    c.newSubID(),
		path:  path,
		query: q,
		box:   remote.NewMailbox(onSnapshot),
	}
	if onError != nil {
		s.errBox = remote.NewMailbox(onError)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.close()
		return nil, &remote.SubscriptionError{Path: path, Err: remote.ErrClosed}
	}
	c.subs[s.id] = s
	c.mu.Unlock()

	if _, err := c.request(ctx, wire.Frame{Op: wire.OpSubscribe, Sub: s.id, Path: path, Query: &q}); err != nil {
		c.dropSub(s.id)
		s.close()
		return nil, &remote.SubscriptionError{Path: path, Err: err}
	}

	c.mu.Lock()
	if c.subs[s.id] == s {
		s.settled = true
	}
	c.mu.Unlock()

	var once sync.Once
	return remote.SubscriptionFunc(func() {
		once.Do(func() {
			if !c.dropSub(s.id) {
				return
			}
			s.close()
			c.unsubscribe(s.id)
		})
	}), nil
}

// dropSub reports whether id was still registered.
func (c *Client) dropSub(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[id]; !ok {
		return false
	}
	delete(c.subs, id)
	return true
}

// unsubscribe tells the relay, if connected. A socket that is down has already lost the
// subscription on the relay side.
func (c *Client) unsubscribe(id string) {
	l, _, err := c.current()
	if err != nil || l == nil {
		return
	}
	_ = l.write(wire.Frame{Op: wire.OpUnsubscribe, Sub: id}, c.opts.WriteTimeout)
}

func (c *Client) SubscribeLiveness(onChange func(bool)) (remote.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, remote.ErrClosed
	}
	id := c.nextID.Add(1)
	box := remote.NewMailbox(onChange)
	c.liveness[id] = box
	box.Put(c.link != nil)

	var once sync.Once
	return remote.SubscriptionFunc(func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.liveness, id)
			c.mu.Unlock()
			box.Close()
		})
	}), nil
}

// OnDisconnect arms the fallback on the current socket. It is lost with that socket,
// so callers re-arm it whenever liveness turns true.
func (c *Client) OnDisconnect(ctx context.Context, path string, value any) error {
	data, err := remote.Encode(value)
	if err != nil {
		return err
	}
	_, err = c.request(ctx, wire.Frame{Op: wire.OpOnDisconnect, Path: path, Data: data})
	return err
}

func (c *Client) CancelOnDisconnect(ctx context.Context, path string) error {
	_, err := c.request(ctx, wire.Frame{Op: wire.OpCancelOnDisconnect, Path: path})
	return err
}
