package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"

	"github.com/Qwaper/BigD-Gram/internal/attachment"
	"github.com/Qwaper/BigD-Gram/internal/config"
	"github.com/Qwaper/BigD-Gram/internal/identity"
	"github.com/Qwaper/BigD-Gram/internal/logging"
	"github.com/Qwaper/BigD-Gram/internal/relay"
	"github.com/Qwaper/BigD-Gram/internal/remote/wsclient"
	"github.com/Qwaper/BigD-Gram/internal/session"
)

// appEnv carries the resolved configuration into subcommands.
type appEnv struct {
	cfg     *config.ClientConfig
	offline bool
}

// app is one session client and the transport behind it.
type app struct {
	client *session.Client
	close  func()
}

// connect builds a session client against the relay, or against a fresh in-process relay
// when offline.
func (e *appEnv) connect() *app {
	if e.offline {
		w := newOfflineWorld()
		return w.app(e.cfg.MessageWindow)
	}

	logger := logging.Component("chatctl")
	rc := resty.New().
		SetBaseURL(e.cfg.RelayURL).
		SetTimeout(e.cfg.HTTPTimeout)
	provider := identity.NewHTTPProvider(rc)
	ws := wsclient.Dial(wsclient.Options{
		URL:        e.cfg.StreamURL(),
		MinBackoff: e.cfg.MinBackoff,
		MaxBackoff: e.cfg.MaxBackoff,
		Logger:     &logger,
		Refresh:    provider.RefreshAccessToken,
	})
	client := session.New(session.Options{
		Store:         ws,
		Identity:      provider,
		Uploader:      attachment.NewHTTPUploader(rc, provider.AccessToken),
		MessageWindow: e.cfg.MessageWindow,
		SetToken:      ws.SetAccessToken,
		Logger:        &logger,
	})
	return &app{
		client: client,
		close: func() {
			_ = client.Close()
			_ = ws.Close()
		},
	}
}

// signIn authenticates with the configured identifier and secret.
func (e *appEnv) signIn(ctx context.Context, a *app) error {
	if e.cfg.Identifier == "" {
		return errors.New("no identity: pass --as or set BIGD_IDENTIFIER")
	}
	if e.cfg.Secret == "" {
		return errors.New("no secret: pass --secret or set BIGD_SECRET")
	}
	if _, err := a.client.SignIn(ctx, e.cfg.Identifier, e.cfg.Secret); err != nil {
		return fmt.Errorf("sign in as %s: %w", e.cfg.Identifier, err)
	}
	return nil
}

// offlineWorld is an in-process relay with an in-memory identity directory and blob store.
type offlineWorld struct {
	hub      *relay.Hub
	dir      *identity.Directory
	uploader *attachment.Memory
}

func newOfflineWorld() *offlineWorld {
	return &offlineWorld{
		hub:      relay.NewHub(relay.NewMemoryBackend(), relay.WithLogger(logging.Component("relay"))),
		dir:      identity.NewDirectory(),
		uploader: attachment.NewMemory(),
	}
}

func (w *offlineWorld) app(window int) *app {
	store := relay.NewLocalStore(w.hub)
	logger := logging.Component("chatctl")
	client := session.New(session.Options{
		Store:         store,
		Identity:      w.dir.Provider(),
		Uploader:      w.uploader,
		MessageWindow: window,
		Logger:        &logger,
	})
	return &app{
		client: client,
		close: func() {
			_ = client.Close()
			store.Close()
		},
	}
}

// waitView blocks until pred holds for a view of c or ctx ends.
func waitView(ctx context.Context, c *session.Client, pred func(session.View) bool) (session.View, error) {
	matched := make(chan session.View, 1)
	cancel := c.Subscribe(func(v session.View) {
		if pred(v) {
			select {
			case matched <- v:
			default:
			}
		}
	})
	defer cancel()

	select {
	case v := <-matched:
		return v, nil
	case <-ctx.Done():
		return session.View{}, ctx.Err()
	}
}
