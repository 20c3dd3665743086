package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Qwaper/BigD-Gram/internal/attachment"
	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/registration"
	"github.com/Qwaper/BigD-Gram/internal/session"
)

const commandTimeout = 30 * time.Second

func newSignupCmd(env func() *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "signup HANDLE CONTACT_ADDRESS",
		Short: "Create an account and reserve a handle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := env()
			if e.cfg.Secret == "" {
				return errors.New("no secret: pass --secret or set BIGD_SECRET")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			a := e.connect()
			defer a.close()
			res, err := a.client.SignUp(ctx, args[0], args[1], e.cfg.Secret)
			if step, ok := registration.FailedStep(err); ok && step > registration.StepCreatingCredential {
				fmt.Fprintf(cmd.ErrOrStderr(), "note: the account for %s was created, but registration stopped while %s\n", args[1], step)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered @%s (%s)\n", res.Profile.NormalizedHandle, res.Session.UserID)
			return nil
		},
	}
}

func newSearchCmd(env func() *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "search HANDLE",
		Short: "Look up a user by handle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := env()
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			a := e.connect()
			defer a.close()
			if err := e.signIn(ctx, a); err != nil {
				return err
			}
			res, err := a.client.SearchByHandle(ctx, args[0])
			if err != nil {
				return err
			}
			printSearch(cmd.OutOrStdout(), res)
			return nil
		},
	}
}

func newAddCmd(env func() *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "add HANDLE",
		Short: "Add a user as a mutual contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := env()
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			a := e.connect()
			defer a.close()
			if err := e.signIn(ctx, a); err != nil {
				return err
			}
			res, err := a.client.SearchByHandle(ctx, args[0])
			if err != nil {
				return err
			}
			convID, err := a.client.AddFriend(ctx, res.Profile.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added @%s, conversation %s\n", res.Profile.NormalizedHandle, convID)
			return nil
		},
	}
}

func newSendCmd(env func() *appEnv) *cobra.Command {
	var image string
	cmd := &cobra.Command{
		Use:   "send HANDLE [TEXT]",
		Short: "Send a message, optionally with an image",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e := env()
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			var text string
			if len(args) == 2 {
				text = args[1]
			}
			var file *attachment.File
			if image != "" {
				f, err := os.Open(image)
				if err != nil {
					return fmt.Errorf("open image: %w", err)
				}
				defer f.Close()
				file = &attachment.File{Name: filepath.Base(image), Body: f}
			}

			a := e.connect()
			defer a.close()
			if err := e.signIn(ctx, a); err != nil {
				return err
			}
			res, err := a.client.SearchByHandle(ctx, args[0])
			if err != nil {
				return err
			}
			if _, err := a.client.OpenConversation(ctx, res.Profile.ID); err != nil {
				return err
			}
			id, err := a.client.SendMessage(ctx, text, file)
			var stale *session.StaleTimestampError
			if errors.As(err, &stale) {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", stale)
				err = nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "Path of an image to attach")
	return cmd
}

func newWatchCmd(env func() *appEnv) *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print contacts, online users and messages as they change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e := env()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := e.connect()
			defer a.close()

			out := cmd.OutOrStdout()
			defer a.client.OnError(func(err error) {
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
			})()
			defer a.client.Subscribe(func(v session.View) {
				if v.Me != nil {
					printView(out, v)
				}
			})()

			signInCtx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()
			if err := e.signIn(signInCtx, a); err != nil {
				return err
			}
			if peer != "" {
				res, err := a.client.SearchByHandle(signInCtx, peer)
				if err != nil {
					return err
				}
				if _, err := a.client.OpenConversation(signInCtx, res.Profile.ID); err != nil {
					return err
				}
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "Handle whose conversation to follow")
	return cmd
}

// newDemoCmd runs two users through sign-up, friending and a message exchange on an
// in-process relay.
func newDemoCmd(env func() *appEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a two-user conversation against an in-process relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e := env()
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			out := cmd.OutOrStdout()

			w := newOfflineWorld()
			alice := w.app(e.cfg.MessageWindow)
			defer alice.close()
			bob := w.app(e.cfg.MessageWindow)
			defer bob.close()

			if _, err := alice.client.SignUp(ctx, "alice", "alice@example.com", "demo-secret"); err != nil {
				return err
			}
			if _, err := bob.client.SignUp(ctx, "bob", "bob@example.com", "demo-secret"); err != nil {
				return err
			}

			found, err := alice.client.SearchByHandle(ctx, "bob")
			if err != nil {
				return err
			}
			if _, err := alice.client.AddFriend(ctx, found.Profile.ID); err != nil {
				return err
			}
			if _, err := alice.client.OpenConversation(ctx, found.Profile.ID); err != nil {
				return err
			}
			me := alice.client.Me()
			if _, err := bob.client.OpenConversation(ctx, me.UserID); err != nil {
				return err
			}
			if _, err := alice.client.SendMessage(ctx, "hello bob", nil); err != nil {
				return err
			}

			v, err := waitView(ctx, bob.client, func(v session.View) bool {
				return len(v.Messages) == 1 && len(v.Contacts) == 1 && v.Header.State == model.PresenceOnline
			})
			if err != nil {
				return fmt.Errorf("waiting for bob's view: %w", err)
			}
			printView(out, v)
			return nil
		},
	}
}
