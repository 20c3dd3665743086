package main

import (
	"fmt"
	"io"
	"time"

	"github.com/Qwaper/BigD-Gram/internal/model"
	"github.com/Qwaper/BigD-Gram/internal/session"
)

func presenceDot(online bool) string {
	if online {
		return "●"
	}
	return "○"
}

func printSearch(w io.Writer, r session.SearchResult) {
	status := "not a contact"
	if r.IsContact {
		status = "contact"
	}
	fmt.Fprintf(w, "%s @%s  %s  %s\n", presenceDot(r.Online), r.Profile.NormalizedHandle, r.Profile.ID, status)
}

func printView(w io.Writer, v session.View) {
	fmt.Fprintf(w, "== %s\n", v.Me.DisplayName)

	fmt.Fprintln(w, "contacts:")
	if len(v.Contacts) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, c := range v.Contacts {
		fmt.Fprintf(w, "  %s %s\n", presenceDot(c.Online), c.DisplayName)
	}

	fmt.Fprintln(w, "online:")
	if len(v.Online) == 0 {
		fmt.Fprintln(w, "  (nobody)")
	}
	for _, u := range v.Online {
		fmt.Fprintf(w, "  %s\n", u.DisplayName)
	}

	if v.Header.PeerID == "" {
		return
	}
	fmt.Fprintf(w, "chat with %s (%s):\n", v.Header.Title, v.Header.State)
	for _, m := range v.Messages {
		from := v.Header.Title
		if m.SenderID == v.Me.UserID {
			from = "me"
		}
		body := m.Text
		if m.Kind == model.MessageImage {
			body = fmt.Sprintf("[image %s] %s", m.AttachmentURL, m.Text)
		}
		fmt.Fprintf(w, "  %s %s: %s\n", m.CreatedAt.Local().Format(time.TimeOnly), from, body)
	}
}
