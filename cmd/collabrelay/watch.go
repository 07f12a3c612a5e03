package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	collabrelay "github.com/docsync/collab-relay"
	"github.com/docsync/collab-relay/client"
	"github.com/docsync/collab-relay/protocol"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var (
		serverURL string
		user      protocol.User
	)

	cmd := &cobra.Command{
		Use:   "watch <document-id>",
		Short: "Join a document and log everything that happens on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("server") {
				cfg, err := collabrelay.LoadClientConfig()
				if err != nil {
					return err
				}
				serverURL = cfg.ServerURL
			}
			documentID := args[0]
			if user.ID == "" {
				user.ID = "watcher-" + fmt.Sprint(os.Getpid())
			}
			if user.Name == "" {
				user.Name = user.ID
			}

			c, err := client.New(client.Options{
				ServerURL:  serverURL,
				DocumentID: documentID,
				User:       user,
				Handlers:   watchHandlers(),
				Logger:     &logger,
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err = c.Start(ctx); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
			case <-c.Done():
			}
			c.Close()
			if msg := c.LastError(); msg != "" {
				return errors.New(msg)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "", "Relay base URL (default $COLLAB_SERVER_URL)")
	cmd.Flags().StringVar(&user.ID, "user-id", "", "User ID to join as (default watcher-<pid>)")
	cmd.Flags().StringVar(&user.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&user.Email, "email", "", "Email address")
	cmd.Flags().StringVar(&user.Color, "color", "#888888", "Cursor colour")
	return cmd
}

func watchHandlers() client.Handlers {
	return client.Handlers{
		OnConnect: func() {
			logger.Info().Msg("connected")
		},
		OnPresenceState: func(ev protocol.PresenceState) {
			l := logger.Info().Uint64("version", ev.Version).Int("users", len(ev.Users))
			for _, u := range ev.Users {
				l = l.Str(u.SocketID, u.User.ID)
			}
			l.Msg(protocol.EventPresenceState)
		},
		OnUserJoined: func(ev protocol.UserJoined) {
			logger.Info().Str("socket", ev.SocketID).Str("user", ev.User.ID).Str("name", ev.User.Name).Msg(protocol.EventUserJoined)
		},
		OnUserLeft: func(ev protocol.UserLeft) {
			logger.Info().Str("socket", ev.SocketID).Str("user", ev.UserID).Msg(protocol.EventUserLeft)
		},
		OnDocumentUpdate: func(ev protocol.DocumentUpdate) {
			logger.Info().Str("user", ev.UserID).Uint64("version", ev.Version).Int("bytes", len(ev.Changes)).Msg(protocol.EventDocumentUpdate)
		},
		OnCursorUpdate: func(ev protocol.CursorUpdate) {
			logger.Debug().Str("socket", ev.SocketID).Int("from", ev.Position.From).Int("to", ev.Position.To).Msg(protocol.EventCursorUpdate)
		},
		OnSelectionUpdate: func(ev protocol.SelectionUpdate) {
			logger.Debug().Str("socket", ev.SocketID).Int("from", ev.Selection.From).Int("to", ev.Selection.To).Msg(protocol.EventSelectionUpdate)
		},
	}
}
