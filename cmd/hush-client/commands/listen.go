// ABOUTME: listen command: prints decrypted messages, status updates, reactions and new threads until interrupted
// ABOUTME: Optionally sends read receipts as messages are shown

package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/hush-gateway/internal/client"
)

// listen: stay connected and print incoming messages and receipts.
func listenCmd() *cobra.Command {
	var markRead bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print incoming messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()

			var m *client.Messenger
			m = s.newMessenger(client.MessengerParams{
				OnMessage: func(msg client.Message) {
					if msg.From == s.identity {
						return
					}
					marker := ""
					if msg.Edited {
						marker = " (edited)"
					}
					fmt.Printf("%s [%s] %s: %s%s\n", msg.CreatedAt.Format(time.TimeOnly), msg.ThreadID, msg.From, msg.Body, marker)
					if markRead {
						if err := m.MarkRead(msg.ThreadID); err != nil {
							s.logger.Warn("read receipt failed", "thread_id", msg.ThreadID, "error", err)
						}
					}
				},
				OnStatus: func(u client.StatusUpdate) {
					fmt.Printf("%s %s %s\n", u.At.Format(time.TimeOnly), u.MessageID, u.Status)
				},
				OnReaction: func(r client.Reaction) {
					verb := "reacted"
					if r.Removed {
						verb = "unreacted"
					}
					fmt.Printf("%s [%s] %s %s %s to %s\n", r.At.Format(time.TimeOnly), r.ThreadID, r.From, verb, r.Emoji, r.MessageID)
				},
				OnThread: func(t client.Thread) {
					fmt.Printf("new %s thread %s %s\n", t.Kind, t.ID, t.Peer)
				},
			})

			s.client.OnStatus(func(st client.State) {
				s.logger.Info("connection state", "state", st.String())
			})

			ctx, cancel := signalContext()
			defer cancel()
			if err := s.connect(ctx, 15*time.Second); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&markRead, "read", false, "send read receipts as messages are printed")
	return cmd
}
