// ABOUTME: send command: seals one message for a thread and waits for the gateway echo
// ABOUTME: Prints the server-assigned message id

package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/hush-gateway/internal/client"
	"github.com/2389/hush-gateway/internal/protocol"
)

// send <thread> <peer> <message>: encrypt and send, waiting for the echo.
func sendCmd() *cobra.Command {
	var (
		group   bool
		replyTo string
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <thread> <peer> <message>",
		Short: "Encrypt and send a message to a thread",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, peer, text := args[0], args[1], args[2]

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()

			sentID := make(chan string, 1)
			m := s.messenger(func(msg client.Message) {
				if msg.From == s.identity && msg.Status == protocol.StatusSent && msg.ID != "" {
					select {
					case sentID <- msg.ID:
					default:
					}
				}
			}, nil)
			m.AddThread(client.Thread{ID: threadID, Kind: threadKind(group), Peer: peer})

			ctx, cancel := signalContext()
			defer cancel()
			if err := s.connect(ctx, wait); err != nil {
				return err
			}

			if replyTo != "" {
				_, err = m.Reply(ctx, threadID, replyTo, text)
			} else {
				_, err = m.Send(ctx, threadID, text)
			}
			if err != nil {
				return err
			}

			select {
			case id := <-sentID:
				fmt.Println(id)
				return nil
			case <-time.After(wait):
				return errors.New("no acknowledgement from gateway")
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	cmd.Flags().BoolVar(&group, "group", false, "thread is a plaintext group thread")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "id of the message being replied to")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for the gateway")
	return cmd
}
