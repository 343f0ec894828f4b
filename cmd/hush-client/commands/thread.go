// ABOUTME: thread and react commands: create a thread over HTTP, react to a message over the socket
// ABOUTME: Online participants of a new thread are told about it by the gateway

package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/hush-gateway/internal/protocol"
)

// thread <participant>...: create a thread that includes the caller.
func threadCmd() *cobra.Command {
	var (
		group bool
		id    string
	)
	cmd := &cobra.Command{
		Use:   "thread <participant>...",
		Short: "Create a thread with other identities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			t, err := s.api.CreateThread(ctx, id, threadKind(group), args...)
			if err != nil {
				return err
			}
			fmt.Println(t.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&group, "group", false, "create a plaintext group thread")
	cmd.Flags().StringVar(&id, "id", "", "thread id (generated by the gateway when empty)")
	return cmd
}

// react <message> <emoji>: add or remove a reaction, waiting for the relay.
func reactCmd() *cobra.Command {
	var (
		remove bool
		wait   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "react <message> <emoji>",
		Short: "Add or remove a reaction on a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			messageID, emoji := args[0], args[1]

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()

			m := s.messenger(nil, nil)
			done := make(chan error, 1)
			s.client.OnFrame(func(f protocol.Frame) {
				switch f.Op {
				case protocol.OpChatReaction:
					var d protocol.ReactionUpdateData
					if f.Bind(&d) != nil || d.ProfileID != s.identity || d.MessageID != messageID {
						return
					}
					select {
					case done <- nil:
					default:
					}
				case protocol.OpError:
					var d protocol.ErrorData
					if f.Bind(&d) != nil || d.Op != protocol.OpChatReaction {
						return
					}
					select {
					case done <- fmt.Errorf("%s: %s", d.Code, d.Message):
					default:
					}
				}
			})

			ctx, cancel := signalContext()
			defer cancel()
			if err := s.connect(ctx, wait); err != nil {
				return err
			}
			if err := m.React(messageID, emoji, remove); err != nil {
				return err
			}

			select {
			case err := <-done:
				return err
			case <-time.After(wait):
				return errors.New("no relay from gateway; the reaction may already be in that state")
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "remove the reaction instead of adding it")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the gateway")
	return cmd
}
