// ABOUTME: history command: fetches recent thread messages over HTTP and decrypts them
// ABOUTME: Status is derived from the stored delivered and read timestamps

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/hush-gateway/internal/client"
)

// history <thread> <peer>: fetch and decrypt recent messages of a thread.
func historyCmd() *cobra.Command {
	var (
		group bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history <thread> <peer>",
		Short: "Show recent messages of a thread",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, peer := args[0], args[1]

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()

			m := s.messenger(nil, nil)
			m.AddThread(client.Thread{ID: threadID, Kind: threadKind(group), Peer: peer})

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			msgs, err := s.api.History(ctx, threadID, limit)
			if err != nil {
				return err
			}
			for _, d := range msgs {
				msg := m.Open(ctx, d)
				fmt.Printf("%s %s: %s [%s]\n", msg.CreatedAt.Format(time.DateTime), msg.From, msg.Body, msg.Status)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&group, "group", false, "thread is a plaintext group thread")
	cmd.Flags().IntVar(&limit, "limit", 50, "number of messages")
	return cmd
}
