// ABOUTME: keygen command: creates or rotates the identity keypair
// ABOUTME: Publishes the public half to the gateway key directory

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/hush-gateway/internal/e2ee"
)

// keygen: create (or rotate) the identity keypair and publish its public half.
func keygenCmd() *cobra.Command {
	var rotate bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the identity keypair and publish the public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.close()

			if rotate {
				kp, err := e2ee.GenerateKeyPair(nil)
				if err != nil {
					return err
				}
				if err := s.keystore.SaveKeyPair(kp); err != nil {
					return fmt.Errorf("saving keypair: %w", err)
				}
				// Sessions derived from the old private key are useless now.
				s.engine.Reset(kp)
				if err := s.keystore.ClearSessions(); err != nil {
					return fmt.Errorf("clearing sessions: %w", err)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			pub := s.engine.KeyPair().PublicKeyString()
			if err := s.api.PublishKey(ctx, pub); err != nil {
				return fmt.Errorf("publishing key: %w", err)
			}
			fmt.Printf("%s %s\n", s.identity, pub)
			return nil
		},
	}
	cmd.Flags().BoolVar(&rotate, "rotate", false, "replace the existing keypair")
	return cmd
}
