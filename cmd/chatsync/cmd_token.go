package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/putto11262002/chatsync/internal/peer"
	"github.com/spf13/cobra"
)

var (
	tokenSecret string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <username>",
	Short: "Sign a token accepted by the development peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenSecret == "" {
			return errors.New("secret is a required field")
		}
		token, exp, err := peer.NewToken(args[0], tokenTTL, []byte(tokenSecret))
		if err != nil {
			return fmt.Errorf("sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", exp.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv("CHATSYNC_PEER_SECRET"), "token signing secret (env CHATSYNC_PEER_SECRET)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", peer.TokenTTL, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}
