package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/putto11262002/chatsync/internal/peer"
	"github.com/putto11262002/chatsync/pkg/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	peerAddr          string
	peerSecret        string
	peerOrigins       []string
	peerConfirmations bool
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Run an in-memory remote for development",
	Long: `Run an in-memory remote for development.

Rooms and messages live in memory and are lost on exit. Tokens are issued to
any username by POST /api/token.`,
	Args: cobra.NoArgs,
	RunE: runPeer,
}

func init() {
	peerCmd.Flags().StringVar(&peerAddr, "addr", ":8080", "listen address")
	peerCmd.Flags().StringVar(&peerSecret, "secret", os.Getenv("CHATSYNC_PEER_SECRET"), "token signing secret (env CHATSYNC_PEER_SECRET)")
	peerCmd.Flags().StringSliceVar(&peerOrigins, "origins", nil, "allowed CORS origins (default any)")
	peerCmd.Flags().BoolVar(&peerConfirmations, "confirmations", false, "answer senders with message-confirmed instead of an echo")
	rootCmd.AddCommand(peerCmd)
}

func runPeer(cmd *cobra.Command, args []string) error {
	if peerSecret == "" {
		return errors.New("secret is a required field")
	}
	level := slog.LevelInfo
	if logLevel != "" {
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return err
		}
	}
	logger := newLogger(level)

	opts := []peer.Option{peer.WithLogger(logger)}
	if peerConfirmations {
		opts = append(opts, peer.WithConfirmations())
	}
	p := peer.New([]byte(peerSecret), opts...)
	p.Start()

	ctx, stop := signalContext()
	defer stop()

	srv := &server.Server{
		Server: &http.Server{
			Addr:    peerAddr,
			Handler: p.Handler(peerOrigins),
		},
		Logger: logger,
		CleanupFuncs: []func(context.Context){
			func(ctx context.Context) {
				timeout := 5 * time.Second
				if deadline, ok := ctx.Deadline(); ok {
					timeout = time.Until(deadline)
				}
				p.Close(timeout)
			},
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	return g.Wait()
}
