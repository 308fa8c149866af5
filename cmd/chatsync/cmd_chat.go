package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	chatsync "github.com/putto11262002/chatsync/app"
	"github.com/putto11262002/chatsync/core"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	chatUsername string
	chatToken    string
	chatWith     string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Connect to the remote and chat from the terminal",
	Long: `Connect to the remote and chat from the terminal.

With --with, the session with that user is resolved and entered, its history
is printed and every line read from stdin is sent to it. Lines starting with
/edit <id> <text>, /delete <id>, /read and /typing are commands.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatUsername, "username", "u", "", "connect as this user")
	chatCmd.Flags().StringVar(&chatToken, "token", "", "auth token sent as the auth cookie")
	chatCmd.Flags().StringVarP(&chatWith, "with", "w", "", "open the session with this user")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	if chatUsername != "" {
		config.Auth.Username = chatUsername
	}
	if chatToken != "" {
		config.Auth.Token = chatToken
	}

	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := cmd.OutOrStdout()
	app, err := chatsync.New(config,
		chatsync.WithLogger(newLogger(config.LogLevel)),
		chatsync.WithMessageHandler(func(m core.Message) {
			printMessage(out, m)
		}),
	)
	if err != nil {
		return err
	}
	app.OnStateChange(func(s core.ConnState) {
		fmt.Fprintf(out, "* %s\n", s)
	})

	user := core.User{Username: config.Auth.Username, Token: config.Auth.Token}
	connectCtx, cancelConnect := context.WithTimeout(ctx, 30*time.Second)
	err = app.Connect(connectCtx, user)
	cancelConnect()
	if err != nil {
		app.Close(context.Background())
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Run(gctx)
	})

	if chatWith != "" {
		room, err := app.SyncAndEnter(ctx, core.Room{User1ID: user.Username, User2ID: chatWith})
		if err != nil {
			cancel()
			g.Wait()
			return err
		}
		fmt.Fprintf(out, "* session %d with %s\n", room.ID, chatWith)
		if err := app.LoadMessages(room.ID, 0, 0); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
		go func() {
			defer cancel()
			readInput(gctx, cmd.InOrStdin(), out, app, room)
		}()
		go printHistory(gctx, out, app)
	}

	return g.Wait()
}

func printMessage(w io.Writer, m core.Message) {
	fmt.Fprintf(w, "[%d] %s: %s\n", m.ID, m.From, m.Content)
}

// printHistory prints the active session once its first history page has arrived.
func printHistory(ctx context.Context, w io.Writer, app *chatsync.App) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if app.Loading() {
				continue
			}
			for _, m := range app.Messages() {
				printMessage(w, m)
			}
			return
		}
	}
}

// readInput sends every line of r to room until r is exhausted or ctx is done.
func readInput(ctx context.Context, r io.Reader, w io.Writer, app *chatsync.App, room core.Room) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runLine(app, room, line); err != nil {
			fmt.Fprintf(w, "! %v\n", err)
		}
	}
}

func runLine(app *chatsync.App, room core.Room, line string) error {
	if !strings.HasPrefix(line, "/") {
		_, err := app.SendMessage(core.Message{SessionID: room.ID, Content: line})
		return err
	}

	name, rest, _ := strings.Cut(line[1:], " ")
	switch name {
	case "edit":
		idText, text, _ := strings.Cut(rest, " ")
		var id int64
		if _, err := fmt.Sscan(idText, &id); err != nil {
			return fmt.Errorf("edit: invalid message id %q", idText)
		}
		return app.EditMessage(id, text)
	case "delete":
		var id int64
		if _, err := fmt.Sscan(rest, &id); err != nil {
			return fmt.Errorf("delete: invalid message id %q", rest)
		}
		return app.DestroyMessage(core.DestroyRequest{MessageID: id, SessionID: room.ID})
	case "read":
		return app.MarkAsRead(room.ID)
	case "typing":
		return app.SendTyping(room.ID)
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}
